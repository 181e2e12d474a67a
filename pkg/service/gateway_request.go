package service

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/client"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/money"
	"github.com/google/uuid"
)

// fixed namespace for deterministic PayPal-Request-Id values
var requestIDNamespace = uuid.MustParse("6f1d7c1e-3b0a-4e55-9a51-2c0e6f3f8d20")

const (
	ReturnPath = "/paypal-proxy/v1/return"
	CancelPath = "/paypal-proxy/v1/cancel"
)

var nonDigits = regexp.MustCompile(`[^0-9]`)

// gateway limit on items[].name
const maxItemName = 127

// CorrelationID is the custom_id embedded in the gateway order, read back from IPN.
func CorrelationID(storeAID, storeAOrderID string) string {
	return storeAID + "|" + storeAOrderID
}

// ParseCorrelationID splits a custom_id. The store id never contains '|'.
func ParseCorrelationID(custom string) (storeAID, storeAOrderID string, ok bool) {
	storeAID, storeAOrderID, ok = strings.Cut(custom, "|")
	return storeAID, storeAOrderID, ok && storeAID != "" && storeAOrderID != ""
}

func createRequestID(storeAID, storeAOrderID string) string {
	return uuid.NewSHA1(requestIDNamespace, []byte("create|"+CorrelationID(storeAID, storeAOrderID))).String()
}

func captureRequestID(gatewayOrderID string) string {
	return uuid.NewSHA1(requestIDNamespace, []byte("capture|"+gatewayOrderID)).String()
}

// buildOrderRequest maps a validated Store A order onto a gateway CAPTURE order.
// Buyer-facing return and cancel URLs point back at this service, which then
// redirects to Store A.
func (s *ProxyService) buildOrderRequest(v *validOrder, storeReturn, storeCancel string) *client.OrderRequest {
	r := v.req
	currency := r.Currency

	unit := client.PurchaseUnit{
		Amount: client.Amount{
			CurrencyCode: currency,
			Value:        money.Format(v.total),
		},
		CustomID: CorrelationID(r.StoreAID, r.StoreAOrderID),
	}

	// the gateway rejects itemized orders whose items do not add up to the amount
	if money.Format(v.itemTotal) == money.Format(v.total) {
		unit.Amount.Breakdown = &client.Breakdown{
			ItemTotal: client.Value{CurrencyCode: currency, Value: money.Format(v.itemTotal)},
		}
		for _, it := range v.items {
			name := it.Name
			switch {
			case name != "":
			case it.ProductRef != "":
				name = "Product #" + it.ProductRef
			default:
				name = "Product"
			}
			if rs := []rune(name); len(rs) > maxItemName {
				name = string(rs[:maxItemName])
			}
			unit.Items = append(unit.Items, client.Item{
				Name:       name,
				UnitAmount: client.Value{CurrencyCode: currency, Value: money.Format(it.Price)},
				Quantity:   strconv.Itoa(int(it.Quantity)),
				SKU:        it.ProductRef,
			})
		}
	}

	shippingPref := "NO_SHIPPING"
	if c := r.Customer; c != nil && c.Address != nil && c.Address.Country != "" {
		shippingPref = "SET_PROVIDED_ADDRESS"
		unit.Shipping = &client.Shipping{
			Name: client.ShippingName{FullName: strings.TrimSpace(c.FirstName + " " + c.LastName)},
			Address: client.Address{
				AddressLine1: c.Address.Line1,
				AddressLine2: c.Address.Line2,
				AdminArea2:   c.Address.City,
				AdminArea1:   c.Address.State,
				PostalCode:   c.Address.PostalCode,
				CountryCode:  strings.ToUpper(c.Address.Country),
			},
		}
	}

	req := &client.OrderRequest{
		Intent:        "CAPTURE",
		PurchaseUnits: []client.PurchaseUnit{unit},
		ApplicationContext: client.ApplicationContext{
			ReturnURL:          s.proxyURL(ReturnPath, r.StoreAID, r.StoreAOrderID, "store_a_return_url", storeReturn),
			CancelURL:          s.proxyURL(CancelPath, r.StoreAID, r.StoreAOrderID, "store_a_cancel_url", storeCancel),
			BrandName:          s.opts.BrandName,
			UserAction:         "PAY_NOW",
			ShippingPreference: shippingPref,
		},
	}

	if c := r.Customer; c != nil && c.Email != "" {
		req.Payer = &client.Payer{EmailAddress: c.Email}
		if c.FirstName != "" && c.LastName != "" {
			req.Payer.Name = &client.PayerName{GivenName: c.FirstName, Surname: c.LastName}
		}
		if phone := nonDigits.ReplaceAllString(c.Phone, ""); phone != "" {
			req.Payer.Phone = &client.Phone{}
			req.Payer.Phone.PhoneNumber.NationalNumber = phone
		}
	}
	return req
}

func (s *ProxyService) proxyURL(path, storeAID, storeAOrderID, targetKey, target string) string {
	q := url.Values{}
	q.Set("store_a_id", storeAID)
	q.Set("store_a_order_id", storeAOrderID)
	q.Set(targetKey, target)
	return strings.TrimRight(s.opts.PublicBaseURL, "/") + path + "?" + q.Encode()
}
