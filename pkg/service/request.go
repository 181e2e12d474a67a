package service

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/money"
)

type CreateOrderRequest struct {
	StoreAID      string        `json:"store_a_id"`
	StoreAOrderID string        `json:"store_a_order_id"`
	Items         []ItemRequest `json:"items"`
	Currency      string        `json:"currency"`
	Total         json.Number   `json:"total"`
	Customer      *Customer     `json:"customer,omitempty"`
	ReturnURL     string        `json:"return_url"`
	CancelURL     string        `json:"cancel_url"`
}

type ItemRequest struct {
	ProductRef string      `json:"product_ref"`
	Name       string      `json:"name,omitempty"`
	Price      json.Number `json:"price"`
	Quantity   int32       `json:"quantity"`
}

type Customer struct {
	FirstName string           `json:"first_name"`
	LastName  string           `json:"last_name"`
	Email     string           `json:"email"`
	Phone     string           `json:"phone"`
	Address   *CustomerAddress `json:"address,omitempty"`
}

type CustomerAddress struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// validOrder is a CreateOrderRequest after boundary checks.
type validOrder struct {
	req       *CreateOrderRequest
	total     model.Money
	itemTotal model.Money
	items     []model.OrderItem
}

func (r *CreateOrderRequest) validate() (*validOrder, error) {
	r.StoreAID = strings.TrimSpace(r.StoreAID)
	r.StoreAOrderID = strings.TrimSpace(r.StoreAOrderID)
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))

	switch {
	case r.StoreAOrderID == "":
		return nil, &ValidationError{Field: "store_a_order_id"}
	case r.StoreAID == "":
		return nil, &ValidationError{Field: "store_a_id"}
	case len(r.Items) == 0:
		return nil, &ValidationError{Field: "items"}
	case r.Currency == "":
		return nil, &ValidationError{Field: "currency"}
	case r.Total == "":
		return nil, &ValidationError{Field: "total"}
	}
	if len(r.Currency) != 3 || strings.IndexFunc(r.Currency, func(c rune) bool { return c < 'A' || c > 'Z' }) >= 0 {
		return nil, &ValidationError{Field: "currency", Reason: "expected ISO 4217 code"}
	}

	total, err := money.Parse(r.Total.String(), r.Currency)
	if err == nil {
		err = money.CheckPrecision(total)
	}
	if err != nil {
		return nil, &ValidationError{Field: "total", Reason: err.Error()}
	}
	if money.IsZero(total) {
		return nil, &ValidationError{Field: "total", Reason: "must be positive"}
	}

	v := &validOrder{req: r, total: total, itemTotal: model.Money{CurrencyCode: r.Currency}}
	for i, it := range r.Items {
		if it.Quantity <= 0 {
			return nil, &ValidationError{Field: fieldName("items", i, "quantity"), Reason: "must be positive"}
		}
		if it.Price == "" {
			return nil, &ValidationError{Field: fieldName("items", i, "price")}
		}
		price, err := money.Parse(it.Price.String(), r.Currency)
		if err == nil {
			err = money.CheckPrecision(price)
		}
		if err != nil {
			return nil, &ValidationError{Field: fieldName("items", i, "price"), Reason: err.Error()}
		}
		line, err := money.MultiplyInt(price, int64(it.Quantity))
		if err == nil {
			v.itemTotal, err = money.Add(v.itemTotal, line)
		}
		if err != nil {
			return nil, &ValidationError{Field: fieldName("items", i, "price"), Reason: err.Error()}
		}
		v.items = append(v.items, model.OrderItem{
			ProductRef: strings.TrimSpace(it.ProductRef),
			Name:       strings.TrimSpace(it.Name),
			Quantity:   it.Quantity,
			Price:      price,
		})
	}
	return v, nil
}

func fieldName(list string, i int, field string) string {
	return list + "[" + strconv.Itoa(i) + "]." + field
}

// CreateResult is returned for both new and already existing orders.
type CreateResult struct {
	OrderID        string
	GatewayOrderID string
	CheckoutURL    string
	Existing       bool
}

func resultOf(o *model.ProxyOrder, existing bool) *CreateResult {
	return &CreateResult{
		OrderID:        o.InternalID,
		GatewayOrderID: o.GatewayOrderID,
		CheckoutURL:    o.CheckoutURL,
		Existing:       existing,
	}
}

// ChangeResult reports what an order-status-change request did.
type ChangeResult struct {
	Order   *model.ProxyOrder
	Applied bool
	Message string
}
