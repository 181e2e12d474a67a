package client

import (
	"errors"
	"fmt"
)

// Gateway REST payloads. Only the fields this service reads or writes are modelled.

type OrderRequest struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []PurchaseUnit     `json:"purchase_units"`
	Payer              *Payer             `json:"payer,omitempty"`
	ApplicationContext ApplicationContext `json:"application_context"`
}

type Value struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type Breakdown struct {
	ItemTotal Value `json:"item_total"`
}

type Amount struct {
	CurrencyCode string     `json:"currency_code"`
	Value        string     `json:"value"`
	Breakdown    *Breakdown `json:"breakdown,omitempty"`
}

type Item struct {
	Name       string `json:"name"`
	UnitAmount Value  `json:"unit_amount"`
	Quantity   string `json:"quantity"`
	SKU        string `json:"sku,omitempty"`
}

type PurchaseUnit struct {
	Amount   Amount    `json:"amount"`
	Items    []Item    `json:"items,omitempty"`
	CustomID string    `json:"custom_id,omitempty"`
	Shipping *Shipping `json:"shipping,omitempty"`
}

type Shipping struct {
	Name    ShippingName `json:"name"`
	Address Address      `json:"address"`
}

type ShippingName struct {
	FullName string `json:"full_name"`
}

type Address struct {
	AddressLine1 string `json:"address_line_1,omitempty"`
	AddressLine2 string `json:"address_line_2,omitempty"`
	AdminArea2   string `json:"admin_area_2,omitempty"`
	AdminArea1   string `json:"admin_area_1,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
	CountryCode  string `json:"country_code"`
}

type Payer struct {
	EmailAddress string     `json:"email_address,omitempty"`
	Name         *PayerName `json:"name,omitempty"`
	Phone        *Phone     `json:"phone,omitempty"`
}

type PayerName struct {
	GivenName string `json:"given_name"`
	Surname   string `json:"surname"`
}

type Phone struct {
	PhoneNumber struct {
		NationalNumber string `json:"national_number"`
	} `json:"phone_number"`
}

type ApplicationContext struct {
	ReturnURL          string `json:"return_url"`
	CancelURL          string `json:"cancel_url"`
	BrandName          string `json:"brand_name,omitempty"`
	UserAction         string `json:"user_action,omitempty"`
	ShippingPreference string `json:"shipping_preference,omitempty"`
}

type Link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method,omitempty"`
}

// RemoteOrder is the order resource returned by create, capture and get.
type RemoteOrder struct {
	ID            string               `json:"id"`
	Status        string               `json:"status"`
	Links         []Link               `json:"links"`
	PurchaseUnits []RemotePurchaseUnit `json:"purchase_units"`
}

type RemotePurchaseUnit struct {
	CustomID string `json:"custom_id"`
	Amount   Value  `json:"amount"`
	Payments struct {
		Captures []Capture `json:"captures"`
	} `json:"payments"`
}

type Capture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount Value  `json:"amount"`
}

// ApproveURL is the buyer checkout link, empty if the gateway sent none.
func (o *RemoteOrder) ApproveURL() string {
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

// FirstCapture returns purchase_units[0].payments.captures[0].
func (o *RemoteOrder) FirstCapture() (Capture, bool) {
	if len(o.PurchaseUnits) == 0 || len(o.PurchaseUnits[0].Payments.Captures) == 0 {
		return Capture{}, false
	}
	return o.PurchaseUnits[0].Payments.Captures[0], true
}

// WebhookHeaders are the transmission headers the gateway signs webhooks with.
type WebhookHeaders struct {
	AuthAlgo         string
	CertURL          string
	TransmissionID   string
	TransmissionSig  string
	TransmissionTime string
}

func (h WebhookHeaders) Complete() bool {
	return h.AuthAlgo != "" && h.CertURL != "" && h.TransmissionID != "" &&
		h.TransmissionSig != "" && h.TransmissionTime != ""
}

var ErrNotFound = errors.New("gateway resource not found")

// APIError is a non-2xx gateway response. It never carries credentials.
type APIError struct {
	StatusCode int
	Name       string
	Message    string
	DebugID    string
	Issues     []string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error %d %s (debug_id=%s)", e.StatusCode, e.Name, e.DebugID)
}

func (e *APIError) hasIssue(issue string) bool {
	for _, i := range e.Issues {
		if i == issue {
			return true
		}
	}
	return false
}

// IsAlreadyCaptured reports a capture retry against an order that was captured.
func IsAlreadyCaptured(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.hasIssue("ORDER_ALREADY_CAPTURED")
}

type apiErrorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	DebugID string `json:"debug_id"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
}
