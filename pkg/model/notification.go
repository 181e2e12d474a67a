package model

// Notification is one status update owed to Store A.
type Notification struct {
	StoreAID       string
	StoreAOrderID  string
	InternalID     string
	GatewayOrderID string
	Status         NotifyStatus
	TransactionID  string
	Amount         string
	Reason         string
}

// NotificationPayload is the body POSTed to Store A's update-order endpoint.
// The paypal_* keys mirror the gateway_* ones for Store A builds that still
// read the older names.
type NotificationPayload struct {
	OrderID             string       `json:"order_id"`
	PaymentStatus       NotifyStatus `json:"payment_status"`
	GatewayOrderID      string       `json:"gateway_order_id"`
	TransactionID       string       `json:"transaction_id,omitempty"`
	PaymentAmount       string       `json:"payment_amount,omitempty"`
	Reason              string       `json:"reason,omitempty"`
	PaypalOrderID       string       `json:"paypal_order_id"`
	PaypalTransactionID string       `json:"paypal_transaction_id,omitempty"`
}

func (n Notification) Payload() NotificationPayload {
	return NotificationPayload{
		OrderID:             n.StoreAOrderID,
		PaymentStatus:       n.Status,
		GatewayOrderID:      n.GatewayOrderID,
		TransactionID:       n.TransactionID,
		PaymentAmount:       n.Amount,
		Reason:              n.Reason,
		PaypalOrderID:       n.GatewayOrderID,
		PaypalTransactionID: n.TransactionID,
	}
}
