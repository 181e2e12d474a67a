package model

// EventKind is the normalized meaning of a gateway notification, whichever
// channel delivered it.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventOrderApproved
	EventOrderCompleted
	EventCaptureCompleted
	EventCapturePending
	EventPaymentFailed
	EventCaptureDenied
	EventCaptureRefunded
	EventCaptureReversed
)

var AllEventKinds = []EventKind{
	EventUnknown,
	EventOrderApproved,
	EventOrderCompleted,
	EventCaptureCompleted,
	EventCapturePending,
	EventPaymentFailed,
	EventCaptureDenied,
	EventCaptureRefunded,
	EventCaptureReversed,
}

var eventKindNames = map[EventKind]string{
	EventUnknown:          "unknown",
	EventOrderApproved:    "order_approved",
	EventOrderCompleted:   "order_completed",
	EventCaptureCompleted: "capture_completed",
	EventCapturePending:   "capture_pending",
	EventPaymentFailed:    "payment_failed",
	EventCaptureDenied:    "capture_denied",
	EventCaptureRefunded:  "capture_refunded",
	EventCaptureReversed:  "capture_reversed",
}

func (k EventKind) String() string {
	if n, ok := eventKindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Outcome is what applying an event does to an order.
type Outcome struct {
	// Target is empty for note-only events.
	Target  OrderStatus
	Notify  NotifyStatus
	Capture bool
}

var outcomes = map[EventKind]Outcome{
	EventUnknown:          {},
	EventOrderApproved:    {Target: StatusApproved, Capture: true},
	EventOrderCompleted:   {Target: StatusCompleted, Notify: NotifyCompleted},
	EventCaptureCompleted: {Target: StatusCompleted, Notify: NotifyCompleted},
	EventCapturePending:   {Target: StatusPending, Notify: NotifyPending},
	EventPaymentFailed:    {Target: StatusFailed, Notify: NotifyFailed},
	EventCaptureDenied:    {Target: StatusDenied, Notify: NotifyFailed},
	EventCaptureRefunded:  {Target: StatusRefunded, Notify: NotifyRefunded},
	EventCaptureReversed:  {Target: StatusReversed, Notify: NotifyReversed},
}

// OutcomeOf returns the effect of kind. Unmapped kinds are note-only.
func OutcomeOf(kind EventKind) (Outcome, bool) {
	o, ok := outcomes[kind]
	return o, ok
}

var webhookKinds = map[string]EventKind{
	"CHECKOUT.ORDER.APPROVED":   EventOrderApproved,
	"CHECKOUT.ORDER.COMPLETED":  EventOrderCompleted,
	"PAYMENT.CAPTURE.COMPLETED": EventCaptureCompleted,
	"PAYMENT.CAPTURE.PENDING":   EventCapturePending,
	"PAYMENT.CAPTURE.DENIED":    EventCaptureDenied,
	"PAYMENT.CAPTURE.DECLINED":  EventCaptureDenied,
	"PAYMENT.CAPTURE.REFUNDED":  EventCaptureRefunded,
	"PAYMENT.CAPTURE.REVERSED":  EventCaptureReversed,
}

// WebhookEventKind maps a REST webhook event_type.
func WebhookEventKind(eventType string) EventKind {
	return webhookKinds[eventType]
}

var ipnKinds = map[string]EventKind{
	"Completed":         EventCaptureCompleted,
	"Pending":           EventCapturePending,
	"Failed":            EventPaymentFailed,
	"Expired":           EventPaymentFailed,
	"Denied":            EventCaptureDenied,
	"Refunded":          EventCaptureRefunded,
	"Reversed":          EventCaptureReversed,
	"Canceled_Reversal": EventCaptureReversed,
}

// IPNEventKind maps a legacy IPN payment_status.
func IPNEventKind(paymentStatus string) EventKind {
	return ipnKinds[paymentStatus]
}

// GatewayEvent is a verified notification handed from ingestion to the
// orchestrator. It is never persisted as such; the idempotency ledger keeps
// only its key.
type GatewayEvent struct {
	Key       string
	Source    StatusSource
	Kind      EventKind
	EventType string

	// Either GatewayOrderID or the Store A pair locates the order.
	GatewayOrderID string
	StoreAID       string
	StoreAOrderID  string

	TransactionID string
	Amount        string
	Reason        string

	RawPayload []byte
	Verified   bool
}
