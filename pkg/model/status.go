package model

import "strings"

// OrderStatus is the lifecycle state of a ProxyOrder.
type OrderStatus string

const (
	StatusCreated   OrderStatus = "CREATED"
	StatusApproved  OrderStatus = "APPROVED"
	StatusPending   OrderStatus = "PENDING"
	StatusCompleted OrderStatus = "COMPLETED"
	StatusFailed    OrderStatus = "FAILED"
	StatusDenied    OrderStatus = "DENIED"
	StatusRefunded  OrderStatus = "REFUNDED"
	StatusReversed  OrderStatus = "REVERSED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// AllStatuses lists every state in declaration order.
var AllStatuses = []OrderStatus{
	StatusCreated, StatusApproved, StatusPending, StatusCompleted, StatusFailed,
	StatusDenied, StatusRefunded, StatusReversed, StatusCancelled,
}

// 状态机: from -> allowed targets
var transitions = map[OrderStatus][]OrderStatus{
	StatusCreated:   {StatusApproved, StatusPending, StatusCompleted, StatusFailed, StatusDenied, StatusCancelled},
	StatusApproved:  {StatusPending, StatusCompleted, StatusFailed, StatusDenied, StatusCancelled},
	StatusPending:   {StatusApproved, StatusCompleted, StatusFailed, StatusDenied, StatusCancelled},
	StatusCompleted: {StatusRefunded, StatusReversed},
	StatusReversed:  {StatusCompleted, StatusRefunded, StatusCancelled},
	StatusFailed:    {StatusCancelled},
	StatusDenied:    {StatusCancelled},
	StatusRefunded:  {StatusCancelled},
	StatusCancelled: {},
}

func (s OrderStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from -> to is a legal forward move.
// Re-applying the current state is not a transition.
func CanTransition(from, to OrderStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Provisional states may be superseded by an authoritative webhook event
// even when the table has no edge for it.
func (s OrderStatus) Provisional() bool {
	return s == StatusPending || s == StatusFailed || s == StatusDenied
}

// StatusSource records which channel last moved an order.
type StatusSource string

const (
	SourceCreate    StatusSource = "create"
	SourceReturn    StatusSource = "return"
	SourceWebhook   StatusSource = "webhook"
	SourceIPN       StatusSource = "ipn"
	SourceStoreA    StatusSource = "store_a"
	SourceReconcile StatusSource = "reconcile"
	SourceCapture   StatusSource = "capture"
)

// NotifyStatus is the payment_status vocabulary Store A understands.
type NotifyStatus string

const (
	NotifyNone      NotifyStatus = ""
	NotifyApproved  NotifyStatus = "approved"
	NotifyCompleted NotifyStatus = "completed"
	NotifyPending   NotifyStatus = "pending"
	NotifyFailed    NotifyStatus = "failed"
	NotifyRefunded  NotifyStatus = "refunded"
	NotifyReversed  NotifyStatus = "reversed"
	NotifyCancelled NotifyStatus = "cancelled"
)

// StoreAChange is a status change requested by Store A through order-status-change.
type StoreAChange string

const (
	ChangeCancelled StoreAChange = "cancelled"
	ChangeRefunded  StoreAChange = "refunded"
)

func ParseStoreAChange(s string) StoreAChange {
	return StoreAChange(strings.ToLower(strings.TrimSpace(s)))
}
