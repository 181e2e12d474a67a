package model

import (
	"time"

	"gorm.io/datatypes"
)

type Money struct {
	CurrencyCode string `gorm:"type:char(3);comment:ISO 4217 currency code" json:"currency_code"`
	Units        int64  `gorm:"type:bigint;comment:Whole units" json:"units"`
	Nanos        int32  `gorm:"type:int;comment:Nano units (10^-9)" json:"nanos"`
}

// ProxyOrder tracks one Store A order through the gateway.
// GatewayOrderID is written once on insert and never updated.
type ProxyOrder struct {
	InternalID     string       `gorm:"primaryKey;type:varchar(64)" json:"order_id"`
	StoreAID       string       `gorm:"type:varchar(64);not null;uniqueIndex:idx_store_a_order,priority:1" json:"store_a_id"`
	StoreAOrderID  string       `gorm:"type:varchar(128);not null;uniqueIndex:idx_store_a_order,priority:2;index" json:"store_a_order_id"`
	GatewayOrderID string       `gorm:"type:varchar(64);not null;uniqueIndex" json:"gateway_order_id"`
	CheckoutURL    string       `gorm:"type:varchar(512)" json:"checkout_url"`
	Amount         Money        `gorm:"embedded;embeddedPrefix:amount_" json:"amount"`
	Status         OrderStatus  `gorm:"type:varchar(16);not null;index:idx_status_updated_at,priority:1" json:"status"`
	GatewayStatus  string       `gorm:"type:varchar(32)" json:"gateway_status"`
	StatusSource   StatusSource `gorm:"type:varchar(16)" json:"status_source"`
	TransactionID  string       `gorm:"type:varchar(64)" json:"transaction_id"`
	Version        int64        `gorm:"not null;default:1" json:"version"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `gorm:"index:idx_status_updated_at,priority:2" json:"updated_at"`

	// ReconcileAttempts counts worker visits that left the order approved.
	ReconcileAttempts int        `gorm:"not null;default:0" json:"reconcile_attempts"`
	NextReconcileAt   *time.Time `json:"next_reconcile_at,omitempty"`

	Items []OrderItem `gorm:"foreignKey:OrderID;references:InternalID" json:"items"`
	Notes []OrderNote `gorm:"foreignKey:OrderID;references:InternalID" json:"notes,omitempty"`
}

func (ProxyOrder) TableName() string {
	return "proxy_orders"
}

func (o *ProxyOrder) Currency() string {
	return o.Amount.CurrencyCode
}

type OrderItem struct {
	ID         uint   `gorm:"primaryKey"`
	OrderID    string `gorm:"type:varchar(64);index"`
	ProductRef string `gorm:"type:varchar(64)" json:"product_ref"`
	Name       string `gorm:"type:varchar(255)" json:"name"`
	Quantity   int32  `gorm:"type:int" json:"quantity"`
	Price      Money  `gorm:"embedded;embeddedPrefix:price_" json:"price"`
}

func (OrderItem) TableName() string {
	return "proxy_order_items"
}

// OrderNote is an append-only audit line on an order.
type OrderNote struct {
	ID        uint         `gorm:"primaryKey"`
	OrderID   string       `gorm:"type:varchar(64);index"`
	Source    StatusSource `gorm:"type:varchar(16)" json:"source"`
	Body      string       `gorm:"type:text" json:"body"`
	CreatedAt time.Time    `json:"created_at"`
}

func (OrderNote) TableName() string {
	return "proxy_order_notes"
}

// ProcessedEvent is the idempotency ledger. A key is inserted in the same
// transaction as the state change it caused.
type ProcessedEvent struct {
	ID        uint         `gorm:"primaryKey"`
	EventKey  string       `gorm:"type:varchar(191);not null;uniqueIndex"`
	OrderID   string       `gorm:"type:varchar(64);index"`
	Source    StatusSource `gorm:"type:varchar(16)"`
	EventType string       `gorm:"type:varchar(64)"`
	CreatedAt time.Time
}

func (ProcessedEvent) TableName() string {
	return "processed_events"
}

// FailedNotification is a Store A update that exhausted its inline retries.
type FailedNotification struct {
	ID            int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID       string         `gorm:"type:varchar(64);index" json:"order_id"`
	StoreAID      string         `gorm:"type:varchar(64)" json:"store_a_id"`
	Status        NotifyStatus   `gorm:"type:varchar(16)" json:"payment_status"`
	Payload       datatypes.JSON `json:"payload"`
	Attempts      int            `gorm:"not null;default:0" json:"attempts"`
	LastError     string         `gorm:"type:varchar(255)" json:"last_error"`
	NextAttemptAt time.Time      `gorm:"index:idx_due,priority:2" json:"next_attempt_at"`
	Abandoned     bool           `gorm:"not null;default:false;index:idx_due,priority:1" json:"abandoned"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (FailedNotification) TableName() string {
	return "failed_notifications"
}

// OrderStatusEvent is published to the status topic after every applied change.
type OrderStatusEvent struct {
	OrderID        string       `json:"order_id"`
	StoreAID       string       `json:"store_a_id"`
	StoreAOrderID  string       `json:"store_a_order_id"`
	GatewayOrderID string       `json:"gateway_order_id"`
	Status         OrderStatus  `json:"status"`
	Previous       OrderStatus  `json:"previous"`
	Source         StatusSource `json:"source"`
	Version        int64        `json:"version"`
}
