package repository

import (
	"context"
	"errors"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/model"
	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("order not found")
	ErrDuplicate       = errors.New("order already exists")
	ErrVersionConflict = errors.New("order version conflict")
	ErrEventSeen       = errors.New("event already processed")
)

type OrderRepo interface {
	InsertOrder(ctx context.Context, order *model.ProxyOrder) error
	GetOrder(ctx context.Context, internalID string) (*model.ProxyOrder, error)
	GetByStoreOrder(ctx context.Context, storeAID, storeAOrderID string) (*model.ProxyOrder, error)
	ListByStoreAOrderID(ctx context.Context, storeAOrderID string) ([]*model.ProxyOrder, error)
	GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*model.ProxyOrder, error)
	ApplyChange(ctx context.Context, change *StatusChange) error
	AddNote(ctx context.Context, orderID string, source model.StatusSource, body string) error
	EventProcessed(ctx context.Context, eventKey string) (bool, error)
	GetStaleApproved(ctx context.Context, now time.Time, olderThan time.Duration, maxAttempts, limit int) ([]*model.ProxyOrder, error)
	RecordReconcileAttempt(ctx context.Context, orderID string, attempts int, next time.Time, note string) error
	Notes(ctx context.Context, orderID string) ([]model.OrderNote, error)
}

// StatusChange is one compare-and-swap update of an order. Empty fields are
// left untouched; a change with only a Note and EventKey records the event
// without moving the order.
type StatusChange struct {
	OrderID         string
	ExpectedVersion int64

	Status        model.OrderStatus
	GatewayStatus string
	TransactionID string
	Source        model.StatusSource

	EventKey  string
	EventType string
	Note      string
}

func (c *StatusChange) mutates() bool {
	return c.Status != "" || c.GatewayStatus != "" || c.TransactionID != ""
}

type mysqlRepo struct {
	db *gorm.DB
}

func NewOrderRepo(db *gorm.DB) OrderRepo {
	return &mysqlRepo{db: db}
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.ProxyOrder{},
		&model.OrderItem{},
		&model.OrderNote{},
		&model.ProcessedEvent{},
		&model.FailedNotification{},
	)
}

// [CreateOrder] 唯一索引冲突 -> ErrDuplicate
func (r *mysqlRepo) InsertOrder(ctx context.Context, order *model.ProxyOrder) error {
	err := r.db.WithContext(ctx).Create(order).Error
	if isDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

func (r *mysqlRepo) GetOrder(ctx context.Context, internalID string) (*model.ProxyOrder, error) {
	return r.first(ctx, "internal_id = ?", internalID)
}

func (r *mysqlRepo) GetByStoreOrder(ctx context.Context, storeAID, storeAOrderID string) (*model.ProxyOrder, error) {
	return r.first(ctx, "store_a_id = ? AND store_a_order_id = ?", storeAID, storeAOrderID)
}

func (r *mysqlRepo) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*model.ProxyOrder, error) {
	return r.first(ctx, "gateway_order_id = ?", gatewayOrderID)
}

func (r *mysqlRepo) first(ctx context.Context, query string, args ...interface{}) (*model.ProxyOrder, error) {
	var order model.ProxyOrder
	err := r.db.WithContext(ctx).Preload("Items").Where(query, args...).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// [GetStatus] 同一个 store_a_order_id 可能属于多个 Store A
func (r *mysqlRepo) ListByStoreAOrderID(ctx context.Context, storeAOrderID string) ([]*model.ProxyOrder, error) {
	var orders []*model.ProxyOrder
	err := r.db.WithContext(ctx).
		Where("store_a_order_id = ?", storeAOrderID).
		Order("created_at").
		Find(&orders).Error
	return orders, err
}

// ApplyChange writes the ledger entry, the versioned update and the note in
// one transaction. A seen event key aborts the whole change.
func (r *mysqlRepo) ApplyChange(ctx context.Context, c *StatusChange) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 幂等账本
		if c.EventKey != "" {
			ev := &model.ProcessedEvent{
				EventKey:  c.EventKey,
				OrderID:   c.OrderID,
				Source:    c.Source,
				EventType: c.EventType,
			}
			if err := tx.Create(ev).Error; err != nil {
				if isDuplicate(err) {
					return ErrEventSeen
				}
				return err
			}
		}

		// 2. CAS 更新
		if c.mutates() {
			updates := map[string]interface{}{
				"version":    gorm.Expr("version + 1"),
				"updated_at": time.Now(),
			}
			if c.Status != "" {
				updates["status"] = c.Status
				updates["status_source"] = c.Source
			}
			if c.GatewayStatus != "" {
				updates["gateway_status"] = c.GatewayStatus
			}
			if c.TransactionID != "" {
				updates["transaction_id"] = c.TransactionID
			}
			res := tx.Model(&model.ProxyOrder{}).
				Where("internal_id = ? AND version = ?", c.OrderID, c.ExpectedVersion).
				Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrVersionConflict
			}
		}

		// 3. 备注
		if c.Note != "" {
			if err := tx.Create(&model.OrderNote{OrderID: c.OrderID, Source: c.Source, Body: c.Note}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *mysqlRepo) AddNote(ctx context.Context, orderID string, source model.StatusSource, body string) error {
	return r.db.WithContext(ctx).Create(&model.OrderNote{OrderID: orderID, Source: source, Body: body}).Error
}

func (r *mysqlRepo) EventProcessed(ctx context.Context, eventKey string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.ProcessedEvent{}).Where("event_key = ?", eventKey).Count(&n).Error
	return n > 0, err
}

// [ReconcileWorker] approved but never captured. Orders in backoff or past
// maxAttempts are skipped; the least visited come first.
func (r *mysqlRepo) GetStaleApproved(ctx context.Context, now time.Time, olderThan time.Duration, maxAttempts, limit int) ([]*model.ProxyOrder, error) {
	var orders []*model.ProxyOrder
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.StatusApproved, now.Add(-olderThan)).
		Where("reconcile_attempts < ?", maxAttempts).
		Where("(next_reconcile_at IS NULL OR next_reconcile_at <= ?)", now).
		Order("reconcile_attempts, updated_at").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// RecordReconcileAttempt books a worker visit on an order that is still
// approved. Orders that moved on in the meantime are left alone.
func (r *mysqlRepo) RecordReconcileAttempt(ctx context.Context, orderID string, attempts int, next time.Time, note string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.ProxyOrder{}).
			Where("internal_id = ? AND status = ?", orderID, model.StatusApproved).
			UpdateColumns(map[string]interface{}{
				"reconcile_attempts": attempts,
				"next_reconcile_at":  next,
			})
		if res.Error != nil || res.RowsAffected == 0 || note == "" {
			return res.Error
		}
		return tx.Create(&model.OrderNote{OrderID: orderID, Source: model.SourceReconcile, Body: note}).Error
	})
}

// Notes returns an order's audit trail, oldest first.
func (r *mysqlRepo) Notes(ctx context.Context, orderID string) ([]model.OrderNote, error) {
	var notes []model.OrderNote
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id").Find(&notes).Error
	return notes, err
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1062
}
