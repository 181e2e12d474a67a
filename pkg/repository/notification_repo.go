package repository

import (
	"context"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/model"
	"gorm.io/gorm"
)

// NotificationRepo is the dead-letter store for Store A updates.
type NotificationRepo interface {
	InsertFailedNotification(ctx context.Context, n *model.FailedNotification) error
	GetDueNotifications(ctx context.Context, now time.Time, limit int) ([]*model.FailedNotification, error)
	RescheduleNotification(ctx context.Context, id int64, attempts int, next time.Time, lastErr string, abandoned bool) error
	DeleteNotification(ctx context.Context, id int64) error
	CountPendingNotifications(ctx context.Context) (int64, error)
}

func NewNotificationRepo(db *gorm.DB) NotificationRepo {
	return &mysqlRepo{db: db}
}

// [Dispatcher] 内联重试耗尽后落库
func (r *mysqlRepo) InsertFailedNotification(ctx context.Context, n *model.FailedNotification) error {
	return r.db.WithContext(ctx).Create(n).Error
}

// [RedeliveryWorker] 到期且未放弃的
func (r *mysqlRepo) GetDueNotifications(ctx context.Context, now time.Time, limit int) ([]*model.FailedNotification, error) {
	var rows []*model.FailedNotification
	err := r.db.WithContext(ctx).
		Where("abandoned = ? AND next_attempt_at <= ?", false, now).
		Order("next_attempt_at").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *mysqlRepo) RescheduleNotification(ctx context.Context, id int64, attempts int, next time.Time, lastErr string, abandoned bool) error {
	if len(lastErr) > 255 {
		lastErr = lastErr[:255]
	}
	res := r.db.WithContext(ctx).Model(&model.FailedNotification{}).Where("id = ?", id).Updates(map[string]interface{}{
		"attempts":        attempts,
		"next_attempt_at": next,
		"last_error":      lastErr,
		"abandoned":       abandoned,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *mysqlRepo) DeleteNotification(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Delete(&model.FailedNotification{}, id).Error
}

func (r *mysqlRepo) CountPendingNotifications(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.FailedNotification{}).Where("abandoned = ?", false).Count(&n).Error
	return n, err
}
