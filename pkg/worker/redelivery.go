package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/repository"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Deliverer sends an already encoded notification to a store.
type Deliverer interface {
	Deliver(ctx context.Context, storeAID string, body []byte) error
}

type RedeliveryConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (c *RedeliveryConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 12
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Minute
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 6 * time.Hour
	}
}

// RedeliveryWorker retries parked Store A notifications until they are
// accepted or give up after MaxAttempts.
type RedeliveryWorker struct {
	repo      repository.NotificationRepo
	deliverer Deliverer
	cfg       RedeliveryConfig
	logger    *logrus.Logger
	now       func() time.Time

	deliveredTotal uint64
	retriedTotal   uint64
	abandonedTotal uint64
	pending        int64
}

func NewRedeliveryWorker(repo repository.NotificationRepo, deliverer Deliverer, cfg RedeliveryConfig, log *logrus.Logger) *RedeliveryWorker {
	cfg.setDefaults()
	w := &RedeliveryWorker{
		repo:      repo,
		deliverer: deliverer,
		cfg:       cfg,
		logger:    log,
		now:       time.Now,
	}
	w.registerMetrics()
	return w
}

func (w *RedeliveryWorker) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("paymentproxyservice.redelivery")
	meter.Int64ObservableGauge("app_redelivery_job_total",
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&w.deliveredTotal)),
				metric.WithAttributes(attribute.String("result", "delivered")))
			obs.Observe(int64(atomic.LoadUint64(&w.retriedTotal)),
				metric.WithAttributes(attribute.String("result", "rescheduled")))
			obs.Observe(int64(atomic.LoadUint64(&w.abandonedTotal)),
				metric.WithAttributes(attribute.String("result", "abandoned")))
			return nil
		}),
	)
	meter.Int64ObservableGauge("app_redelivery_pending",
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(atomic.LoadInt64(&w.pending))
			return nil
		}),
	)
}

func (w *RedeliveryWorker) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	defer wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Infof("[RedeliveryWorker] Started polling for parked notifications (every %s)", w.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("[RedeliveryWorker] Stopping...")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce processes one batch of due notifications.
func (w *RedeliveryWorker) RunOnce(ctx context.Context) {
	// 1. 取到期的死信
	rows, err := w.repo.GetDueNotifications(ctx, w.now(), w.cfg.BatchSize)
	if err != nil {
		w.logger.Errorf("[RedeliveryWorker] Failed to fetch due notifications: %v", err)
		return
	}
	if len(rows) > 0 {
		w.logger.Infof("[RedeliveryWorker] Redelivering %d notifications", len(rows))
	}

	// 2. 逐条补投
	for _, row := range rows {
		if ctx.Err() != nil {
			return
		}
		w.redeliver(ctx, row)
	}

	// 3. 刷新积压量
	if n, err := w.repo.CountPendingNotifications(ctx); err == nil {
		atomic.StoreInt64(&w.pending, n)
	}
}

func (w *RedeliveryWorker) redeliver(ctx context.Context, row *model.FailedNotification) {
	log := w.logger.WithFields(logrus.Fields{"notification_id": row.ID, "order_id": row.OrderID, "store_a_id": row.StoreAID})

	err := w.deliverer.Deliver(ctx, row.StoreAID, row.Payload)
	if err == nil {
		atomic.AddUint64(&w.deliveredTotal, 1)
		if err := w.repo.DeleteNotification(ctx, row.ID); err != nil {
			log.Errorf("[RedeliveryWorker] Delivered but failed to delete row: %v", err)
			return
		}
		log.Infof("[RedeliveryWorker] %s notification delivered after %d attempts", row.Status, row.Attempts+1)
		return
	}

	attempts := row.Attempts + 1
	abandoned := attempts >= w.cfg.MaxAttempts
	next := w.now().Add(w.delay(attempts))
	if abandoned {
		atomic.AddUint64(&w.abandonedTotal, 1)
		log.Errorf("[RedeliveryWorker] Giving up after %d attempts: %v", attempts, err)
	} else {
		atomic.AddUint64(&w.retriedTotal, 1)
		log.Warnf("[RedeliveryWorker] Attempt %d failed, next at %s: %v", attempts, next.Format(time.RFC3339), err)
	}
	if err := w.repo.RescheduleNotification(ctx, row.ID, attempts, next, err.Error(), abandoned); err != nil {
		log.Errorf("[RedeliveryWorker] Failed to reschedule: %v", err)
	}
}

func (w *RedeliveryWorker) delay(attempts int) time.Duration {
	return backoffDelay(w.cfg.BaseDelay, w.cfg.MaxDelay, attempts)
}

// backoffDelay doubles from base per attempt, capped at max.
func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
