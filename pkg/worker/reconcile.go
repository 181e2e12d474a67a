package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type StaleOrderSource interface {
	GetStaleApproved(ctx context.Context, now time.Time, olderThan time.Duration, maxAttempts, limit int) ([]*model.ProxyOrder, error)
	RecordReconcileAttempt(ctx context.Context, orderID string, attempts int, next time.Time, note string) error
}

type Reconciler interface {
	ReconcileOrder(ctx context.Context, order *model.ProxyOrder) error
}

type ReconcileConfig struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	BatchSize   int
	Concurrency int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (c *ReconcileConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Minute
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 6 * time.Hour
	}
}

// ReconcileWorker re-checks orders the buyer approved but whose capture
// result never arrived. Every visit that leaves an order approved pushes its
// next check out; after MaxAttempts the order is left for manual review.
type ReconcileWorker struct {
	repo       StaleOrderSource
	reconciler Reconciler
	cfg        ReconcileConfig
	logger     *logrus.Logger
	now        func() time.Time

	staleFoundTotal uint64
	successTotal    uint64
	failTotal       uint64
	abandonedTotal  uint64
}

func NewReconcileWorker(repo StaleOrderSource, reconciler Reconciler, cfg ReconcileConfig, log *logrus.Logger) *ReconcileWorker {
	cfg.setDefaults()
	w := &ReconcileWorker{
		repo:       repo,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     log,
		now:        time.Now,
	}
	w.registerMetrics()
	return w
}

func (w *ReconcileWorker) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("paymentproxyservice.reconcile")
	meter.Int64ObservableGauge("app_reconcile_job_total",
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&w.staleFoundTotal)),
				metric.WithAttributes(attribute.String("action", "scan_stale")))
			obs.Observe(int64(atomic.LoadUint64(&w.successTotal)),
				metric.WithAttributes(attribute.String("action", "reconcile"), attribute.String("result", "success")))
			obs.Observe(int64(atomic.LoadUint64(&w.failTotal)),
				metric.WithAttributes(attribute.String("action", "reconcile"), attribute.String("result", "failed")))
			obs.Observe(int64(atomic.LoadUint64(&w.abandonedTotal)),
				metric.WithAttributes(attribute.String("action", "reconcile"), attribute.String("result", "abandoned")))
			return nil
		}),
	)
}

func (w *ReconcileWorker) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	defer wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Infof("[ReconcileWorker] Started polling for stale approved orders (every %s)", w.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("[ReconcileWorker] Stopping...")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce reconciles one batch of stale orders.
func (w *ReconcileWorker) RunOnce(ctx context.Context) {
	// 1. 获取超时未扣款订单
	orders, err := w.repo.GetStaleApproved(ctx, w.now(), w.cfg.StaleAfter, w.cfg.MaxAttempts, w.cfg.BatchSize)
	if err != nil {
		w.logger.Errorf("[ReconcileWorker] Failed to fetch stale orders: %v", err)
		return
	}
	if len(orders) == 0 {
		return
	}
	w.logger.Infof("[ReconcileWorker] Found %d stale approved orders. Starting reconciliation...", len(orders))
	atomic.AddUint64(&w.staleFoundTotal, uint64(len(orders)))

	// 2. 并发向网关核对
	var wg sync.WaitGroup
	sem := make(chan struct{}, w.cfg.Concurrency)
	for _, order := range orders {
		wg.Add(1)
		go func(o *model.ProxyOrder) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			err := w.reconciler.ReconcileOrder(ctx, o)
			if err != nil {
				atomic.AddUint64(&w.failTotal, 1)
			} else {
				atomic.AddUint64(&w.successTotal, 1)
			}
			w.recordAttempt(ctx, o, err)
		}(order)
	}
	wg.Wait()
}

// recordAttempt books the visit. It is a no-op for orders the reconcile
// moved out of APPROVED.
func (w *ReconcileWorker) recordAttempt(ctx context.Context, o *model.ProxyOrder, err error) {
	log := w.logger.WithFields(logrus.Fields{"order_id": o.InternalID, "gateway_order_id": o.GatewayOrderID})

	attempts := o.ReconcileAttempts + 1
	next := w.now().Add(backoffDelay(w.cfg.BaseDelay, w.cfg.MaxDelay, attempts))
	var note string
	switch {
	case attempts >= w.cfg.MaxAttempts:
		atomic.AddUint64(&w.abandonedTotal, 1)
		note = fmt.Sprintf("Reconcile gave up after %d attempts; manual review required", attempts)
		log.Errorf("[ReconcileWorker] Giving up after %d attempts (last error: %v)", attempts, err)
	case err != nil:
		note = fmt.Sprintf("Reconcile attempt %d failed: %v", attempts, err)
		log.Warnf("[ReconcileWorker] Attempt %d failed, next at %s: %v", attempts, next.Format(time.RFC3339), err)
	}
	if err := w.repo.RecordReconcileAttempt(ctx, o.InternalID, attempts, next, note); err != nil {
		log.Errorf("[ReconcileWorker] Failed to record attempt: %v", err)
	}
}
