package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/registry"
	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	AuthHeader  = "X-Proxy-Auth"
	DefaultPath = "/update-order"
)

type StoreLookup interface {
	Lookup(id string) (registry.Store, error)
}

type Signer interface {
	Generate(storeAID string) (string, error)
}

type DeadLetterStore interface {
	InsertFailedNotification(ctx context.Context, n *model.FailedNotification) error
}

// StatusError is a non-2xx answer from Store A.
type StatusError struct {
	StoreAID   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("store %s answered %d", e.StoreAID, e.StatusCode)
}

type Options struct {
	Path    string
	Timeout time.Duration

	// inline retries before falling back to the dead-letter table
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// RedeliveryDelay is when the redelivery worker first picks up a dead letter.
	RedeliveryDelay time.Duration
}

func (o *Options) setDefaults() {
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if !strings.HasPrefix(o.Path, "/") {
		o.Path = "/" + o.Path
	}
	if o.Timeout <= 0 {
		o.Timeout = 45 * time.Second
	}
	if o.MaxTries == 0 {
		o.MaxTries = 3
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 5 * time.Second
	}
	if o.RedeliveryDelay <= 0 {
		o.RedeliveryDelay = time.Minute
	}
}

// Dispatcher pushes order status updates to the owning Store A.
type Dispatcher struct {
	stores StoreLookup
	signer Signer
	dead   DeadLetterStore
	http   *resty.Client
	opts   Options
	log    *logrus.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	deliveredTotal    uint64
	failedTotal       uint64
	deadLetterTotal   uint64
	unknownStoreTotal uint64
}

func NewDispatcher(stores StoreLookup, signer Signer, dead DeadLetterStore, opts Options, log *logrus.Logger) *Dispatcher {
	opts.setDefaults()
	d := &Dispatcher{
		stores:   stores,
		signer:   signer,
		dead:     dead,
		http:     resty.New().SetTimeout(opts.Timeout),
		opts:     opts,
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	d.registerMetrics()
	return d
}

func (d *Dispatcher) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("paymentproxyservice.notify")
	meter.Int64ObservableGauge("app_store_notifications_total",
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&d.deliveredTotal)), metric.WithAttributes(attribute.String("result", "delivered")))
			obs.Observe(int64(atomic.LoadUint64(&d.failedTotal)), metric.WithAttributes(attribute.String("result", "failed_attempt")))
			obs.Observe(int64(atomic.LoadUint64(&d.deadLetterTotal)), metric.WithAttributes(attribute.String("result", "dead_letter")))
			obs.Observe(int64(atomic.LoadUint64(&d.unknownStoreTotal)), metric.WithAttributes(attribute.String("result", "unknown_store")))
			return nil
		}),
	)
}

// Notify delivers n with inline retries. If every attempt fails the payload
// is parked for the redelivery worker and false is returned.
func (d *Dispatcher) Notify(ctx context.Context, n model.Notification) bool {
	log := d.log.WithFields(logrus.Fields{
		"store_a_id":       n.StoreAID,
		"store_a_order_id": n.StoreAOrderID,
		"payment_status":   n.Status,
	})

	body, err := json.Marshal(n.Payload())
	if err != nil {
		log.Errorf("[Notify] encode payload: %v", err)
		return false
	}

	err = d.Deliver(ctx, n.StoreAID, body)
	if err == nil {
		log.Info("[Notify] Store A updated")
		return true
	}
	if errors.Is(err, registry.ErrStoreNotFound) {
		atomic.AddUint64(&d.unknownStoreTotal, 1)
		log.Error("[Notify] store is not registered, update dropped")
		return false
	}

	// 内联重试耗尽，落库等待补投
	log.Warnf("[Notify] delivery failed, parking for redelivery: %v", err)
	row := &model.FailedNotification{
		OrderID:       n.InternalID,
		StoreAID:      n.StoreAID,
		Status:        n.Status,
		Payload:       body,
		Attempts:      int(d.opts.MaxTries),
		LastError:     err.Error(),
		NextAttemptAt: time.Now().Add(d.opts.RedeliveryDelay),
	}
	if len(row.LastError) > 255 {
		row.LastError = row.LastError[:255]
	}
	if d.dead == nil {
		log.Error("[Notify] no dead-letter store configured, update lost")
		return false
	}
	if err := d.dead.InsertFailedNotification(context.WithoutCancel(ctx), row); err != nil {
		log.Errorf("[Notify] failed to park notification: %v", err)
		return false
	}
	atomic.AddUint64(&d.deadLetterTotal, 1)
	return false
}

// Deliver POSTs an encoded payload to storeAID, retrying with exponential
// backoff. An open breaker or unknown store ends the retries early.
func (d *Dispatcher) Deliver(ctx context.Context, storeAID string, body []byte) error {
	store, err := d.stores.Lookup(storeAID)
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialInterval
	b.MaxInterval = d.opts.MaxInterval

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := d.post(ctx, store, body)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			atomic.AddUint64(&d.failedTotal, 1)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(d.opts.MaxTries))
	if err != nil {
		return err
	}
	atomic.AddUint64(&d.deliveredTotal, 1)
	return nil
}

func (d *Dispatcher) post(ctx context.Context, store registry.Store, body []byte) error {
	token, err := d.signer.Generate(store.ID)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("sign notification: %w", err))
	}

	_, err = d.breaker(store.ID).Execute(func() (interface{}, error) {
		resp, err := d.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetHeader(AuthHeader, token).
			SetBody(body).
			Post(store.BaseURL + d.opts.Path)
		if err != nil {
			return nil, fmt.Errorf("notify store %s: %w", store.ID, err)
		}
		if !resp.IsSuccess() {
			return nil, &StatusError{StoreAID: store.ID, StatusCode: resp.StatusCode()}
		}
		return nil, nil
	})
	return err
}

func (d *Dispatcher) breaker(storeAID string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[storeAID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store-a-" + storeAID,
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Warnf("[CircuitBreaker] %s state changed: %s -> %s", name, from, to)
		},
	})
	d.breakers[storeAID] = cb
	return cb
}
