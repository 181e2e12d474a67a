package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/client"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/registry"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Gateway is the slice of the payment gateway client the orchestrator uses.
type Gateway interface {
	CreateRemoteOrder(ctx context.Context, req *client.OrderRequest, requestID string) (*client.RemoteOrder, error)
	CaptureRemoteOrder(ctx context.Context, gatewayOrderID, requestID string) (*client.RemoteOrder, error)
	GetRemoteOrder(ctx context.Context, gatewayOrderID string) (*client.RemoteOrder, error)
}

type Notifier interface {
	Notify(ctx context.Context, n model.Notification) bool
}

type StatusPublisher interface {
	PublishStatus(ctx context.Context, event model.OrderStatusEvent)
}

// Locker serializes create-order across instances.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type StoreLookup interface {
	Lookup(id string) (registry.Store, error)
}

type Options struct {
	// PublicBaseURL is where buyers reach this service's return and cancel pages.
	PublicBaseURL string
	BrandName     string

	LockTTL  time.Duration
	LockWait time.Duration

	// CASRetries bounds reload-and-retry on a version conflict.
	CASRetries int

	// CaptureOnReturn captures as soon as the buyer comes back approved,
	// instead of waiting for the approval webhook.
	CaptureOnReturn bool
}

func (o *Options) setDefaults() {
	if o.LockTTL <= 0 {
		o.LockTTL = 60 * time.Second
	}
	if o.LockWait <= 0 {
		o.LockWait = 3 * time.Second
	}
	if o.CASRetries <= 0 {
		o.CASRetries = 5
	}
}

type ProxyService struct {
	repo      repository.OrderRepo
	gateway   Gateway
	notifier  Notifier
	publisher StatusPublisher
	locker    Locker
	stores    StoreLookup
	group     singleflight.Group
	opts      Options
	log       *logrus.Logger
	tracer    trace.Tracer

	ordersCreated       uint64
	ordersReused        uint64
	transitionsApplied  uint64
	transitionsRejected uint64
	eventsDuplicate     uint64
	reconcileMisses     uint64
}

// locker may be nil, in which case only in-process deduplication applies.
func NewProxyService(repo repository.OrderRepo, gateway Gateway, notifier Notifier, publisher StatusPublisher, locker Locker, stores StoreLookup, opts Options, log *logrus.Logger) *ProxyService {
	opts.setDefaults()
	s := &ProxyService{
		repo:      repo,
		gateway:   gateway,
		notifier:  notifier,
		publisher: publisher,
		locker:    locker,
		stores:    stores,
		opts:      opts,
		log:       log,
		tracer:    otel.Tracer("paymentproxyservice/service"),
	}
	s.registerMetrics()
	return s
}

func (s *ProxyService) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("paymentproxyservice.orchestrator")
	meter.Int64ObservableGauge("app_proxy_orders_total",
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&s.ordersCreated)),
				metric.WithAttributes(attribute.String("action", "create"), attribute.String("result", "new")))
			obs.Observe(int64(atomic.LoadUint64(&s.ordersReused)),
				metric.WithAttributes(attribute.String("action", "create"), attribute.String("result", "existing")))
			obs.Observe(int64(atomic.LoadUint64(&s.transitionsApplied)),
				metric.WithAttributes(attribute.String("action", "transition"), attribute.String("result", "applied")))
			obs.Observe(int64(atomic.LoadUint64(&s.transitionsRejected)),
				metric.WithAttributes(attribute.String("action", "transition"), attribute.String("result", "rejected")))
			obs.Observe(int64(atomic.LoadUint64(&s.eventsDuplicate)),
				metric.WithAttributes(attribute.String("action", "event"), attribute.String("result", "duplicate")))
			obs.Observe(int64(atomic.LoadUint64(&s.reconcileMisses)),
				metric.WithAttributes(attribute.String("action", "event"), attribute.String("result", "unmatched")))
			return nil
		}),
	)
}

// CreateOrder returns the existing order for a (store, order) pair or creates
// exactly one remote order for it.
func (s *ProxyService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateResult, error) {
	ctx, span := s.tracer.Start(ctx, "ProxyService.CreateOrder")
	defer span.End()

	// 1. 校验
	v, err := req.validate()
	if err != nil {
		return nil, err
	}
	store, err := s.stores.Lookup(req.StoreAID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("store_a.id", req.StoreAID), attribute.String("store_a.order_id", req.StoreAOrderID))

	// 2. 已存在则直接返回
	if existing, err := s.repo.GetByStoreOrder(ctx, req.StoreAID, req.StoreAOrderID); err == nil {
		atomic.AddUint64(&s.ordersReused, 1)
		return resultOf(existing, true), nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	// 3. 进程内合并 + 跨实例锁
	key := CorrelationID(req.StoreAID, req.StoreAOrderID)
	res, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.createLocked(ctx, key, v, store)
	})
	if err != nil {
		return nil, err
	}
	return res.(*CreateResult), nil
}

func (s *ProxyService) createLocked(ctx context.Context, key string, v *validOrder, store registry.Store) (*CreateResult, error) {
	req := v.req
	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, key, s.opts.LockTTL)
		switch {
		case err != nil:
			// redis down: the unique index still stops a second row, singleflight covers this process
			s.log.Warnf("[CreateOrder] create lock unavailable for %s: %v", key, err)
		case !ok:
			if o := s.waitForOrder(ctx, req.StoreAID, req.StoreAOrderID); o != nil {
				atomic.AddUint64(&s.ordersReused, 1)
				return resultOf(o, true), nil
			}
			return nil, ErrCreateInProgress
		default:
			defer release()
		}
	}

	// double check under the lock
	if existing, err := s.repo.GetByStoreOrder(ctx, req.StoreAID, req.StoreAOrderID); err == nil {
		atomic.AddUint64(&s.ordersReused, 1)
		return resultOf(existing, true), nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	storeReturn := req.ReturnURL
	if storeReturn == "" {
		storeReturn = store.BaseURL
	}
	storeCancel := req.CancelURL
	if storeCancel == "" {
		storeCancel = store.BaseURL
	}

	// 4. 调用网关创建订单
	remote, err := s.gateway.CreateRemoteOrder(ctx, s.buildOrderRequest(v, storeReturn, storeCancel), createRequestID(req.StoreAID, req.StoreAOrderID))
	if err != nil {
		s.log.Errorf("[CreateOrder] gateway create failed for %s: %v", key, err)
		return nil, &UpstreamError{Op: "create order", Err: err}
	}
	checkoutURL := remote.ApproveURL()
	if remote.ID == "" || checkoutURL == "" {
		return nil, &UpstreamError{Op: "create order", Err: fmt.Errorf("gateway order %q has no approve link", remote.ID)}
	}

	// 5. 落库
	order := &model.ProxyOrder{
		InternalID:     uuid.NewString(),
		StoreAID:       req.StoreAID,
		StoreAOrderID:  req.StoreAOrderID,
		GatewayOrderID: remote.ID,
		CheckoutURL:    checkoutURL,
		Amount:         v.total,
		Status:         model.StatusCreated,
		GatewayStatus:  remote.Status,
		StatusSource:   model.SourceCreate,
		Version:        1,
		Items:          v.items,
		Notes: []model.OrderNote{{
			Source: model.SourceCreate,
			Body:   fmt.Sprintf("Gateway order %s created for Store A %s order %s", remote.ID, req.StoreAID, req.StoreAOrderID),
		}},
	}
	if err := s.repo.InsertOrder(ctx, order); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			existing, getErr := s.repo.GetByStoreOrder(ctx, req.StoreAID, req.StoreAOrderID)
			if getErr == nil {
				atomic.AddUint64(&s.ordersReused, 1)
				return resultOf(existing, true), nil
			}
		}
		return nil, fmt.Errorf("persist order %s: %w", key, err)
	}

	atomic.AddUint64(&s.ordersCreated, 1)
	s.log.WithFields(logrus.Fields{
		"order_id":         order.InternalID,
		"store_a_id":       order.StoreAID,
		"store_a_order_id": order.StoreAOrderID,
		"gateway_order_id": order.GatewayOrderID,
	}).Info("[CreateOrder] proxy order created")
	s.publish(ctx, order, "", model.SourceCreate)
	return resultOf(order, false), nil
}

func (s *ProxyService) waitForOrder(ctx context.Context, storeAID, storeAOrderID string) *model.ProxyOrder {
	deadline := time.Now().Add(s.opts.LockWait)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if o, err := s.repo.GetByStoreOrder(ctx, storeAID, storeAOrderID); err == nil {
			return o
		}
	}
	return nil
}

// GetStatus returns the caller's order with the given Store A order id.
func (s *ProxyService) GetStatus(ctx context.Context, storeAOrderID, storeAID string) (*model.ProxyOrder, error) {
	if storeAOrderID == "" {
		return nil, &ValidationError{Field: "store_a_order_id"}
	}
	if storeAID == "" {
		return nil, &ValidationError{Field: "store_a_id"}
	}
	orders, err := s.repo.ListByStoreAOrderID(ctx, storeAOrderID)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, ErrNotFound
	}
	for _, o := range orders {
		if o.StoreAID == storeAID {
			return o, nil
		}
	}
	return nil, ErrForbidden
}

// ApplyStatusChange handles a status change pushed by Store A. Refunds are
// recorded for manual follow-up and never sent to the gateway.
func (s *ProxyService) ApplyStatusChange(ctx context.Context, storeAOrderID, storeAID, newStatus string) (*ChangeResult, error) {
	ctx, span := s.tracer.Start(ctx, "ProxyService.ApplyStatusChange")
	defer span.End()

	if newStatus == "" {
		return nil, &ValidationError{Field: "new_status"}
	}
	order, err := s.GetStatus(ctx, storeAOrderID, storeAID)
	if err != nil {
		return nil, err
	}
	paid := order.GatewayStatus == string(model.StatusCompleted)

	var (
		target model.OrderStatus
		note   string
		msg    string
	)
	switch change := model.ParseStoreAChange(newStatus); change {
	case model.ChangeCancelled:
		if paid {
			note = "Store A requested cancellation but the payment is already completed at the gateway"
			msg = "order is paid; cancellation not applied"
		} else {
			target = model.StatusCancelled
			note = "Order cancelled by Store A"
			msg = "order cancelled"
		}
	case model.ChangeRefunded:
		if paid {
			target = model.StatusRefunded
			note = "Refund requested by Store A. Manual PayPal refund required."
			msg = "refund recorded; manual gateway refund required"
		} else {
			note = "Store A requested a refund but the payment is not completed at the gateway"
			msg = "order is not paid; refund not applied"
		}
	default:
		note = fmt.Sprintf("Store A order status changed to %s", newStatus)
		msg = "status change recorded"
	}

	res, err := s.transition(ctx, order, transitionRequest{
		Target: target,
		Source: model.SourceStoreA,
		Note:   note,
	})
	if err != nil {
		return nil, err
	}
	if target != "" && !res.Applied && res.Order.Status != target {
		msg = fmt.Sprintf("order is %s; change not applied", res.Order.Status)
	}
	return &ChangeResult{Order: res.Order, Applied: res.Applied, Message: msg}, nil
}

// HandleReturn runs when the buyer comes back from the gateway approval page.
// gatewayToken must name the order's gateway order. Store A is notified once
// and, if configured, the order is captured right away.
func (s *ProxyService) HandleReturn(ctx context.Context, storeAID, storeAOrderID, gatewayToken string) (*model.ProxyOrder, error) {
	ctx, span := s.tracer.Start(ctx, "ProxyService.HandleReturn")
	defer span.End()

	if gatewayToken == "" {
		return nil, &ValidationError{Field: "gateway_token"}
	}
	order, err := s.repo.GetByStoreOrder(ctx, storeAID, storeAOrderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if gatewayToken != order.GatewayOrderID {
		return nil, &ValidationError{Field: "gateway_token", Reason: "does not match order"}
	}

	res, err := s.transition(ctx, order, transitionRequest{
		Target:   model.StatusApproved,
		Source:   model.SourceReturn,
		EventKey: "return:" + order.GatewayOrderID,
		Note:     "Buyer approved payment at the gateway",
	})
	if err != nil {
		return nil, err
	}
	order = res.Order
	if res.Applied {
		s.notify(ctx, order, model.NotifyApproved, "", "", "")
	}
	if s.opts.CaptureOnReturn && order.Status == model.StatusApproved {
		if err := s.CaptureOrder(ctx, order); err != nil {
			s.log.Warnf("[HandleReturn] capture for %s deferred to webhook/reconcile: %v", order.GatewayOrderID, err)
		} else if reloaded, err := s.repo.GetOrder(ctx, order.InternalID); err == nil {
			order = reloaded
		}
	}
	return order, nil
}

// RecordBuyerCancel notes that the buyer abandoned checkout. The order stays
// open until the gateway or Store A says otherwise.
func (s *ProxyService) RecordBuyerCancel(ctx context.Context, storeAID, storeAOrderID string) {
	order, err := s.repo.GetByStoreOrder(ctx, storeAID, storeAOrderID)
	if err != nil {
		return
	}
	if err := s.repo.AddNote(ctx, order.InternalID, model.SourceReturn, "Buyer cancelled at the gateway checkout page"); err != nil {
		s.log.Warnf("[RecordBuyerCancel] note for %s failed: %v", order.InternalID, err)
	}
}

func (s *ProxyService) notify(ctx context.Context, o *model.ProxyOrder, status model.NotifyStatus, txnID, amount, reason string) {
	if s.notifier == nil || status == model.NotifyNone {
		return
	}
	if txnID == "" {
		txnID = o.TransactionID
	}
	s.notifier.Notify(ctx, model.Notification{
		StoreAID:       o.StoreAID,
		StoreAOrderID:  o.StoreAOrderID,
		InternalID:     o.InternalID,
		GatewayOrderID: o.GatewayOrderID,
		Status:         status,
		TransactionID:  txnID,
		Amount:         amount,
		Reason:         reason,
	})
}

func (s *ProxyService) publish(ctx context.Context, o *model.ProxyOrder, previous model.OrderStatus, source model.StatusSource) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishStatus(ctx, model.OrderStatusEvent{
		OrderID:        o.InternalID,
		StoreAID:       o.StoreAID,
		StoreAOrderID:  o.StoreAOrderID,
		GatewayOrderID: o.GatewayOrderID,
		Status:         o.Status,
		Previous:       previous,
		Source:         source,
		Version:        o.Version,
	})
}
