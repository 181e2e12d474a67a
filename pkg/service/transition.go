package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/client"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/repository"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

type transitionRequest struct {
	// Target is empty for note-only changes.
	Target        model.OrderStatus
	GatewayStatus string
	TransactionID string
	Source        model.StatusSource

	EventKey  string
	EventType string
	Note      string

	// Authoritative sources may supersede provisional states outside the table.
	Authoritative bool
}

type transitionResult struct {
	Order     *model.ProxyOrder
	Previous  model.OrderStatus
	Applied   bool
	Duplicate bool
}

// transition moves order towards req.Target with compare-and-swap, reloading
// and re-deciding on every version conflict.
func (s *ProxyService) transition(ctx context.Context, order *model.ProxyOrder, req transitionRequest) (*transitionResult, error) {
	cur := order
	for attempt := 0; attempt < s.opts.CASRetries; attempt++ {
		change := &repository.StatusChange{
			OrderID:         cur.InternalID,
			ExpectedVersion: cur.Version,
			Source:          req.Source,
			EventKey:        req.EventKey,
			EventType:       req.EventType,
			Note:            req.Note,
		}
		applied := false

		switch {
		case req.Target == "":
			// note only
		case req.Target == cur.Status:
			if req.TransactionID != "" && cur.TransactionID == "" {
				change.TransactionID = req.TransactionID
			}
		case model.CanTransition(cur.Status, req.Target),
			req.Authoritative && cur.Status.Provisional():
			change.Status = req.Target
			change.GatewayStatus = req.GatewayStatus
			// the first capture id sticks; refunds report their own ids
			if cur.TransactionID == "" {
				change.TransactionID = req.TransactionID
			}
			applied = true
		default:
			change.Note = fmt.Sprintf("Ignored %s -> %s from %s", cur.Status, req.Target, req.Source)
			if req.Note != "" {
				change.Note += ": " + req.Note
			}
			atomic.AddUint64(&s.transitionsRejected, 1)
		}

		err := s.repo.ApplyChange(ctx, change)
		switch {
		case err == nil:
		case errors.Is(err, repository.ErrEventSeen):
			atomic.AddUint64(&s.eventsDuplicate, 1)
			return &transitionResult{Order: cur, Previous: cur.Status, Duplicate: true}, nil
		case errors.Is(err, repository.ErrVersionConflict):
			s.log.Debugf("[Transition] version conflict on %s (v%d), reloading", cur.InternalID, cur.Version)
			reloaded, getErr := s.repo.GetOrder(ctx, cur.InternalID)
			if getErr != nil {
				return nil, getErr
			}
			cur = reloaded
			continue
		default:
			return nil, err
		}

		if !applied && change.TransactionID == "" {
			return &transitionResult{Order: cur, Previous: cur.Status}, nil
		}
		updated, err := s.repo.GetOrder(ctx, cur.InternalID)
		if err != nil {
			return nil, err
		}
		if applied {
			atomic.AddUint64(&s.transitionsApplied, 1)
			s.log.WithFields(logrus.Fields{
				"order_id": cur.InternalID,
				"from":     cur.Status,
				"to":       updated.Status,
				"source":   req.Source,
				"version":  updated.Version,
			}).Info("[Transition] order status changed")
			s.publish(ctx, updated, cur.Status, req.Source)
		}
		return &transitionResult{Order: updated, Previous: cur.Status, Applied: applied}, nil
	}
	return nil, fmt.Errorf("order %s: %w after %d attempts", order.InternalID, repository.ErrVersionConflict, s.opts.CASRetries)
}

// HandleEvent applies a verified gateway notification. Replayed events and
// events that do not change the order are absorbed without side effects.
func (s *ProxyService) HandleEvent(ctx context.Context, ev *model.GatewayEvent) error {
	ctx, span := s.tracer.Start(ctx, "ProxyService.HandleEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.key", ev.Key),
		attribute.String("event.kind", ev.Kind.String()),
		attribute.String("event.source", string(ev.Source)),
	)

	if !ev.Verified {
		return ErrUnverified
	}
	log := s.log.WithFields(logrus.Fields{"event": ev.Key, "kind": ev.Kind.String(), "source": ev.Source})

	// 1. 幂等检查
	if ev.Key != "" {
		seen, err := s.repo.EventProcessed(ctx, ev.Key)
		if err != nil {
			return err
		}
		if seen {
			atomic.AddUint64(&s.eventsDuplicate, 1)
			log.Info("[HandleEvent] duplicate delivery ignored")
			return nil
		}
	}

	// 2. 定位订单
	order, err := s.locate(ctx, ev)
	if err != nil {
		return err
	}
	return s.applyEvent(ctx, order, ev, log)
}

func (s *ProxyService) applyEvent(ctx context.Context, order *model.ProxyOrder, ev *model.GatewayEvent, log *logrus.Entry) error {
	outcome, ok := model.OutcomeOf(ev.Kind)
	if !ok {
		outcome = model.Outcome{}
	}

	note := fmt.Sprintf("%s %s", ev.Source, ev.EventType)
	if outcome.Target == "" {
		note = "Unhandled gateway event: " + note
	}
	if ev.TransactionID != "" {
		note += " txn=" + ev.TransactionID
	}
	if ev.Reason != "" {
		note += " reason=" + ev.Reason
	}

	// 3. 状态迁移
	res, err := s.transition(ctx, order, transitionRequest{
		Target:        outcome.Target,
		GatewayStatus: string(outcome.Target),
		TransactionID: ev.TransactionID,
		Source:        ev.Source,
		EventKey:      ev.Key,
		EventType:     ev.EventType,
		Note:          note,
		Authoritative: ev.Source != model.SourceIPN,
	})
	if err != nil {
		return err
	}
	if res.Duplicate {
		log.Info("[HandleEvent] duplicate delivery ignored")
		return nil
	}

	// 4. 通知 Store A / 触发扣款
	if res.Applied {
		s.notify(ctx, res.Order, outcome.Notify, ev.TransactionID, ev.Amount, ev.Reason)
	}
	if outcome.Capture && res.Order.Status == model.StatusApproved {
		if err := s.CaptureOrder(ctx, res.Order); err != nil {
			log.Warnf("[HandleEvent] capture of %s failed, reconcile worker will retry: %v", res.Order.GatewayOrderID, err)
		}
	}
	return nil
}

func (s *ProxyService) locate(ctx context.Context, ev *model.GatewayEvent) (*model.ProxyOrder, error) {
	var (
		order *model.ProxyOrder
		err   error
		ref   string
	)
	switch {
	case ev.GatewayOrderID != "":
		ref = ev.GatewayOrderID
		order, err = s.repo.GetByGatewayOrderID(ctx, ev.GatewayOrderID)
	case ev.StoreAID != "" && ev.StoreAOrderID != "":
		ref = CorrelationID(ev.StoreAID, ev.StoreAOrderID)
		order, err = s.repo.GetByStoreOrder(ctx, ev.StoreAID, ev.StoreAOrderID)
	default:
		err = repository.ErrNotFound
	}
	if errors.Is(err, repository.ErrNotFound) {
		atomic.AddUint64(&s.reconcileMisses, 1)
		return nil, &ReconciliationError{EventKey: ev.Key, Ref: ref}
	}
	return order, err
}

// CaptureOrder captures an approved order and applies the capture result.
// A retry after an earlier successful capture reads the order back instead.
func (s *ProxyService) CaptureOrder(ctx context.Context, order *model.ProxyOrder) error {
	ctx, span := s.tracer.Start(ctx, "ProxyService.CaptureOrder")
	defer span.End()

	remote, err := s.gateway.CaptureRemoteOrder(ctx, order.GatewayOrderID, captureRequestID(order.GatewayOrderID))
	if client.IsAlreadyCaptured(err) {
		remote, err = s.gateway.GetRemoteOrder(ctx, order.GatewayOrderID)
	}
	if err != nil {
		if noteErr := s.repo.AddNote(ctx, order.InternalID, model.SourceCapture, "Capture attempt failed"); noteErr != nil {
			s.log.Warnf("[CaptureOrder] note for %s failed: %v", order.InternalID, noteErr)
		}
		return &UpstreamError{Op: "capture order", Err: err}
	}
	return s.applyRemote(ctx, order, remote, model.SourceCapture)
}

// ReconcileOrder re-reads an order from the gateway and applies whatever it
// reports. Orders still awaiting capture are captured.
func (s *ProxyService) ReconcileOrder(ctx context.Context, order *model.ProxyOrder) error {
	ctx, span := s.tracer.Start(ctx, "ProxyService.ReconcileOrder")
	defer span.End()

	remote, err := s.gateway.GetRemoteOrder(ctx, order.GatewayOrderID)
	if err != nil {
		return &UpstreamError{Op: "get order", Err: err}
	}
	if remote.Status == "APPROVED" {
		return s.CaptureOrder(ctx, order)
	}
	return s.applyRemote(ctx, order, remote, model.SourceReconcile)
}

// applyRemote turns a gateway order resource into an event for order.
func (s *ProxyService) applyRemote(ctx context.Context, order *model.ProxyOrder, remote *client.RemoteOrder, source model.StatusSource) error {
	capture, hasCapture := remote.FirstCapture()

	kind := model.EventUnknown
	switch {
	case hasCapture && capture.Status == "COMPLETED":
		kind = model.EventCaptureCompleted
	case hasCapture && capture.Status == "PENDING":
		kind = model.EventCapturePending
	case hasCapture && (capture.Status == "DECLINED" || capture.Status == "FAILED"):
		kind = model.EventCaptureDenied
	case hasCapture && capture.Status == "REFUNDED":
		kind = model.EventCaptureRefunded
	case remote.Status == "COMPLETED":
		kind = model.EventOrderCompleted
	case remote.Status == "VOIDED":
		kind = model.EventPaymentFailed
	}

	if kind == model.EventUnknown {
		// nothing actionable yet
		return nil
	}

	status := remote.Status
	if hasCapture {
		status = remote.Status + "/" + capture.Status
	}
	ev := &model.GatewayEvent{
		Key:            fmt.Sprintf("%s:%s:%s", source, remote.ID, status),
		Source:         source,
		Kind:           kind,
		EventType:      "order " + status,
		GatewayOrderID: order.GatewayOrderID,
		TransactionID:  capture.ID,
		Amount:         capture.Amount.Value,
		Verified:       true,
	}
	log := s.log.WithFields(logrus.Fields{"event": ev.Key, "kind": kind.String(), "source": source})
	return s.applyEvent(ctx, order, ev, log)
}
