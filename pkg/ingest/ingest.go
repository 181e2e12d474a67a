package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync/atomic"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/client"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/service"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrVerification means the notification was not proven to come from the
// gateway. Nothing has been changed when it is returned.
var ErrVerification = errors.New("gateway notification could not be verified")

type Verifier interface {
	VerifyWebhookSignature(ctx context.Context, h client.WebhookHeaders, body []byte) (bool, error)
	ValidateIPN(ctx context.Context, raw []byte) (bool, error)
}

type EventHandler interface {
	HandleEvent(ctx context.Context, ev *model.GatewayEvent) error
}

// Ingestor authenticates gateway notifications and hands them to the
// orchestrator. Once a notification is verified the gateway always gets a
// success answer; failures after that point are logged and left to
// reconciliation so the gateway does not redeliver forever.
type Ingestor struct {
	verifier Verifier
	handler  EventHandler
	log      *logrus.Logger

	received  uint64
	rejected  uint64
	unmatched uint64
	failed    uint64
}

func NewIngestor(verifier Verifier, handler EventHandler, log *logrus.Logger) *Ingestor {
	i := &Ingestor{verifier: verifier, handler: handler, log: log}
	i.registerMetrics()
	return i
}

func (i *Ingestor) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("paymentproxyservice.ingest")
	meter.Int64ObservableGauge("app_gateway_notifications_total",
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&i.received)), metric.WithAttributes(attribute.String("result", "received")))
			obs.Observe(int64(atomic.LoadUint64(&i.rejected)), metric.WithAttributes(attribute.String("result", "rejected")))
			obs.Observe(int64(atomic.LoadUint64(&i.unmatched)), metric.WithAttributes(attribute.String("result", "unmatched")))
			obs.Observe(int64(atomic.LoadUint64(&i.failed)), metric.WithAttributes(attribute.String("result", "failed")))
			return nil
		}),
	)
}

// Webhook handles a REST webhook delivery. Only ErrVerification is returned.
func (i *Ingestor) Webhook(ctx context.Context, header http.Header, body []byte) (err error) {
	atomic.AddUint64(&i.received, 1)
	verified := false
	defer i.recoverPanic("Webhook", &verified, &err)

	// 1. 验签
	h := client.WebhookHeaders{
		AuthAlgo:         header.Get("Paypal-Auth-Algo"),
		CertURL:          header.Get("Paypal-Cert-Url"),
		TransmissionID:   header.Get("Paypal-Transmission-Id"),
		TransmissionSig:  header.Get("Paypal-Transmission-Sig"),
		TransmissionTime: header.Get("Paypal-Transmission-Time"),
	}
	ok, verr := i.verifier.VerifyWebhookSignature(ctx, h, body)
	if verr != nil || !ok {
		atomic.AddUint64(&i.rejected, 1)
		i.log.WithField("transmission_id", h.TransmissionID).Warnf("[Webhook] signature verification failed: %v", verr)
		return ErrVerification
	}
	verified = true

	// 2. 解析
	ev, perr := ParseWebhook(body)
	if perr != nil {
		atomic.AddUint64(&i.failed, 1)
		i.log.Errorf("[Webhook] verified payload could not be parsed: %v", perr)
		return nil
	}
	ev.Verified = true

	// 3. 处理
	i.dispatch(ctx, "Webhook", ev)
	return nil
}

// IPN handles a legacy instant payment notification. raw must be the body
// exactly as received.
func (i *Ingestor) IPN(ctx context.Context, raw []byte) (err error) {
	atomic.AddUint64(&i.received, 1)
	verified := false
	defer i.recoverPanic("IPN", &verified, &err)

	ok, verr := i.verifier.ValidateIPN(ctx, raw)
	if verr != nil || !ok {
		atomic.AddUint64(&i.rejected, 1)
		i.log.Warnf("[IPN] validation failed: %v", verr)
		return ErrVerification
	}
	verified = true

	ev, perr := ParseIPN(raw)
	if perr != nil {
		atomic.AddUint64(&i.failed, 1)
		i.log.Errorf("[IPN] verified payload could not be parsed: %v", perr)
		return nil
	}
	ev.Verified = true
	i.dispatch(ctx, "IPN", ev)
	return nil
}

func (i *Ingestor) dispatch(ctx context.Context, tag string, ev *model.GatewayEvent) {
	log := i.log.WithFields(logrus.Fields{
		"event":            ev.Key,
		"event_type":       ev.EventType,
		"gateway_order_id": ev.GatewayOrderID,
		"store_a_id":       ev.StoreAID,
		"store_a_order_id": ev.StoreAOrderID,
	})
	err := i.handler.HandleEvent(ctx, ev)
	var recErr *service.ReconciliationError
	switch {
	case err == nil:
		log.Infof("[%s] notification processed", tag)
	case errors.As(err, &recErr):
		atomic.AddUint64(&i.unmatched, 1)
		log.Warnf("[%s] no matching order: %v", tag, err)
	default:
		atomic.AddUint64(&i.failed, 1)
		log.Errorf("[%s] processing failed: %v", tag, err)
	}
}

// recoverPanic keeps a verified notification from turning into a 5xx. A
// panic before verification completed is reported as unverified.
func (i *Ingestor) recoverPanic(tag string, verified *bool, err *error) {
	if r := recover(); r != nil {
		atomic.AddUint64(&i.failed, 1)
		i.log.WithField("stack", string(debug.Stack())).Errorf("[%s] panic while processing notification: %s", tag, fmt.Sprint(r))
		*err = nil
		if !*verified {
			*err = ErrVerification
		}
	}
}
