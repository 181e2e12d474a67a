package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/client"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/service"
	"github.com/google/uuid"
)

var errMissingField = errors.New("missing field")

// namespace for keys of IPN messages that carry neither ipn_track_id nor txn_id
var ipnKeyNamespace = uuid.MustParse("0b0f3b5e-2a67-4c1f-8f5d-6a1a4e7c9d31")

type webhookEnvelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type orderResource struct {
	ID            string                      `json:"id"`
	Status        string                      `json:"status"`
	PurchaseUnits []client.RemotePurchaseUnit `json:"purchase_units"`
}

// captureResource also covers refunds, which carry the same related ids.
type captureResource struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	Amount        client.Value `json:"amount"`
	CustomID      string       `json:"custom_id"`
	StatusDetails struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

// ParseWebhook turns a verified webhook body into a gateway event. Event
// types it does not act on still parse, as EventUnknown.
func ParseWebhook(body []byte) (*model.GatewayEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	if env.ID == "" {
		return nil, fmt.Errorf("webhook id: %w", errMissingField)
	}

	ev := &model.GatewayEvent{
		Key:        "webhook:" + env.ID,
		Source:     model.SourceWebhook,
		Kind:       model.WebhookEventKind(env.EventType),
		EventType:  env.EventType,
		RawPayload: body,
	}
	if len(env.Resource) == 0 {
		return ev, nil
	}

	switch {
	case strings.HasPrefix(env.EventType, "CHECKOUT.ORDER."):
		var r orderResource
		if err := json.Unmarshal(env.Resource, &r); err != nil {
			return nil, err
		}
		ev.GatewayOrderID = r.ID
		if len(r.PurchaseUnits) > 0 {
			pu := r.PurchaseUnits[0]
			ev.StoreAID, ev.StoreAOrderID, _ = service.ParseCorrelationID(pu.CustomID)
			ev.Amount = pu.Amount.Value
			if len(pu.Payments.Captures) > 0 {
				ev.TransactionID = pu.Payments.Captures[0].ID
			}
		}
	case strings.HasPrefix(env.EventType, "PAYMENT.CAPTURE."):
		var r captureResource
		if err := json.Unmarshal(env.Resource, &r); err != nil {
			return nil, err
		}
		ev.GatewayOrderID = r.SupplementaryData.RelatedIDs.OrderID
		ev.StoreAID, ev.StoreAOrderID, _ = service.ParseCorrelationID(r.CustomID)
		ev.TransactionID = r.ID
		ev.Amount = r.Amount.Value
		ev.Reason = r.StatusDetails.Reason
	}
	return ev, nil
}

// ParseIPN turns a verified IPN body into a gateway event. The order is
// located through the custom field set at creation.
func ParseIPN(raw []byte) (*model.GatewayEvent, error) {
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, err
	}
	status := form.Get("payment_status")
	if status == "" {
		return nil, fmt.Errorf("payment_status: %w", errMissingField)
	}

	ref := form.Get("ipn_track_id")
	if ref == "" {
		ref = form.Get("txn_id")
	}
	if ref == "" {
		ref = uuid.NewSHA1(ipnKeyNamespace, raw).String()
	}

	ev := &model.GatewayEvent{
		Key:           "ipn:" + ref + ":" + status,
		Source:        model.SourceIPN,
		Kind:          model.IPNEventKind(status),
		EventType:     status,
		TransactionID: form.Get("txn_id"),
		Amount:        form.Get("mc_gross"),
		Reason:        form.Get("pending_reason"),
		RawPayload:    raw,
	}
	if ev.Reason == "" {
		ev.Reason = form.Get("reason_code")
	}
	ev.StoreAID, ev.StoreAOrderID, _ = service.ParseCorrelationID(form.Get("custom"))
	return ev, nil
}
