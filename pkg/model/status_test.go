package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		want     bool
	}{
		{StatusCreated, StatusApproved, true},
		{StatusCreated, StatusCompleted, true},
		{StatusApproved, StatusCompleted, true},
		{StatusPending, StatusCompleted, true},
		{StatusCompleted, StatusRefunded, true},
		{StatusCompleted, StatusReversed, true},
		{StatusReversed, StatusCompleted, true},
		{StatusCompleted, StatusCancelled, false},
		{StatusCompleted, StatusApproved, false},
		{StatusCompleted, StatusPending, false},
		{StatusRefunded, StatusCompleted, false},
		{StatusCancelled, StatusCompleted, false},
		{StatusCompleted, StatusCompleted, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestEveryNonCompletedStateCanBeCancelled(t *testing.T) {
	for _, s := range AllStatuses {
		if s == StatusCompleted || s == StatusCancelled {
			continue
		}
		assert.True(t, CanTransition(s, StatusCancelled), "%s -> CANCELLED", s)
	}
}

func TestTransitionTableIsClosed(t *testing.T) {
	for _, s := range AllStatuses {
		require.True(t, s.Valid(), "%s missing from table", s)
		for _, target := range transitions[s] {
			assert.True(t, target.Valid(), "%s -> unknown %s", s, target)
		}
	}
	assert.False(t, OrderStatus("SHIPPED").Valid())
}

func TestEveryEventKindHasAnOutcome(t *testing.T) {
	require.Len(t, outcomes, len(AllEventKinds))
	for _, k := range AllEventKinds {
		o, ok := OutcomeOf(k)
		require.True(t, ok, "no outcome for %s", k)
		if o.Target != "" {
			assert.True(t, o.Target.Valid())
		}
	}
}

func TestWebhookEventKind(t *testing.T) {
	assert.Equal(t, EventOrderApproved, WebhookEventKind("CHECKOUT.ORDER.APPROVED"))
	assert.Equal(t, EventCaptureCompleted, WebhookEventKind("PAYMENT.CAPTURE.COMPLETED"))
	assert.Equal(t, EventCaptureDenied, WebhookEventKind("PAYMENT.CAPTURE.DECLINED"))
	assert.Equal(t, EventUnknown, WebhookEventKind("BILLING.SUBSCRIPTION.CREATED"))

	o, _ := OutcomeOf(WebhookEventKind("PAYMENT.CAPTURE.DENIED"))
	assert.Equal(t, StatusDenied, o.Target)
	assert.Equal(t, NotifyFailed, o.Notify)
}

func TestIPNEventKind(t *testing.T) {
	cases := map[string]OrderStatus{
		"Completed":         StatusCompleted,
		"Pending":           StatusPending,
		"Failed":            StatusFailed,
		"Expired":           StatusFailed,
		"Denied":            StatusDenied,
		"Refunded":          StatusRefunded,
		"Reversed":          StatusReversed,
		"Canceled_Reversal": StatusReversed,
		"Voided":            "",
	}
	for ps, want := range cases {
		o, ok := OutcomeOf(IPNEventKind(ps))
		require.True(t, ok)
		assert.Equal(t, want, o.Target, ps)
	}
}

func TestParseStoreAChange(t *testing.T) {
	assert.Equal(t, ChangeCancelled, ParseStoreAChange(" Cancelled "))
	assert.Equal(t, ChangeRefunded, ParseStoreAChange("refunded"))
	assert.Equal(t, StoreAChange("on-hold"), ParseStoreAChange("on-hold"))
}
