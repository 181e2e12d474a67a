package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/registry"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/trust"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStoreA struct {
	mu     sync.Mutex
	calls  int32
	failN  int32
	bodies []model.NotificationPayload
	tokens []string
	paths  []string
}

func (s *fakeStoreA) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := atomic.AddInt32(&s.calls, 1)
	if n <= atomic.LoadInt32(&s.failN) {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	raw, _ := io.ReadAll(r.Body)
	var p model.NotificationPayload
	_ = json.Unmarshal(raw, &p)
	s.mu.Lock()
	s.bodies = append(s.bodies, p)
	s.tokens = append(s.tokens, r.Header.Get(AuthHeader))
	s.paths = append(s.paths, r.URL.Path)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

type memDeadLetters struct {
	rows []*model.FailedNotification
	err  error
}

func (m *memDeadLetters) InsertFailedNotification(_ context.Context, n *model.FailedNotification) error {
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, n)
	return nil
}

func setup(t *testing.T, store *fakeStoreA) (*Dispatcher, *memDeadLetters, *trust.Manager) {
	t.Helper()
	srv := httptest.NewServer(store)
	t.Cleanup(srv.Close)

	reg, err := registry.New([]registry.Store{{ID: "shop-a", BaseURL: srv.URL + "/wp-json/paypal-proxy/v1", SharedSecret: "s3cret"}})
	require.NoError(t, err)
	mgr := trust.NewManager(reg)
	dead := &memDeadLetters{}
	log, _ := test.NewNullLogger()
	d := NewDispatcher(reg, mgr, dead, Options{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, log)
	return d, dead, mgr
}

func notification() model.Notification {
	return model.Notification{
		StoreAID:       "shop-a",
		StoreAOrderID:  "O1",
		InternalID:     "int-1",
		GatewayOrderID: "PAY-1",
		Status:         model.NotifyCompleted,
		TransactionID:  "CAP-9",
		Amount:         "19.99",
	}
}

func TestNotifyDeliversSignedPayload(t *testing.T) {
	store := &fakeStoreA{}
	d, dead, mgr := setup(t, store)

	assert.True(t, d.Notify(context.Background(), notification()))
	require.Len(t, store.bodies, 1)
	p := store.bodies[0]
	assert.Equal(t, "O1", p.OrderID)
	assert.Equal(t, model.NotifyCompleted, p.PaymentStatus)
	assert.Equal(t, "PAY-1", p.GatewayOrderID)
	assert.Equal(t, "PAY-1", p.PaypalOrderID)
	assert.Equal(t, "CAP-9", p.TransactionID)
	assert.Equal(t, "19.99", p.PaymentAmount)
	assert.Equal(t, "/wp-json/paypal-proxy/v1/update-order", store.paths[0])
	assert.NoError(t, mgr.Verify(store.tokens[0], "shop-a"))
	assert.Empty(t, dead.rows)
}

func TestNotifyRetriesTransientFailures(t *testing.T) {
	store := &fakeStoreA{failN: 2}
	d, dead, _ := setup(t, store)

	assert.True(t, d.Notify(context.Background(), notification()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&store.calls))
	assert.Empty(t, dead.rows)
}

func TestNotifyParksAfterRetries(t *testing.T) {
	store := &fakeStoreA{failN: 100}
	d, dead, _ := setup(t, store)

	assert.False(t, d.Notify(context.Background(), notification()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&store.calls))
	require.Len(t, dead.rows, 1)
	row := dead.rows[0]
	assert.Equal(t, "int-1", row.OrderID)
	assert.Equal(t, "shop-a", row.StoreAID)
	assert.Equal(t, 3, row.Attempts)
	assert.Contains(t, row.LastError, "503")
	assert.True(t, row.NextAttemptAt.After(time.Now()))

	var p model.NotificationPayload
	require.NoError(t, json.Unmarshal(row.Payload, &p))
	assert.Equal(t, "O1", p.OrderID)
}

func TestNotifyUnknownStore(t *testing.T) {
	store := &fakeStoreA{}
	d, dead, _ := setup(t, store)
	n := notification()
	n.StoreAID = "shop-z"

	assert.False(t, d.Notify(context.Background(), n))
	assert.Zero(t, atomic.LoadInt32(&store.calls))
	assert.Empty(t, dead.rows)
}

func TestDeliverReportsStatus(t *testing.T) {
	store := &fakeStoreA{failN: 100}
	d, _, _ := setup(t, store)

	err := d.Deliver(context.Background(), "shop-a", []byte(`{}`))
	var sErr *StatusError
	require.True(t, errors.As(err, &sErr))
	assert.Equal(t, http.StatusServiceUnavailable, sErr.StatusCode)
}

func TestBreakerOpensPerStore(t *testing.T) {
	store := &fakeStoreA{failN: 1000}
	d, _, _ := setup(t, store)

	// enough failed deliveries to trip the breaker, after which calls stop reaching the store
	for i := 0; i < 4; i++ {
		_ = d.Deliver(context.Background(), "shop-a", []byte(`{}`))
	}
	before := atomic.LoadInt32(&store.calls)
	err := d.Deliver(context.Background(), "shop-a", []byte(`{}`))
	assert.Error(t, err)
	assert.Equal(t, before, atomic.LoadInt32(&store.calls))
}
