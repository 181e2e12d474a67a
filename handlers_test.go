package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/config"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/client"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/ingest"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/registry"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/repository"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/service"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/testutil"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/trust"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGateway struct {
	createErr error
}

func (g *stubGateway) CreateRemoteOrder(_ context.Context, _ *client.OrderRequest, _ string) (*client.RemoteOrder, error) {
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &client.RemoteOrder{
		ID:     "PAY-1",
		Status: "CREATED",
		Links:  []client.Link{{Rel: "approve", Href: "https://www.sandbox.paypal.com/checkoutnow?token=PAY-1"}},
	}, nil
}

func (g *stubGateway) CaptureRemoteOrder(context.Context, string, string) (*client.RemoteOrder, error) {
	return nil, errors.New("not expected")
}

func (g *stubGateway) GetRemoteOrder(context.Context, string) (*client.RemoteOrder, error) {
	return nil, client.ErrNotFound
}

type stubIngestor struct {
	err  error
	seen []string
}

func (s *stubIngestor) Webhook(_ context.Context, _ http.Header, body []byte) error {
	s.seen = append(s.seen, "webhook:"+string(body))
	return s.err
}

func (s *stubIngestor) IPN(_ context.Context, raw []byte) error {
	s.seen = append(s.seen, "ipn:"+string(raw))
	return s.err
}

type testServer struct {
	handler  http.Handler
	trust    *trust.Manager
	gateway  *stubGateway
	ingestor *stubIngestor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newLockedTestServer(t, nil)
}

func newLockedTestServer(t *testing.T, locker service.Locker) *testServer {
	t.Helper()
	log.SetOutput(io.Discard)

	reg, err := registry.New([]registry.Store{
		{ID: "shop-a", BaseURL: "https://a.example.com", SharedSecret: "secret-a"},
		{ID: "shop-b", BaseURL: "https://b.example.com", SharedSecret: "secret-b"},
	})
	require.NoError(t, err)
	tm := trust.NewManager(reg)

	gw := &stubGateway{}
	svc := service.NewProxyService(repository.NewOrderRepo(testutil.NewTestDB(t)), gw, nil, nil, locker, reg,
		service.Options{PublicBaseURL: "https://proxy.example.com", LockWait: 200 * time.Millisecond}, log)
	ing := &stubIngestor{}

	cfg := &config.Config{Gateway: config.Gateway{ClientID: "cid-123", Mode: "sandbox"}}
	ps := newProxyServer(svc, ing, tm, reg, nil, cfg)
	return &testServer{handler: ps.routes(), trust: tm, gateway: gw, ingestor: ing}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

// post sends body to an authenticated endpoint signed for signAs.
func (ts *testServer) post(t *testing.T, path, signAs string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, apiPrefix+path, strings.NewReader(string(data)))
	if signAs != "" {
		token, err := ts.trust.Generate(signAs)
		require.NoError(t, err)
		req.Header.Set("X-Proxy-Auth", token)
	}
	return ts.do(req)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func createBody(storeAID, orderID string) map[string]interface{} {
	return map[string]interface{}{
		"store_a_id":       storeAID,
		"store_a_order_id": orderID,
		"items":            []map[string]interface{}{{"product_ref": "42", "price": "19.99", "quantity": 1}},
		"currency":         "USD",
		"total":            "19.99",
		"return_url":       "https://a.example.com/thanks?o=" + orderID,
		"cancel_url":       "https://a.example.com/cart",
	}
}

func TestStoreAuthRejections(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		header string
		want   int
	}{
		{name: "not json", body: `{`, want: http.StatusBadRequest},
		{name: "missing store id", body: `{"store_a_order_id":"A-1"}`, header: "x|1", want: http.StatusBadRequest},
		{name: "missing token", body: `{"store_a_id":"shop-a"}`, want: http.StatusUnauthorized},
		{name: "malformed token", body: `{"store_a_id":"shop-a"}`, header: "garbage", want: http.StatusUnauthorized},
		{name: "wrong signature", body: `{"store_a_id":"shop-a"}`, header: "deadbeef|1700000000", want: http.StatusUnauthorized},
		{name: "unknown store", body: `{"store_a_id":"ghost"}`, header: "deadbeef|1700000000", want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, apiPrefix+"/test-connection", strings.NewReader(tt.body))
			if tt.header != "" {
				req.Header.Set("X-Proxy-Auth", tt.header)
			}
			rec := ts.do(req)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, false, decode(t, rec)["success"])
		})
	}
}

func TestTestConnection(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.post(t, "/test-connection", "shop-a", map[string]string{"store_a_id": "shop-a"})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "Connection successful!", out["message"])
	assert.NotZero(t, out["timestamp"])
}

func TestLegacyAuthHeaderAccepted(t *testing.T) {
	ts := newTestServer(t)
	token, err := ts.trust.Generate("shop-a")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, apiPrefix+"/test-connection", strings.NewReader(`{"store_a_id":"shop-a"}`))
	req.Header.Set("X-Paypal-Proxy-Auth", token)
	assert.Equal(t, http.StatusOK, ts.do(req).Code)
}

func TestCreateOrderAndStatus(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.post(t, "/create-order", "shop-a", createBody("shop-a", "A-100"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decode(t, rec)
	assert.Equal(t, true, created["success"])
	assert.Equal(t, "PAY-1", created["gateway_order_id"])
	assert.Contains(t, created["checkout_url"], "token=PAY-1")
	assert.NotEmpty(t, created["order_id"])

	// same order again returns the existing record
	rec = ts.post(t, "/create-order", "shop-a", createBody("shop-a", "A-100"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created["order_id"], decode(t, rec)["order_id"])

	rec = ts.post(t, "/order-status", "shop-a", map[string]string{"store_a_id": "shop-a", "store_a_order_id": "A-100"})
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, "CREATED", status["order_status"])
	assert.Equal(t, "PAY-1", status["gateway_order_id"])
	assert.Equal(t, "A-100", status["store_a_order_id"])

	rec = ts.post(t, "/order-status", "shop-b", map[string]string{"store_a_id": "shop-b", "store_a_order_id": "A-100"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.post(t, "/order-status", "shop-a", map[string]string{"store_a_id": "shop-a", "store_a_order_id": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type busyLock struct{}

func (busyLock) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, false, nil
}

func TestCreateOrderInProgressElsewhere(t *testing.T) {
	ts := newLockedTestServer(t, busyLock{})

	rec := ts.post(t, "/create-order", "shop-a", createBody("shop-a", "A-7"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "order creation already in progress", out["message"])
}

func TestCreateOrderValidation(t *testing.T) {
	ts := newTestServer(t)

	body := createBody("shop-a", "A-1")
	delete(body, "items")
	rec := ts.post(t, "/create-order", "shop-a", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["message"], "items")
}

func TestCreateOrderGatewayFailureIsGeneric(t *testing.T) {
	ts := newTestServer(t)
	ts.gateway.createErr = errors.New("UNPROCESSABLE_ENTITY debug_id=abc123")

	rec := ts.post(t, "/create-order", "shop-a", createBody("shop-a", "A-2"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	msg := decode(t, rec)["message"].(string)
	assert.NotContains(t, msg, "abc123")
}

func TestOrderStatusChangeCancel(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.post(t, "/create-order", "shop-a", createBody("shop-a", "A-3")).Code)

	rec := ts.post(t, "/order-status-change", "shop-a", map[string]string{
		"store_a_id": "shop-a", "store_a_order_id": "A-3", "new_status": "cancelled",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, true, out["applied"])
	assert.Equal(t, "CANCELLED", out["order_status"])
}

func TestButtonScript(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/button-script", "/button.js"} {
		rec := ts.do(httptest.NewRequest(http.MethodGet, apiPrefix+path+"?currency=eur", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "application/javascript")
		assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
		assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "https://www.paypal.com")
		assert.Contains(t, rec.Body.String(), `var CLIENT_ID = "cid-123";`)
		assert.Contains(t, rec.Body.String(), `var CURRENCY = "EUR";`)
	}

	rec := ts.do(httptest.NewRequest(http.MethodGet, apiPrefix+"/button.js?currency=%27%3Balert(1)", nil))
	assert.Contains(t, rec.Body.String(), `var CURRENCY = "USD";`)
}

func returnURL(target string) string {
	q := url.Values{}
	q.Set("store_a_id", "shop-a")
	q.Set("store_a_order_id", "A-4")
	q.Set("store_a_return_url", target)
	q.Set("token", "PAY-1")
	return apiPrefix + "/return?" + q.Encode()
}

func TestReturnRedirectsToStore(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.post(t, "/create-order", "shop-a", createBody("shop-a", "A-4")).Code)

	rec := ts.do(httptest.NewRequest(http.MethodGet, returnURL("https://a.example.com/thanks?o=A-4"), nil))
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "a.example.com", loc.Host)
	assert.Equal(t, "A-4", loc.Query().Get("o"))
	assert.Equal(t, "PAY-1", loc.Query().Get("gateway_order_id"))

	rec = ts.post(t, "/order-status", "shop-a", map[string]string{"store_a_id": "shop-a", "store_a_order_id": "A-4"})
	assert.Equal(t, "APPROVED", decode(t, rec)["order_status"])
}

func TestReturnRefusesForeignTarget(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.post(t, "/create-order", "shop-a", createBody("shop-a", "A-4")).Code)

	rec := ts.do(httptest.NewRequest(http.MethodGet, returnURL("https://evil.example.net/phish"), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
}

func TestReturnWithoutGatewayToken(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.post(t, "/create-order", "shop-a", createBody("shop-a", "A-4")).Code)

	u, err := url.Parse(returnURL("https://a.example.com/thanks?o=A-4"))
	require.NoError(t, err)
	q := u.Query()
	q.Del("token")
	u.RawQuery = q.Encode()

	rec := ts.do(httptest.NewRequest(http.MethodGet, u.String(), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))

	rec = ts.post(t, "/order-status", "shop-a", map[string]string{"store_a_id": "shop-a", "store_a_order_id": "A-4"})
	assert.Equal(t, "CREATED", decode(t, rec)["order_status"])
}

func TestReturnUnknownOrder(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(httptest.NewRequest(http.MethodGet, returnURL("https://a.example.com/thanks"), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRedirects(t *testing.T) {
	ts := newTestServer(t)

	q := url.Values{}
	q.Set("store_a_id", "shop-a")
	q.Set("store_a_order_id", "A-5")
	q.Set("store_a_cancel_url", "https://a.example.com/cart")
	rec := ts.do(httptest.NewRequest(http.MethodGet, apiPrefix+"/cancel?"+q.Encode(), nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://a.example.com/cart", rec.Header().Get("Location"))

	q.Set("store_a_cancel_url", "//evil.example.net")
	rec = ts.do(httptest.NewRequest(http.MethodGet, apiPrefix+"/cancel?"+q.Encode(), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGatewayNotifications(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodPost, apiPrefix+"/webhook", strings.NewReader(`{"id":"WH-1"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(httptest.NewRequest(http.MethodPost, apiPrefix+"/ipn", strings.NewReader("payment_status=Completed")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{`webhook:{"id":"WH-1"}`, "ipn:payment_status=Completed"}, ts.ingestor.seen)

	ts.ingestor.err = ingest.ErrVerification
	rec = ts.do(httptest.NewRequest(http.MethodPost, apiPrefix+"/webhook", strings.NewReader(`{"id":"WH-2"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(httptest.NewRequest(http.MethodPost, apiPrefix+"/ipn", strings.NewReader("x=1")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, "/test-connection", "shop-a", map[string]string{"store_a_id": "shop-a"})

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "paymentproxy_http_requests_total")
	assert.Contains(t, body, `route="/paypal-proxy/v1/test-connection"`)
	assert.Contains(t, body, "paymentproxy_http_request_duration_seconds")
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
