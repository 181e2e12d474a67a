package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePayPal struct {
	tokenCalls   int32
	lastReqID    string
	verifyResult string
	ipnReply     string
	lastIPNBody  string
	lastVerify   map[string]json.RawMessage
}

func (f *fakePayPal) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.tokenCalls, 1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "cid" || pass != "csecret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		w.Write([]byte(`{"access_token":"tok-1","expires_in":32400}`))
	})
	mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		f.lastReqID = r.Header.Get("PayPal-Request-Id")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"5O190127TN364715T","status":"CREATED","links":[
			{"href":"https://api.example/self","rel":"self"},
			{"href":"https://www.sandbox.paypal.com/checkoutnow?token=5O190127TN364715T","rel":"approve"}]}`))
	})
	mux.HandleFunc("/v2/checkout/orders/CAPTURED/capture", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"name":"UNPROCESSABLE_ENTITY","debug_id":"abc","details":[{"issue":"ORDER_ALREADY_CAPTURED"}]}`))
	})
	mux.HandleFunc("/v2/checkout/orders/OK/capture", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"OK","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"CAP-1","status":"COMPLETED","amount":{"currency_code":"USD","value":"10.00"}}]}}]}`))
	})
	mux.HandleFunc("/v2/checkout/orders/MISSING", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/v1/notifications/verify-webhook-signature", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &f.lastVerify))
		w.Write([]byte(`{"verification_status":"` + f.verifyResult + `"}`))
	})
	mux.HandleFunc("/ipn", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.lastIPNBody = string(body)
		w.Write([]byte(f.ipnReply))
	})
	return mux
}

func newTestClient(t *testing.T, f *fakePayPal, webhookID string) *PayPalClient {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	log, _ := test.NewNullLogger()
	return NewPayPalClient(Config{
		ClientID:     "cid",
		ClientSecret: "csecret",
		WebhookID:    webhookID,
		BaseURL:      srv.URL,
		IPNURL:       srv.URL + "/ipn",
	}, log)
}

func TestCreateRemoteOrderCachesToken(t *testing.T) {
	f := &fakePayPal{}
	c := newTestClient(t, f, "")
	ctx := context.Background()

	order, err := c.CreateRemoteOrder(ctx, &OrderRequest{Intent: "CAPTURE"}, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "5O190127TN364715T", order.ID)
	assert.Equal(t, "https://www.sandbox.paypal.com/checkoutnow?token=5O190127TN364715T", order.ApproveURL())
	assert.Equal(t, "req-1", f.lastReqID)

	_, err = c.CreateRemoteOrder(ctx, &OrderRequest{Intent: "CAPTURE"}, "req-2")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.tokenCalls))
}

func TestBadCredentialsDoNotLeak(t *testing.T) {
	f := &fakePayPal{}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()
	log, _ := test.NewNullLogger()
	c := NewPayPalClient(Config{ClientID: "cid", ClientSecret: "wrong-secret", BaseURL: srv.URL}, log)

	_, err := c.GetAuthToken(context.Background())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "wrong-secret")
}

func TestCapture(t *testing.T) {
	c := newTestClient(t, &fakePayPal{}, "")
	ctx := context.Background()

	order, err := c.CaptureRemoteOrder(ctx, "OK", "capture-OK")
	require.NoError(t, err)
	capture, ok := order.FirstCapture()
	require.True(t, ok)
	assert.Equal(t, "CAP-1", capture.ID)
	assert.Equal(t, "10.00", capture.Amount.Value)

	_, err = c.CaptureRemoteOrder(ctx, "CAPTURED", "capture-CAPTURED")
	require.Error(t, err)
	assert.True(t, IsAlreadyCaptured(err))

	_, err = c.GetRemoteOrder(ctx, "MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyWebhookSignature(t *testing.T) {
	f := &fakePayPal{verifyResult: "SUCCESS"}
	c := newTestClient(t, f, "WH-1")
	ctx := context.Background()
	headers := WebhookHeaders{
		AuthAlgo:         "SHA256withRSA",
		CertURL:          "https://api.sandbox.paypal.com/v1/notifications/certs/CERT",
		TransmissionID:   "tid",
		TransmissionSig:  "sig",
		TransmissionTime: "2026-01-01T00:00:00Z",
	}
	body := []byte(`{"id":"WH-EVT","event_type":"PAYMENT.CAPTURE.COMPLETED"}`)

	ok, err := c.VerifyWebhookSignature(ctx, headers, body)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `"WH-1"`, string(f.lastVerify["webhook_id"]))
	assert.JSONEq(t, string(body), string(f.lastVerify["webhook_event"]))

	f.verifyResult = "FAILURE"
	ok, err = c.VerifyWebhookSignature(ctx, headers, body)
	require.NoError(t, err)
	assert.False(t, ok)

	headers.TransmissionSig = ""
	ok, err = c.VerifyWebhookSignature(ctx, headers, body)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyWebhookWithoutWebhookID(t *testing.T) {
	f := &fakePayPal{verifyResult: "SUCCESS"}
	c := newTestClient(t, f, "")
	ok, err := c.VerifyWebhookSignature(context.Background(), WebhookHeaders{
		AuthAlgo: "a", CertURL: "b", TransmissionID: "c", TransmissionSig: "d", TransmissionTime: "e",
	}, []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, f.lastVerify)
}

func TestValidateIPN(t *testing.T) {
	f := &fakePayPal{ipnReply: "VERIFIED"}
	c := newTestClient(t, f, "")
	ctx := context.Background()
	raw := []byte("payment_status=Completed&txn_id=T1&custom=shop-a%7C42")

	ok, err := c.ValidateIPN(ctx, raw)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "cmd=_notify-validate&"+string(raw), f.lastIPNBody)

	for _, reply := range []string{"INVALID", "VERIFIED\n", "verified", ""} {
		f.ipnReply = reply
		ok, err = c.ValidateIPN(ctx, raw)
		require.NoError(t, err)
		assert.False(t, ok, "%q", reply)
	}
}
