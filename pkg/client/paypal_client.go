package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ModeSandbox = "sandbox"
	ModeLive    = "live"

	sandboxAPI = "https://api-m.sandbox.paypal.com"
	liveAPI    = "https://api-m.paypal.com"
	sandboxIPN = "https://ipnpb.sandbox.paypal.com/cgi-bin/webscr"
	liveIPN    = "https://ipnpb.paypal.com/cgi-bin/webscr"

	// refresh a bearer token this long before the gateway expires it
	tokenSkew = 60 * time.Second
)

type Config struct {
	Mode         string
	ClientID     string
	ClientSecret string
	WebhookID    string
	Timeout      time.Duration

	// Overrides for the mode defaults, used by tests.
	BaseURL string
	IPNURL  string
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// PayPalClient is a thin REST client for the gateway calls the proxy needs.
type PayPalClient struct {
	http   *resty.Client
	cfg    Config
	ipnURL string
	cb     *gobreaker.CircuitBreaker
	tokens *expirable.LRU[string, cachedToken]
	log    *logrus.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// 外嵌熔断器 + 超时
func NewPayPalClient(cfg Config, log *logrus.Logger) *PayPalClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	base, ipn := sandboxAPI, sandboxIPN
	if cfg.Mode == ModeLive {
		base, ipn = liveAPI, liveIPN
	}
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	if cfg.IPNURL != "" {
		ipn = cfg.IPNURL
	}

	st := gobreaker.Settings{
		Name:        "PayPal",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		// 4xx means the gateway is up; only transport errors and 5xx trip the breaker
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < 500
			}
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("CircuitBreaker[%s] state changed from %s to %s", name, from, to)
		},
	}

	return &PayPalClient{
		http:   resty.New().SetBaseURL(base).SetTimeout(cfg.Timeout),
		cfg:    cfg,
		ipnURL: ipn,
		cb:     gobreaker.NewCircuitBreaker(st),
		tokens: expirable.NewLRU[string, cachedToken](4, nil, 9*time.Hour),
		log:    log,
		tracer: otel.Tracer("paymentproxyservice/client"),
		now:    time.Now,
	}
}

func (c *PayPalClient) WebhookID() string {
	return c.cfg.WebhookID
}

// GetAuthToken returns a cached client-credentials bearer token, fetching a
// new one when the cached token is close to expiry.
func (c *PayPalClient) GetAuthToken(ctx context.Context) (string, error) {
	if t, ok := c.tokens.Get(c.cfg.ClientID); ok && c.now().Before(t.expiresAt) {
		return t.value, nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret).
		SetHeader("Accept", "application/json").
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		Post("/v1/oauth2/token")
	if err != nil {
		return "", fmt.Errorf("oauth token request: %w", err)
	}
	if resp.IsError() {
		return "", apiError(resp)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil || body.AccessToken == "" {
		return "", fmt.Errorf("oauth token response: malformed body")
	}
	ttl := time.Duration(body.ExpiresIn)*time.Second - tokenSkew
	if ttl <= 0 {
		ttl = time.Second
	}
	c.tokens.Add(c.cfg.ClientID, cachedToken{value: body.AccessToken, expiresAt: c.now().Add(ttl)})
	return body.AccessToken, nil
}

// CreateRemoteOrder creates a CAPTURE order. requestID makes a retried create
// return the first order instead of a second one.
func (c *PayPalClient) CreateRemoteOrder(ctx context.Context, req *OrderRequest, requestID string) (*RemoteOrder, error) {
	ctx, span := c.tracer.Start(ctx, "paypal.CreateOrder")
	defer span.End()

	var out RemoteOrder
	err := c.call(ctx, http.MethodPost, "/v2/checkout/orders", requestID, req, &out)
	if err != nil {
		markSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("paypal.order_id", out.ID), attribute.String("paypal.status", out.Status))
	return &out, nil
}

func (c *PayPalClient) CaptureRemoteOrder(ctx context.Context, gatewayOrderID, requestID string) (*RemoteOrder, error) {
	ctx, span := c.tracer.Start(ctx, "paypal.CaptureOrder", trace.WithAttributes(attribute.String("paypal.order_id", gatewayOrderID)))
	defer span.End()

	var out RemoteOrder
	path := "/v2/checkout/orders/" + url.PathEscape(gatewayOrderID) + "/capture"
	if err := c.call(ctx, http.MethodPost, path, requestID, struct{}{}, &out); err != nil {
		markSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("paypal.status", out.Status))
	return &out, nil
}

func (c *PayPalClient) GetRemoteOrder(ctx context.Context, gatewayOrderID string) (*RemoteOrder, error) {
	ctx, span := c.tracer.Start(ctx, "paypal.GetOrder", trace.WithAttributes(attribute.String("paypal.order_id", gatewayOrderID)))
	defer span.End()

	var out RemoteOrder
	if err := c.call(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(gatewayOrderID), "", nil, &out); err != nil {
		markSpan(span, err)
		return nil, err
	}
	return &out, nil
}

// VerifyWebhookSignature asks the gateway whether body was signed by it for
// the configured webhook id. Any doubt is reported as not authentic.
func (c *PayPalClient) VerifyWebhookSignature(ctx context.Context, h WebhookHeaders, body []byte) (bool, error) {
	if c.cfg.WebhookID == "" || !h.Complete() || !json.Valid(body) {
		return false, nil
	}
	ctx, span := c.tracer.Start(ctx, "paypal.VerifyWebhookSignature")
	defer span.End()

	req := map[string]interface{}{
		"auth_algo":         h.AuthAlgo,
		"cert_url":          h.CertURL,
		"transmission_id":   h.TransmissionID,
		"transmission_sig":  h.TransmissionSig,
		"transmission_time": h.TransmissionTime,
		"webhook_id":        c.cfg.WebhookID,
		"webhook_event":     json.RawMessage(body),
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", "", req, &out); err != nil {
		markSpan(span, err)
		return false, err
	}
	span.SetAttributes(attribute.String("paypal.verification_status", out.VerificationStatus))
	return out.VerificationStatus == "SUCCESS", nil
}

// ValidateIPN echoes the raw notification back to the IPN endpoint. Only a
// body of exactly "VERIFIED" is authentic.
func (c *PayPalClient) ValidateIPN(ctx context.Context, raw []byte) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "paypal.ValidateIPN")
	defer span.End()

	res, err := c.cb.Execute(func() (interface{}, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetHeader("User-Agent", "paymentproxyservice-ipn").
			SetBody(append([]byte("cmd=_notify-validate&"), raw...)).
			Post(c.ipnURL)
		if err != nil {
			return nil, fmt.Errorf("ipn validation request: %w", err)
		}
		if resp.StatusCode() >= 500 {
			return nil, &APIError{StatusCode: resp.StatusCode(), Name: "IPN_UNAVAILABLE"}
		}
		return string(resp.Body()), nil
	})
	if err != nil {
		markSpan(span, err)
		return false, err
	}
	return res.(string) == "VERIFIED", nil
}

func (c *PayPalClient) call(ctx context.Context, method, path, requestID string, in, out interface{}) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		token, err := c.GetAuthToken(ctx)
		if err != nil {
			return nil, err
		}
		r := c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetHeader("Accept", "application/json").
			SetHeader("Prefer", "return=representation")
		if requestID != "" {
			r.SetHeader("PayPal-Request-Id", requestID)
		}
		if in != nil {
			r.SetHeader("Content-Type", "application/json").SetBody(in)
		}

		resp, err := r.Execute(method, path)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		if resp.StatusCode() == http.StatusNotFound {
			return nil, ErrNotFound
		}
		if resp.StatusCode() == http.StatusUnauthorized {
			c.tokens.Remove(c.cfg.ClientID)
		}
		if resp.IsError() {
			return nil, apiError(resp)
		}
		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return nil, fmt.Errorf("%s %s: decode response: %w", method, path, err)
			}
		}
		return nil, nil
	})
	return err
}

func apiError(resp *resty.Response) error {
	e := &APIError{StatusCode: resp.StatusCode()}
	var body apiErrorBody
	if json.Unmarshal(resp.Body(), &body) == nil {
		e.Name = body.Name
		e.Message = body.Message
		e.DebugID = body.DebugID
		for _, d := range body.Details {
			e.Issues = append(e.Issues, d.Issue)
		}
	}
	return e
}

func markSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
