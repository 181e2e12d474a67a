// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/config"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/ingest"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/registry"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/service"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/trust"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const apiPrefix = "/paypal-proxy/v1"

var (
	errBadBody = errors.New("invalid JSON body")

	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)
)

// orderProxy is what the HTTP layer needs from the orchestrator.
type orderProxy interface {
	CreateOrder(ctx context.Context, req *service.CreateOrderRequest) (*service.CreateResult, error)
	GetStatus(ctx context.Context, storeAOrderID, storeAID string) (*model.ProxyOrder, error)
	ApplyStatusChange(ctx context.Context, storeAOrderID, storeAID, newStatus string) (*service.ChangeResult, error)
	HandleReturn(ctx context.Context, storeAID, storeAOrderID, gatewayToken string) (*model.ProxyOrder, error)
	RecordBuyerCancel(ctx context.Context, storeAID, storeAOrderID string)
}

type eventIngestor interface {
	Webhook(ctx context.Context, header http.Header, body []byte) error
	IPN(ctx context.Context, raw []byte) error
}

type proxyServer struct {
	svc      orderProxy
	ingestor eventIngestor
	trust    *trust.Manager
	stores   *registry.Registry
	limiter  *Limiter
	rate     config.RateLimit
	gateway  config.Gateway
	registry *prometheus.Registry
	metrics  *httpMetrics
}

func newProxyServer(svc orderProxy, ing eventIngestor, tm *trust.Manager, stores *registry.Registry, limiter *Limiter, cfg *config.Config) *proxyServer {
	reg := prometheus.NewRegistry()
	return &proxyServer{
		svc:      svc,
		ingestor: ing,
		trust:    tm,
		stores:   stores,
		limiter:  limiter,
		rate:     cfg.RateLimit,
		gateway:  cfg.Gateway,
		registry: reg,
		metrics:  newHTTPMetrics(reg),
	}
}

func (ps *proxyServer) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(ps.metrics.instrument)

	r.HandleFunc("/healthz", ps.healthHandler).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", promhttp.HandlerFor(ps.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix(apiPrefix).Subrouter()

	// Store A calls
	api.Handle("/create-order", ps.storeOnly(ps.createOrderHandler)).Methods(http.MethodPost)
	api.Handle("/test-connection", ps.storeOnly(ps.testConnectionHandler)).Methods(http.MethodPost)
	api.Handle("/order-status", ps.storeOnly(ps.orderStatusHandler)).Methods(http.MethodPost)
	api.Handle("/order-status-change", ps.storeOnly(ps.orderStatusChangeHandler)).Methods(http.MethodPost)

	// buyer browser
	api.HandleFunc("/button-script", ps.buttonScriptHandler).Methods(http.MethodGet)
	api.HandleFunc("/button.js", ps.buttonScriptHandler).Methods(http.MethodGet)
	api.HandleFunc("/return", ps.returnHandler).Methods(http.MethodGet)
	api.HandleFunc("/cancel", ps.cancelHandler).Methods(http.MethodGet)

	// gateway
	api.HandleFunc("/webhook", ps.webhookHandler).Methods(http.MethodPost)
	api.HandleFunc("/ipn", ps.ipnHandler).Methods(http.MethodPost)

	return &logHandler{log: log, next: recoverHandler(r)}
}

func (ps *proxyServer) storeOnly(h http.HandlerFunc) http.Handler {
	var next http.Handler = h
	if ps.rate.Enabled {
		next = ps.limiter.StoreLimiter(ps.rate.Burst, ps.rate.Rate, next)
	}
	return ps.requireStoreAuth(next)
}

func (ps *proxyServer) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

type createOrderResponse struct {
	Success        bool   `json:"success"`
	OrderID        string `json:"order_id"`
	GatewayOrderID string `json:"gateway_order_id"`
	CheckoutURL    string `json:"checkout_url"`
	Existing       bool   `json:"existing,omitempty"`
}

func (ps *proxyServer) createOrderHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)

	var req service.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderHTTPError(log, r, w, errBadBody, http.StatusBadRequest)
		return
	}
	req.StoreAID = storeID(r)

	res, err := ps.svc.CreateOrder(r.Context(), &req)
	if err != nil {
		renderServiceError(log, r, w, errors.Wrapf(err, "could not create order %s", req.StoreAOrderID))
		return
	}
	log.WithFields(logrus.Fields{
		"store_a_id":       req.StoreAID,
		"order_id":         res.OrderID,
		"gateway_order_id": res.GatewayOrderID,
		"existing":         res.Existing,
	}).Info("order proxied")

	writeJSON(w, http.StatusOK, createOrderResponse{
		Success:        true,
		OrderID:        res.OrderID,
		GatewayOrderID: res.GatewayOrderID,
		CheckoutURL:    res.CheckoutURL,
		Existing:       res.Existing,
	})
}

func (ps *proxyServer) testConnectionHandler(w http.ResponseWriter, r *http.Request) {
	requestLog(r).Infof("Connection test from Store A: %s", storeID(r))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   "Connection successful!",
		"timestamp": time.Now().Unix(),
	})
}

type orderStatusRequest struct {
	StoreAID      string `json:"store_a_id"`
	StoreAOrderID string `json:"store_a_order_id"`
	NewStatus     string `json:"new_status"`
}

type orderStatusResponse struct {
	Success        bool   `json:"success"`
	OrderID        string `json:"order_id"`
	StoreAOrderID  string `json:"store_a_order_id"`
	OrderStatus    string `json:"order_status"`
	GatewayStatus  string `json:"gateway_status"`
	GatewayOrderID string `json:"gateway_order_id"`
}

func (ps *proxyServer) orderStatusHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)

	var req orderStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderHTTPError(log, r, w, errBadBody, http.StatusBadRequest)
		return
	}
	order, err := ps.svc.GetStatus(r.Context(), req.StoreAOrderID, storeID(r))
	if err != nil {
		renderServiceError(log, r, w, errors.Wrapf(err, "could not load order %s", req.StoreAOrderID))
		return
	}
	writeJSON(w, http.StatusOK, orderStatusResponse{
		Success:        true,
		OrderID:        order.InternalID,
		StoreAOrderID:  order.StoreAOrderID,
		OrderStatus:    string(order.Status),
		GatewayStatus:  order.GatewayStatus,
		GatewayOrderID: order.GatewayOrderID,
	})
}

func (ps *proxyServer) orderStatusChangeHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)

	var req orderStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderHTTPError(log, r, w, errBadBody, http.StatusBadRequest)
		return
	}
	res, err := ps.svc.ApplyStatusChange(r.Context(), req.StoreAOrderID, storeID(r), req.NewStatus)
	if err != nil {
		renderServiceError(log, r, w, errors.Wrapf(err, "could not change status of order %s", req.StoreAOrderID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"applied":      res.Applied,
		"order_status": string(res.Order.Status),
		"message":      res.Message,
	})
}

var buttonScript = template.Must(template.New("button").Parse(`// Payment proxy checkout button
(function() {
	'use strict';

	var CLIENT_ID = {{.ClientID}};
	var PAYPAL_MODE = {{.Mode}};
	var CURRENCY = {{.Currency}};

	function loadSDK(done) {
		if (typeof paypal !== 'undefined') {
			done();
			return;
		}
		var script = document.createElement('script');
		script.src = 'https://www.paypal.com/sdk/js?client-id=' + encodeURIComponent(CLIENT_ID) +
			'&currency=' + CURRENCY + '&intent=capture';
		script.async = true;
		script.onload = done;
		document.head.appendChild(script);
	}

	window.initPayPalProxyButton = function(containerId, options) {
		options = options || {};
		loadSDK(function() {
			var container = document.getElementById(containerId);
			if (!container) {
				console.error('checkout button container not found:', containerId);
				return;
			}
			paypal.Buttons({
				createOrder: function(data) {
					container.classList.add('loading');
					return new Promise(function(resolve, reject) {
						if (typeof options.createOrder !== 'function') {
							reject('createOrder callback is required');
							return;
						}
						options.createOrder(data, {resolve: resolve, reject: reject});
					}).finally(function() {
						container.classList.remove('loading');
					});
				},
				onApprove: function(data, actions) {
					container.classList.add('processing');
					if (typeof options.onApprove === 'function') {
						options.onApprove(data, actions);
					}
					return true;
				},
				onCancel: function(data) {
					if (typeof options.onCancel === 'function') {
						options.onCancel(data);
					}
				},
				onError: function(err) {
					console.error('checkout error (' + PAYPAL_MODE + '):', err);
					if (typeof options.onError === 'function') {
						options.onError(err);
					}
				}
			}).render('#' + containerId);
		});
	};
})();
`))

func (ps *proxyServer) buttonScriptHandler(w http.ResponseWriter, r *http.Request) {
	currency := strings.ToUpper(r.URL.Query().Get("currency"))
	if !currencyPattern.MatchString(currency) {
		currency = "USD"
	}
	clientID, _ := json.Marshal(ps.gateway.ClientID)
	mode, _ := json.Marshal(ps.gateway.Mode)
	cur, _ := json.Marshal(currency)

	setSecurityHeaders(w.Header())
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	if err := buttonScript.Execute(w, map[string]string{
		"ClientID": string(clientID),
		"Mode":     string(mode),
		"Currency": string(cur),
	}); err != nil {
		requestLog(r).Errorf("button script render failed: %v", err)
	}
}

func setSecurityHeaders(h http.Header) {
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Content-Security-Policy", "default-src 'self' https://www.paypal.com https://*.paypal.com; "+
		"script-src 'self' 'unsafe-inline' https://www.paypal.com https://*.paypal.com; "+
		"frame-src 'self' https://www.paypal.com https://*.paypal.com;")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-XSS-Protection", "1; mode=block")
}

// redirectTarget resolves the Store A page a buyer is sent back to. Targets
// off the registered store host are refused.
func (ps *proxyServer) redirectTarget(q url.Values, key string) (registry.Store, *url.URL, error) {
	storeAID := q.Get("store_a_id")
	raw := q.Get(key)
	if storeAID == "" || raw == "" {
		return registry.Store{}, nil, errors.New("invalid request parameters")
	}
	store, err := ps.stores.Lookup(storeAID)
	if err != nil {
		return registry.Store{}, nil, errors.Wrap(err, "unknown store")
	}
	if !store.OwnsURL(raw) {
		return registry.Store{}, nil, errors.Errorf("%s is not on the store host", key)
	}
	target, err := url.Parse(raw)
	if err != nil {
		return registry.Store{}, nil, errors.Wrap(err, "bad redirect target")
	}
	return store, target, nil
}

func (ps *proxyServer) returnHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	q := r.URL.Query()

	store, target, err := ps.redirectTarget(q, "store_a_return_url")
	if err != nil {
		renderHTTPError(log, r, w, err, http.StatusBadRequest)
		return
	}
	storeAOrderID := q.Get("store_a_order_id")
	if storeAOrderID == "" {
		renderHTTPError(log, r, w, errors.New("invalid request parameters"), http.StatusBadRequest)
		return
	}
	token := q.Get("gateway_token")
	if token == "" {
		token = q.Get("token")
	}

	gatewayOrderID := token
	order, err := ps.svc.HandleReturn(r.Context(), store.ID, storeAOrderID, token)
	var verr *service.ValidationError
	switch {
	case errors.Is(err, service.ErrNotFound):
		renderHTTPError(log, r, w, err, http.StatusNotFound)
		return
	case errors.As(err, &verr):
		renderHTTPError(log, r, w, err, http.StatusBadRequest)
		return
	case err != nil:
		// the buyer still goes back; webhook or reconcile settles the order
		log.WithField("store_a_order_id", storeAOrderID).Errorf("return handling failed: %v", err)
	default:
		gatewayOrderID = order.GatewayOrderID
	}

	tq := target.Query()
	tq.Set("gateway_order_id", gatewayOrderID)
	target.RawQuery = tq.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (ps *proxyServer) cancelHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	store, target, err := ps.redirectTarget(q, "store_a_cancel_url")
	if err != nil {
		renderHTTPError(requestLog(r), r, w, err, http.StatusBadRequest)
		return
	}
	if storeAOrderID := q.Get("store_a_order_id"); storeAOrderID != "" {
		ps.svc.RecordBuyerCancel(r.Context(), store.ID, storeAOrderID)
	}
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (ps *proxyServer) webhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		renderHTTPError(requestLog(r), r, w, errBadBody, http.StatusBadRequest)
		return
	}
	ps.acknowledge(w, r, ps.ingestor.Webhook(r.Context(), r.Header, body))
}

func (ps *proxyServer) ipnHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		renderHTTPError(requestLog(r), r, w, errBadBody, http.StatusBadRequest)
		return
	}
	ps.acknowledge(w, r, ps.ingestor.IPN(r.Context(), body))
}

// acknowledge answers the gateway. Only a failed authenticity check is
// refused; anything after verification is acknowledged so the gateway
// stops retrying.
func (ps *proxyServer) acknowledge(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ingest.ErrVerification) {
		renderHTTPError(requestLog(r), r, w, err, http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func renderHTTPError(log logrus.FieldLogger, r *http.Request, w http.ResponseWriter, err error, code int) {
	entry := log.WithField("error", err).WithField("http.resp.status", code)
	if code >= http.StatusInternalServerError {
		entry.Errorf("request error: %+v", err)
	} else {
		entry.Warn("request rejected")
	}
	writeJSON(w, code, errorResponse{Success: false, Message: publicMessage(err, code)})
}

// publicMessage keeps gateway and storage details out of responses.
func publicMessage(err error, code int) string {
	var upstream *service.UpstreamError
	switch {
	case errors.As(err, &upstream):
		return upstream.Error()
	case code >= http.StatusInternalServerError:
		return http.StatusText(code)
	}
	return errors.Cause(err).Error()
}

func renderServiceError(log logrus.FieldLogger, r *http.Request, w http.ResponseWriter, err error) {
	var (
		verr     *service.ValidationError
		upstream *service.UpstreamError
	)
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		code = http.StatusBadRequest
	case errors.Is(err, registry.ErrStoreNotFound), errors.Is(err, service.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, service.ErrCreateInProgress):
		code = http.StatusConflict
	case errors.As(err, &upstream):
		code = http.StatusBadGateway
	}
	renderHTTPError(log, r, w, err, code)
}
