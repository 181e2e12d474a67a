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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/notify"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/trust"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// legacyAuthHeader is still sent by older Store A installs.
const legacyAuthHeader = "X-Paypal-Proxy-Auth"

const maxBodyBytes = 1 << 20

var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local rate = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local info = redis.call("HMGET", key, "tokens", "last_refill")
	local tokens = tonumber(info[1])
	local last_refill = tonumber(info[2])

	if tokens == nil then
		tokens = capacity
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local filled_tokens = math.min(capacity, tokens + (delta / 1000 * rate))

	local allowed = 0
	if filled_tokens >= requested then
		filled_tokens = filled_tokens - requested
		allowed = 1
		redis.call("HMSET", key, "tokens", filled_tokens, "last_refill", now)
		redis.call("EXPIRE", key, math.ceil(capacity / rate) * 2)
	end

	return allowed
`)

type ctxKeyLog struct{}
type ctxKeyRequestID struct{}
type ctxKeyStoreID struct{}

type logHandler struct {
	log  *logrus.Logger
	next http.Handler
}

type responseRecorder struct {
	b      int
	status int
	w      http.ResponseWriter
}

func (r *responseRecorder) Header() http.Header { return r.w.Header() }

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.w.Write(p)
	r.b += n
	return n, err
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.w.WriteHeader(statusCode)
}

func (lh *logHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID, _ := uuid.NewRandom()
	ctx = context.WithValue(ctx, ctxKeyRequestID{}, requestID.String())

	start := time.Now()
	rr := &responseRecorder{w: w}
	log := lh.log.WithFields(logrus.Fields{
		"http.req.path":   r.URL.Path,
		"http.req.method": r.Method,
		"http.req.id":     requestID.String(),
		"http.req.ip":     getRealIP(r),
	})
	log.Debug("request started")
	defer func() {
		log.WithFields(logrus.Fields{
			"http.resp.took_ms": int64(time.Since(start) / time.Millisecond),
			"http.resp.status":  rr.status,
			"http.resp.bytes":   rr.b}).Debugf("request complete")
	}()

	ctx = context.WithValue(ctx, ctxKeyLog{}, log)
	r = r.WithContext(ctx)
	lh.next.ServeHTTP(rr, r)
}

func requestLog(r *http.Request) logrus.FieldLogger {
	if log, ok := r.Context().Value(ctxKeyLog{}).(logrus.FieldLogger); ok {
		return log
	}
	return log
}

func storeID(r *http.Request) string {
	if id, ok := r.Context().Value(ctxKeyStoreID{}).(string); ok {
		return id
	}
	return ""
}

// recoverHandler turns a handler panic into a 500 JSON reply.
func recoverHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				renderHTTPError(requestLog(r), r, w, fmt.Errorf("panic: %v", p), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireStoreAuth checks the Store A token against the store_a_id in the
// JSON body. The body is restored for the handler.
func (ps *proxyServer) requireStoreAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := requestLog(r)

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			renderHTTPError(log, r, w, errBadBody, http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var ident struct {
			StoreAID string `json:"store_a_id"`
		}
		if err := json.Unmarshal(body, &ident); err != nil {
			renderHTTPError(log, r, w, errBadBody, http.StatusBadRequest)
			return
		}
		if ident.StoreAID == "" {
			renderHTTPError(log, r, w, errors.New("missing required field: store_a_id"), http.StatusBadRequest)
			return
		}

		token := r.Header.Get(notify.AuthHeader)
		if token == "" {
			token = r.Header.Get(legacyAuthHeader)
		}
		if token == "" {
			renderHTTPError(log, r, w, errors.New("missing authentication token"), http.StatusUnauthorized)
			return
		}
		if err := ps.trust.Verify(token, ident.StoreAID); err != nil {
			log.WithField("store_a_id", ident.StoreAID).Warnf("rejected Store A token: %v", err)
			if errors.Is(err, trust.ErrStoreNotFound) {
				renderHTTPError(log, r, w, errors.New("store not allowed"), http.StatusForbidden)
				return
			}
			renderHTTPError(log, r, w, errors.New("invalid authentication token"), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyStoreID{}, ident.StoreAID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type Limiter struct {
	client redis.UniversalClient
	log    *logrus.Logger
}

func NewRedisLimiter(rdb redis.UniversalClient, log *logrus.Logger) *Limiter {
	return &Limiter{client: rdb, log: log}
}

func (l *Limiter) Allow(ctx context.Context, key string, capacity int, rate float64) (bool, error) {
	now := time.Now().UnixMilli()

	keys := []string{fmt.Sprintf("rate_limit:%s", key)}
	args := []interface{}{capacity, rate, now, 1}

	result, err := tokenBucketScript.Run(ctx, l.client, keys, args...).Result()
	if err != nil {
		return false, err
	}
	return result.(int64) == 1, nil
}

// StoreLimiter throttles authenticated calls per Store A. Redis errors let
// the request through.
func (l *Limiter) StoreLimiter(capacity int, rate float64, next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 200*time.Millisecond)
		defer cancel()

		allowed, err := l.Allow(ctx, "paymentproxy:store:"+storeID(r), capacity, rate)
		if err != nil {
			l.log.Warnf("store limiter redis error: %v", err)
		} else if !allowed {
			renderHTTPError(requestLog(r), r, w, errors.New("too many requests"), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// httpMetrics counts requests by route template so ids in query strings
// do not explode label cardinality.
type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paymentproxy_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"route", "method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paymentproxy_http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

func (m *httpMetrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		start := time.Now()
		rr := &responseRecorder{w: w}
		next.ServeHTTP(rr, r)

		status := rr.status
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.duration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

func getRealIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip = r.Header.Get("X-Real-IP")
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}
	return ip
}
