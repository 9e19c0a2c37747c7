// Package lb is the transparent HTTP entry point: a reverse proxy over
// a DNS-resolved pool of gateway instances with a single global token
// bucket in front. It holds no domain state, so instances are fully
// interchangeable.
package lb

import (
	"bytes"
	"context"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/kevinms/leakybucket-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/airliftlabs/airlift/async"
	"github.com/airliftlabs/airlift/config/params"
)

var log = logrus.WithField("prefix", "lb")

var (
	proxiedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lb_proxied_requests_total",
		Help: "Number of requests forwarded to a backend, by method.",
	}, []string{"method"})
	rateLimitedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lb_rate_limited_total",
		Help: "Number of requests refused by the global token bucket.",
	})
	proxyRetryCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lb_proxy_retries_total",
		Help: "Number of requests replayed on a second backend after a transport error.",
	})
)

// bucketKey is the single key of the global bucket; the limit protects
// the whole system, not individual clients.
const bucketKey = "global"

// Server is the load balancer.
type Server struct {
	ctx      context.Context
	cancel   context.CancelFunc
	resolver *resolver
	bucket   *leakybucket.Collector
	client   *http.Client
	srv      *http.Server
	addr     string
}

// NewServer builds a balancer on addr proxying to target.
func NewServer(ctx context.Context, target, addr string) (*Server, error) {
	res, err := newResolver(target)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	cfg := params.AirliftConfig()
	s := &Server{
		ctx:      ctx,
		cancel:   cancel,
		resolver: res,
		bucket:   leakybucket.NewCollector(cfg.RateLimitPerSec, cfg.RateLimitBurst, false),
		client:   &http.Client{Timeout: time.Duration(cfg.KVTimeoutSec * float64(time.Second))},
		addr:     addr,
	}
	s.srv = &http.Server{Addr: addr, Handler: http.HandlerFunc(s.handle)}
	return s, nil
}

// Handler returns the proxy handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start launches the DNS refresh loop and begins serving.
func (s *Server) Start() {
	s.resolver.refresh()
	ttl := time.Duration(params.AirliftConfig().ResolveTTLSec * float64(time.Second))
	async.RunEvery(s.ctx, ttl, s.resolver.refresh)
	log.WithField("address", s.addr).Info("Serving load balancer")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("Could not serve HTTP")
	}
}

// Stop halts the refresh loop and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Status always reports healthy while the context is live.
func (s *Server) Status() error {
	return s.ctx.Err()
}

// exempt routes bypass the bucket: probes and the static zones view
// must stay readable under order floods.
func exempt(path string) bool {
	return path == "/health" || path == "/zones"
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if !exempt(r.URL.Path) && !s.allow(w) {
		return
	}
	s.proxy(w, r)
}

// allow takes one token from the global bucket, answering 429 with a
// Retry-After hint when none is left. The hint is the drain time of the
// accumulated deficit, never below a second.
func (s *Server) allow(w http.ResponseWriter) bool {
	if s.bucket.Remaining(bucketKey) >= 1 {
		s.bucket.Add(bucketKey, 1)
		return true
	}
	rateLimitedCount.Inc()
	retryAfter := int(math.Ceil(s.bucket.TillEmpty(bucketKey).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}

// retryable reports whether the request may be replayed on another
// backend after a transport error. Non-idempotent POSTs qualify only
// when the client supplied an idempotency key.
func retryable(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	case http.MethodPost:
		return r.Header.Get("Idempotency-Key") != ""
	}
	return false
}

func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadGateway)
		return
	}

	backend := s.resolver.pick()
	resp, err := s.forward(r, backend, body)
	if err != nil && retryable(r) {
		proxyRetryCount.Inc()
		next := s.resolver.pick()
		log.WithError(err).WithField("backend", backend).WithField("retry", next).Debug("Transport error, retrying once")
		resp, err = s.forward(r, next, body)
	}
	if err != nil {
		log.WithError(err).WithField("backend", backend).Warn("Backend unreachable")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	proxiedCount.WithLabelValues(r.Method).Inc()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.WithError(err).Debug("Could not stream response body")
	}
}

// forward replays the inbound request against one backend. The Host
// header is dropped so the backend sees its own, and the client chain
// is recorded in x-forwarded-for.
func (s *Server) forward(r *http.Request, backend string, body []byte) (*http.Response, error) {
	u := backend + r.URL.Path
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vals := range r.Header {
		if k == "Host" {
			continue
		}
		for _, v := range vals {
			out.Header.Add(k, v)
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+host)
		} else {
			out.Header.Set("X-Forwarded-For", host)
		}
	}
	return s.client.Do(out)
}
