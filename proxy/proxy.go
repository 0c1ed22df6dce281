// Package proxy implements the same-origin relay the cache engine fetches
// remote assets through: it validates target URLs against a host
// allow-list, enforces a per-client request budget, and streams the
// upstream resource back with its original status and headers.
package proxy

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"goflare.io/encore/retrier"
)

// Config tunes the relay.
type Config struct {
	// AllowedHosts is the closed set of hostnames assets may be fetched
	// from. Anything else is rejected with 400.
	AllowedHosts []string

	// RequestsPerSecond and Burst define each client's request budget;
	// exceeding it yields 429.
	RequestsPerSecond float64
	Burst             int

	// Authorize validates the caller's session; returning false yields 401.
	// Nil allows every caller.
	Authorize func(*http.Request) bool

	// UpstreamTimeout bounds one upstream round trip.
	UpstreamTimeout time.Duration

	// RetryAttempts is how many times a transient upstream failure is
	// retried before answering 500.
	RetryAttempts int

	Logger *zap.Logger
}

// Handler is the http.Handler for the relay endpoint. It expects the asset
// URL in the `url` query parameter.
type Handler struct {
	allowed   map[string]struct{}
	rps       rate.Limit
	burst     int
	authorize func(*http.Request) bool
	client    *http.Client
	retrier   *retrier.Retrier
	logger    *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHandler builds the relay from cfg, applying defaults for zero values.
func NewHandler(cfg Config) *Handler {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 30 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedHosts))
	for _, host := range cfg.AllowedHosts {
		allowed[host] = struct{}{}
	}

	return &Handler{
		allowed:   allowed,
		rps:       rate.Limit(cfg.RequestsPerSecond),
		burst:     cfg.Burst,
		authorize: cfg.Authorize,
		client:    &http.Client{Timeout: cfg.UpstreamTimeout},
		retrier:   retrier.NewRetrier(cfg.RetryAttempts, 100*time.Millisecond, 1*time.Second, 2, 0.1),
		logger:    cfg.Logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, ok := h.validateTarget(r.URL.Query().Get("url"))
	if !ok {
		http.Error(w, "disallowed or malformed url", http.StatusBadRequest)
		return
	}

	if h.authorize != nil && !h.authorize(r) {
		http.Error(w, "invalid session", http.StatusUnauthorized)
		return
	}

	if !h.limiter(clientKey(r)).Allow() {
		http.Error(w, "request budget exceeded", http.StatusTooManyRequests)
		return
	}

	var resp *http.Response
	err := h.retrier.Run(r.Context(), func() error {
		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
		if err != nil {
			return err
		}
		res, err := h.client.Do(req)
		if err != nil {
			return err
		}
		if res.StatusCode >= http.StatusInternalServerError {
			_ = res.Body.Close()
			return fmt.Errorf("upstream returned status %d", res.StatusCode)
		}
		resp = res
		return nil
	})
	if err != nil {
		h.logger.Warn("upstream fetch failed", zap.String("url", target.String()), zap.Error(err))
		http.Error(w, "upstream failure", http.StatusInternalServerError)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Debug("relay interrupted", zap.String("url", target.String()), zap.Error(err))
	}
}

func (h *Handler) validateTarget(raw string) (*url.URL, bool) {
	if raw == "" {
		return nil, false
	}
	target, err := url.Parse(raw)
	if err != nil || target.Hostname() == "" {
		return nil, false
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, false
	}
	if _, ok := h.allowed[target.Hostname()]; !ok {
		return nil, false
	}
	return target, true
}

// limiter returns the per-client limiter, creating it on first sight.
func (h *Handler) limiter(key string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.limiters == nil {
		h.limiters = make(map[string]*rate.Limiter)
	}
	l, ok := h.limiters[key]
	if !ok {
		l = rate.NewLimiter(h.rps, h.burst)
		h.limiters[key] = l
	}
	return l
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var relayedHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Cache-Control",
	"ETag",
	"Last-Modified",
}

func copyHeaders(dst, src http.Header) {
	for _, name := range relayedHeaders {
		if v := src.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
}
