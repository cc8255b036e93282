// Package relay forwards selected REST paths to the upstream API with a
// bounded linear retry loop and a per-attempt timeout.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"aquadrop/internal/constants"
	"aquadrop/internal/httputil"
	"aquadrop/internal/metrics"
	"aquadrop/internal/middleware"
	"aquadrop/internal/models"
	"aquadrop/internal/retry"
	"aquadrop/internal/security"
	"aquadrop/internal/service"
	"aquadrop/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// ErrorBody is returned when every attempt failed
type ErrorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Attempts  int    `json:"attempts"`
	RequestID string `json:"request_id,omitempty"`
}

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// upstreamStatusError is a retryable 5xx answer to an idempotent request
type upstreamStatusError struct {
	status int
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream responded %d", e.status)
}

type Relay struct {
	upstream    *url.URL
	prefixes    []string
	client      *http.Client
	timeout     time.Duration
	backoff     retry.BackoffConfig
	limiters    *clientLimiters
	cors        corsPolicy
	trustFwd    bool
	maxBodySize int64
	logger      *logrus.Logger
}

// New builds a relay from validated configuration. A nil client uses a
// dedicated transport; per-attempt timeouts come from the request context.
func New(cfg models.RelayConfig, client *http.Client, logger *logrus.Logger) (*Relay, error) {
	if err := security.ValidateUpstreamURL(cfg.UpstreamURL, true); err != nil {
		return nil, fmt.Errorf("invalid upstream: %w", err)
	}
	upstream, err := url.Parse(strings.TrimRight(cfg.UpstreamURL, "/"))
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	if logger == nil {
		logger = logrus.New()
	}

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = constants.DefaultRelayMaxAttempts
	}
	step := time.Duration(cfg.BackoffStepMs) * time.Millisecond
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(constants.DefaultRelayTimeoutSec) * time.Second
	}
	perSec, burst := cfg.RateLimitPerSec, cfg.RateLimitBurst
	if perSec <= 0 {
		perSec = constants.DefaultRelayRateLimit
	}
	if burst <= 0 {
		burst = constants.DefaultRelayRateBurst
	}
	prefixes := cfg.PathPrefixes
	if len(prefixes) == 0 {
		prefixes = []string{"/api/"}
	}

	return &Relay{
		upstream:    upstream,
		prefixes:    prefixes,
		client:      client,
		timeout:     timeout,
		backoff:     retry.LinearBackoffConfig(attempts, step),
		limiters:    newClientLimiters(perSec, burst),
		cors:        newCORSPolicy(cfg.AllowedOrigins),
		trustFwd:    cfg.TrustForwarded,
		maxBodySize: constants.MaxRelayBodyBytes,
		logger:      logger,
	}, nil
}

// Router serves /health and the configured prefixes
func (rl *Relay) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.Observability(rl.logger))
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "upstream": rl.upstream.Host})
	}).Methods(http.MethodGet)
	for _, p := range rl.prefixes {
		router.PathPrefix(p).Handler(rl)
	}
	return router
}

func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !rl.cors.apply(w, r) {
		metrics.IncrementCounter("relay_cors_rejected_total", nil, "Cross-origin requests from origins not allowed")
		writeJSON(w, http.StatusForbidden, ErrorBody{Error: "origin_not_allowed", Message: "origin not allowed"})
		return
	}
	if isPreflight(r) {
		rl.cors.preflight(w, r)
		return
	}

	clientKey := httputil.ClientIP(r, rl.trustFwd)
	if !rl.limiters.Allow(clientKey) {
		metrics.IncrementCounter("relay_rate_limited_total", nil, "Requests rejected by the per-client rate limit")
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, ErrorBody{Error: "rate_limited", Message: "too many requests"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, rl.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorBody{Error: "body_too_large", Message: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "bad_request", Message: "failed to read request body"})
		return
	}

	rl.forward(w, r, body)
}

func (rl *Relay) forward(w http.ResponseWriter, r *http.Request, body []byte) {
	ctx := r.Context()
	requestID := tracing.GetRequestID(ctx)
	logger := rl.logger.WithFields(logrus.Fields{
		service.LogFieldRequestID: requestID,
		service.LogFieldMethod:    r.Method,
		service.LogFieldURL:       r.URL.Path,
	})

	var (
		resp     *http.Response
		release  context.CancelFunc
		attempts int
	)
	operation := func() error {
		attempts++
		res, cancel, err := rl.attempt(ctx, r, body, attempts)
		if err != nil {
			metrics.IncrementCounter("relay_attempts_total", map[string]string{"outcome": "error"}, "Upstream attempts by outcome")
			return err
		}
		if res.StatusCode >= 500 && isIdempotent(r.Method) {
			metrics.IncrementCounter("relay_attempts_total", map[string]string{"outcome": "retryable_status"}, "Upstream attempts by outcome")
			drain(res)
			cancel()
			return &upstreamStatusError{status: res.StatusCode}
		}
		metrics.IncrementCounter("relay_attempts_total", map[string]string{"outcome": "ok"}, "Upstream attempts by outcome")
		resp, release = res, cancel
		return nil
	}
	notify := func(err error, attempt int, delay time.Duration) {
		logger.WithFields(logrus.Fields{
			service.LogFieldAttempt: attempt,
			"delay_ms":              delay.Milliseconds(),
		}).WithError(err).Warn("Upstream attempt failed, retrying")
	}

	err := retry.NewBackoff(rl.backoff).RetryNotify(ctx, operation, func(error) bool { return ctx.Err() == nil }, notify)
	if err != nil {
		status, code := http.StatusInternalServerError, "upstream_error"
		if isTimeout(err) {
			status, code = http.StatusGatewayTimeout, "upstream_timeout"
		}
		logger.WithFields(logrus.Fields{
			service.LogFieldAttempt:    attempts,
			service.LogFieldStatusCode: status,
		}).WithError(err).Error("Upstream request failed")
		metrics.IncrementCounter("relay_exhausted_total", map[string]string{"error": code}, "Requests that failed every upstream attempt")
		writeJSON(w, status, ErrorBody{
			Error:     code,
			Message:   err.Error(),
			Attempts:  attempts,
			RequestID: requestID,
		})
		return
	}
	defer release()
	defer func() { _ = resp.Body.Close() }()

	for k := range resp.Header {
		if strings.HasPrefix(k, "Access-Control-") || k == "Vary" || k == http.CanonicalHeaderKey(tracing.RequestHeader) {
			resp.Header.Del(k)
		}
	}
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.WithError(err).Debug("Client went away while copying upstream response")
	}
}

// attempt sends one upstream request. On success the caller owns the
// response body and must call the returned cancel after reading it.
func (rl *Relay) attempt(ctx context.Context, in *http.Request, body []byte, n int) (*http.Response, context.CancelFunc, error) {
	ctx, span := tracing.StartSpan(ctx, "relay.attempt",
		attribute.Int("relay.attempt", n),
		attribute.String("http.method", in.Method),
	)
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, rl.timeout)
	out, err := http.NewRequestWithContext(attemptCtx, in.Method, rl.target(in.URL), bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, nil, err
	}
	copyHeaders(out.Header, in.Header)
	out.Header.Del("Origin")
	out.Header.Set(tracing.RequestHeader, tracing.GetRequestID(ctx))
	out.Header.Set("X-Forwarded-Host", in.Host)
	if prior := in.Header.Get("X-Forwarded-For"); prior != "" && rl.trustFwd {
		out.Header.Set("X-Forwarded-For", prior+", "+httputil.RemoteIP(in))
	} else {
		out.Header.Set("X-Forwarded-For", httputil.RemoteIP(in))
	}
	tracing.InjectHeaders(ctx, out.Header)

	resp, err := rl.client.Do(out)
	if err != nil {
		cancel()
		tracing.RecordError(ctx, err)
		return nil, nil, err
	}
	tracing.AddSpanAttributes(ctx, attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, cancel, nil
}

func (rl *Relay) target(in *url.URL) string {
	u := *rl.upstream
	u.Path = rl.upstream.Path + in.Path
	u.RawPath = ""
	u.RawQuery = in.RawQuery
	return u.String()
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var statusErr *upstreamStatusError
	return errors.As(err, &statusErr) && statusErr.status == http.StatusGatewayTimeout
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
