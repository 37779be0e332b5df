// Package dispatch performs the outbound HTTP call for a job behind a circuit breaker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	obs "github.com/fairyhunter13/request-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/request-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/request-gateway/internal/observability"
)

const (
	defaultContentType = "application/json"
	circuitOpenMessage = "Circuit breaker is OPEN: external API unavailable"
)

// Breaker is the subset of the circuit breaker the dispatcher uses.
type Breaker interface {
	Allow() bool
	Record(success bool, d time.Duration)
}

// Config bounds outbound calls.
type Config struct {
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxResponseBytes int64
}

// DefaultConfig returns the production timeouts and the 16 MiB body limit.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   10 * time.Second,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
		MaxResponseBytes: 16 << 20,
	}
}

// HTTPDispatcher implements domain.Dispatcher.
type HTTPDispatcher struct {
	client  *http.Client
	breaker Breaker
	cfg     Config
}

// New builds a dispatcher with an otelhttp-instrumented transport.
func New(cfg Config, breaker Breaker) *HTTPDispatcher {
	d := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = d.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = d.MaxResponseBytes
	}
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
		IdleConnTimeout:       90 * time.Second,
	}
	return &HTTPDispatcher{
		client: &http.Client{
			Transport: otelhttp.NewTransport(base),
			Timeout:   cfg.ConnectTimeout + cfg.WriteTimeout + cfg.ReadTimeout,
		},
		breaker: breaker,
		cfg:     cfg,
	}
}

// Dispatch calls the job's target and encodes every outcome in the result.
// Responses below 500 count as breaker successes; 5xx and transport errors
// count as failures.
func (d *HTTPDispatcher) Dispatch(ctx domain.Context, job domain.JobRecord) domain.ResultRecord {
	ctx, span := otel.Tracer("dispatch").Start(ctx, "dispatch.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("composite_id", job.CompositeID()),
		attribute.String("http.method", job.Method),
	)
	lg := obsctx.LoggerFromContext(ctx)

	req, err := d.buildRequest(ctx, job)
	if err != nil {
		lg.Warn("invalid outbound request", slog.Any("error", err))
		res := domain.ErrorResult(job, http.StatusBadRequest, err.Error(), domain.SourceSystem, domain.CodeInvalidRequest)
		obs.ObserveDispatch(string(res.Outcome()), 0)
		return res
	}

	if !d.breaker.Allow() {
		lg.Warn("circuit breaker open; dispatch short-circuited")
		span.SetAttributes(attribute.Bool("circuit_open", true))
		res := domain.ErrorResult(job, http.StatusServiceUnavailable, circuitOpenMessage, domain.SourceCircuitBreaker, domain.CodeCircuitOpen)
		obs.ObserveDispatch(string(res.Outcome()), 0)
		return res
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		dur := time.Since(start)
		d.breaker.Record(false, dur)
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		lg.Warn("outbound call failed", slog.Any("error", err), slog.Duration("duration", dur))
		res := domain.ErrorResult(job, transportStatus(err), err.Error(), domain.SourceHTTP, domain.CodeTransport)
		obs.ObserveDispatch(string(res.Outcome()), dur)
		return res
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, d.cfg.MaxResponseBytes+1))
	dur := time.Since(start)
	healthy := resp.StatusCode < http.StatusInternalServerError
	if readErr == nil && int64(len(body)) > d.cfg.MaxResponseBytes {
		// The upstream answered; an oversized body says nothing about its health.
		readErr = fmt.Errorf("response body exceeds %d bytes", d.cfg.MaxResponseBytes)
	} else if readErr != nil {
		healthy = false
	}
	if readErr != nil {
		d.breaker.Record(healthy, dur)
		span.RecordError(readErr)
		span.SetStatus(codes.Error, "read error")
		res := domain.ErrorResult(job, http.StatusInternalServerError, readErr.Error(), domain.SourceHTTP, domain.CodeTransport)
		obs.ObserveDispatch(string(res.Outcome()), dur)
		return res
	}
	d.breaker.Record(healthy, dur)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}
	var res domain.ResultRecord
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res = domain.SuccessResult(job, resp.StatusCode, contentType, string(body))
	} else {
		res = domain.ErrorResult(job, resp.StatusCode, fmt.Sprintf("HTTP %d", resp.StatusCode), domain.SourceHTTP, fmt.Sprintf("HTTP_%d", resp.StatusCode))
		res.ContentType = contentType
		res.Body = string(body)
		span.SetStatus(codes.Error, res.ErrorMessage)
	}
	obs.ObserveDispatch(string(res.Outcome()), dur)
	lg.Debug("outbound call finished",
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", dur),
		slog.Int("body_bytes", len(body)))
	return res
}

func (d *HTTPDispatcher) buildRequest(ctx domain.Context, job domain.JobRecord) (*http.Request, error) {
	target, err := BuildURL(job.BaseURL, job.URI, job.Params)
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(strings.TrimSpace(job.Method))
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if job.Body != "" && hasBody(method) {
		body = strings.NewReader(job.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("op=dispatch.build: %w", err)
	}
	req.Header.Set("Content-Type", defaultContentType)
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// transportStatus maps deadline failures to 504 and everything else to 500.
func transportStatus(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func hasBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// BuildURL joins base URL, path and raw query. params may carry a leading '?'.
func BuildURL(baseURL, uri, params string) (string, error) {
	if strings.TrimSpace(baseURL) == "" {
		return "", errors.New("op=dispatch.url: base url is empty")
	}
	target := baseURL + uri
	if params = strings.TrimPrefix(params, "?"); params != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + params
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("op=dispatch.url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("op=dispatch.url: unsupported target %q", target)
	}
	return u.String(), nil
}

var _ domain.Dispatcher = (*HTTPDispatcher)(nil)
