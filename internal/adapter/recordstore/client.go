// Package recordstore talks to the external system of record that owns pending
// jobs and receives their results.
package recordstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/request-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/request-gateway/internal/observability"
)

const (
	DefaultPullURI = "/biruni/bmb/requests$pull"
	DefaultSaveURI = "/biruni/bmb/requests$save"
)

// Config configures the record store client.
type Config struct {
	BaseURL  string
	Username string
	Password string
	PullURI  string
	SaveURI  string
	Timeout  time.Duration
}

// Client implements domain.RecordStore over HTTP with Basic auth.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a client. An empty URI falls back to the default path.
func New(cfg Config) *Client {
	if cfg.PullURI == "" {
		cfg.PullURI = DefaultPullURI
	}
	if cfg.SaveURI == "" {
		cfg.SaveURI = DefaultSaveURI
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

type savePayload struct {
	CompanyID    int64         `json:"companyId"`
	RequestID    int64         `json:"requestId"`
	Response     *responseData `json:"response"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
}

type responseData struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        string `json:"body"`
}

// PullPending fetches jobs waiting to be dispatched.
func (c *Client) PullPending(ctx domain.Context) ([]domain.JobRecord, error) {
	ctx, span := otel.Tracer("recordstore").Start(ctx, "recordstore.PullPending")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+c.cfg.PullURI, nil)
	if err != nil {
		return nil, fmt.Errorf("op=recordstore.PullPending: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=recordstore.PullPending: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("op=recordstore.PullPending: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var jobs []domain.JobRecord
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("op=recordstore.PullPending: decode: %w", err)
	}
	span.SetAttributes(attribute.Int("jobs", len(jobs)))
	if len(jobs) > 0 {
		obsctx.LoggerFromContext(ctx).Info("pulled pending jobs", slog.Int("count", len(jobs)))
	}
	return jobs, nil
}

// SaveResult writes a dispatch result. Only successful results carry a
// response object; failures send the error message alone.
func (c *Client) SaveResult(ctx domain.Context, res domain.ResultRecord) error {
	p := savePayload{
		CompanyID:    res.CompanyID,
		RequestID:    res.RequestID,
		ErrorMessage: res.ErrorMessage,
	}
	if res.IsSuccess() {
		p.Response = &responseData{Status: res.HTTPStatus, ContentType: res.ContentType, Body: res.Body}
	}
	if err := c.save(ctx, p); err != nil {
		return fmt.Errorf("op=recordstore.SaveResult: %w", err)
	}
	return nil
}

// SaveError writes an error-only payload for the job.
func (c *Client) SaveError(ctx domain.Context, companyID, requestID int64, msg string) error {
	if err := c.save(ctx, savePayload{CompanyID: companyID, RequestID: requestID, ErrorMessage: msg}); err != nil {
		return fmt.Errorf("op=recordstore.SaveError: %w", err)
	}
	return nil
}

func (c *Client) save(ctx domain.Context, p savePayload) error {
	ctx, span := otel.Tracer("recordstore").Start(ctx, "recordstore.save")
	defer span.End()
	span.SetAttributes(attribute.String("composite_id", domain.CompositeID(p.CompanyID, p.RequestID)))

	body, err := json.Marshal([]savePayload{p})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+c.cfg.SaveURI, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

var _ domain.RecordStore = (*Client)(nil)
