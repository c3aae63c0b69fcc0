// Package invoiceapi is a client for the invoice REST API. It performs the
// authoritative reads the update coordinator relies on.
package invoiceapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/invoice-tracker/internal/core/domain"
	apperrors "github.com/lorrc/invoice-tracker/internal/core/errors"
	"github.com/lorrc/invoice-tracker/internal/realtime"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4096
)

// StatusError is returned for non-2xx responses. It unwraps to the matching
// application error so callers can use errors.Is.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("invoice api: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("invoice api: %d %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return apperrors.ErrUnauthorized
	case http.StatusForbidden:
		return apperrors.ErrForbidden
	case http.StatusNotFound:
		if e.Code == "INVOICE_NOT_FOUND" {
			return apperrors.ErrInvoiceNotFound
		}
		return apperrors.ErrNotFound
	case http.StatusTooManyRequests:
		return apperrors.ErrRateLimited
	}
	return nil
}

// Profile is the authenticated user as reported by GET /api/me.
type Profile struct {
	ID       uuid.UUID
	FullName string
	Email    string
}

// Client talks to the invoice API with a bearer token.
type Client struct {
	baseURL       *url.URL
	token         string
	httpClient    *http.Client
	meterProvider metric.MeterProvider
	logger        *slog.Logger
}

var _ realtime.InvoiceFetcher = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client. Its transport is wrapped
// for instrumentation.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMeterProvider records HTTP client metrics on provider instead of the
// global one.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *Client) { c.meterProvider = provider }
}

// New creates a client for the API at baseURL, e.g. "http://localhost:8080".
func New(baseURL, token string, logger *slog.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid api url %q", baseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL:    u,
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger.With("component", "invoice_api"),
	}
	for _, opt := range opts {
		opt(c)
	}

	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	var otelOpts []otelhttp.Option
	if c.meterProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithMeterProvider(c.meterProvider))
	}
	hc := *c.httpClient
	hc.Transport = otelhttp.NewTransport(base, otelOpts...)
	c.httpClient = &hc

	return c, nil
}

// ListInvoices returns the caller's invoices in the order the API lists them.
func (c *Client) ListInvoices(ctx context.Context) ([]domain.Invoice, error) {
	var dtos []invoiceDTO
	if err := c.do(ctx, http.MethodGet, "/api/invoices", &dtos); err != nil {
		return nil, err
	}

	invoices := make([]domain.Invoice, 0, len(dtos))
	for _, dto := range dtos {
		invoice, err := dto.toDomain()
		if err != nil {
			return nil, fmt.Errorf("decode invoice %s: %w", dto.ID, err)
		}
		invoices = append(invoices, invoice)
	}
	return invoices, nil
}

// SendInvoice asks the API to email the invoice to its customer.
func (c *Client) SendInvoice(ctx context.Context, invoiceID uuid.UUID) (*domain.Invoice, error) {
	var dto invoiceDTO
	if err := c.do(ctx, http.MethodPost, "/api/invoices/"+invoiceID.String()+"/send", &dto); err != nil {
		return nil, err
	}
	invoice, err := dto.toDomain()
	if err != nil {
		return nil, fmt.Errorf("decode invoice %s: %w", dto.ID, err)
	}
	return &invoice, nil
}

// Me returns the user the token belongs to.
func (c *Client) Me(ctx context.Context) (*Profile, error) {
	var dto userDTO
	if err := c.do(ctx, http.MethodGet, "/api/me", &dto); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(dto.ID)
	if err != nil {
		return nil, fmt.Errorf("decode user id: %w", err)
	}
	return &Profile{ID: id, FullName: dto.FullName, Email: dto.Email}, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	endpoint := c.baseURL.JoinPath(path)

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := decodeStatusError(resp)
		c.logger.DebugContext(ctx, "invoice api request failed",
			"method", method,
			"path", path,
			"status_code", resp.StatusCode,
			"code", statusErr.Code,
		)
		return statusErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeStatusError(resp *http.Response) *StatusError {
	statusErr := &StatusError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(body) == 0 {
		return statusErr
	}

	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(body, &payload) == nil {
		statusErr.Code = payload.Code
		if payload.Error != "" {
			statusErr.Message = payload.Error
		}
	}
	return statusErr
}

// IsUnauthorized reports whether err means the token was rejected.
func IsUnauthorized(err error) bool {
	return errors.Is(err, apperrors.ErrUnauthorized)
}
