// Package yookassa is the HTTP client for the YooKassa API v3 and its
// notification format.
package yookassa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"yookassa/internal/domain"
)

const (
	DefaultBaseURL     = "https://api.yookassa.ru/v3"
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 8 * time.Second
	DefaultTimeout     = 30 * time.Second

	idempotenceHeader = "Idempotence-Key"
	maxResponseBytes  = 1 << 20
)

type Config struct {
	ShopID      string
	SecretKey   string
	BaseURL     string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
}

// APIError is a non-retryable rejection returned by the provider.
type APIError struct {
	StatusCode  int
	Code        string
	Description string
	Parameter   string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("yookassa responded %d", e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Parameter != "" {
		msg += " (parameter " + e.Parameter + ")"
	}
	return msg
}

// PaymentRequest is what the client sends to create a payment.
type PaymentRequest struct {
	Amount      domain.Amount
	Description string
	ReturnURL   string
	Capture     bool
	Metadata    map[string]string
	Receipt     *domain.Receipt
}

type RefundRequest struct {
	PaymentID   string
	Amount      domain.Amount
	Description string
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		limiter:    limiter,
		logger:     logger.With(zap.String("component", "yookassa_client")),
		sleep:      sleepContext,
	}
}

func (c *Client) CreatePayment(ctx context.Context, idempotencyKey string, req PaymentRequest) (*domain.Payment, error) {
	body := createPaymentRequest{
		Amount:      fromAmount(req.Amount),
		Capture:     req.Capture,
		Description: req.Description,
		Metadata:    req.Metadata,
		Receipt:     fromReceipt(req.Receipt),
	}
	if req.ReturnURL != "" {
		body.Confirmation = &confirmation{Type: "redirect", ReturnURL: req.ReturnURL}
	}

	var obj paymentObject
	if err := c.do(ctx, http.MethodPost, "/payments", idempotencyKey, body, &obj, rejection{other: domain.ErrPaymentCreation}); err != nil {
		return nil, err
	}
	return decodePayment(&obj, domain.ErrPaymentCreation)
}

func (c *Client) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	var obj paymentObject
	rej := rejection{notFound: domain.ErrPaymentNotFound, other: domain.ErrPayment}
	if err := c.do(ctx, http.MethodGet, "/payments/"+paymentID, "", nil, &obj, rej); err != nil {
		return nil, err
	}
	return decodePayment(&obj, domain.ErrPayment)
}

// CapturePayment confirms a two-stage payment; a nil amount captures it in full.
func (c *Client) CapturePayment(ctx context.Context, idempotencyKey, paymentID string, amt *domain.Amount) (*domain.Payment, error) {
	body := capturePaymentRequest{}
	if amt != nil {
		a := fromAmount(*amt)
		body.Amount = &a
	}
	var obj paymentObject
	rej := rejection{notFound: domain.ErrPaymentNotFound, other: domain.ErrPayment}
	if err := c.do(ctx, http.MethodPost, "/payments/"+paymentID+"/capture", idempotencyKey, body, &obj, rej); err != nil {
		return nil, err
	}
	return decodePayment(&obj, domain.ErrPayment)
}

func (c *Client) CancelPayment(ctx context.Context, idempotencyKey, paymentID string) (*domain.Payment, error) {
	var obj paymentObject
	rej := rejection{notFound: domain.ErrPaymentNotFound, other: domain.ErrPayment}
	if err := c.do(ctx, http.MethodPost, "/payments/"+paymentID+"/cancel", idempotencyKey, struct{}{}, &obj, rej); err != nil {
		return nil, err
	}
	return decodePayment(&obj, domain.ErrPayment)
}

func (c *Client) CreateRefund(ctx context.Context, idempotencyKey string, req RefundRequest) (*domain.Refund, error) {
	body := createRefundRequest{
		PaymentID:   req.PaymentID,
		Amount:      fromAmount(req.Amount),
		Description: req.Description,
	}
	var obj refundObject
	if err := c.do(ctx, http.MethodPost, "/refunds", idempotencyKey, body, &obj, rejection{other: domain.ErrRefund}); err != nil {
		return nil, err
	}
	return decodeRefund(&obj)
}

func (c *Client) GetRefund(ctx context.Context, refundID string) (*domain.Refund, error) {
	var obj refundObject
	rej := rejection{notFound: domain.ErrRefundNotFound, other: domain.ErrRefund}
	if err := c.do(ctx, http.MethodGet, "/refunds/"+refundID, "", nil, &obj, rej); err != nil {
		return nil, err
	}
	return decodeRefund(&obj)
}

func decodePayment(obj *paymentObject, sentinel error) (*domain.Payment, error) {
	p, err := obj.toDomain()
	if err != nil {
		return nil, fmt.Errorf("%w: malformed provider response: %v", sentinel, err)
	}
	return p, nil
}

func decodeRefund(obj *refundObject) (*domain.Refund, error) {
	r, err := obj.toDomain()
	if err != nil {
		return nil, fmt.Errorf("%w: malformed provider response: %v", domain.ErrRefund, err)
	}
	return r, nil
}

// rejection picks the domain sentinel for a 4xx answer.
type rejection struct {
	notFound error
	other    error
}

func (r rejection) sentinel(status int) error {
	if status == http.StatusNotFound && r.notFound != nil {
		return r.notFound
	}
	return r.other
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out any, rej rejection) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("%w: failed to encode request: %v", domain.ErrValidation, err)
		}
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %s %s: %v", domain.ErrProviderUnavailable, method, path, err)
		}

		status, body, err := c.send(ctx, method, path, idempotencyKey, payload)
		switch {
		case err != nil:
			lastErr = err
		case status >= 200 && status < 300:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("%w: failed to decode provider response: %v", rej.other, err)
			}
			return nil
		case retryableStatus(status):
			lastErr = fmt.Errorf("yookassa responded %d", status)
		default:
			apiErr := parseAPIError(status, body)
			c.logger.Info("Provider rejected request",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("status_code", status),
				zap.String("code", apiErr.Code))
			return fmt.Errorf("%w: %w", rej.sentinel(status), apiErr)
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s %s: %v", domain.ErrProviderUnavailable, method, path, ctx.Err())
		}
		if attempt >= c.cfg.MaxAttempts {
			return fmt.Errorf("%w: %s %s failed after %d attempts: %v", domain.ErrProviderUnavailable, method, path, attempt, lastErr)
		}

		delay := c.backoff(attempt)
		c.logger.Warn("Retrying provider request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr))
		if err := c.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: %s %s: %v", domain.ErrProviderUnavailable, method, path, err)
		}
	}
}

func (c *Client) send(ctx context.Context, method, path, idempotencyKey string, payload []byte) (int, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ShopID, c.cfg.SecretKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(idempotenceHeader, idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, data, nil
}

// backoff returns BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	if attempt > 30 {
		return c.cfg.MaxDelay
	}
	return min(c.cfg.BaseDelay*time.Duration(1<<(attempt-1)), c.cfg.MaxDelay)
}

func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		apiErr.Code = eb.Code
		apiErr.Description = eb.Description
		apiErr.Parameter = eb.Parameter
	}
	return apiErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsAPIError reports whether err carries a provider rejection and returns it.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
