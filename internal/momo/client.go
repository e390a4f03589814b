// Package momo is the mobile-money gateway client: collection and disbursement
// initiation plus webhook signature checks.
package momo

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/shopspring/decimal"

	"hermes/pkg/clients"
)

// Request statuses reported by the gateway.
const (
	StatusPending    = "PENDING"
	StatusSuccessful = "SUCCESSFUL"
	StatusFailed     = "FAILED"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("momo gateway returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("momo gateway returned status %d", e.StatusCode)
}

// Gateway initiates mobile-money movements. Reference is the job id and comes
// back on the webhook.
type Gateway interface {
	InitiateCollection(ctx context.Context, reference, phone string, amount decimal.Decimal) (*Result, error)
	InitiateDisbursement(ctx context.Context, reference, phone string, amount decimal.Decimal) (*Result, error)
}

type Result struct {
	Status                string `json:"status"`
	ProviderTransactionID string `json:"provider_transaction_id,omitempty"`
}

type request struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Phone    string          `json:"phone"`
	TransID  string          `json:"trans_id"`
	Provider string          `json:"provider"`
}

type Client struct {
	baseURL      string
	apiKey       string
	provider     string
	client       *http.Client
	httpExecutor failsafe.Executor[*http.Response]
	shouldRetry  func(resp *http.Response, err error) bool
}

type Option func(*Client)

func NewClient(baseURL, apiKey, provider string, opts ...Option) *Client {
	cfg := clients.DefaultHTTPExecutorConfig()
	cfg.Breaker = &clients.BreakerConfig{Name: "momo"}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		provider:     provider,
		client:       &http.Client{Timeout: 15 * time.Second, Transport: clients.DefaultTransport()},
		httpExecutor: clients.NewHTTPExecutor(cfg),
		shouldRetry:  cfg.ShouldRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

func WithHTTPExecutorConfig(cfg clients.HTTPExecutorConfig) Option {
	return func(c *Client) {
		c.httpExecutor = clients.NewHTTPExecutor(cfg)
		c.shouldRetry = cfg.ShouldRetry
	}
}

// InitiateCollection asks the payer's phone to approve a debit.
func (c *Client) InitiateCollection(ctx context.Context, reference, phone string, amount decimal.Decimal) (*Result, error) {
	return c.post(ctx, "/collections/request-to-pay", reference, phone, amount)
}

// InitiateDisbursement pays out to a phone.
func (c *Client) InitiateDisbursement(ctx context.Context, reference, phone string, amount decimal.Decimal) (*Result, error) {
	return c.post(ctx, "/disbursements/withdraw", reference, phone, amount)
}

func (c *Client) post(ctx context.Context, path, reference, phone string, amount decimal.Decimal) (*Result, error) {
	body, err := json.Marshal(request{
		Amount:   amount,
		Currency: "UGX",
		Phone:    phone,
		TransID:  reference,
		Provider: c.provider,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Reference-Id", reference)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: apiErr.Message}
	}

	result := &Result{Status: StatusPending}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	if strings.EqualFold(result.Status, StatusFailed) {
		return result, &APIError{StatusCode: resp.StatusCode, Message: "request rejected by provider"}
	}
	return result, nil
}

func (c *Client) doRequest(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	if c.httpExecutor == nil {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		return c.client.Do(req)
	}

	return clients.ExecuteHTTP(ctx, c.httpExecutor, func() (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if c.shouldRetry != nil && c.shouldRetry(resp, err) {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
		return resp, err
	})
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the X-Momo-Signature header value against body.
func VerifySignature(secret string, body []byte, signature string) error {
	if secret == "" || signature == "" {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

var _ Gateway = (*Client)(nil)
