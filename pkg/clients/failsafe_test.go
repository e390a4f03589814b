package clients

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go"
)

//nolint:bodyclose // test responses have no body
func TestNewHTTPRetryPolicy_NormalizesNegativeRetries(t *testing.T) {
	policy := NewHTTPRetryPolicy(HTTPExecutorConfig{MaxRetries: -3})

	var attempts int32
	_, err := failsafe.With(policy).Get(func() (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("network partition")
	})
	if err == nil {
		t.Fatal("expected request to fail")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

//nolint:bodyclose // test responses have no body
func TestExecuteHTTP_RetriesServerErrors(t *testing.T) {
	executor := NewHTTPExecutor(HTTPExecutorConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
	})

	var attempts int32
	resp, err := ExecuteHTTP(context.Background(), executor, func() (*http.Response, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return &http.Response{StatusCode: http.StatusBadGateway}, nil
		}
		return &http.Response{StatusCode: http.StatusAccepted}, nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

//nolint:bodyclose // test responses have no body
func TestExecuteHTTP_DoesNotRetryClientErrors(t *testing.T) {
	executor := NewHTTPExecutor(HTTPExecutorConfig{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
		Breaker:    &BreakerConfig{Name: "momo"},
	})

	var attempts int32
	resp, err := ExecuteHTTP(context.Background(), executor, func() (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return &http.Response{StatusCode: http.StatusBadRequest}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected one attempt, got %d", got)
	}
}

func TestDefaultShouldRetry(t *testing.T) {
	cases := map[int]bool{200: false, 400: false, 429: true, 500: true, 503: true}
	for code, want := range cases {
		if got := DefaultShouldRetry(&http.Response{StatusCode: code}, nil); got != want {
			t.Fatalf("status %d: want %v, got %v", code, want, got)
		}
	}
	if !DefaultShouldRetry(nil, errors.New("reset")) {
		t.Fatalf("network errors should retry")
	}
}
