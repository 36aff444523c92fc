package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"

	"smart-exec/internal/config"
)

func fastRetryConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts: 3,
		MinDelay:    time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Errorf("nil error should not be retryable")
	}
	if IsRetryable(context.Canceled) || IsRetryable(context.DeadlineExceeded) {
		t.Errorf("context errors should not be retryable")
	}
	if !IsRetryable(&ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "connection reset"}) {
		t.Errorf("ccxt network error should be retryable")
	}
	if !IsRetryable(&ccxt.Error{Type: ccxt.RateLimitExceededErrType, Message: "too many requests"}) {
		t.Errorf("rate limit error should be retryable")
	}
	if IsRetryable(&ccxt.Error{Type: ccxt.AuthenticationErrorErrType, Message: "bad key"}) {
		t.Errorf("authentication error should not be retryable")
	}
	if IsRetryable(errors.New("plain failure")) {
		t.Errorf("plain error should not be retryable")
	}
}

func TestCallWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := CallWithRetry(context.Background(), fastRetryConfig(), nil, "fetch_test", func() error {
		calls++
		if calls < 3 {
			return &ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "transient"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestCallWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := CallWithRetry(context.Background(), fastRetryConfig(), nil, "fetch_test", func() error {
		calls++
		return &ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "down"}
	})
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want max attempts 3", calls)
	}
}

func TestCallWithRetry_NonRetryableFailsFast(t *testing.T) {
	calls := 0
	err := CallWithRetry(context.Background(), fastRetryConfig(), nil, "fetch_test", func() error {
		calls++
		return &ccxt.Error{Type: ccxt.AuthenticationErrorErrType, Message: "bad key"}
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want fail fast with 1", calls)
	}
}

func TestCallWithRetry_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := CallWithRetry(ctx, fastRetryConfig(), nil, "fetch_test", func() error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0 after cancellation", calls)
	}
}

func TestBookSnapshot_SpreadBps(t *testing.T) {
	book := BookSnapshot{
		Bids: []BookLevel{{Price: 99.95, Qty: 1}},
		Asks: []BookLevel{{Price: 100.05, Qty: 1}},
	}
	got := book.SpreadBps()
	if got < 9.9 || got > 10.1 {
		t.Errorf("spread = %f bps, want about 10", got)
	}

	if got := (BookSnapshot{}).SpreadBps(); got != 0 {
		t.Errorf("empty book spread = %f, want 0", got)
	}
	oneSided := BookSnapshot{Bids: []BookLevel{{Price: 100, Qty: 1}}}
	if got := oneSided.SpreadBps(); got != 0 {
		t.Errorf("one-sided book spread = %f, want 0", got)
	}
}
