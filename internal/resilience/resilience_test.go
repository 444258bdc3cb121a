package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/heraldbot/herald/internal/resilience"
)

func fastRetryConfig(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
		RandomFactor:    0.1,
	}
}

func TestWithRetry(t *testing.T) {
	t.Parallel()

	t.Run("succeeds without retrying", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := resilience.WithRetry(context.Background(), func(context.Context) error {
			calls++
			return nil
		}, fastRetryConfig(3))
		if err != nil {
			t.Fatalf("WithRetry: %v", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("recovers after transient failures", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := resilience.WithRetry(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		}, fastRetryConfig(3))
		if err != nil {
			t.Fatalf("WithRetry: %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("exhaustion wraps both sentinel and cause", func(t *testing.T) {
		t.Parallel()
		cause := errors.New("still broken")
		calls := 0
		err := resilience.WithRetry(context.Background(), func(context.Context) error {
			calls++
			return cause
		}, fastRetryConfig(3))

		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
		if !errors.Is(err, resilience.ErrExhaustedRetries) {
			t.Errorf("error %v should match ErrExhaustedRetries", err)
		}
		// The final error must stay matchable so callers can classify it.
		if !errors.Is(err, cause) {
			t.Errorf("error %v should preserve the last cause", err)
		}
	})

	t.Run("stops on context cancellation", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := resilience.WithRetry(ctx, func(context.Context) error {
			calls++
			cancel()
			return errors.New("transient")
		}, fastRetryConfig(5))

		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, cancellation must stop the loop", calls)
		}
	})

	t.Run("open circuit is not retried", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := resilience.WithRetry(context.Background(), func(context.Context) error {
			calls++
			return resilience.ErrCircuitOpen
		}, fastRetryConfig(5))

		if !errors.Is(err, resilience.ErrCircuitOpen) {
			t.Errorf("error = %v, want ErrCircuitOpen", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, an open circuit must fail fast", calls)
		}
	})
}

func TestCircuitBreaker(t *testing.T) {
	t.Parallel()

	t.Run("closed breaker passes calls through", func(t *testing.T) {
		t.Parallel()
		cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "test"})
		err := cb.Execute(context.Background(), func(context.Context) error { return nil })
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
	})

	t.Run("opens after consecutive failures and fails fast", func(t *testing.T) {
		t.Parallel()
		cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:          "test",
			MaxFailures:   3,
			ResetInterval: time.Minute,
		})

		boom := errors.New("boom")
		for range 3 {
			if err := cb.Execute(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
				t.Fatalf("expected the operation error, got %v", err)
			}
		}

		calls := 0
		err := cb.Execute(context.Background(), func(context.Context) error {
			calls++
			return nil
		})
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			t.Errorf("error = %v, want ErrCircuitOpen", err)
		}
		if calls != 0 {
			t.Error("an open breaker must not invoke the operation")
		}
	})
}
