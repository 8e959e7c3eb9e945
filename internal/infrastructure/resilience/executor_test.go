package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

func TestExecuteRetriesTemporaryFailure(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 1 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	})

	attempts := 0
	errTemp := errors.New("temporary")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTemp
		}
		return nil
	}, func(err error) ErrorClassification {
		return ErrorClassification{
			Retryable:     errors.Is(err, errTemp),
			RecordFailure: true,
		}
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecuteDoesNotRetryPermanentFailure(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 1 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	})

	attempts := 0
	errPermanent := errors.New("permanent")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		return errPermanent
	}, func(error) ErrorClassification {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestExecuteOpensCircuitAfterFailures(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		RetryInitialBackoff:     1 * time.Millisecond,
		RetryMaxBackoff:         1 * time.Millisecond,
		RetryMultiplier:         2,
		BreakerEnabled:          true,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      50 * time.Millisecond,
		BreakerHalfOpenMaxCalls: 1,
	})

	errTemp := errors.New("temporary")
	classifier := func(error) ErrorClassification {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: true,
		}
	}

	for i := 0; i < 2; i++ {
		err := exec.Execute(context.Background(), "op", func(context.Context) error {
			return errTemp
		}, classifier)
		if !errors.Is(err, errTemp) {
			t.Fatalf("expected temporary error on iteration %d, got %v", i, err)
		}
	}

	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		t.Fatalf("circuit should be open and must not call operation")
		return nil
	}, classifier)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state error, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected open circuit to surface as temporary, got %v", err)
	}
}

func TestExecuteWithDomainClassifierRetriesOnlyTemporary(t *testing.T) {
	retries := 0
	exec := NewExecutor(Config{
		RetryMaxAttempts:    4,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	}, WithRetryHook(func(string, int, error) { retries++ }))

	attempts := 0
	err := exec.Execute(context.Background(), "embed", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return domain.WrapError(domain.ErrTemporary, "embed", errors.New("503"))
		}
		return domain.WrapError(domain.ErrContent, "embed", errors.New("bad input"))
	}, ClassifyDomainError)
	if !domain.IsKind(err, domain.ErrContent) {
		t.Fatalf("expected content error, got %v", err)
	}
	if attempts != 3 || retries != 2 {
		t.Fatalf("expected 3 attempts and 2 retries, got %d/%d", attempts, retries)
	}
}

func TestClassifyDomainErrorIgnoresCancellation(t *testing.T) {
	class := ClassifyDomainError(context.Canceled)
	if class.Retryable || class.RecordFailure {
		t.Fatalf("unexpected classification for cancellation: %+v", class)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := Config{
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     time.Second,
		RetryMultiplier:     3,
	}.normalize()

	for _, tc := range []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 100 * time.Millisecond},
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 300 * time.Millisecond},
		{attempt: 3, want: 900 * time.Millisecond},
		{attempt: 4, want: time.Second},
	} {
		if got := cfg.backoff(tc.attempt); got != tc.want {
			t.Fatalf("backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffJitterStaysBelowCeiling(t *testing.T) {
	cfg := Config{
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     100 * time.Millisecond,
		RetryJitter:         0.5,
	}.normalize()

	for i := 0; i < 50; i++ {
		got := cfg.backoff(1)
		if got > 100*time.Millisecond || got < 50*time.Millisecond {
			t.Fatalf("jittered backoff %v outside [50ms, 100ms]", got)
		}
	}
}

func TestNormalizeFillsDefaults(t *testing.T) {
	cfg := Config{RetryInitialBackoff: 5 * time.Second, RetryJitter: 3}.normalize()
	def := DefaultConfig()

	if cfg.RetryMaxAttempts != def.RetryMaxAttempts || cfg.BreakerMinRequests != def.BreakerMinRequests {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if cfg.RetryMaxBackoff != 5*time.Second {
		t.Fatalf("expected max backoff raised to the initial backoff, got %v", cfg.RetryMaxBackoff)
	}
	if cfg.RetryJitter != 0 {
		t.Fatalf("expected out of range jitter to be dropped, got %v", cfg.RetryJitter)
	}
}
