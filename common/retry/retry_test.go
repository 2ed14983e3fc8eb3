package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coffre-fort/coffre/common/retry"
)

func fast(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDo_StopsOnSuccess(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fast(5), func() error {
		calls++
		if calls < 2 {
			return errors.New("dms busy")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	sentinel := errors.New("unreachable")
	err := retry.Do(context.Background(), fast(3), func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	unauthorized := errors.New("401")
	err := retry.Do(context.Background(), fast(5), func() error {
		calls++
		return retry.Permanent(unauthorized)
	})
	if !errors.Is(err, unauthorized) {
		t.Fatalf("expected unwrapped permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ShouldRetryPredicate(t *testing.T) {
	calls := 0
	bad := errors.New("bad request")
	err := retry.Do(context.Background(), retry.Config{
		MaxAttempts:  4,
		InitialDelay: time.Millisecond,
		ShouldRetry:  func(err error) bool { return !errors.Is(err, bad) },
	}, func() error {
		calls++
		return bad
	})
	if !errors.Is(err, bad) || calls != 1 {
		t.Fatalf("expected single call with bad request, got %d calls err=%v", calls, err)
	}
}

func TestDo_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retry.Do(ctx, fast(5), func() error {
		calls++
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no calls with a cancelled context, got %d", calls)
	}
}
