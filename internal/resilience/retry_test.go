package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fablepress/storyforge/internal/generr"
)

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), RetryConfig{Sleep: noSleep}, func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetriesRetryableKinds(t *testing.T) {
	var calls int
	cfg := RetryConfig{
		MaxAttempts: 3,
		Sleep:       noSleep,
		ShouldRetry: generr.Retryable,
	}

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		if calls < 3 {
			return generr.New(generr.KindServiceUnavailable, "test", "temporary")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var calls int
	cfg := RetryConfig{
		MaxAttempts: 3,
		Sleep:       noSleep,
		ShouldRetry: generr.Retryable,
	}

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return generr.New(generr.KindRateLimited, "test", "always throttled")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if generr.KindOf(err) != generr.KindRateLimited {
		t.Errorf("final error lost its classification: %v", err)
	}
}

func TestDo_NonRetryableFailsImmediately(t *testing.T) {
	var calls int
	cfg := RetryConfig{
		MaxAttempts: 3,
		Sleep:       noSleep,
		ShouldRetry: generr.Retryable,
	}

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return generr.New(generr.KindInvalidInput, "test", "bad prompt")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call for non-retryable error, got %d", calls)
	}
}

func TestDoVal_ReturnsValue(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, Sleep: noSleep, ShouldRetry: generr.Retryable}

	var calls int
	got, err := DoVal(context.Background(), cfg, func(_ context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", generr.New(generr.KindServiceUnavailable, "test", "blip")
		}
		return "asset-url", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "asset-url" {
		t.Errorf("expected asset-url, got %q", got)
	}
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	cfg := RetryConfig{
		MaxAttempts: 5,
		Sleep:       noSleep,
		ShouldRetry: func(error) bool { return true },
	}

	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call after cancellation, got %d", calls)
	}
}

func TestDo_SleepsBetweenAttempts(t *testing.T) {
	var slept []time.Duration
	cfg := RetryConfig{
		MaxAttempts: 3,
		Delay:       2 * time.Second,
		ShouldRetry: func(error) bool { return true },
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}

	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		return errors.New("always")
	})

	// Two sleeps for three attempts, fixed delay each time.
	if len(slept) != 2 {
		t.Fatalf("expected 2 sleeps, got %d", len(slept))
	}
	for _, d := range slept {
		if d != 2*time.Second {
			t.Errorf("expected fixed 2s delay, got %v", d)
		}
	}
}
