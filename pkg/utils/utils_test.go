package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{205, "205"},
		{1234567.891, "1,234,567.89"},
		{-9876.5, "-9,876.5"},
		{0.12345, "0.1235"},
		{100000, "100,000"},
	}
	for _, tt := range tests {
		if got := FormatValue(tt.in); got != tt.want {
			t.Errorf("FormatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := FormatAge(time.Time{}, now); got != "never" {
		t.Errorf("zero time = %q", got)
	}
	if got := FormatAge(now.Add(-3*time.Minute), now); got != "3m ago" {
		t.Errorf("3m = %q", got)
	}
	if got := FormatAge(now.Add(-50*time.Hour), now); got != "2d ago" {
		t.Errorf("50h = %q", got)
	}
}

func TestRetry_StopsOnSuccess(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, BackoffFactor: 2}
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_NoRetryMakesOneAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), NoRetry(), func() error {
		calls++
		return errors.New("boom")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected one failed attempt, got calls=%d err=%v", calls, err)
	}
}

func TestRetry_NonRetryableStopsEarly(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	cfg := RetryConfig{
		MaxAttempts:  4,
		InitialDelay: time.Millisecond,
		Retryable:    func(err error) bool { return !errors.Is(err, permanent) },
	}
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected single permanent failure, got calls=%d err=%v", calls, err)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Hour}
	err := Retry(ctx, cfg, func() error {
		calls++
		return errors.New("down")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected to stop after first attempt, got calls=%d err=%v", calls, err)
	}
}

func TestCalculateBackoff(t *testing.T) {
	if got := CalculateBackoff(3, 100*time.Millisecond, time.Second, 2); got != 800*time.Millisecond {
		t.Errorf("attempt 3 = %v", got)
	}
	if got := CalculateBackoff(10, 100*time.Millisecond, time.Second, 2); got != time.Second {
		t.Errorf("capped = %v", got)
	}
}
