package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLockPolicyDelays(t *testing.T) {
	p := LockPolicy()
	if p.Attempts() != 11 {
		t.Fatalf("expected 11 attempts, got %d", p.Attempts())
	}
	tests := []struct {
		n    int
		r    float64
		want time.Duration
	}{
		{1, 0, 100 * time.Millisecond},
		{2, 0, 200 * time.Millisecond},
		{4, 0, 800 * time.Millisecond},
		{1, 0.5, 150 * time.Millisecond},
		{8, 0, 10 * time.Second},
		{10, 0.9, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := p.DelayWithRand(tt.n, tt.r); got != tt.want {
			t.Errorf("DelayWithRand(%d, %v) = %s, want %s", tt.n, tt.r, got, tt.want)
		}
	}
}

func TestEscalate(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 5 * time.Minute},
		{3, 25 * time.Minute},
		{4, time.Hour},
		{40, time.Hour},
	}
	for _, tt := range tests {
		if got := Escalate(time.Minute, 5, time.Hour, tt.n); got != tt.want {
			t.Errorf("Escalate(n=%d) = %s, want %s", tt.n, got, tt.want)
		}
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	p := Policy{Retries: 5, Initial: time.Millisecond, Factor: 1}
	calls := 0
	n, err := Retry(context.Background(), p, nil, func(int) error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	})
	if err != nil || n != 3 {
		t.Fatalf("Retry() = %d, %v", n, err)
	}
}

func TestRetryExhausted(t *testing.T) {
	p := Policy{Retries: 2, Initial: time.Millisecond, Factor: 1}
	busy := errors.New("busy")
	n, err := Retry(context.Background(), p, nil, func(int) error { return busy })
	if n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, busy) {
		t.Fatalf("expected exhausted wrapping busy, got %v", err)
	}
}

func TestRetryNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	n, err := Retry(context.Background(), LockPolicy(), func(err error) bool { return err != fatal }, func(int) error { return fatal })
	if n != 1 || !errors.Is(err, fatal) {
		t.Fatalf("Retry() = %d, %v", n, err)
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}
