package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTemporary = errors.New("temporary error")

func TestPolicyDelay(t *testing.T) {
	policy := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5}

	tests := []struct {
		attempt int
		r       float64
		want    time.Duration
	}{
		{attempt: 1, r: 0, want: 100 * time.Millisecond},
		{attempt: 2, r: 0, want: 200 * time.Millisecond},
		{attempt: 3, r: 0, want: 400 * time.Millisecond},
		{attempt: 3, r: 1, want: 600 * time.Millisecond},
		{attempt: 5, r: 0, want: time.Second},
		{attempt: 0, r: 0, want: 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := policy.delay(tt.attempt, tt.r); got != tt.want {
			t.Errorf("delay(%d, %v) = %v, want %v", tt.attempt, tt.r, got, tt.want)
		}
	}
}

func TestPolicyDelayStaysWithinJitter(t *testing.T) {
	policy := DefaultPolicy()
	for i := 0; i < 100; i++ {
		got := policy.Delay(2)
		if got < time.Second || got > 1100*time.Millisecond {
			t.Fatalf("Delay(2) = %v, want within [1s, 1.1s]", got)
		}
	}
}

func TestSleepRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep() error = %v, want context.Canceled", err)
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("Sleep(0) error = %v", err)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	policy := Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
	var hooks []int

	value, attempts, err := Retry(context.Background(), policy, 5,
		func(_ context.Context, attempt int) (string, error) {
			if attempt < 3 {
				return "", errTemporary
			}
			return "ok", nil
		},
		func(attempt int, err error, _ time.Duration) {
			hooks = append(hooks, attempt)
		},
	)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if value != "ok" || attempts != 3 {
		t.Fatalf("Retry() = %q after %d attempts, want ok after 3", value, attempts)
	}
	if len(hooks) != 2 {
		t.Fatalf("retry hook called %d times, want 2", len(hooks))
	}
}

func TestRetryExhausted(t *testing.T) {
	policy := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	calls := 0

	_, attempts, err := Retry(context.Background(), policy, 3,
		func(context.Context, int) (struct{}, error) {
			calls++
			return struct{}{}, errTemporary
		}, nil)
	if !errors.Is(err, ErrMaxAttemptsExhausted) || !errors.Is(err, errTemporary) {
		t.Fatalf("Retry() error = %v, want exhausted wrapping last error", err)
	}
	if calls != 3 || attempts != 3 {
		t.Fatalf("calls = %d, attempts = %d, want 3", calls, attempts)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	policy := Policy{Initial: time.Millisecond, Factor: 1}
	calls := 0
	hostKey := errors.New("host key mismatch")

	_, _, err := Retry(context.Background(), policy, 5,
		func(context.Context, int) (int, error) {
			calls++
			return 0, Permanent(hostKey)
		}, nil)
	if !errors.Is(err, hostKey) || !IsPermanent(err) {
		t.Fatalf("Retry() error = %v, want permanent host key error", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
}

func TestRetryStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{Initial: time.Hour, Factor: 1}

	done := make(chan error, 1)
	go func() {
		_, _, err := Retry(ctx, policy, 3, func(context.Context, int) (int, error) {
			return 0, errTemporary
		}, nil)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Retry() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Retry did not stop after cancellation")
	}
}
