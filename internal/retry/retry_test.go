package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoStopsOnSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	attempts, err := Do(context.Background(), Policy{Attempts: 5, Initial: time.Millisecond, Max: 4 * time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("unexpected attempts: got attempts=%d calls=%d want 3", attempts, calls)
	}
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	t.Parallel()

	want := errors.New("still failing")
	attempts, err := Do(context.Background(), Policy{Attempts: 3, Initial: time.Millisecond}, func(context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("unexpected error: got %v want %v", err, want)
	}
	if attempts != 3 {
		t.Fatalf("unexpected attempts: got %d want 3", attempts)
	}
}

func TestDoHonoursPermanentAndRetryable(t *testing.T) {
	t.Parallel()

	fatal := errors.New("bad request")
	calls := 0
	_, err := Do(context.Background(), Policy{Attempts: 5, Initial: time.Millisecond}, func(context.Context) error {
		calls++
		return Permanent(fatal)
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Fatalf("expected permanent error after one call, got err=%v calls=%d", err, calls)
	}

	calls = 0
	_, err = Do(context.Background(), Policy{
		Attempts:  5,
		Initial:   time.Millisecond,
		Retryable: func(error) bool { return false },
	}, func(context.Context) error {
		calls++
		return errors.New("not retryable")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected single call for non-retryable error, got err=%v calls=%d", err, calls)
	}
}

func TestDoStopsWhenContextDone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, Policy{Attempts: 3, Initial: time.Hour}, func(context.Context) error {
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected error: got %v want context.Canceled", err)
	}
}

func TestPolicyBackOffDoublesUpToMax(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		policy Policy
		want   []time.Duration
	}{
		{
			name:   "capped growth",
			policy: Policy{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond},
			want:   []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond},
		},
		{
			name:   "no max keeps the initial delay",
			policy: Policy{Initial: 10 * time.Millisecond},
			want:   []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			b := tc.policy.backOff()
			b.Reset()
			for i, want := range tc.want {
				if got := b.NextBackOff(); got != want {
					t.Fatalf("delay %d = %v, want %v", i, got, want)
				}
			}
		})
	}
}

func TestDoUnwrapsPermanentOnLastAttempt(t *testing.T) {
	t.Parallel()

	fatal := errors.New("unauthorized")
	attempts, err := Do(context.Background(), Policy{Attempts: 1}, func(context.Context) error {
		return Permanent(fatal)
	})
	if err != fatal || attempts != 1 {
		t.Fatalf("expected the bare error after one attempt, got err=%v attempts=%d", err, attempts)
	}
}
