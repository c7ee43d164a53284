package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type sleepRecorder struct {
	calls []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return nil
}

func TestRunSucceedsOnNthAttempt(t *testing.T) {
	for n := 1; n <= 5; n++ {
		t.Run(fmt.Sprintf("attempts=%d", n), func(t *testing.T) {
			rec := &sleepRecorder{}
			calls := 0
			got, err := Run(context.Background(), Policy{Delay: 100 * time.Millisecond, Attempts: n, Sleep: rec.sleep},
				func(context.Context) (string, error) {
					calls++
					if calls < n {
						return "", fmt.Errorf("failure %d", calls)
					}
					return "ok", nil
				})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if got != "ok" {
				t.Fatalf("Run() = %q; want %q", got, "ok")
			}
			if calls != n {
				t.Fatalf("invocations = %d; want %d", calls, n)
			}
			if len(rec.calls) != n-1 {
				t.Fatalf("delays = %d; want %d", len(rec.calls), n-1)
			}
			for _, d := range rec.calls {
				if d != 100*time.Millisecond {
					t.Fatalf("delay = %v; want 100ms", d)
				}
			}
		})
	}
}

func TestRunSurfacesLastErrorUnchanged(t *testing.T) {
	rec := &sleepRecorder{}
	errs := []error{errors.New("first"), errors.New("second"), errors.New("third")}
	calls := 0

	_, err := Run(context.Background(), Policy{Delay: time.Millisecond, Attempts: 3, Sleep: rec.sleep},
		func(context.Context) (int, error) {
			e := errs[calls]
			calls++
			return 0, e
		})
	if err != errs[2] {
		t.Fatalf("Run() error = %v; want identical to %v", err, errs[2])
	}
	if calls != 3 {
		t.Fatalf("invocations = %d; want 3", calls)
	}
	if len(rec.calls) != 2 {
		t.Fatalf("delays = %d; want 2", len(rec.calls))
	}
}

func TestRunStopsAfterFirstSuccess(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), time.Millisecond, 5, func(context.Context) (int, error) {
		calls++
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("Do() = %d, %v; want 42, nil", got, err)
	}
	if calls != 1 {
		t.Fatalf("invocations = %d; want 1", calls)
	}
}

func TestRunTreatsNonPositiveAttemptsAsOne(t *testing.T) {
	calls := 0
	want := errors.New("boom")
	_, err := Do(context.Background(), time.Millisecond, 0, func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, want
	})
	if err != want {
		t.Fatalf("Do() error = %v; want %v", err, want)
	}
	if calls != 1 {
		t.Fatalf("invocations = %d; want 1", calls)
	}
}

func TestRunContextCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opErr := errors.New("not yet")
	calls := 0

	_, err := Do(ctx, time.Hour, 3, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, opErr
	})
	if !errors.Is(err, opErr) {
		t.Fatalf("Do() error = %v; want to wrap %v", err, opErr)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v; want to wrap context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("invocations = %d; want 1", calls)
	}
}
