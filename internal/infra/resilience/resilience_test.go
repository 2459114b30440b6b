package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/boddenberg/fundflow-forensics/internal/infra/resilience"
)

func TestRetryWithBackoff(t *testing.T) {
	errFlaky := errors.New("ledger source: connection reset")

	tests := []struct {
		name      string
		retries   int
		failFirst int // calls that fail before success; -1 fails forever
		wantCalls int
		wantErr   bool
	}{
		{name: "first call succeeds", retries: 3, failFirst: 0, wantCalls: 1},
		{name: "recovers within budget", retries: 3, failFirst: 2, wantCalls: 3},
		{name: "recovers on last attempt", retries: 2, failFirst: 2, wantCalls: 3},
		{name: "exhausts retries", retries: 2, failFirst: -1, wantCalls: 3, wantErr: true},
		{name: "no retries configured", retries: 0, failFirst: -1, wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := resilience.Config{MaxRetries: tt.retries, InitialBackoff: time.Millisecond}
			calls := 0
			err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
				calls++
				if tt.failFirst < 0 || calls <= tt.failFirst {
					return errFlaky
				}
				return nil
			})

			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if tt.wantErr && !errors.Is(err, errFlaky) {
				t.Errorf("expected the last attempt's error, got %v", err)
			}
			if calls != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, calls)
			}
		})
	}
}

func TestRetryWithBackoff_CancelledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := resilience.RetryWithBackoff(ctx, resilience.Config{MaxRetries: 5, InitialBackoff: time.Second}, func() error {
		calls++
		return errors.New("report sink unavailable")
	})

	if err == nil {
		t.Fatal("expected an error from a cancelled fetch")
	}
	if calls > 1 {
		t.Errorf("expected at most 1 call, got %d", calls)
	}
}

func TestBulkhead_AcquireRelease(t *testing.T) {
	bh := resilience.NewBulkhead(2)

	if err := bh.Acquire(context.Background()); err != nil {
		t.Fatalf("expected acquire, got %v", err)
	}
	if err := bh.Acquire(context.Background()); err != nil {
		t.Fatalf("expected acquire, got %v", err)
	}

	// third acquire blocks until the context times out
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := bh.Acquire(ctx)
	if err == nil {
		t.Fatal("expected timeout on third acquire")
	}

	// Release one slot
	bh.Release()

	if err := bh.Acquire(context.Background()); err != nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}
}

func TestRetryWithBackoff_PermanentStopsImmediately(t *testing.T) {
	cfg := resilience.Config{
		MaxRetries:     5,
		InitialBackoff: 10 * time.Millisecond,
	}
	notFound := errors.New("case not found")

	callCount := 0
	err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		callCount++
		return resilience.Permanent(fmt.Errorf("fetch: %w", notFound))
	})

	if !errors.Is(err, notFound) {
		t.Fatalf("expected unwrapped permanent error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestRetryWithBackoff_ZeroBackoff(t *testing.T) {
	callCount := 0
	err := resilience.RetryWithBackoff(context.Background(), resilience.Config{MaxRetries: 2}, func() error {
		callCount++
		return errors.New("flaky")
	})
	if err == nil || callCount != 3 {
		t.Errorf("expected 3 failing calls, got %d (%v)", callCount, err)
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb := resilience.NewCircuitBreaker("ledger-source", zap.NewNop())
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(func() (any, error) { return nil, boom })
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", cb.State())
	}

	_, err := cb.Execute(func() (any, error) { return nil, nil })
	if !resilience.IsOpen(err) {
		t.Errorf("expected open-state error, got %v", err)
	}
}

func TestBulkhead_TryAcquire(t *testing.T) {
	bh := resilience.NewBulkhead(1)

	if !bh.TryAcquire() {
		t.Fatal("expected first slot")
	}
	if bh.TryAcquire() {
		t.Error("expected saturated bulkhead")
	}
	if bh.InUse() != 1 {
		t.Errorf("expected 1 slot in use, got %d", bh.InUse())
	}
	bh.Release()
	if !bh.TryAcquire() {
		t.Error("expected slot after release")
	}
}

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "wrapped deadline", err: fmt.Errorf("fetch: %w", context.DeadlineExceeded), want: true},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "plain error", err: errors.New("status 502"), want: false},
		{name: "nil", err: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resilience.IsTimeout(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
