package persist

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNextDelayExponential(t *testing.T) {
	p := DefaultRetryPolicy()

	if d := p.NextDelay(1); d != 1*time.Second {
		t.Errorf("attempt 1: expected 1s, got %v", d)
	}
	if d := p.NextDelay(2); d != 2*time.Second {
		t.Errorf("attempt 2: expected 2s, got %v", d)
	}
	if d := p.NextDelay(3); d != 4*time.Second {
		t.Errorf("attempt 3: expected 4s, got %v", d)
	}
}

func TestNextDelayCapped(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, Multiplier: 10, MaxDelay: 30 * time.Second}
	if d := p.NextDelay(5); d != 30*time.Second {
		t.Errorf("expected cap at 30s, got %v", d)
	}
}

func TestExecuteSucceedsMidway(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
	calls := 0
	err := p.Execute(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("store returned 503")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestExecuteExhausted(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
	calls := 0
	err := p.Execute(context.Background(), func() error {
		calls++
		return errors.New("always down")
	})
	if err == nil {
		t.Error("expected the last error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 calls, got %d", calls)
	}
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute, Multiplier: 2}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := p.Execute(ctx, func() error { return errors.New("down") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
