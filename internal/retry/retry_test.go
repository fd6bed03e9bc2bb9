package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSucceedsFirstAttempt(t *testing.T) {
	p := NewPolicy(3, time.Millisecond)

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
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

func TestRetriesTransientErrors(t *testing.T) {
	var slept []time.Duration
	p := NewPolicy(3, 100*time.Millisecond)
	p.Jitter = 0
	p.WithSleeper(func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
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
		t.Errorf("expected 3 calls, got %d", calls)
	}

	// Exponential backoff: 100ms then 200ms
	if len(slept) != 2 {
		t.Fatalf("expected 2 sleeps, got %d", len(slept))
	}
	if slept[0] != 100*time.Millisecond || slept[1] != 200*time.Millisecond {
		t.Errorf("unexpected backoff schedule: %v", slept)
	}
}

func TestExhaustsAttempts(t *testing.T) {
	p := NewPolicy(3, time.Millisecond)
	p.Jitter = 0
	p.WithSleeper(func(ctx context.Context, d time.Duration) error { return nil })

	boom := errors.New("boom")
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	})

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped original error, got: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestNonRetryableStopsImmediately(t *testing.T) {
	p := NewPolicy(5, time.Millisecond)
	p.Retryable = IsTransient
	p.WithSleeper(func(ctx context.Context, d time.Duration) error { return nil })

	fatal := errors.New("bad request")
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return fatal
	})

	if !errors.Is(err, fatal) {
		t.Fatalf("expected the original error, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call for non-retryable error, got %d", calls)
	}
}

func TestTransientMarking(t *testing.T) {
	base := errors.New("connection reset")

	if IsTransient(base) {
		t.Error("unmarked error should not be transient")
	}

	marked := MarkTransient(base)
	if !IsTransient(marked) {
		t.Error("marked error should be transient")
	}
	if !errors.Is(marked, base) {
		t.Error("marked error should unwrap to the original")
	}
	if MarkTransient(nil) != nil {
		t.Error("marking nil should return nil")
	}
}

func TestContextCancellation(t *testing.T) {
	p := NewPolicy(10, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestMaxDelayCap(t *testing.T) {
	var slept []time.Duration
	p := NewPolicy(5, 100*time.Millisecond)
	p.MaxDelay = 250 * time.Millisecond
	p.Jitter = 0
	p.WithSleeper(func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})

	_ = p.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("transient")
	})

	// 100, 200, 250, 250
	want := []time.Duration{100, 200, 250, 250}
	for i, w := range want {
		if slept[i] != w*time.Millisecond {
			t.Errorf("sleep %d: expected %v, got %v", i, w*time.Millisecond, slept[i])
		}
	}
}
