package timeutil

import (
	"context"
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	got := clock.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("RealClock.Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestMockClock_SleepAdvances(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Sleep(20 * time.Millisecond)
	clock.Sleep(30 * time.Millisecond)

	if got := clock.Since(start); got != 50*time.Millisecond {
		t.Errorf("Since() = %v, want 50ms", got)
	}
	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 20*time.Millisecond || sleeps[1] != 30*time.Millisecond {
		t.Errorf("Sleeps() = %v, want [20ms 30ms]", sleeps)
	}
}

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Advance(time.Hour)

	if !clock.Now().Equal(start.Add(time.Hour)) {
		t.Errorf("Now() = %v, want %v", clock.Now(), start.Add(time.Hour))
	}
	if len(clock.Sleeps()) != 0 {
		t.Error("Advance should not record a sleep")
	}
}

func TestSleepContext(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))

	if err := SleepContext(context.Background(), clock, time.Second); err != nil {
		t.Fatalf("SleepContext() error = %v", err)
	}
	if clock.Since(time.Unix(0, 0)) != time.Second {
		t.Error("SleepContext should advance the mock clock")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepContext(ctx, clock, time.Second); err != context.Canceled {
		t.Errorf("SleepContext() on cancelled context = %v, want context.Canceled", err)
	}
	if len(clock.Sleeps()) != 1 {
		t.Error("cancelled SleepContext should not sleep")
	}
}

func TestSleepContext_RealClockCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := SleepContext(ctx, RealClock{}, time.Minute)
	if err != context.DeadlineExceeded {
		t.Errorf("SleepContext() = %v, want context.DeadlineExceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("SleepContext did not return on context deadline")
	}
}
