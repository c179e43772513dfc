package timeutil

import (
	"sync"
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestMockClock(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := NewMockClock(start)

	if got := clock.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}
	if got := clock.Now(); !got.Equal(start) {
		t.Errorf("Now() moved without Advance: %v", got)
	}

	clock.Advance(90 * time.Second)
	if got := clock.Since(start); got != 90*time.Second {
		t.Errorf("Since() = %v, want 1m30s", got)
	}
}

func TestMockClock_Concurrent(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				clock.Advance(time.Millisecond)
				_ = clock.Now()
			}
		}()
	}
	wg.Wait()

	if got := clock.Since(time.Unix(0, 0)); got != 800*time.Millisecond {
		t.Errorf("Since() = %v, want 800ms", got)
	}
}

func TestStepClock(t *testing.T) {
	start := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	clock := NewStepClock(start, time.Minute)

	first := clock.Now()
	second := clock.Now()
	if !first.Equal(start) {
		t.Errorf("first Now() = %v, want %v", first, start)
	}
	if d := second.Sub(first); d != time.Minute {
		t.Errorf("readings %v apart, want 1m", d)
	}
	if got := clock.Since(start); got != 2*time.Minute {
		t.Errorf("Since() = %v, want 2m", got)
	}
	if got := clock.Since(start); got != 2*time.Minute {
		t.Errorf("Since() advanced the clock: %v", got)
	}

	var _ Clock = clock
	var _ Clock = &MockClock{}
	var _ Clock = RealClock{}
}
