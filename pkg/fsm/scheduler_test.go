package fsm

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pialmmh/statemachine-sub005/pkg/core"
)

func waitForInt32(t *testing.T, target int32, v *int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(v) == target {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Expected counter to reach %d, got %d", target, atomic.LoadInt32(v))
}

func TestScheduler_FiresOnManualClock(t *testing.T) {
	clock := NewManualClock(time.Unix(1000, 0))
	s := NewTimeoutScheduler(clock, core.NopLogger{})
	defer s.Stop()

	var fired int32
	s.Schedule(10*time.Second, func() { atomic.AddInt32(&fired, 1) })

	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("Timer fired before the clock advanced")
	}

	clock.Advance(9 * time.Second)
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("Timer fired before its deadline")
	}

	clock.Advance(time.Second)
	waitForInt32(t, 1, &fired)
}

func TestScheduler_CancelPreventsFire(t *testing.T) {
	clock := NewManualClock(time.Unix(1000, 0))
	s := NewTimeoutScheduler(clock, core.NopLogger{})
	defer s.Stop()

	var fired int32
	h := s.Schedule(time.Second, func() { atomic.AddInt32(&fired, 1) })
	h.Cancel()

	clock.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("Cancelled timer fired")
	}
}

func TestScheduler_FiresInDeadlineOrder(t *testing.T) {
	clock := NewManualClock(time.Unix(1000, 0))
	s := NewTimeoutScheduler(clock, core.NopLogger{})
	defer s.Stop()

	var order []int
	done := make(chan struct{})
	s.Schedule(3*time.Second, func() {
		order = append(order, 3)
		close(done)
	})
	s.Schedule(time.Second, func() { order = append(order, 1) })
	s.Schedule(2*time.Second, func() { order = append(order, 2) })

	clock.Advance(10 * time.Second)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timers did not fire")
	}

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("Expected fire order [1 2 3], got %v", order)
	}
}

func TestScheduler_StopCancelsPending(t *testing.T) {
	clock := NewManualClock(time.Unix(1000, 0))
	s := NewTimeoutScheduler(clock, core.NopLogger{})

	var fired int32
	s.Schedule(time.Second, func() { atomic.AddInt32(&fired, 1) })
	s.Stop()

	clock.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("Timer fired after Stop")
	}
	if s.Pending() != 0 {
		t.Errorf("Expected no pending timers after Stop, got %d", s.Pending())
	}
}

func TestScheduler_SystemClock(t *testing.T) {
	s := NewTimeoutScheduler(SystemClock{}, core.NopLogger{})
	defer s.Stop()

	var fired int32
	s.Schedule(10*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	waitForInt32(t, 1, &fired)
}
