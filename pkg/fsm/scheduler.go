package fsm

import (
	"container/heap"
	"sync"
	"time"

	"github.com/pialmmh/statemachine-sub005/pkg/core"
)

// Clock abstracts time for the scheduler so tests can drive timeouts
// deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a test clock advanced by hand.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
	sub func()
}

// NewManualClock starts a manual clock at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward and pokes any subscribed scheduler.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	sub := c.sub
	c.mu.Unlock()
	if sub != nil {
		sub()
	}
}

func (c *ManualClock) subscribe(fn func()) {
	c.mu.Lock()
	c.sub = fn
	c.mu.Unlock()
}

// TimerHandle identifies one armed timeout. At most one is armed per
// machine; the machine remembers which state armed it so late fires into a
// different state are dropped.
type TimerHandle struct {
	id       uint64
	deadline time.Time
	fire     func()

	mu        sync.Mutex
	cancelled bool
	fired     bool
}

// Cancel marks the handle dead. A cancelled timer never delivers its event;
// cancellation after firing is a no-op.
func (h *TimerHandle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
}

func (h *TimerHandle) tryFire() {
	h.mu.Lock()
	if h.cancelled || h.fired {
		h.mu.Unlock()
		return
	}
	h.fired = true
	fire := h.fire
	h.mu.Unlock()
	fire()
}

// timerHeap orders handles by deadline, ties broken by arming order.
type timerHeap []*TimerHandle

func (th timerHeap) Len() int { return len(th) }
func (th timerHeap) Less(i, j int) bool {
	if th[i].deadline.Equal(th[j].deadline) {
		return th[i].id < th[j].id
	}
	return th[i].deadline.Before(th[j].deadline)
}
func (th timerHeap) Swap(i, j int) { th[i], th[j] = th[j], th[i] }
func (th *timerHeap) Push(x interface{}) {
	*th = append(*th, x.(*TimerHandle))
}
func (th *timerHeap) Pop() interface{} {
	old := *th
	n := len(old)
	h := old[n-1]
	old[n-1] = nil
	*th = old[:n-1]
	return h
}

// TimeoutScheduler arms single-shot timers on a priority queue keyed by
// absolute deadline. One dispatcher goroutine fires due timers; fire
// callbacks enqueue onto machine inboxes and must not block.
type TimeoutScheduler struct {
	clock  Clock
	logger core.Logger

	mu      sync.Mutex
	heap    timerHeap
	nextID  uint64
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// NewTimeoutScheduler creates and starts a scheduler on the given clock.
func NewTimeoutScheduler(clock Clock, logger core.Logger) *TimeoutScheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	s := &TimeoutScheduler{
		clock:  clock,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if mc, ok := clock.(*ManualClock); ok {
		mc.subscribe(s.poke)
	}
	go s.run()
	return s
}

// Schedule arms a timer firing fire() after d. The returned handle is used
// for cancellation on state exit.
func (s *TimeoutScheduler) Schedule(d time.Duration, fire func()) *TimerHandle {
	s.mu.Lock()
	s.nextID++
	h := &TimerHandle{
		id:       s.nextID,
		deadline: s.clock.Now().Add(d),
		fire:     fire,
	}
	if !s.stopped {
		heap.Push(&s.heap, h)
	}
	s.mu.Unlock()
	s.poke()
	return h
}

// Cancel is a convenience for h.Cancel tolerant of nil handles.
func (s *TimeoutScheduler) Cancel(h *TimerHandle) {
	if h != nil {
		h.Cancel()
	}
}

// Stop cancels all armed timers and terminates the dispatcher.
func (s *TimeoutScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, h := range s.heap {
		h.Cancel()
	}
	s.heap = nil
	s.mu.Unlock()
	s.poke()
	<-s.done
}

// Pending returns the number of queued timers, fired or not yet collected
// ones included. Test helper.
func (s *TimeoutScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

func (s *TimeoutScheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *TimeoutScheduler) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		now := s.clock.Now()
		var due []*TimerHandle
		for len(s.heap) > 0 && !s.heap[0].deadline.After(now) {
			due = append(due, heap.Pop(&s.heap).(*TimerHandle))
		}
		var wait <-chan time.Time
		if len(s.heap) > 0 {
			// Real-time sleep until the earliest deadline; a manual clock
			// pokes the wake channel instead, so the long sleep is harmless.
			wait = time.After(s.heap[0].deadline.Sub(now))
		}
		s.mu.Unlock()

		for _, h := range due {
			h.tryFire()
		}
		if len(due) > 0 {
			continue
		}

		if wait != nil {
			select {
			case <-wait:
			case <-s.wake:
			}
		} else {
			<-s.wake
		}
	}
}
