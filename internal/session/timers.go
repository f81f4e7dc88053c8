package session

import (
	"sync"
	"time"
)

// TimerHandle is one tracked timer. Cancelling it prevents the callback
// from firing; a fired or cancelled handle removes itself from its set.
type TimerHandle struct {
	set   *TimerSet
	timer *time.Timer

	mu        sync.Mutex
	cancelled bool
}

// Cancel stops the timer. The callback will not run.
func (h *TimerHandle) Cancel() {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	h.mu.Unlock()

	h.timer.Stop()
	h.set.remove(h)
}

// TimerSet tracks every live timer so they can all be force-cancelled
// on mode switch, interruption, or shutdown. A leaked timer firing into
// stale state is exactly the failure this prevents.
type TimerSet struct {
	mu      sync.Mutex
	handles map[*TimerHandle]struct{}
}

// NewTimerSet creates an empty set.
func NewTimerSet() *TimerSet {
	return &TimerSet{handles: make(map[*TimerHandle]struct{})}
}

// After schedules fn to run after d and tracks the handle.
func (s *TimerSet) After(d time.Duration, fn func()) *TimerHandle {
	h := &TimerHandle{set: s}

	h.timer = time.AfterFunc(d, func() {
		h.mu.Lock()
		cancelled := h.cancelled
		h.cancelled = true
		h.mu.Unlock()

		s.remove(h)
		if !cancelled {
			fn()
		}
	})

	s.mu.Lock()
	s.handles[h] = struct{}{}
	s.mu.Unlock()
	return h
}

// CancelAll force-cancels every live timer.
func (s *TimerSet) CancelAll() {
	s.mu.Lock()
	handles := make([]*TimerHandle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}

// Len returns the number of live timers.
func (s *TimerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *TimerSet) remove(h *TimerHandle) {
	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()
}
