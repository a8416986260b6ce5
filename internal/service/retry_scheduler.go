package service

import (
	"sync"
	"time"
)

// timerHandle is the part of *time.Timer the scheduler needs.
type timerHandle interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) timerHandle

func realAfterFunc(d time.Duration, f func()) timerHandle {
	return time.AfterFunc(d, f)
}

type retryEntry struct {
	timer timerHandle
}

// RetryScheduler keeps at most one pending retry timer per delivery id.
type RetryScheduler struct {
	after afterFunc

	mu      sync.Mutex
	pending map[string]*retryEntry
	active  map[string]int
	stopped bool
	running sync.WaitGroup
}

func NewRetryScheduler() *RetryScheduler {
	return newRetryScheduler(realAfterFunc)
}

func newRetryScheduler(after afterFunc) *RetryScheduler {
	return &RetryScheduler{
		after:   after,
		pending: make(map[string]*retryEntry),
		active:  make(map[string]int),
	}
}

// Schedule runs fn for id after delay, replacing any timer already pending for
// id. It returns false once the scheduler is stopped.
func (s *RetryScheduler) Schedule(id string, delay time.Duration, fn func()) bool {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}

	if existing, ok := s.pending[id]; ok {
		existing.timer.Stop()
	}

	entry := &retryEntry{}
	s.pending[id] = entry
	entry.timer = s.after(delay, func() { s.fire(id, entry, fn) })

	return true
}

func (s *RetryScheduler) fire(id string, entry *retryEntry, fn func()) {
	s.mu.Lock()
	// A replaced or cancelled entry may still fire if Stop lost the race.
	if s.stopped || s.pending[id] != entry {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	s.active[id]++
	s.running.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.active[id]--; s.active[id] <= 0 {
			delete(s.active, id)
		}
		s.mu.Unlock()
		s.running.Done()
	}()
	fn()
}

// Cancel drops the pending timer for id and reports whether one existed.
func (s *RetryScheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pending[id]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.pending, id)
	return true
}

// IsPending reports whether a retry for id is armed or currently running.
func (s *RetryScheduler) IsPending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[id]; ok {
		return true
	}
	return s.active[id] > 0
}

// Pending returns the number of armed timers.
func (s *RetryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pending)
}

// Stop cancels every pending timer and waits for retries already running.
func (s *RetryScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.running.Wait()
		return
	}
	s.stopped = true
	for id, entry := range s.pending {
		entry.timer.Stop()
		delete(s.pending, id)
	}
	s.mu.Unlock()

	s.running.Wait()
}
