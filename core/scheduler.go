package orchestration

import (
	"sync"
	"time"
)

// RestartScheduler owns the single pending "re-enter listening" timer of a
// session. Every Schedule or Cancel invalidates the previous token, so a timer
// that already fired is rejected by Consume once something else has happened.
type RestartScheduler struct {
	delay time.Duration

	mu         sync.Mutex
	generation uint64
	pending    bool
	timer      *time.Timer
}

func NewRestartScheduler(delay time.Duration) *RestartScheduler {
	return &RestartScheduler{delay: delay}
}

// Schedule replaces any pending restart with a new one. fire runs on a timer
// goroutine with the token that must be handed back to Consume.
func (s *RestartScheduler) Schedule(fire func(generation uint64)) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimerLocked()
	s.generation++
	s.pending = true
	generation := s.generation
	s.timer = time.AfterFunc(s.delay, func() { fire(generation) })
	return generation
}

// Cancel drops the pending restart, if any. It is safe to call repeatedly.
func (s *RestartScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimerLocked()
	s.generation++
	s.pending = false
}

// Consume reports whether generation is the current pending restart and, if
// so, marks it as used.
func (s *RestartScheduler) Consume(generation uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pending || generation != s.generation {
		return false
	}
	s.pending = false
	s.timer = nil
	return true
}

func (s *RestartScheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *RestartScheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
