package speaker

import (
	"errors"
	"sync"
)

var (
	ErrCleared = errors.New("playback buffer cleared")
	ErrClosed  = errors.New("speaker closed")
)

// stream is the io.Reader the oto player pulls from. It never runs dry: once
// queued audio is drained it hands out silence and wakes mark waiters.
type stream struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf        []byte
	closed     bool
	generation uint64
}

func newStream() *stream {
	s := &stream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	clear(p[n:])

	if len(s.buf) == 0 {
		s.buf = nil
		s.cond.Broadcast()
	}
	return len(p), nil
}

func (s *stream) write(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.buf = append(s.buf, audio...)
	return nil
}

func (s *stream) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = nil
	s.generation++
	s.cond.Broadcast()
}

// awaitDrained blocks until everything written so far has been read.
func (s *stream) awaitDrained() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	generation := s.generation
	for len(s.buf) > 0 && !s.closed && generation == s.generation {
		s.cond.Wait()
	}

	switch {
	case s.closed:
		return ErrClosed
	case generation != s.generation:
		return ErrCleared
	}
	return nil
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.buf = nil
	s.cond.Broadcast()
}
