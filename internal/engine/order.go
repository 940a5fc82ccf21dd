package engine

import (
	"sync"
	"time"
)

// sequencer orders the record phase of concurrent checks. Each check takes a
// ticket together with its evaluation time, and records run strictly in
// ticket order, so history order always follows trigger timestamps.
type sequencer struct {
	mu   sync.Mutex
	cond *sync.Cond
	next uint64
	turn uint64
}

func newSequencer() *sequencer {
	s := &sequencer{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ticket reserves the next slot and reads the clock under the same lock.
func (s *sequencer) ticket(now func() time.Time) (uint64, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.next
	s.next++
	return t, now()
}

// run waits for t's turn, runs fn and passes the turn on. Every ticket must
// be run exactly once.
func (s *sequencer) run(t uint64, fn func()) {
	s.mu.Lock()
	for s.turn != t {
		s.cond.Wait()
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.turn++
		s.cond.Broadcast()
		s.mu.Unlock()
	}()
	fn()
}
