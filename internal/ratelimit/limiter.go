// Package ratelimit enforces per-alert cooldowns and rolling hourly caps.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the rolling window the hourly cap applies to.
const Window = time.Hour

// Policy is the rate-limit policy of one alert.
type Policy struct {
	// Cooldown is the minimum time between two deliveries (0 = none).
	Cooldown time.Duration
	// MaxPerHour caps deliveries within any rolling hour (0 = unbounded).
	MaxPerHour int
}

// Decision explains an Allow/Acquire result.
type Decision string

const (
	Allowed         Decision = "allowed"
	DeniedCooldown  Decision = "cooldown"
	DeniedHourlyCap Decision = "hourly_cap"
)

// keyState holds the trigger history of one alert.
type keyState struct {
	mu          sync.Mutex
	lastTrigger time.Time
	window      []time.Time // ascending, pruned to the last hour
}

func (s *keyState) prune(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(s.window) && !s.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.window = append(s.window[:0], s.window[i:]...)
	}
}

func (s *keyState) check(p Policy, now time.Time) Decision {
	s.prune(now)
	if p.Cooldown > 0 && !s.lastTrigger.IsZero() && now.Sub(s.lastTrigger) < p.Cooldown {
		return DeniedCooldown
	}
	if p.MaxPerHour > 0 && len(s.window) >= p.MaxPerHour {
		return DeniedHourlyCap
	}
	return Allowed
}

func (s *keyState) record(now time.Time) {
	if now.After(s.lastTrigger) {
		s.lastTrigger = now
	}
	// keep the window sorted even if callers record out of order
	i := len(s.window)
	for i > 0 && s.window[i-1].After(now) {
		i--
	}
	s.window = append(s.window, time.Time{})
	copy(s.window[i+1:], s.window[i:])
	s.window[i] = now
}

// Limiter tracks per-alert trigger history. State is keyed by alert id and
// each key has its own lock, so unrelated alerts never contend.
type Limiter struct {
	states sync.Map // alert id -> *keyState
}

// New creates a new Limiter.
func New() *Limiter {
	return &Limiter{}
}

func (l *Limiter) state(id string) *keyState {
	if s, ok := l.states.Load(id); ok {
		return s.(*keyState)
	}
	s, _ := l.states.LoadOrStore(id, &keyState{})
	return s.(*keyState)
}

// Allow reports whether a trigger at now would pass the policy. It does not
// record anything; use Acquire for the atomic check-and-record.
func (l *Limiter) Allow(id string, p Policy, now time.Time) bool {
	return l.Check(id, p, now) == Allowed
}

// Check returns the decision for a trigger at now without recording it.
func (l *Limiter) Check(id string, p Policy, now time.Time) Decision {
	s := l.state(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check(p, now)
}

// Record notes a delivered trigger at now.
func (l *Limiter) Record(id string, now time.Time) {
	s := l.state(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(now)
}

// Acquire checks the policy and, if allowed, records the trigger while
// holding the key's lock. Two concurrent callers for the same id can never
// both pass a check that only one of them should.
func (l *Limiter) Acquire(id string, p Policy, now time.Time) (bool, Decision) {
	s := l.state(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.check(p, now)
	if d != Allowed {
		return false, d
	}
	s.record(now)
	return true, Allowed
}

// Seed restores history for an alert, e.g. its last trigger time loaded from
// a durable store at startup.
func (l *Limiter) Seed(id string, triggers ...time.Time) {
	s := l.state(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range triggers {
		if !t.IsZero() {
			s.record(t)
		}
	}
}

// Forget drops all state for an alert.
func (l *Limiter) Forget(id string) {
	l.states.Delete(id)
}

// Snapshot describes the limiter state of one alert.
type Snapshot struct {
	LastTrigger time.Time
	InWindow    int
}

// Snapshot returns the state of an alert as seen at now.
func (l *Limiter) Snapshot(id string, now time.Time) Snapshot {
	v, ok := l.states.Load(id)
	if !ok {
		return Snapshot{}
	}
	s := v.(*keyState)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(now)
	return Snapshot{LastTrigger: s.lastTrigger, InWindow: len(s.window)}
}
