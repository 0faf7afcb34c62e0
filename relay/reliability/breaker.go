package reliability

import (
	"sync"
	"time"

	"relay.dev/relay/config"
)

// State of a single endpoint's circuit breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

type breaker struct {
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	probeInFlight        bool
}

// BreakerSet holds one circuit breaker per endpoint hash. Breakers are
// created lazily in the closed state.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*breaker

	now func() time.Time // injectable for tests
}

func NewBreakerSet() *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

func (s *BreakerSet) get(hash string) *breaker {
	b, ok := s.breakers[hash]
	if !ok {
		b = &breaker{}
		s.breakers[hash] = b
	}
	return b
}

// Allow reports whether a delivery to the endpoint may proceed. While open
// it rejects until the cooldown elapses, then admits a single half-open
// probe; further deliveries are rejected until the probe resolves.
func (s *BreakerSet) Allow(hash string, cfg config.CircuitBreaker) bool {
	if !cfg.Enabled {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(hash)
	switch b.state {
	case Closed:
		return true
	case Open:
		cooldown := time.Duration(cfg.CooldownMs) * time.Millisecond
		if s.now().Sub(b.openedAt) < cooldown {
			return false
		}
		b.state = HalfOpen
		b.probeInFlight = true
		return true
	default: // HalfOpen
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
}

// RecordSuccess resets the failure streak; a successful half-open probe
// closes the breaker.
func (s *BreakerSet) RecordSuccess(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(hash)
	b.consecutiveFailures = 0
	b.consecutiveSuccesses++
	if b.state == HalfOpen {
		b.state = Closed
		b.probeInFlight = false
	}
}

// RecordFailure increments the failure streak and may trip the breaker.
// A failed half-open probe re-opens immediately.
func (s *BreakerSet) RecordFailure(hash string, cfg config.CircuitBreaker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(hash)
	b.consecutiveSuccesses = 0
	b.consecutiveFailures++

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.openedAt = s.now()
		b.probeInFlight = false
	case Closed:
		if cfg.Enabled && b.consecutiveFailures >= cfg.FailureThreshold {
			b.state = Open
			b.openedAt = s.now()
		}
	}
}

// State returns the breaker state for an endpoint, Closed if untracked.
func (s *BreakerSet) State(hash string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[hash]; ok {
		return b.state
	}
	return Closed
}

// Forget drops the breaker for an endpoint, e.g. on unregistration.
func (s *BreakerSet) Forget(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, hash)
}
