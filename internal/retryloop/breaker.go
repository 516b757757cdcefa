package retryloop

import (
	"sync"
	"time"

	"restoration/internal/domain"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker guards one logical dependency. It opens after a configured number
// of consecutive failures, refuses work while open, and admits a single
// trial once the cool-down elapses.
type Breaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	openedAt  time.Time
	trialing  bool
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewBreaker constructs a closed breaker.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a request may proceed. While open it returns
// ErrCircuitOpen; after the cool-down it moves to half-open and admits
// exactly one trial.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return domain.ErrCircuitOpen
		}
		b.state = breakerHalfOpen
		b.trialing = true
		return nil
	default: // half-open
		if b.trialing {
			return domain.ErrCircuitOpen
		}
		b.trialing = true
		return nil
	}
}

// RecordSuccess closes the breaker and clears the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
	b.trialing = false
}

// RecordFailure increments the streak and opens the breaker at the
// threshold. A failed half-open trial reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.trialing = false
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}

// Reset returns the breaker to closed, for operator intervention.
func (b *Breaker) Reset() {
	b.RecordSuccess()
}

// State reports the current status string for observability.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

// BreakerSet holds breakers keyed by dependency name. State is in-process
// only; it is reconstructed empty on restart.
type BreakerSet struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	cooldown  time.Duration
}

// NewBreakerSet constructs a set sharing one threshold and cool-down.
func NewBreakerSet(threshold int, cooldown time.Duration) *BreakerSet {
	return &BreakerSet{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Get returns the breaker for a dependency, creating it on first use.
func (s *BreakerSet) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = NewBreaker(s.threshold, s.cooldown)
		s.breakers[name] = b
	}
	return b
}

// Reset closes the named breaker. Unknown names are a no-op.
func (s *BreakerSet) Reset(name string) {
	s.mu.Lock()
	b, ok := s.breakers[name]
	s.mu.Unlock()
	if ok {
		b.Reset()
	}
}

// States snapshots all breaker states keyed by dependency name.
func (s *BreakerSet) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.State()
	}
	return out
}
