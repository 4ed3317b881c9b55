// Package resilience provides the circuit breaker guarding the upstream
// agent service: after repeated connection failures the relay stops
// hammering upstream and fails turns fast until a probe succeeds.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker refuses traffic.
var ErrOpen = errors.New("circuit breaker open")

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures the breaker.
type Settings struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker. Defaults to 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before allowing a
	// probe. Defaults to 30s.
	Cooldown time.Duration

	// OnStateChange is called on every transition. Optional.
	OnStateChange func(from, to State)
}

// Breaker is a minimal consecutive-failure circuit breaker. Safe for
// concurrent use.
type Breaker struct {
	settings Settings

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a breaker with defaults filled in.
func New(settings Settings) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	return &Breaker{settings: settings}
}

// Do runs fn if the breaker admits it, recording the outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

// State reports the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveState()
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.effectiveState() {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.probing {
			// One probe at a time while half-open.
			return ErrOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.effectiveState()
	b.probing = false

	if success {
		b.failures = 0
		if state != StateClosed {
			b.transition(state, StateClosed)
		}
		return
	}

	b.failures++
	switch state {
	case StateClosed:
		if b.failures >= b.settings.FailureThreshold {
			b.openedAt = time.Now()
			b.transition(StateClosed, StateOpen)
		}
	case StateHalfOpen:
		b.openedAt = time.Now()
		b.transition(StateHalfOpen, StateOpen)
	}
}

// effectiveState folds cooldown expiry into the stored state. Caller
// holds the lock.
func (b *Breaker) effectiveState() State {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.settings.Cooldown {
		b.transition(StateOpen, StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) transition(from, to State) {
	b.state = to
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(from, to)
	}
}
