// Package resilience provides a three-state circuit breaker used to guard
// calls to flaky external dependencies such as webhook destinations and
// remote recognisers. A tripped breaker fails fast instead of letting slow
// or dead endpoints stall the pipeline.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] when the breaker has tripped and the
// reset timeout has not yet elapsed.
var ErrOpen = errors.New("resilience: circuit open")

// State is the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls immediately with [ErrOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through; their
	// outcome decides whether the breaker closes or re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults.
const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
	defaultHalfOpenMax  = 3
)

// Option is a functional option for Breaker.
type Option func(*Breaker)

// WithMaxFailures sets how many consecutive failures trip the breaker.
func WithMaxFailures(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.maxFailures = n
		}
	}
}

// WithResetTimeout sets how long the breaker stays open before probing.
func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.resetTimeout = d
		}
	}
}

// WithHalfOpenMax sets the probe budget of the half-open state.
func WithHalfOpenMax(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.halfOpenMax = n
		}
	}
}

// WithLogger sets the breaker logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(b *Breaker) { b.log = log }
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	log          *slog.Logger

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	halfOpenCalls int
	halfOpenFails int
}

// NewBreaker builds a closed Breaker. The name labels log messages.
func NewBreaker(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:         name,
		maxFailures:  defaultMaxFailures,
		resetTimeout: defaultResetTimeout,
		halfOpenMax:  defaultHalfOpenMax,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Do runs fn if the breaker allows it. In the open state it returns [ErrOpen]
// without calling fn; in the half-open state only the probe budget gets
// through.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) < b.resetTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.halfOpenCalls = 0
		b.halfOpenFails = 0
		b.log.Info("circuit probing after reset timeout", "name", b.name)

	case StateHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMax {
			b.mu.Unlock()
			return ErrOpen
		}
	}
	probing := b.state == StateHalfOpen
	if probing {
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probing bool) {
	b.lastFailure = time.Now()

	if probing {
		// One failed probe re-opens immediately.
		b.halfOpenFails++
		b.state = StateOpen
		b.failures = b.maxFailures
		b.log.Warn("circuit re-opened, probe failed", "name", b.name)
		return
	}

	b.failures++
	if b.failures >= b.maxFailures {
		b.state = StateOpen
		b.log.Warn("circuit opened", "name", b.name, "consecutive_failures", b.failures)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.halfOpenCalls-b.halfOpenFails >= b.halfOpenMax {
			b.state = StateClosed
			b.failures = 0
			b.halfOpenCalls = 0
			b.halfOpenFails = 0
			b.log.Info("circuit closed after successful probes", "name", b.name)
		}
		return
	}
	b.failures = 0
}

// State returns the breaker's current state. An open breaker whose reset
// timeout has elapsed reports half-open; the transition itself happens on
// the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFailure) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.halfOpenCalls = 0
	b.halfOpenFails = 0
	b.log.Info("circuit manually reset", "name", b.name)
}
