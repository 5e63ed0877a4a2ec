// Package circuitbreaker gates the mesh path: after a run of mesh transfer
// failures the breaker opens and fetches go straight to the CDN until a
// cooldown passes, avoiding repeated doomed peer races during mesh churn.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the breaker state.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // mesh path suppressed
	StateHalfOpen              // probing whether the mesh recovered
)

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

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes before closing
	Cooldown         time.Duration // open duration before probing
}

// DefaultConfig returns thresholds tuned for per-chunk mesh attempts.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 4,
		SuccessThreshold: 2,
		Cooldown:         20 * time.Second,
	}
}

// Breaker is a consecutive-failure circuit breaker with an Allow/Record
// interface, suited to code paths that race several attempts rather than
// wrapping a single call.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time

	onStateChange func(from, to State)
}

func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: StateClosed}
}

// OnStateChange registers a callback invoked on every transition. Called
// with the breaker's lock held; keep it cheap.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow reports whether an attempt may proceed, transitioning open to
// half-open once the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.Cooldown {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	}
	return false
}

// RecordSuccess notes a successful mesh transfer.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

// RecordFailure notes a failed mesh transfer; a half-open failure reopens
// immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.transition(StateOpen)
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.cfg.FailureThreshold {
		b.transition(StateOpen)
	}
}

// CurrentState returns the momentary state.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successes = 0
	if to == StateOpen {
		b.failures = 0
		b.openedAt = time.Now()
	}
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
