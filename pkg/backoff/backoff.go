// Package backoff provides an explicit backoff policy value shared by the
// signaling poll loop and the CDN loader's retry path.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes bounded exponential backoff. The zero value is not
// usable; construct with the fields set or use a Default.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction of the computed delay randomized away in
	// either direction, e.g. 0.25 for +-25%. Zero disables jitter.
	Jitter float64
}

// Default returns the policy used for CDN retries.
func Default() Policy {
	return Policy{
		Initial:    200 * time.Millisecond,
		Max:        3 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.25,
	}
}

// Delay computes the delay for a zero-based attempt number, capped at Max,
// with jitter applied after the cap.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// State tracks the current interval of a scheduled task, growing on idle
// iterations and resetting on activity. It carries no timers of its own so
// it is testable independent of I/O.
type State struct {
	policy  Policy
	attempt int
}

// NewState returns a State at the policy's floor interval.
func NewState(p Policy) *State {
	return &State{policy: p}
}

// Current returns the interval for the present attempt without advancing.
// Jitter is not applied here; poll scheduling wants determinism.
func (s *State) Current() time.Duration {
	d := float64(s.policy.Initial) * math.Pow(s.policy.Multiplier, float64(s.attempt))
	if d > float64(s.policy.Max) {
		return s.policy.Max
	}
	return time.Duration(d)
}

// Next advances to the following attempt and returns the new interval.
func (s *State) Next() time.Duration {
	if s.Current() < s.policy.Max {
		s.attempt++
	}
	return s.Current()
}

// Reset drops back to the floor interval.
func (s *State) Reset() {
	s.attempt = 0
}

// Attempt returns the zero-based attempt counter.
func (s *State) Attempt() int { return s.attempt }
