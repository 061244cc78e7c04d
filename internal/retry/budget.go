// Package retry implements the retry budget shared by the link and session
// managers: exponential backoff from a base interval, doubled after each
// consecutive failure up to a capped ceiling, and reset to zero on the
// first success.
//
// A Budget never gives up. Once the delay reaches the ceiling it keeps
// granting attempts on the ceiling cadence forever; callers use
// [Budget.AtCeiling] to report that they are in that degraded mode.
//
// Budgets are not safe for concurrent use. Each one is owned by the single
// goroutine driving its manager.
package retry

import (
	"time"

	"github.com/cenkalti/backoff"
)

// Policy controls the exponential backoff schedule.
type Policy struct {
	// Base is the delay after the first failure (default: 1s).
	Base time.Duration

	// Max is the ceiling for backoff growth (default: 60s).
	Max time.Duration

	// Multiplier scales the delay after each failure (default: 2.0).
	Multiplier float64
}

// DefaultPolicy returns the 1s, 2s, 4s, ... 60s (capped) schedule.
func DefaultPolicy() Policy {
	return Policy{
		Base:       time.Second,
		Max:        60 * time.Second,
		Multiplier: 2.0,
	}
}

// withDefaults replaces zero-value fields with their defaults.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// Budget tracks consecutive failures and the earliest time the next
// attempt is permitted.
type Budget struct {
	policy   Policy
	schedule *backoff.ExponentialBackOff

	failures     int
	delay        time.Duration
	nextEligible time.Time
}

// NewBudget creates a Budget with a fresh schedule. Zero-value policy
// fields are replaced with defaults.
func NewBudget(p Policy) *Budget {
	p = p.withDefaults()

	// No jitter and no elapsed-time limit: the schedule is monotonic and
	// never stops.
	schedule := &backoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.Max,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	schedule.Reset()

	return &Budget{policy: p, schedule: schedule}
}

// Policy returns the effective policy after defaults were applied.
func (b *Budget) Policy() Policy {
	return b.policy
}

// Permits reports whether an attempt may start at now.
func (b *Budget) Permits(now time.Time) bool {
	return !now.Before(b.nextEligible)
}

// Fail records a failed attempt at now and returns the delay until the
// next attempt is permitted. Delays never decrease between successes.
func (b *Budget) Fail(now time.Time) time.Duration {
	d := b.schedule.NextBackOff()
	if d < b.delay {
		d = b.delay
	}
	if d > b.policy.Max {
		d = b.policy.Max
	}

	b.failures++
	b.delay = d
	b.nextEligible = now.Add(d)
	return d
}

// Succeed resets the budget: the next failure starts again at Base.
func (b *Budget) Succeed() {
	b.failures = 0
	b.delay = 0
	b.nextEligible = time.Time{}
	b.schedule.Reset()
}

// Failures returns the number of consecutive failures since the last success.
func (b *Budget) Failures() int {
	return b.failures
}

// Delay returns the delay applied after the most recent failure, or zero
// after a success.
func (b *Budget) Delay() time.Duration {
	return b.delay
}

// NextEligible returns the earliest time the next attempt is permitted.
func (b *Budget) NextEligible() time.Time {
	return b.nextEligible
}

// AtCeiling reports whether the delay has grown to the policy maximum.
func (b *Budget) AtCeiling() bool {
	return b.failures > 0 && b.delay >= b.policy.Max
}
