// Package retry holds the backoff and dead-letter policy for failed
// deliveries. The policy is a pure function of (attempt, failure class):
// it touches neither the store nor the network, so it is testable in
// isolation and safe to evaluate anywhere in the worker.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Class is the delivery failure classification the policy decides on.
type Class int

const (
	// Success: the destination accepted the delivery.
	Success Class = iota
	// Transient: network errors, timeouts, 408/429/5xx. Worth retrying.
	Transient
	// Permanent: 4xx responses the destination will never accept.
	Permanent
)

// Transition is the state the job moves to after an attempt.
type Transition int

const (
	// Complete marks the job completed. Terminal.
	Complete Transition = iota
	// Retry returns the job to available with an advanced scheduled_at.
	Retry
	// Fail dead-letters the job on a permanent failure. Terminal.
	Fail
	// Dead marks attempt exhaustion. Terminal.
	Dead
)

// Decision is the policy outcome the worker writes back to the store.
type Decision struct {
	Transition Transition
	// Delay until the next attempt. Set only for Retry.
	Delay time.Duration
	// Queue to retry into; empty means the job's current queue.
	Queue string
}

// Policy computes the delay before the next attempt and decides when a job
// stops retrying. The zero value is usable: 1s initial interval doubling
// without cap, no jitter, permanent failures dead-letter immediately is off.
type Policy struct {
	// InitialInterval is the backoff before the first retry. Defaults to 1s.
	InitialInterval time.Duration
	// BackoffCoefficient multiplies the interval for every past attempt.
	// Defaults to 2.
	BackoffCoefficient float64
	// MaximumInterval caps the pre-jitter delay. Zero means uncapped.
	MaximumInterval time.Duration
	// JitterFraction f spreads each delay uniformly over [1-f, 1+f] to avoid
	// synchronized re-claim spikes. Must be in [0, 1).
	JitterFraction float64
	// RetryQueue, when set, moves retried jobs to a separate queue.
	RetryQueue string
	// DeadLetterOnPermanent dead-letters permanent failures immediately
	// instead of consuming the remaining attempts.
	DeadLetterOnPermanent bool
}

// NextDelay returns the delay before retrying after the attempt-th try
// (attempt >= 1). preferred is the destination's own request (Retry-After);
// it raises the delay to at least that much, still subject to the cap.
// The result is always positive and, before jitter, non-decreasing in attempt.
func (p Policy) NextDelay(attempt int, preferred time.Duration) time.Duration {
	initial := p.InitialInterval
	if initial <= 0 {
		initial = time.Second
	}
	coefficient := p.BackoffCoefficient
	if coefficient < 1 {
		coefficient = 2
	}
	if attempt < 1 {
		attempt = 1
	}

	candidate := time.Duration(float64(initial) * math.Pow(coefficient, float64(attempt-1)))
	if candidate <= 0 { // float overflow on huge attempt counts
		candidate = p.MaximumInterval
		if candidate <= 0 {
			candidate = initial
		}
	}

	switch {
	case preferred > 0 && p.MaximumInterval > 0:
		candidate = min(max(min(candidate, p.MaximumInterval), preferred), p.MaximumInterval)
	case preferred > 0:
		candidate = max(candidate, preferred)
	case p.MaximumInterval > 0:
		candidate = min(candidate, p.MaximumInterval)
	}

	if p.JitterFraction > 0 && p.JitterFraction < 1 {
		factor := 1 + p.JitterFraction*(2*rand.Float64()-1)
		candidate = time.Duration(float64(candidate) * factor)
	}
	if candidate <= 0 {
		candidate = time.Millisecond
	}
	return candidate
}

// Decide maps an attempt outcome to the job's next transition. attempt is the
// number of attempts made so far including the one that just finished.
func (p Policy) Decide(attempt, maxAttempts int, class Class, preferred time.Duration) Decision {
	switch {
	case class == Success:
		return Decision{Transition: Complete}
	case class == Permanent && p.DeadLetterOnPermanent:
		return Decision{Transition: Fail}
	case attempt >= maxAttempts:
		return Decision{Transition: Dead}
	default:
		return Decision{
			Transition: Retry,
			Delay:      p.NextDelay(attempt, preferred),
			Queue:      p.RetryQueue,
		}
	}
}
