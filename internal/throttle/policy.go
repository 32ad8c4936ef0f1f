package throttle

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
	DefaultJitter      = 0.2
)

// Decision is the result of consulting a Policy after a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// GiveUp is the zero Decision.
var GiveUp = Decision{}

// Policy decides whether and when to retry a failed call. It holds no state
// across calls; the attempt number is supplied by the caller.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter adds up to this fraction of the backoff, drawn from Rand.
	Jitter float64
	Rand   func() float64
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// Decide returns what to do after attempt (1-based) failed with kind.
// retryAfter is the server's Retry-After hint, zero when absent.
func (p Policy) Decide(kind Kind, attempt int, retryAfter time.Duration) Decision {
	if !kind.Transient() {
		return GiveUp
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if attempt >= maxAttempts {
		return GiveUp
	}

	// A hint longer than the cap gives up: retrying sooner than the server
	// asked is pointless, and waiting longer would stall the batch.
	if kind == KindRateLimited && retryAfter > 0 {
		if retryAfter > p.maxDelay() {
			return GiveUp
		}
		return Decision{Retry: true, Delay: retryAfter}
	}

	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	backoff := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if p.Jitter > 0 {
		rnd := p.Rand
		if rnd == nil {
			rnd = rand.Float64
		}
		backoff += time.Duration(float64(backoff) * p.Jitter * rnd())
	}
	if backoff > p.maxDelay() {
		backoff = p.maxDelay()
	}
	return Decision{Retry: true, Delay: backoff}
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay > 0 {
		return p.MaxDelay
	}
	return DefaultMaxDelay
}
