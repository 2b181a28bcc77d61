package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/chesshelper/mailrelay/internal/domain"
)

// Backoff maps (attempt count, policy) to a delay. Absent jitter the delay is
// monotonic non-decreasing in the attempt number and capped at the policy's
// maxDelay. The second return value is false once the policy's retry ceiling
// is reached, independent of the decision engine's own ceiling check.
type Backoff struct {
	randFloat func() float64
}

func NewBackoff() *Backoff {
	return &Backoff{randFloat: rand.Float64}
}

// Delay computes the wait before the next attempt. attempt is the number of
// failures already recorded, starting at 1 for the first failure.
func (b *Backoff) Delay(attempt int, policy domain.EffectivePolicy) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if policy.MaxRetries >= 0 && attempt > policy.MaxRetries {
		return 0, false
	}

	return b.compute(attempt, policy.BaseDelay, policy.MaxDelay, policy.BackoffMultiplier, policy.UseJitter), true
}

// RateLimitDelay is Delay with the policy's rate-limit specific bounds, which
// are typically larger than the transient-failure bounds.
func (b *Backoff) RateLimitDelay(attempt int, policy domain.EffectivePolicy) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if policy.MaxRetries >= 0 && attempt > policy.MaxRetries {
		return 0, false
	}

	base := policy.RateLimitBaseDelay
	if base <= 0 {
		base = policy.BaseDelay
	}
	maxDelay := policy.RateLimitMaxDelay
	if maxDelay <= 0 {
		maxDelay = policy.MaxDelay
	}

	return b.compute(attempt, base, maxDelay, policy.BackoffMultiplier, policy.UseJitter), true
}

func (b *Backoff) compute(attempt int, base, maxDelay time.Duration, multiplier float64, jitter bool) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	if multiplier < 1 {
		multiplier = 2
	}

	scaled := float64(base) * math.Pow(multiplier, float64(attempt-1))
	delay := maxDelay
	if scaled < float64(maxDelay) {
		delay = time.Duration(scaled)
	}

	if jitter && b.randFloat != nil {
		delay += time.Duration(b.randFloat() * float64(delay))
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}
