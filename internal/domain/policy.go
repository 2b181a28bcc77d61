package domain

import (
	"fmt"
	"time"
)

// DefaultPolicyName is the policy seeded at service start when storage holds
// no policy yet.
const DefaultPolicyName = "default"

// PolicyOverride adjusts retry knobs for a single priority level. Zero values
// mean "inherit from the base policy".
type PolicyOverride struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// RetryPolicy is the immutable configuration a processing cycle runs under.
// It is loaded once and passed explicitly, never mutated in place.
type RetryPolicy struct {
	ID                  string
	Name                string
	MaxRetries          int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	BackoffMultiplier   float64
	UseJitter           bool
	NonRetryable        map[FailureKind]bool
	PriorityOverrides   map[Priority]PolicyOverride
	RateLimitBaseDelay  time.Duration
	RateLimitMaxDelay   time.Duration
	DeadLetterThreshold int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// EffectivePolicy is the base policy merged with the override for one
// priority level.
type EffectivePolicy struct {
	MaxRetries          int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	BackoffMultiplier   float64
	UseJitter           bool
	NonRetryable        map[FailureKind]bool
	RateLimitBaseDelay  time.Duration
	RateLimitMaxDelay   time.Duration
	DeadLetterThreshold int
}

// Effective resolves the policy for a priority by applying its override.
func (p *RetryPolicy) Effective(priority Priority) EffectivePolicy {
	eff := EffectivePolicy{
		MaxRetries:          p.MaxRetries,
		BaseDelay:           p.BaseDelay,
		MaxDelay:            p.MaxDelay,
		BackoffMultiplier:   p.BackoffMultiplier,
		UseJitter:           p.UseJitter,
		NonRetryable:        p.NonRetryable,
		RateLimitBaseDelay:  p.RateLimitBaseDelay,
		RateLimitMaxDelay:   p.RateLimitMaxDelay,
		DeadLetterThreshold: p.DeadLetterThreshold,
	}

	override, ok := p.PriorityOverrides[priority]
	if !ok {
		return eff
	}
	if override.MaxRetries > 0 {
		eff.MaxRetries = override.MaxRetries
	}
	if override.BaseDelay > 0 {
		eff.BaseDelay = override.BaseDelay
	}
	if override.MaxDelay > 0 {
		eff.MaxDelay = override.MaxDelay
	}
	return eff
}

func (p *RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must be >= 0", ErrValidation)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("%w: baseDelay must be positive", ErrValidation)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("%w: maxDelay must be >= baseDelay", ErrValidation)
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: backoffMultiplier must be >= 1", ErrValidation)
	}
	if p.DeadLetterThreshold <= 0 {
		return fmt.Errorf("%w: deadLetterThreshold must be positive", ErrValidation)
	}
	for kind := range p.NonRetryable {
		if !kind.IsValid() {
			return fmt.Errorf("%w: invalid non-retryable failure kind %q", ErrValidation, kind)
		}
	}
	return nil
}

// DefaultRetryPolicy returns the policy seeded when none is persisted.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		Name:              DefaultPolicyName,
		MaxRetries:        5,
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Minute,
		BackoffMultiplier: 2,
		UseJitter:         true,
		NonRetryable: map[FailureKind]bool{
			FailureBouncedHard:   true,
			FailureSpamComplaint: true,
			FailureInvalidEmail:  true,
			FailurePermanent:     true,
		},
		PriorityOverrides: map[Priority]PolicyOverride{
			PriorityHigh: {MaxRetries: 7, BaseDelay: 500 * time.Millisecond},
			PriorityLow:  {MaxRetries: 3, MaxDelay: 30 * time.Minute},
		},
		RateLimitBaseDelay:  30 * time.Second,
		RateLimitMaxDelay:   time.Hour,
		DeadLetterThreshold: 10,
	}
}
