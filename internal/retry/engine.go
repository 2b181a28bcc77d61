package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/chesshelper/mailrelay/internal/domain"
	"github.com/chesshelper/mailrelay/internal/suppression"
	"go.uber.org/zap"
)

// Dead-letter reasons stamped on jobs that stop retrying.
const (
	DeadLetterNonRetryable      = "non_retryable_failure"
	DeadLetterAttemptsExhausted = "attempts_exhausted"
	DeadLetterThresholdExceeded = "recipient_threshold_exceeded"
	DeadLetterBackoffCeiling    = "backoff_ceiling_reached"
	DeadLetterManualReview      = "manual_review"
)

// Suppression TTL applied to time-boxed bans; permanent reasons ignore it.
const reputationSuppressionTTL = 30 * 24 * time.Hour

// DecisionContext carries everything the engine needs to decide one failed
// attempt: who the mail was for, how often it has failed, and what just went
// wrong.
type DecisionContext struct {
	JobID             string
	Recipient         string
	Priority          domain.Priority
	RetryCount        int
	RecipientFailures int64
	Failure           Failure
}

// Decision is the engine's verdict for a single failed attempt.
type Decision struct {
	Retry            bool
	Delay            time.Duration
	NextRetryAt      time.Time
	FailureKind      domain.FailureKind
	Suppress         bool
	SuppressReason   domain.SuppressionReason
	DeadLetter       bool
	DeadLetterReason string
	ManualReview     bool
	Reason           string
}

// Engine combines the classifier, the backoff calculator and the suppression
// store into one retry / suppress / dead-letter decision.
type Engine struct {
	suppressions suppression.Store
	backoff      *Backoff
	policy       *domain.RetryPolicy
	logger       *zap.Logger
	now          func() time.Time
}

func NewEngine(
	suppressions suppression.Store,
	backoff *Backoff,
	policy *domain.RetryPolicy,
	logger *zap.Logger,
) (*Engine, error) {
	if suppressions == nil {
		return nil, fmt.Errorf("suppression store is required")
	}
	if backoff == nil {
		backoff = NewBackoff()
	}
	if policy == nil {
		return nil, fmt.Errorf("retry policy is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		suppressions: suppressions,
		backoff:      backoff,
		policy:       policy,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Decide never returns an error to the caller: infrastructure failures inside
// the engine degrade to a conservative do-not-retry decision flagged for
// manual review instead of looping indefinitely.
func (e *Engine) Decide(ctx context.Context, dc DecisionContext) Decision {
	entry, err := e.suppressions.Get(ctx, dc.Recipient)
	if err != nil {
		e.logger.Error("suppression lookup failed, flagging for manual review",
			zap.String("jobId", dc.JobID),
			zap.Error(err),
		)
		return Decision{
			Retry:            false,
			FailureKind:      domain.FailureUnknown,
			ManualReview:     true,
			DeadLetter:       true,
			DeadLetterReason: DeadLetterManualReview,
			Reason:           "suppression store unavailable",
		}
	}
	if entry != nil {
		return Decision{
			Retry:       false,
			FailureKind: Classify(dc.Failure),
			Reason:      "recipient suppressed",
		}
	}

	kind := Classify(dc.Failure)
	eff := e.policy.Effective(dc.Priority)

	if eff.NonRetryable[kind] {
		return e.nonRetryable(ctx, dc, kind)
	}

	if dc.RetryCount >= eff.MaxRetries {
		return Decision{
			Retry:            false,
			FailureKind:      kind,
			DeadLetter:       true,
			DeadLetterReason: DeadLetterAttemptsExhausted,
			Reason:           fmt.Sprintf("retry count %d reached policy max %d", dc.RetryCount, eff.MaxRetries),
		}
	}

	if eff.DeadLetterThreshold > 0 && dc.RecipientFailures >= int64(eff.DeadLetterThreshold) {
		return Decision{
			Retry:            false,
			FailureKind:      kind,
			DeadLetter:       true,
			DeadLetterReason: DeadLetterThresholdExceeded,
			Reason:           fmt.Sprintf("recipient accumulated %d failures, threshold %d", dc.RecipientFailures, eff.DeadLetterThreshold),
		}
	}

	attempt := dc.RetryCount + 1
	var delay time.Duration
	var allowed bool
	if kind == domain.FailureRateLimit {
		delay, allowed = e.backoff.RateLimitDelay(attempt, eff)
	} else {
		delay, allowed = e.backoff.Delay(attempt, eff)
	}
	if !allowed {
		return Decision{
			Retry:            false,
			FailureKind:      kind,
			DeadLetter:       true,
			DeadLetterReason: DeadLetterBackoffCeiling,
			Reason:           "backoff calculator refused further attempts",
		}
	}

	return Decision{
		Retry:       true,
		Delay:       delay,
		NextRetryAt: e.now().Add(delay),
		FailureKind: kind,
		Reason:      fmt.Sprintf("transient %s, attempt %d", kind, attempt),
	}
}

// nonRetryable resolves whether a permanently failed attempt suppresses the
// recipient or dead-letters the job. Hard bounces, complaints and invalid
// addresses suppress permanently; the generic permanent kind suppresses
// time-boxed as a reputation risk. Kinds a policy marks non-retryable without
// a suppression mapping dead-letter instead.
func (e *Engine) nonRetryable(ctx context.Context, dc DecisionContext, kind domain.FailureKind) Decision {
	reason, shouldSuppress := kind.SuppressionReason()
	if !shouldSuppress {
		return Decision{
			Retry:            false,
			FailureKind:      kind,
			DeadLetter:       true,
			DeadLetterReason: DeadLetterNonRetryable,
			Reason:           fmt.Sprintf("non-retryable failure kind %s", kind),
		}
	}

	params := suppression.AddParams{
		Recipient:   dc.Recipient,
		Reason:      reason,
		SourceJobID: dc.JobID,
		FailureKind: kind,
		Permanent:   reason != domain.SuppressionReputationRisk,
		TTL:         reputationSuppressionTTL,
	}
	if err := e.suppressions.Add(ctx, params); err != nil {
		e.logger.Error("failed to write suppression entry, flagging for manual review",
			zap.String("jobId", dc.JobID),
			zap.Error(err),
		)
		return Decision{
			Retry:            false,
			FailureKind:      kind,
			ManualReview:     true,
			DeadLetter:       true,
			DeadLetterReason: DeadLetterManualReview,
			Reason:           "suppression write failed",
		}
	}

	return Decision{
		Retry:          false,
		FailureKind:    kind,
		Suppress:       true,
		SuppressReason: reason,
		Reason:         fmt.Sprintf("recipient suppressed after %s", kind),
	}
}
