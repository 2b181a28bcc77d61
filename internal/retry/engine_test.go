package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chesshelper/mailrelay/internal/domain"
	"github.com/chesshelper/mailrelay/internal/suppression"
	"go.uber.org/zap"
)

type fakeSuppressionStore struct {
	entries map[string]*domain.SuppressionEntry
	getErr  error
	addErr  error
	added   []suppression.AddParams
}

func newFakeSuppressionStore() *fakeSuppressionStore {
	return &fakeSuppressionStore{entries: make(map[string]*domain.SuppressionEntry)}
}

func (f *fakeSuppressionStore) IsSuppressed(ctx context.Context, recipient string) (bool, error) {
	entry, err := f.Get(ctx, recipient)
	return entry != nil, err
}

func (f *fakeSuppressionStore) Get(_ context.Context, recipient string) (*domain.SuppressionEntry, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.entries[recipient], nil
}

func (f *fakeSuppressionStore) Add(_ context.Context, params suppression.AddParams) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, params)
	f.entries[params.Recipient] = &domain.SuppressionEntry{
		Recipient: params.Recipient,
		Reason:    params.Reason,
	}
	return nil
}

func (f *fakeSuppressionStore) Remove(_ context.Context, recipient string) error {
	delete(f.entries, recipient)
	return nil
}

func (f *fakeSuppressionStore) PurgeExpired(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func newTestEngine(t *testing.T, store suppression.Store) *Engine {
	t.Helper()

	policy := domain.DefaultRetryPolicy()
	policy.UseJitter = false

	engine, err := NewEngine(store, NewBackoff(), policy, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	engine.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return engine
}

func TestEngineDecideSuppressedRecipient(t *testing.T) {
	t.Parallel()

	store := newFakeSuppressionStore()
	store.entries["banned@example.com"] = &domain.SuppressionEntry{
		Recipient: "banned@example.com",
		Reason:    domain.SuppressionSpamComplaint,
	}

	engine := newTestEngine(t, store)
	decision := engine.Decide(context.Background(), DecisionContext{
		JobID:     "j1",
		Recipient: "banned@example.com",
		Priority:  domain.PriorityMedium,
		Failure:   Failure{StatusCode: 503},
	})

	if decision.Retry {
		t.Fatal("suppressed recipient must not retry")
	}
	if decision.DeadLetter {
		t.Fatal("suppressed recipient must not dead-letter, already excluded")
	}
	if decision.Reason != "recipient suppressed" {
		t.Fatalf("reason = %q", decision.Reason)
	}
}

func TestEngineDecideRateLimitRetry(t *testing.T) {
	t.Parallel()

	store := newFakeSuppressionStore()
	engine := newTestEngine(t, store)
	engine.policy.BaseDelay = time.Second
	engine.policy.BackoffMultiplier = 2

	decision := engine.Decide(context.Background(), DecisionContext{
		JobID:      "j2",
		Recipient:  "fan@example.com",
		Priority:   domain.PriorityMedium,
		RetryCount: 1,
		Failure:    Failure{StatusCode: 429},
	})

	if !decision.Retry {
		t.Fatalf("want retry, got %+v", decision)
	}
	if decision.FailureKind != domain.FailureRateLimit {
		t.Fatalf("failure kind = %s, want rate_limit", decision.FailureKind)
	}
	if decision.Delay < time.Second || decision.Delay > engine.policy.RateLimitMaxDelay {
		t.Fatalf("delay = %s, want within [1s, %s]", decision.Delay, engine.policy.RateLimitMaxDelay)
	}
	if decision.NextRetryAt.IsZero() {
		t.Fatal("nextRetryAt must be set")
	}
}

func TestEngineDecideHardBounceSuppresses(t *testing.T) {
	t.Parallel()

	store := newFakeSuppressionStore()
	engine := newTestEngine(t, store)

	decision := engine.Decide(context.Background(), DecisionContext{
		JobID:     "j3",
		Recipient: "gone@example.com",
		Priority:  domain.PriorityMedium,
		Failure:   Failure{Message: "hard bounce from remote MTA"},
	})

	if decision.Retry {
		t.Fatal("hard bounce must not retry")
	}
	if !decision.Suppress {
		t.Fatal("hard bounce must suppress")
	}
	if decision.SuppressReason != domain.SuppressionHardBounce {
		t.Fatalf("suppress reason = %s, want hard_bounce", decision.SuppressReason)
	}
	if len(store.added) != 1 {
		t.Fatalf("suppression writes = %d, want 1", len(store.added))
	}
	if !store.added[0].Permanent {
		t.Fatal("hard bounce suppression should be permanent")
	}
	if store.added[0].SourceJobID != "j3" {
		t.Fatalf("source job id = %q, want j3", store.added[0].SourceJobID)
	}
}

func TestEngineDecidePermanentSuppressesTimeBoxed(t *testing.T) {
	t.Parallel()

	store := newFakeSuppressionStore()
	engine := newTestEngine(t, store)

	decision := engine.Decide(context.Background(), DecisionContext{
		JobID:     "j4",
		Recipient: "fan@example.com",
		Priority:  domain.PriorityMedium,
		Failure:   Failure{StatusCode: 410},
	})

	if decision.Retry {
		t.Fatal("permanent failure must not retry")
	}
	if !decision.Suppress {
		t.Fatal("generic permanent kind must suppress")
	}
	if decision.SuppressReason != domain.SuppressionReputationRisk {
		t.Fatalf("suppress reason = %s, want reputation_risk", decision.SuppressReason)
	}
	if len(store.added) != 1 {
		t.Fatalf("suppression writes = %d, want 1", len(store.added))
	}
	if store.added[0].Permanent {
		t.Fatal("reputation risk suppression must be time-boxed, not permanent")
	}
	if store.added[0].TTL != 30*24*time.Hour {
		t.Fatalf("suppression ttl = %s, want 30 days", store.added[0].TTL)
	}
}

func TestEngineDecideNonRetryableWithoutSuppressionDeadLetters(t *testing.T) {
	t.Parallel()

	store := newFakeSuppressionStore()
	engine := newTestEngine(t, store)
	engine.policy.NonRetryable[domain.FailureAuthFailure] = true

	decision := engine.Decide(context.Background(), DecisionContext{
		JobID:     "j4b",
		Recipient: "fan@example.com",
		Priority:  domain.PriorityMedium,
		Failure:   Failure{StatusCode: 401},
	})

	if decision.Retry {
		t.Fatal("policy non-retryable kind must not retry")
	}
	if decision.Suppress {
		t.Fatal("auth failures indict the sender, not the recipient")
	}
	if !decision.DeadLetter || decision.DeadLetterReason != DeadLetterNonRetryable {
		t.Fatalf("want dead-letter %s, got %+v", DeadLetterNonRetryable, decision)
	}
	if len(store.added) != 0 {
		t.Fatal("no suppression entry should be written")
	}
}

func TestEngineDecideAttemptsExhausted(t *testing.T) {
	t.Parallel()

	store := newFakeSuppressionStore()
	engine := newTestEngine(t, store)

	decision := engine.Decide(context.Background(), DecisionContext{
		JobID:      "j5",
		Recipient:  "fan@example.com",
		Priority:   domain.PriorityMedium,
		RetryCount: engine.policy.MaxRetries,
		Failure:    Failure{StatusCode: 503},
	})

	if decision.Retry {
		t.Fatal("exhausted job must not retry")
	}
	if !decision.DeadLetter || decision.DeadLetterReason != DeadLetterAttemptsExhausted {
		t.Fatalf("want dead-letter %s, got %+v", DeadLetterAttemptsExhausted, decision)
	}
	if decision.Suppress {
		t.Fatal("retryable failure kind must not suppress on exhaustion")
	}
	if len(store.added) != 0 {
		t.Fatal("no suppression entry should be written")
	}
}

func TestEngineDecideRecipientThreshold(t *testing.T) {
	t.Parallel()

	store := newFakeSuppressionStore()
	engine := newTestEngine(t, store)

	decision := engine.Decide(context.Background(), DecisionContext{
		JobID:             "j6",
		Recipient:         "flaky@example.com",
		Priority:          domain.PriorityMedium,
		RetryCount:        1,
		RecipientFailures: int64(engine.policy.DeadLetterThreshold),
		Failure:           Failure{StatusCode: 503},
	})

	if decision.Retry {
		t.Fatal("recipient over threshold must not retry")
	}
	if !decision.DeadLetter || decision.DeadLetterReason != DeadLetterThresholdExceeded {
		t.Fatalf("want dead-letter %s, got %+v", DeadLetterThresholdExceeded, decision)
	}
}

func TestEngineDecidePriorityOverrideApplies(t *testing.T) {
	t.Parallel()

	store := newFakeSuppressionStore()
	engine := newTestEngine(t, store)

	// Low priority override caps retries at 3 in the default policy.
	decision := engine.Decide(context.Background(), DecisionContext{
		JobID:      "j7",
		Recipient:  "fan@example.com",
		Priority:   domain.PriorityLow,
		RetryCount: 3,
		Failure:    Failure{StatusCode: 503},
	})

	if decision.Retry {
		t.Fatal("low priority job at override max must not retry")
	}
	if decision.DeadLetterReason != DeadLetterAttemptsExhausted {
		t.Fatalf("dead-letter reason = %q, want %s", decision.DeadLetterReason, DeadLetterAttemptsExhausted)
	}
}

func TestEngineDecideStorageErrorFlagsManualReview(t *testing.T) {
	t.Parallel()

	store := newFakeSuppressionStore()
	store.getErr = errors.New("connection refused")
	engine := newTestEngine(t, store)

	decision := engine.Decide(context.Background(), DecisionContext{
		JobID:     "j8",
		Recipient: "fan@example.com",
		Priority:  domain.PriorityMedium,
		Failure:   Failure{StatusCode: 503},
	})

	if decision.Retry {
		t.Fatal("engine-internal error must not retry")
	}
	if !decision.ManualReview {
		t.Fatal("engine-internal error must flag manual review")
	}
}

func TestEngineDecideSuppressionWriteFailure(t *testing.T) {
	t.Parallel()

	store := newFakeSuppressionStore()
	store.addErr = errors.New("write failed")
	engine := newTestEngine(t, store)

	decision := engine.Decide(context.Background(), DecisionContext{
		JobID:     "j9",
		Recipient: "gone@example.com",
		Priority:  domain.PriorityMedium,
		Failure:   Failure{ProviderCode: "5.1.1"},
	})

	if decision.Retry {
		t.Fatal("must not retry when suppression write fails")
	}
	if !decision.ManualReview {
		t.Fatal("failed suppression write must flag manual review")
	}
}
