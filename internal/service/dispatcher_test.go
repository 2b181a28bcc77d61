package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chesshelper/mailrelay/internal/domain"
	"github.com/chesshelper/mailrelay/internal/observability"
	"github.com/chesshelper/mailrelay/internal/provider"
	"github.com/chesshelper/mailrelay/internal/retry"
	"github.com/chesshelper/mailrelay/internal/suppression"
)

func newTestEngine(t *testing.T, store suppression.Store) *retry.Engine {
	t.Helper()
	engine, err := retry.NewEngine(store, retry.NewBackoff(), domain.DefaultRetryPolicy(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return engine
}

func claimedJob(id string) domain.EmailJob {
	return domain.EmailJob{
		ID:           id,
		OwnerID:      "owner-1",
		Recipient:    "player@example.com",
		TemplateKind: domain.TemplateLiveMatch,
		Subject:      "subject",
		BodyHTML:     "<p>body</p>",
		Priority:     domain.PriorityMedium,
		Status:       domain.StatusProcessing,
		MaxRetries:   5,
	}
}

func TestDispatcherProcessCycleSuccess(t *testing.T) {
	t.Parallel()

	var completedID, completedMsgID string
	jobs := &fakeJobRepo{
		claimBatchFn: func(ctx context.Context, limit int, now time.Time) ([]domain.EmailJob, error) {
			return []domain.EmailJob{claimedJob("job-1")}, nil
		},
		completeSentFn: func(ctx context.Context, id string, providerMessageID string, at time.Time) error {
			completedID = id
			completedMsgID = providerMessageID
			return nil
		},
	}
	attempts := &fakeAttemptRepo{}
	batches := &fakeBatchRepo{}
	store := &fakeSuppressionStore{}
	sender := &fakeProvider{
		sendFn: func(ctx context.Context, msg provider.Message) (*provider.SendResult, error) {
			if msg.To != "player@example.com" {
				t.Errorf("send to = %q, want player@example.com", msg.To)
			}
			return &provider.SendResult{StatusCode: 200, MessageID: "provider-123"}, nil
		},
	}

	d, err := NewDispatcher(jobs, attempts, batches, store, newTestEngine(t, store), sender,
		observability.NewMetrics(), zap.NewNop(), DispatcherConfig{})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	if err := d.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle() error = %v", err)
	}

	if completedID != "job-1" {
		t.Errorf("completed job = %q, want job-1", completedID)
	}
	if completedMsgID != "provider-123" {
		t.Errorf("provider message id = %q, want provider-123", completedMsgID)
	}
	if len(attempts.attempts) != 1 {
		t.Fatalf("attempts recorded = %d, want 1", len(attempts.attempts))
	}
	if attempts.attempts[0].FailureKind != nil {
		t.Error("successful attempt should have no failure kind")
	}
	if len(batches.finished) != 1 {
		t.Errorf("batches finished = %d, want 1", len(batches.finished))
	}
}

func TestDispatcherTransientFailureReschedules(t *testing.T) {
	t.Parallel()

	var nextRetryAt time.Time
	var rescheduledID string
	jobs := &fakeJobRepo{
		claimBatchFn: func(ctx context.Context, limit int, now time.Time) ([]domain.EmailJob, error) {
			return []domain.EmailJob{claimedJob("job-1")}, nil
		},
		rescheduleRetryFn: func(ctx context.Context, id string, at time.Time, lastError string) error {
			rescheduledID = id
			nextRetryAt = at
			return nil
		},
		markFailedFn: func(ctx context.Context, id string, lastError string, deadLetterReason *string, at time.Time) error {
			t.Errorf("MarkFailed should not be called for a transient failure")
			return nil
		},
	}
	attempts := &fakeAttemptRepo{}
	store := &fakeSuppressionStore{}
	sender := &fakeProvider{
		sendFn: func(ctx context.Context, msg provider.Message) (*provider.SendResult, error) {
			return nil, &provider.ProviderError{StatusCode: 503, Message: "service unavailable", Transient: true}
		},
	}

	d, err := NewDispatcher(jobs, attempts, &fakeBatchRepo{}, store, newTestEngine(t, store), sender,
		observability.NewMetrics(), zap.NewNop(), DispatcherConfig{})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	if err := d.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle() error = %v", err)
	}

	if rescheduledID != "job-1" {
		t.Fatalf("rescheduled job = %q, want job-1", rescheduledID)
	}
	if nextRetryAt.IsZero() || !nextRetryAt.After(time.Now().Add(-time.Second)) {
		t.Errorf("nextRetryAt = %v, want a future timestamp", nextRetryAt)
	}
	if len(attempts.attempts) != 1 {
		t.Fatalf("attempts recorded = %d, want 1", len(attempts.attempts))
	}
	if !attempts.attempts[0].RetryScheduled {
		t.Error("attempt should record that a retry was scheduled")
	}
	if attempts.attempts[0].FailureKind == nil || *attempts.attempts[0].FailureKind != domain.FailureServiceUnavailable {
		t.Errorf("attempt failure kind = %v, want service_unavailable", attempts.attempts[0].FailureKind)
	}
}

func TestDispatcherHardBounceSuppressesAndFails(t *testing.T) {
	t.Parallel()

	var failedID string
	jobs := &fakeJobRepo{
		claimBatchFn: func(ctx context.Context, limit int, now time.Time) ([]domain.EmailJob, error) {
			return []domain.EmailJob{claimedJob("job-1")}, nil
		},
		markFailedFn: func(ctx context.Context, id string, lastError string, deadLetterReason *string, at time.Time) error {
			failedID = id
			if deadLetterReason != nil {
				t.Errorf("suppression outcome should not dead-letter, got reason %q", *deadLetterReason)
			}
			return nil
		},
	}
	store := &fakeSuppressionStore{}
	sender := &fakeProvider{
		sendFn: func(ctx context.Context, msg provider.Message) (*provider.SendResult, error) {
			return nil, &provider.ProviderError{StatusCode: 400, Code: "hard_bounce", Message: "hard bounce"}
		},
	}

	d, err := NewDispatcher(jobs, &fakeAttemptRepo{}, &fakeBatchRepo{}, store, newTestEngine(t, store), sender,
		observability.NewMetrics(), zap.NewNop(), DispatcherConfig{})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	if err := d.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle() error = %v", err)
	}

	if failedID != "job-1" {
		t.Fatalf("failed job = %q, want job-1", failedID)
	}
	if len(store.added) != 1 {
		t.Fatalf("suppressions added = %d, want 1", len(store.added))
	}
	if store.added[0].Recipient != "player@example.com" {
		t.Errorf("suppressed recipient = %q", store.added[0].Recipient)
	}
	if store.added[0].Reason != domain.SuppressionHardBounce {
		t.Errorf("suppression reason = %s, want hard_bounce", store.added[0].Reason)
	}
}

func TestDispatcherSuppressedRecipientNeverSent(t *testing.T) {
	t.Parallel()

	var sendCalled bool
	var failedDetail string
	jobs := &fakeJobRepo{
		claimBatchFn: func(ctx context.Context, limit int, now time.Time) ([]domain.EmailJob, error) {
			return []domain.EmailJob{claimedJob("job-1")}, nil
		},
		markFailedFn: func(ctx context.Context, id string, lastError string, deadLetterReason *string, at time.Time) error {
			failedDetail = lastError
			return nil
		},
	}
	store := &fakeSuppressionStore{
		isSuppressedFn: func(ctx context.Context, recipient string) (bool, error) {
			return true, nil
		},
	}
	sender := &fakeProvider{
		sendFn: func(ctx context.Context, msg provider.Message) (*provider.SendResult, error) {
			sendCalled = true
			return &provider.SendResult{MessageID: "x"}, nil
		},
	}

	d, err := NewDispatcher(jobs, &fakeAttemptRepo{}, &fakeBatchRepo{}, store, newTestEngine(t, store), sender,
		observability.NewMetrics(), zap.NewNop(), DispatcherConfig{})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	if err := d.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle() error = %v", err)
	}

	if sendCalled {
		t.Fatal("provider must never be called for a suppressed recipient")
	}
	if !strings.Contains(failedDetail, "suppressed") {
		t.Errorf("failure detail = %q, want mention of suppression", failedDetail)
	}
}

func TestDispatcherExhaustedRetriesDeadLetters(t *testing.T) {
	t.Parallel()

	var gotReason string
	job := claimedJob("job-1")
	job.RetryCount = 5

	jobs := &fakeJobRepo{
		claimBatchFn: func(ctx context.Context, limit int, now time.Time) ([]domain.EmailJob, error) {
			return []domain.EmailJob{job}, nil
		},
		markFailedFn: func(ctx context.Context, id string, lastError string, deadLetterReason *string, at time.Time) error {
			if deadLetterReason != nil {
				gotReason = *deadLetterReason
			}
			return nil
		},
	}
	store := &fakeSuppressionStore{}
	sender := &fakeProvider{
		sendFn: func(ctx context.Context, msg provider.Message) (*provider.SendResult, error) {
			return nil, &provider.ProviderError{StatusCode: 503, Message: "service unavailable", Transient: true}
		},
	}

	d, err := NewDispatcher(jobs, &fakeAttemptRepo{}, &fakeBatchRepo{}, store, newTestEngine(t, store), sender,
		observability.NewMetrics(), zap.NewNop(), DispatcherConfig{})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	if err := d.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle() error = %v", err)
	}

	if gotReason != retry.DeadLetterAttemptsExhausted {
		t.Errorf("dead letter reason = %q, want %q", gotReason, retry.DeadLetterAttemptsExhausted)
	}
	if len(store.added) != 0 {
		t.Error("exhaustion must not suppress the recipient")
	}
}

func TestDispatcherOneFailureNeverBlocksSiblings(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	completed := map[string]bool{}

	jobA := claimedJob("job-a")
	jobB := claimedJob("job-b")
	jobB.Recipient = "other@example.com"

	jobs := &fakeJobRepo{
		claimBatchFn: func(ctx context.Context, limit int, now time.Time) ([]domain.EmailJob, error) {
			return []domain.EmailJob{jobA, jobB}, nil
		},
		completeSentFn: func(ctx context.Context, id string, providerMessageID string, at time.Time) error {
			mu.Lock()
			defer mu.Unlock()
			completed[id] = true
			return nil
		},
	}
	store := &fakeSuppressionStore{}
	sender := &fakeProvider{
		sendFn: func(ctx context.Context, msg provider.Message) (*provider.SendResult, error) {
			if msg.To == "player@example.com" {
				return nil, errors.New("connection reset")
			}
			return &provider.SendResult{MessageID: "ok"}, nil
		},
	}

	d, err := NewDispatcher(jobs, &fakeAttemptRepo{}, &fakeBatchRepo{}, store, newTestEngine(t, store), sender,
		observability.NewMetrics(), zap.NewNop(), DispatcherConfig{})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	if err := d.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle() error = %v", err)
	}

	if !completed["job-b"] {
		t.Error("job-b should complete despite job-a failing")
	}
	if completed["job-a"] {
		t.Error("job-a should not be marked sent")
	}
}

func TestDispatcherFullyDispatchedBatchCompletes(t *testing.T) {
	t.Parallel()

	var gotStatus domain.BatchStatus
	var gotSucceeded, gotFailed int
	batches := &fakeBatchRepo{
		finishFn: func(ctx context.Context, id string, succeeded, failed int, status domain.BatchStatus, at time.Time) error {
			gotStatus = status
			gotSucceeded = succeeded
			gotFailed = failed
			return nil
		},
	}
	jobs := &fakeJobRepo{
		claimBatchFn: func(ctx context.Context, limit int, now time.Time) ([]domain.EmailJob, error) {
			return []domain.EmailJob{claimedJob("job-1"), claimedJob("job-2")}, nil
		},
	}
	store := &fakeSuppressionStore{}
	sender := &fakeProvider{
		sendFn: func(ctx context.Context, msg provider.Message) (*provider.SendResult, error) {
			return nil, &provider.ProviderError{StatusCode: 503, Message: "service unavailable", Transient: true}
		},
	}

	d, err := NewDispatcher(jobs, &fakeAttemptRepo{}, batches, store, newTestEngine(t, store), sender,
		observability.NewMetrics(), zap.NewNop(), DispatcherConfig{})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	if err := d.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle() error = %v", err)
	}

	if gotStatus != domain.BatchStatusCompleted {
		t.Fatalf("batch status = %s, want completed even when every job failed", gotStatus)
	}
	if gotSucceeded != 0 || gotFailed != 2 {
		t.Errorf("batch counts = (%d, %d), want (0, 2)", gotSucceeded, gotFailed)
	}
}

func TestDispatcherCleanupPurgesExpiredSuppressions(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0).UTC()
	retention := 7 * 24 * time.Hour

	var deleteCutoff time.Time
	jobs := &fakeJobRepo{
		deleteTerminalFn: func(ctx context.Context, cutoff time.Time) (int64, error) {
			deleteCutoff = cutoff
			return 3, nil
		},
	}
	var purgeAt time.Time
	store := &fakeSuppressionStore{
		purgeExpiredFn: func(ctx context.Context, at time.Time) (int64, error) {
			purgeAt = at
			return 2, nil
		},
	}

	d, err := NewDispatcher(jobs, &fakeAttemptRepo{}, &fakeBatchRepo{}, store, newTestEngine(t, store), &fakeProvider{},
		observability.NewMetrics(), zap.NewNop(), DispatcherConfig{Retention: retention})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	d.now = func() time.Time { return now }

	d.cleanupOnce(context.Background())

	if !deleteCutoff.Equal(now.Add(-retention)) {
		t.Errorf("terminal cutoff = %v, want %v", deleteCutoff, now.Add(-retention))
	}
	if !purgeAt.Equal(now) {
		t.Errorf("purge time = %v, want %v", purgeAt, now)
	}
}

func TestDispatcherCleanupJobFailureStillPurgesSuppressions(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobRepo{
		deleteTerminalFn: func(ctx context.Context, cutoff time.Time) (int64, error) {
			return 0, errors.New("deadlock detected")
		},
	}
	var purged bool
	store := &fakeSuppressionStore{
		purgeExpiredFn: func(ctx context.Context, at time.Time) (int64, error) {
			purged = true
			return 0, nil
		},
	}

	d, err := NewDispatcher(jobs, &fakeAttemptRepo{}, &fakeBatchRepo{}, store, newTestEngine(t, store), &fakeProvider{},
		observability.NewMetrics(), zap.NewNop(), DispatcherConfig{})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	d.cleanupOnce(context.Background())

	if !purged {
		t.Fatal("suppression purge must run even when the job cleanup fails")
	}
}

func TestDispatcherSkipsOverlappingCycles(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobRepo{
		claimBatchFn: func(ctx context.Context, limit int, now time.Time) ([]domain.EmailJob, error) {
			t.Error("claim should not run while another cycle is in flight")
			return nil, nil
		},
	}
	store := &fakeSuppressionStore{}

	d, err := NewDispatcher(jobs, &fakeAttemptRepo{}, &fakeBatchRepo{}, store, newTestEngine(t, store), &fakeProvider{},
		observability.NewMetrics(), zap.NewNop(), DispatcherConfig{})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	d.processing.Store(true)
	if err := d.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle() error = %v", err)
	}
}
