package service

import (
	"context"
	"sync"
	"time"

	"github.com/chesshelper/mailrelay/internal/domain"
	"github.com/chesshelper/mailrelay/internal/provider"
	"github.com/chesshelper/mailrelay/internal/repository"
	"github.com/chesshelper/mailrelay/internal/suppression"
	"github.com/chesshelper/mailrelay/internal/template"
)

type fakeJobRepo struct {
	mu sync.Mutex

	createFn              func(ctx context.Context, j *domain.EmailJob) error
	getByIDFn             func(ctx context.Context, id string) (*domain.EmailJob, error)
	getByProviderMsgIDFn  func(ctx context.Context, providerMessageID string) (*domain.EmailJob, error)
	listFn                func(ctx context.Context, params repository.ListParams) ([]domain.EmailJob, int64, error)
	claimBatchFn          func(ctx context.Context, limit int, now time.Time) ([]domain.EmailJob, error)
	completeSentFn        func(ctx context.Context, id string, providerMessageID string, at time.Time) error
	rescheduleRetryFn     func(ctx context.Context, id string, nextAttemptAt time.Time, lastError string) error
	markFailedFn          func(ctx context.Context, id string, lastError string, deadLetterReason *string, at time.Time) error
	cancelFn              func(ctx context.Context, id string, reason string) error
	releaseLeasesFn       func(ctx context.Context, cutoff time.Time) (int64, error)
	markDeliveredByPMIDFn func(ctx context.Context, providerMessageID string, at time.Time) (int64, error)
	markFailedByPMIDFn    func(ctx context.Context, providerMessageID string, detail string) (int64, error)
	statsFn               func(ctx context.Context) (*repository.QueueStats, error)
	deleteTerminalFn      func(ctx context.Context, cutoff time.Time) (int64, error)
}

func (f *fakeJobRepo) Create(ctx context.Context, j *domain.EmailJob) error {
	if f.createFn != nil {
		return f.createFn(ctx, j)
	}
	return nil
}

func (f *fakeJobRepo) GetByID(ctx context.Context, id string) (*domain.EmailJob, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeJobRepo) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.EmailJob, error) {
	if f.getByProviderMsgIDFn != nil {
		return f.getByProviderMsgIDFn(ctx, providerMessageID)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeJobRepo) List(ctx context.Context, params repository.ListParams) ([]domain.EmailJob, int64, error) {
	if f.listFn != nil {
		return f.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (f *fakeJobRepo) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]domain.EmailJob, error) {
	if f.claimBatchFn != nil {
		return f.claimBatchFn(ctx, limit, now)
	}
	return nil, nil
}

func (f *fakeJobRepo) CompleteSent(ctx context.Context, id string, providerMessageID string, at time.Time) error {
	if f.completeSentFn != nil {
		return f.completeSentFn(ctx, id, providerMessageID, at)
	}
	return nil
}

func (f *fakeJobRepo) RescheduleRetry(ctx context.Context, id string, nextAttemptAt time.Time, lastError string) error {
	if f.rescheduleRetryFn != nil {
		return f.rescheduleRetryFn(ctx, id, nextAttemptAt, lastError)
	}
	return nil
}

func (f *fakeJobRepo) MarkFailed(ctx context.Context, id string, lastError string, deadLetterReason *string, at time.Time) error {
	if f.markFailedFn != nil {
		return f.markFailedFn(ctx, id, lastError, deadLetterReason, at)
	}
	return nil
}

func (f *fakeJobRepo) Cancel(ctx context.Context, id string, reason string) error {
	if f.cancelFn != nil {
		return f.cancelFn(ctx, id, reason)
	}
	return nil
}

func (f *fakeJobRepo) ReleaseExpiredLeases(ctx context.Context, cutoff time.Time) (int64, error) {
	if f.releaseLeasesFn != nil {
		return f.releaseLeasesFn(ctx, cutoff)
	}
	return 0, nil
}

func (f *fakeJobRepo) MarkDeliveredByProviderMessageID(ctx context.Context, providerMessageID string, at time.Time) (int64, error) {
	if f.markDeliveredByPMIDFn != nil {
		return f.markDeliveredByPMIDFn(ctx, providerMessageID, at)
	}
	return 1, nil
}

func (f *fakeJobRepo) MarkFailedByProviderMessageID(ctx context.Context, providerMessageID string, detail string) (int64, error) {
	if f.markFailedByPMIDFn != nil {
		return f.markFailedByPMIDFn(ctx, providerMessageID, detail)
	}
	return 1, nil
}

func (f *fakeJobRepo) Stats(ctx context.Context) (*repository.QueueStats, error) {
	if f.statsFn != nil {
		return f.statsFn(ctx)
	}
	return &repository.QueueStats{Counts: map[domain.Status]int64{}}, nil
}

func (f *fakeJobRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if f.deleteTerminalFn != nil {
		return f.deleteTerminalFn(ctx, cutoff)
	}
	return 0, nil
}

type fakeAttemptRepo struct {
	mu       sync.Mutex
	attempts []*domain.DeliveryAttempt

	createFn           func(ctx context.Context, a *domain.DeliveryAttempt) error
	getByJobIDFn       func(ctx context.Context, jobID string) ([]domain.DeliveryAttempt, error)
	countByRecipientFn func(ctx context.Context, recipient string) (int64, error)
}

func (f *fakeAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	if f.createFn != nil {
		return f.createFn(ctx, a)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
	return nil
}

func (f *fakeAttemptRepo) GetByJobID(ctx context.Context, jobID string) ([]domain.DeliveryAttempt, error) {
	if f.getByJobIDFn != nil {
		return f.getByJobIDFn(ctx, jobID)
	}
	return nil, nil
}

func (f *fakeAttemptRepo) CountFailuresByRecipient(ctx context.Context, recipient string) (int64, error) {
	if f.countByRecipientFn != nil {
		return f.countByRecipientFn(ctx, recipient)
	}
	return 0, nil
}

type fakeBatchRepo struct {
	mu       sync.Mutex
	created  []*domain.DispatchBatch
	finished []string

	createFn func(ctx context.Context, b *domain.DispatchBatch) error
	finishFn func(ctx context.Context, id string, succeeded, failed int, status domain.BatchStatus, at time.Time) error
}

func (f *fakeBatchRepo) Create(ctx context.Context, b *domain.DispatchBatch) error {
	if f.createFn != nil {
		return f.createFn(ctx, b)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, b)
	return nil
}

func (f *fakeBatchRepo) GetByID(ctx context.Context, id string) (*domain.DispatchBatch, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeBatchRepo) Finish(ctx context.Context, id string, succeeded, failed int, status domain.BatchStatus, at time.Time) error {
	if f.finishFn != nil {
		return f.finishFn(ctx, id, succeeded, failed, status, at)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, id)
	return nil
}

type fakeEventRepo struct {
	mu   sync.Mutex
	seen map[string]bool

	insertIfAbsentFn func(ctx context.Context, e *domain.DeliveryEvent) (bool, error)
}

func (f *fakeEventRepo) InsertIfAbsent(ctx context.Context, e *domain.DeliveryEvent) (bool, error) {
	if f.insertIfAbsentFn != nil {
		return f.insertIfAbsentFn(ctx, e)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	key := e.ProviderMessageID + "|" + e.EventType.String() + "|" + e.OccurredAt.UTC().String()
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func (f *fakeEventRepo) GetByProviderMessageID(ctx context.Context, providerMessageID string) ([]domain.DeliveryEvent, error) {
	return nil, nil
}

type fakeSuppressionStore struct {
	mu    sync.Mutex
	added []suppression.AddParams

	isSuppressedFn func(ctx context.Context, recipient string) (bool, error)
	getFn          func(ctx context.Context, recipient string) (*domain.SuppressionEntry, error)
	addFn          func(ctx context.Context, params suppression.AddParams) error
	purgeExpiredFn func(ctx context.Context, now time.Time) (int64, error)
}

func (f *fakeSuppressionStore) IsSuppressed(ctx context.Context, recipient string) (bool, error) {
	if f.isSuppressedFn != nil {
		return f.isSuppressedFn(ctx, recipient)
	}
	return false, nil
}

func (f *fakeSuppressionStore) Get(ctx context.Context, recipient string) (*domain.SuppressionEntry, error) {
	if f.getFn != nil {
		return f.getFn(ctx, recipient)
	}
	return nil, nil
}

func (f *fakeSuppressionStore) Add(ctx context.Context, params suppression.AddParams) error {
	if f.addFn != nil {
		return f.addFn(ctx, params)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, params)
	return nil
}

func (f *fakeSuppressionStore) Remove(ctx context.Context, recipient string) error {
	return nil
}

func (f *fakeSuppressionStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	if f.purgeExpiredFn != nil {
		return f.purgeExpiredFn(ctx, now)
	}
	return 0, nil
}

type fakeProvider struct {
	sendFn func(ctx context.Context, msg provider.Message) (*provider.SendResult, error)
}

func (f *fakeProvider) Send(ctx context.Context, msg provider.Message) (*provider.SendResult, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, msg)
	}
	return &provider.SendResult{StatusCode: 200, MessageID: "msg-1"}, nil
}

type fakeRenderer struct {
	renderFn func(kind domain.TemplateKind, params template.Params) (*template.Rendered, error)
}

func (f *fakeRenderer) Render(kind domain.TemplateKind, params template.Params) (*template.Rendered, error) {
	if f.renderFn != nil {
		return f.renderFn(kind, params)
	}
	return &template.Rendered{
		Subject:  "subject",
		BodyHTML: "<p>body</p>",
		BodyText: "body",
	}, nil
}

type fakeUserDirectory struct {
	getUserFn func(ctx context.Context, id string) (*User, error)
}

func (f *fakeUserDirectory) GetUser(ctx context.Context, id string) (*User, error) {
	if f.getUserFn != nil {
		return f.getUserFn(ctx, id)
	}
	return &User{ID: id, Email: "subscriber@example.com"}, nil
}
