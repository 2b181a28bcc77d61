package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/chesshelper/mailrelay/internal/domain"
	"github.com/chesshelper/mailrelay/internal/observability"
	"github.com/chesshelper/mailrelay/internal/provider"
	"github.com/chesshelper/mailrelay/internal/repository"
	"github.com/chesshelper/mailrelay/internal/retry"
	"github.com/chesshelper/mailrelay/internal/suppression"
)

const (
	defaultDispatchInterval = time.Second
	defaultBatchSize        = 50
	defaultSendConcurrency  = 5
	defaultSendTimeout      = 10 * time.Second
	defaultLeaseTimeout     = 5 * time.Minute
	defaultCleanupInterval  = time.Hour
	defaultRetention        = 30 * 24 * time.Hour

	queueDepthInterval = 30 * time.Second
)

// DispatcherConfig bounds one dispatcher instance.
type DispatcherConfig struct {
	FromAddress     string
	Interval        time.Duration
	BatchSize       int
	SendConcurrency int
	SendTimeout     time.Duration
	SendRatePerSec  float64
	LeaseTimeout    time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration
}

func (c *DispatcherConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = defaultDispatchInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.SendConcurrency <= 0 {
		c.SendConcurrency = defaultSendConcurrency
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = defaultLeaseTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
}

// Dispatcher drives the delivery pipeline: it claims due jobs in batches,
// sends them with bounded concurrency, and routes every failure through the
// retry engine. Multiple instances may run against the same database; the
// claim is atomic at the storage layer.
type Dispatcher struct {
	jobs         repository.JobRepository
	attempts     repository.AttemptRepository
	batches      repository.BatchRepository
	suppressions suppression.Store
	engine       *retry.Engine
	provider     provider.Provider
	limiter      *rate.Limiter
	metrics      *observability.Metrics
	logger       *zap.Logger
	cfg          DispatcherConfig

	processing atomic.Bool
	now        func() time.Time
}

func NewDispatcher(
	jobs repository.JobRepository,
	attempts repository.AttemptRepository,
	batches repository.BatchRepository,
	suppressions suppression.Store,
	engine *retry.Engine,
	sender provider.Provider,
	metrics *observability.Metrics,
	logger *zap.Logger,
	cfg DispatcherConfig,
) (*Dispatcher, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if suppressions == nil {
		return nil, fmt.Errorf("suppression store is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("retry engine is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	var limiter *rate.Limiter
	if cfg.SendRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), cfg.SendConcurrency)
	}

	return &Dispatcher{
		jobs:         jobs,
		attempts:     attempts,
		batches:      batches,
		suppressions: suppressions,
		engine:       engine,
		provider:     sender,
		limiter:      limiter,
		metrics:      metrics,
		logger:       logger,
		cfg:          cfg,
		now:          time.Now,
	}, nil
}

// Start runs the process, lease-sweep, and cleanup loops until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.runProcessLoop(ctx) })
	g.Go(func() error { return d.runLeaseLoop(ctx) })
	g.Go(func() error { return d.runCleanupLoop(ctx) })
	g.Go(func() error { return d.runDepthLoop(ctx) })
	return g.Wait()
}

func (d *Dispatcher) runProcessLoop(ctx context.Context) error {
	// Drain already-due work before the first ticker edge.
	if err := d.ProcessCycle(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("dispatch cycle failed", zap.Error(err))
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.ProcessCycle(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				d.logger.Error("dispatch cycle failed", zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) runLeaseLoop(ctx context.Context) error {
	interval := d.cfg.LeaseTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cutoff := d.now().UTC().Add(-d.cfg.LeaseTimeout)
			released, err := d.jobs.ReleaseExpiredLeases(ctx, cutoff)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				d.logger.Error("lease sweep failed", zap.Error(err))
				continue
			}
			if released > 0 {
				d.logger.Warn("released expired processing leases", zap.Int64("count", released))
			}
		}
	}
}

func (d *Dispatcher) runCleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.cleanupOnce(ctx)
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// cleanupOnce removes terminal jobs past the retention window and purges
// suppression entries whose ban has expired. Both halves are independent; a
// failure in one never skips the other.
func (d *Dispatcher) cleanupOnce(ctx context.Context) {
	now := d.now().UTC()

	deleted, err := d.jobs.DeleteTerminalBefore(ctx, now.Add(-d.cfg.Retention))
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("retention cleanup failed", zap.Error(err))
		}
	} else if deleted > 0 {
		d.logger.Info("removed terminal jobs past retention", zap.Int64("count", deleted))
	}

	purged, err := d.suppressions.PurgeExpired(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("suppression purge failed", zap.Error(err))
		}
	} else if purged > 0 {
		d.logger.Info("purged expired suppression entries", zap.Int64("count", purged))
	}
}

func (d *Dispatcher) runDepthLoop(ctx context.Context) error {
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := d.jobs.Stats(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				d.logger.Error("queue depth refresh failed", zap.Error(err))
				continue
			}
			for _, status := range []domain.Status{
				domain.StatusPending,
				domain.StatusProcessing,
				domain.StatusSent,
				domain.StatusFailed,
				domain.StatusCancelled,
			} {
				d.metrics.SetQueueDepth(status.String(), stats.Counts[status])
			}
		}
	}
}

// ProcessCycle claims and dispatches one batch. Overlapping cycles in the
// same process are skipped; cross-process overlap is handled by the atomic
// claim.
func (d *Dispatcher) ProcessCycle(ctx context.Context) error {
	if !d.processing.CompareAndSwap(false, true) {
		return nil
	}
	defer d.processing.Store(false)

	now := d.now().UTC()
	claimed, err := d.jobs.ClaimBatch(ctx, d.cfg.BatchSize, now)
	if err != nil {
		return fmt.Errorf("failed to claim batch: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}

	batch := &domain.DispatchBatch{
		ID:        uuid.NewString(),
		Size:      len(claimed),
		Status:    domain.BatchStatusProcessing,
		StartedAt: now,
	}
	if err := d.batches.Create(ctx, batch); err != nil {
		// Batch records are observability only; delivery continues without one.
		d.logger.Error("failed to record dispatch batch", zap.Error(err))
		batch = nil
	}

	var succeeded, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.SendConcurrency)
	for i := range claimed {
		job := claimed[i]
		g.Go(func() error {
			// One job's failure never aborts its siblings.
			if d.dispatchJob(gctx, &job) {
				succeeded.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if batch != nil {
		// A batch completes once every job has been dispatched, whatever the
		// per-job outcomes. Failed is reserved for interrupted dispatch.
		status := domain.BatchStatusCompleted
		if ctx.Err() != nil {
			status = domain.BatchStatusFailed
		}
		if err := d.batches.Finish(ctx, batch.ID, int(succeeded.Load()), int(failed.Load()), status, d.now().UTC()); err != nil {
			d.logger.Error("failed to finish dispatch batch", zap.String("batchId", batch.ID), zap.Error(err))
		}
	}

	d.logger.Info("dispatch cycle finished",
		zap.Int("claimed", len(claimed)),
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("failed", failed.Load()),
	)

	return nil
}

// dispatchJob sends one claimed job and reports whether it ended in sent.
func (d *Dispatcher) dispatchJob(ctx context.Context, job *domain.EmailJob) bool {
	suppressed, err := d.suppressions.IsSuppressed(ctx, job.Recipient)
	if err != nil {
		// Leave the job in processing; the lease sweep returns it to the
		// queue without consuming a retry.
		d.logger.Error("suppression check failed, leaving job for lease sweep",
			zap.String("jobId", job.ID),
			zap.Error(err),
		)
		return false
	}
	if suppressed {
		d.markSuppressed(ctx, job)
		return false
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			// Shutdown mid-batch; the lease sweep reclaims the job.
			return false
		}
	}

	d.metrics.IncDispatchInFlight()
	start := d.now()
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	result, sendErr := d.provider.Send(sendCtx, provider.Message{
		From:    d.cfg.FromAddress,
		To:      job.Recipient,
		Subject: job.Subject,
		HTML:    job.BodyHTML,
		Text:    job.BodyText,
		Tags:    []string{job.TemplateKind.String()},
	})
	cancel()
	duration := d.now().Sub(start)
	d.metrics.DecDispatchInFlight()
	d.metrics.ObserveSendDuration(job.TemplateKind.String(), duration)

	if sendErr == nil {
		return d.completeSent(ctx, job, result)
	}
	d.handleFailure(ctx, job, sendErr)
	return false
}

func (d *Dispatcher) completeSent(ctx context.Context, job *domain.EmailJob, result *provider.SendResult) bool {
	messageID := ""
	statusCode := 0
	if result != nil {
		messageID = result.MessageID
		statusCode = result.StatusCode
	}
	if messageID == "" {
		// A sent job must carry a provider message id.
		messageID = uuid.NewString()
	}

	if err := d.jobs.CompleteSent(ctx, job.ID, messageID, d.now().UTC()); err != nil {
		d.logger.Error("failed to mark job as sent",
			zap.String("jobId", job.ID),
			zap.Error(err),
		)
		return false
	}

	d.recordAttempt(ctx, job, nil, &statusCode, nil, false, nil)
	d.metrics.IncJobSent(job.TemplateKind.String())
	d.logger.Info("job sent",
		zap.String("jobId", job.ID),
		zap.String("providerMessageId", messageID),
	)
	return true
}

func (d *Dispatcher) handleFailure(ctx context.Context, job *domain.EmailJob, sendErr error) {
	failure := retry.FailureFromError(sendErr)

	recipientFailures, err := d.attempts.CountFailuresByRecipient(ctx, job.Recipient)
	if err != nil {
		d.logger.Error("failed to count recipient failures",
			zap.String("jobId", job.ID),
			zap.Error(err),
		)
		recipientFailures = 0
	}

	decision := d.engine.Decide(ctx, retry.DecisionContext{
		JobID:             job.ID,
		Recipient:         job.Recipient,
		Priority:          job.Priority,
		RetryCount:        job.RetryCount,
		RecipientFailures: recipientFailures,
		Failure:           failure,
	})

	kind := decision.FailureKind
	errDetail := sendErr.Error()
	var delayMs *int64
	if decision.Retry {
		ms := decision.Delay.Milliseconds()
		delayMs = &ms
	}
	var statusCode *int
	if failure.StatusCode > 0 {
		statusCode = &failure.StatusCode
	}
	d.recordAttempt(ctx, job, &kind, statusCode, &errDetail, decision.Retry, delayMs)

	switch {
	case decision.Retry:
		if err := d.jobs.RescheduleRetry(ctx, job.ID, decision.NextRetryAt, errDetail); err != nil {
			d.logger.Error("failed to reschedule job",
				zap.String("jobId", job.ID),
				zap.Error(err),
			)
			return
		}
		d.metrics.IncRetryScheduled(kind.String())
		d.logger.Info("job scheduled for retry",
			zap.String("jobId", job.ID),
			zap.String("failureKind", kind.String()),
			zap.Duration("delay", decision.Delay),
		)

	default:
		var deadLetterReason *string
		if decision.DeadLetter {
			deadLetterReason = &decision.DeadLetterReason
		}
		if err := d.jobs.MarkFailed(ctx, job.ID, errDetail, deadLetterReason, d.now().UTC()); err != nil {
			d.logger.Error("failed to mark job as failed",
				zap.String("jobId", job.ID),
				zap.Error(err),
			)
			return
		}
		d.metrics.IncJobFailed(job.TemplateKind.String(), kind.String())
		if decision.Suppress {
			d.metrics.IncJobSuppressed(decision.SuppressReason.String())
		}
		if decision.DeadLetter {
			d.metrics.IncDeadLetter(decision.DeadLetterReason)
		}
		logFn := d.logger.Warn
		if decision.ManualReview {
			logFn = d.logger.Error
		}
		logFn("job failed permanently",
			zap.String("jobId", job.ID),
			zap.String("failureKind", kind.String()),
			zap.String("reason", decision.Reason),
			zap.Bool("suppressed", decision.Suppress),
			zap.Bool("deadLettered", decision.DeadLetter),
		)
	}
}

// markSuppressed terminates a job whose recipient is on the suppression list.
// The job fails silently; suppressed recipients never see mail or errors.
func (d *Dispatcher) markSuppressed(ctx context.Context, job *domain.EmailJob) {
	if err := d.jobs.MarkFailed(ctx, job.ID, "recipient suppressed", nil, d.now().UTC()); err != nil {
		d.logger.Error("failed to mark suppressed job as failed",
			zap.String("jobId", job.ID),
			zap.Error(err),
		)
		return
	}
	d.metrics.IncJobFailed(job.TemplateKind.String(), "suppressed")
	d.logger.Info("job dropped for suppressed recipient", zap.String("jobId", job.ID))
}

func (d *Dispatcher) recordAttempt(
	ctx context.Context,
	job *domain.EmailJob,
	kind *domain.FailureKind,
	statusCode *int,
	errDetail *string,
	retryScheduled bool,
	delayMs *int64,
) {
	attempt := &domain.DeliveryAttempt{
		ID:             uuid.NewString(),
		JobID:          job.ID,
		AttemptNumber:  job.RetryCount + 1,
		FailureKind:    kind,
		StatusCode:     statusCode,
		Error:          errDetail,
		RetryScheduled: retryScheduled,
		RetryDelayMs:   delayMs,
	}
	// Audit writes never affect delivery outcome.
	if err := d.attempts.Create(ctx, attempt); err != nil {
		d.logger.Error("failed to record delivery attempt",
			zap.String("jobId", job.ID),
			zap.Error(err),
		)
	}
}
