// Package suppression keeps the set of recipients that must never receive
// mail. The durable store is the source of truth; a process-local cache with
// TTL-based invalidation keeps the per-send lookup cheap.
package suppression

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chesshelper/mailrelay/internal/domain"
	"github.com/chesshelper/mailrelay/internal/repository"
	"go.uber.org/zap"
)

const defaultCacheTTL = time.Minute

// AddParams describes a suppression to write or refresh.
type AddParams struct {
	Recipient   string
	Reason      domain.SuppressionReason
	SourceJobID string
	FailureKind domain.FailureKind
	Permanent   bool
	TTL         time.Duration
}

// Store is the suppression port consumed by the retry engine, the dispatcher
// and the webhook ingestor.
type Store interface {
	IsSuppressed(ctx context.Context, recipient string) (bool, error)
	Get(ctx context.Context, recipient string) (*domain.SuppressionEntry, error)
	Add(ctx context.Context, params AddParams) error
	Remove(ctx context.Context, recipient string) error

	// PurgeExpired deletes every time-boxed entry whose suppressedUntil has
	// passed. Lazy removal in Get only covers recipients that are re-read;
	// the purge sweeps the rest.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type cacheEntry struct {
	entry     *domain.SuppressionEntry
	refreshed time.Time
}

// CachedStore wraps the suppression repository with a TTL cache. A cached
// entry past its own suppressedUntil is invalidated, lazily deleted from the
// durable store and treated as absent.
type CachedStore struct {
	repo   repository.SuppressionRepository
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

var _ Store = (*CachedStore)(nil)

func NewCachedStore(repo repository.SuppressionRepository, cacheTTL time.Duration, logger *zap.Logger) (*CachedStore, error) {
	if repo == nil {
		return nil, fmt.Errorf("suppression repository is required")
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CachedStore{
		repo:   repo,
		logger: logger,
		ttl:    cacheTTL,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}, nil
}

func (s *CachedStore) IsSuppressed(ctx context.Context, recipient string) (bool, error) {
	entry, err := s.Get(ctx, recipient)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// Get returns the live suppression entry for a recipient, or nil when the
// recipient is not suppressed.
func (s *CachedStore) Get(ctx context.Context, recipient string) (*domain.SuppressionEntry, error) {
	now := s.now()

	s.mu.RLock()
	cached, ok := s.cache[recipient]
	s.mu.RUnlock()

	if ok && now.Sub(cached.refreshed) < s.ttl {
		if cached.entry.Active(now) {
			return cached.entry, nil
		}
		// Entry expired while cached: drop it everywhere.
		s.invalidate(recipient)
		s.removeExpired(ctx, recipient)
		return nil, nil
	}

	entry, err := s.repo.Get(ctx, recipient)
	if errors.Is(err, domain.ErrNotFound) {
		s.invalidate(recipient)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !entry.Active(now) {
		s.invalidate(recipient)
		s.removeExpired(ctx, recipient)
		return nil, nil
	}

	s.mu.Lock()
	s.cache[recipient] = cacheEntry{entry: entry, refreshed: now}
	s.mu.Unlock()

	return entry, nil
}

func (s *CachedStore) Add(ctx context.Context, params AddParams) error {
	if params.Recipient == "" {
		return fmt.Errorf("%w: recipient is required", domain.ErrValidation)
	}
	if !params.Reason.IsValid() {
		return fmt.Errorf("%w: invalid suppression reason %q", domain.ErrValidation, params.Reason)
	}

	now := s.now().UTC()
	entry := &domain.SuppressionEntry{
		Recipient:    params.Recipient,
		Reason:       params.Reason,
		SuppressedAt: now,
	}
	if !params.Permanent {
		ttl := params.TTL
		if ttl <= 0 {
			return fmt.Errorf("%w: non-permanent suppression requires a positive ttl", domain.ErrValidation)
		}
		until := now.Add(ttl)
		entry.SuppressedUntil = &until
	}
	if params.SourceJobID != "" {
		id := params.SourceJobID
		entry.SourceJobID = &id
	}
	if params.FailureKind != "" {
		kind := params.FailureKind
		entry.LastFailureKind = &kind
	}

	if err := s.repo.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("failed to upsert suppression entry: %w", err)
	}

	s.invalidate(params.Recipient)
	return nil
}

func (s *CachedStore) Remove(ctx context.Context, recipient string) error {
	if err := s.repo.Delete(ctx, recipient); err != nil {
		return fmt.Errorf("failed to delete suppression entry: %w", err)
	}
	s.invalidate(recipient)
	return nil
}

// PurgeExpired removes expired entries from the durable store. Cached copies
// are left alone; a cache hit past its suppressedUntil is already treated as
// absent by Get.
func (s *CachedStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	purged, err := s.repo.DeleteExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired suppression entries: %w", err)
	}
	return purged, nil
}

func (s *CachedStore) invalidate(recipient string) {
	s.mu.Lock()
	delete(s.cache, recipient)
	s.mu.Unlock()
}

func (s *CachedStore) removeExpired(ctx context.Context, recipient string) {
	if err := s.repo.Delete(ctx, recipient); err != nil {
		s.logger.Warn("failed to lazily remove expired suppression entry",
			zap.String("recipient", recipient),
			zap.Error(err),
		)
	}
}
