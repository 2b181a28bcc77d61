package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chesshelper/mailrelay/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PolicyRepository interface {
	GetByName(ctx context.Context, name string) (*domain.RetryPolicy, error)

	// LoadOrSeed returns the named policy, persisting the fallback first when
	// storage holds no policy under that name.
	LoadOrSeed(ctx context.Context, name string, fallback *domain.RetryPolicy) (*domain.RetryPolicy, error)
}

type GormPolicyRepo struct {
	db *gorm.DB
}

func NewGormPolicyRepo(db *gorm.DB) *GormPolicyRepo {
	return &GormPolicyRepo{db: db}
}

type policyOverrideDTO struct {
	MaxRetries  int   `json:"maxRetries,omitempty"`
	BaseDelayMs int64 `json:"baseDelayMs,omitempty"`
	MaxDelayMs  int64 `json:"maxDelayMs,omitempty"`
}

func (r *GormPolicyRepo) GetByName(ctx context.Context, name string) (*domain.RetryPolicy, error) {
	var model RetryPolicyModel
	err := r.db.WithContext(ctx).First(&model, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return policyModelToDomain(&model)
}

func (r *GormPolicyRepo) LoadOrSeed(ctx context.Context, name string, fallback *domain.RetryPolicy) (*domain.RetryPolicy, error) {
	policy, err := r.GetByName(ctx, name)
	if err == nil {
		return policy, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if fallback == nil {
		return nil, fmt.Errorf("no persisted policy %q and no fallback provided", name)
	}
	if err := fallback.Validate(); err != nil {
		return nil, err
	}

	seed := *fallback
	seed.Name = name
	if seed.ID == "" {
		seed.ID = uuid.NewString()
	}

	model, err := policyModelFromDomain(&seed)
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return nil, err
	}

	return r.GetByName(ctx, name)
}

func policyModelFromDomain(p *domain.RetryPolicy) (*RetryPolicyModel, error) {
	kinds := make([]string, 0, len(p.NonRetryable))
	for kind, set := range p.NonRetryable {
		if set {
			kinds = append(kinds, kind.String())
		}
	}

	overrides := make(map[string]policyOverrideDTO, len(p.PriorityOverrides))
	for priority, o := range p.PriorityOverrides {
		overrides[strconv.Itoa(int(priority))] = policyOverrideDTO{
			MaxRetries:  o.MaxRetries,
			BaseDelayMs: o.BaseDelay.Milliseconds(),
			MaxDelayMs:  o.MaxDelay.Milliseconds(),
		}
	}
	overridesJSON, err := json.Marshal(overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize priority overrides: %w", err)
	}

	return &RetryPolicyModel{
		ID:                   p.ID,
		Name:                 p.Name,
		MaxRetries:           p.MaxRetries,
		BaseDelayMs:          p.BaseDelay.Milliseconds(),
		MaxDelayMs:           p.MaxDelay.Milliseconds(),
		BackoffMultiplier:    p.BackoffMultiplier,
		UseJitter:            p.UseJitter,
		NonRetryable:         strings.Join(kinds, ","),
		PriorityOverrides:    string(overridesJSON),
		RateLimitBaseDelayMs: p.RateLimitBaseDelay.Milliseconds(),
		RateLimitMaxDelayMs:  p.RateLimitMaxDelay.Milliseconds(),
		DeadLetterThreshold:  p.DeadLetterThreshold,
	}, nil
}

func policyModelToDomain(m *RetryPolicyModel) (*domain.RetryPolicy, error) {
	nonRetryable := make(map[domain.FailureKind]bool)
	for _, raw := range strings.Split(m.NonRetryable, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		kind, err := domain.ParseFailureKindFromString(raw)
		if err != nil {
			return nil, err
		}
		nonRetryable[kind] = true
	}

	overrides := make(map[domain.Priority]domain.PolicyOverride)
	if strings.TrimSpace(m.PriorityOverrides) != "" {
		var dto map[string]policyOverrideDTO
		if err := json.Unmarshal([]byte(m.PriorityOverrides), &dto); err != nil {
			return nil, fmt.Errorf("failed to parse priority overrides: %w", err)
		}
		for rawPriority, o := range dto {
			value, err := strconv.Atoi(rawPriority)
			if err != nil {
				return nil, fmt.Errorf("invalid priority key %q: %w", rawPriority, err)
			}
			priority, err := domain.ParsePriority(value)
			if err != nil {
				return nil, err
			}
			overrides[priority] = domain.PolicyOverride{
				MaxRetries: o.MaxRetries,
				BaseDelay:  time.Duration(o.BaseDelayMs) * time.Millisecond,
				MaxDelay:   time.Duration(o.MaxDelayMs) * time.Millisecond,
			}
		}
	}

	return &domain.RetryPolicy{
		ID:                  m.ID,
		Name:                m.Name,
		MaxRetries:          m.MaxRetries,
		BaseDelay:           time.Duration(m.BaseDelayMs) * time.Millisecond,
		MaxDelay:            time.Duration(m.MaxDelayMs) * time.Millisecond,
		BackoffMultiplier:   m.BackoffMultiplier,
		UseJitter:           m.UseJitter,
		NonRetryable:        nonRetryable,
		PriorityOverrides:   overrides,
		RateLimitBaseDelay:  time.Duration(m.RateLimitBaseDelayMs) * time.Millisecond,
		RateLimitMaxDelay:   time.Duration(m.RateLimitMaxDelayMs) * time.Millisecond,
		DeadLetterThreshold: m.DeadLetterThreshold,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}, nil
}
