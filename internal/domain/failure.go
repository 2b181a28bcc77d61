package domain

import (
	"fmt"
	"strings"
)

// FailureKind is the fixed classification assigned to a send failure.
type FailureKind string

const (
	FailureBouncedHard        FailureKind = "bounced_hard"
	FailureBouncedSoft        FailureKind = "bounced_soft"
	FailureSpamComplaint      FailureKind = "spam_complaint"
	FailureInvalidEmail       FailureKind = "invalid_email"
	FailureTemporary          FailureKind = "temporary"
	FailurePermanent          FailureKind = "permanent"
	FailureRateLimit          FailureKind = "rate_limit"
	FailureNetworkError       FailureKind = "network_error"
	FailureServiceUnavailable FailureKind = "service_unavailable"
	FailureAuthFailure        FailureKind = "auth_failure"
	FailureQuotaExceeded      FailureKind = "quota_exceeded"
	FailureUnknown            FailureKind = "unknown"
)

func (k FailureKind) String() string { return string(k) }

func (k FailureKind) IsValid() bool {
	switch k {
	case FailureBouncedHard, FailureBouncedSoft, FailureSpamComplaint,
		FailureInvalidEmail, FailureTemporary, FailurePermanent,
		FailureRateLimit, FailureNetworkError, FailureServiceUnavailable,
		FailureAuthFailure, FailureQuotaExceeded, FailureUnknown:
		return true
	}
	return false
}

// SuppressionReason returns the reason a suppression entry should carry for
// this kind, and whether the kind suppresses the recipient at all. Kinds that
// indict the recipient address suppress permanently; the generic permanent
// kind suppresses as a time-boxed reputation risk. Transient, quota and auth
// kinds do not suppress.
func (k FailureKind) SuppressionReason() (SuppressionReason, bool) {
	switch k {
	case FailureBouncedHard:
		return SuppressionHardBounce, true
	case FailureSpamComplaint:
		return SuppressionSpamComplaint, true
	case FailureInvalidEmail:
		return SuppressionInvalidEmail, true
	case FailurePermanent:
		return SuppressionReputationRisk, true
	default:
		return "", false
	}
}

func ParseFailureKindFromString(s string) (FailureKind, error) {
	k := FailureKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("%w: invalid failure kind %q", ErrValidation, s)
	}
	return k, nil
}
