package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/chesshelper/mailrelay/internal/domain"
	"github.com/chesshelper/mailrelay/internal/provider"
)

// Failure is the raw material for classification: provider HTTP status,
// machine-readable provider code, free-form message, and the underlying
// transport error, any of which may be absent.
type Failure struct {
	StatusCode   int
	ProviderCode string
	Message      string
	Err          error
}

// statusKinds is the exact provider status table. It takes priority over the
// message patterns and the provider code table.
var statusKinds = map[int]domain.FailureKind{
	http.StatusTooManyRequests:     domain.FailureRateLimit,
	http.StatusUnauthorized:        domain.FailureAuthFailure,
	http.StatusForbidden:           domain.FailureAuthFailure,
	http.StatusPaymentRequired:     domain.FailureQuotaExceeded,
	http.StatusRequestTimeout:      domain.FailureNetworkError,
	http.StatusInternalServerError: domain.FailureServiceUnavailable,
	http.StatusBadGateway:          domain.FailureServiceUnavailable,
	http.StatusServiceUnavailable:  domain.FailureServiceUnavailable,
	http.StatusGatewayTimeout:      domain.FailureServiceUnavailable,
	http.StatusUnprocessableEntity: domain.FailureInvalidEmail,
	http.StatusGone:                domain.FailurePermanent,
}

type messagePattern struct {
	re   *regexp.Regexp
	kind domain.FailureKind
}

var messagePatterns = []messagePattern{
	{regexp.MustCompile(`(?i)mailbox (does not|doesn't) exist|no such user|user unknown|unknown recipient|invalid recipient|address (does not|doesn't) exist|bad destination`), domain.FailureInvalidEmail},
	{regexp.MustCompile(`(?i)spam|abuse complaint|feedback loop`), domain.FailureSpamComplaint},
	{regexp.MustCompile(`(?i)hard bounce|permanently rejected|blocked by recipient`), domain.FailureBouncedHard},
	{regexp.MustCompile(`(?i)mailbox full|over quota mailbox|soft bounce`), domain.FailureBouncedSoft},
	{regexp.MustCompile(`(?i)rate.?limit|too many requests|throttl`), domain.FailureRateLimit},
	{regexp.MustCompile(`(?i)sending quota|quota exceeded|daily limit`), domain.FailureQuotaExceeded},
	{regexp.MustCompile(`(?i)unauthorized|invalid api key|authentication`), domain.FailureAuthFailure},
	{regexp.MustCompile(`(?i)timeout|timed out|connection (refused|reset)|no such host|broken pipe|network`), domain.FailureNetworkError},
	{regexp.MustCompile(`(?i)service unavailable|server error|try again later`), domain.FailureServiceUnavailable},
	{regexp.MustCompile(`(?i)temporar`), domain.FailureTemporary},
}

// providerCodeKinds maps SMTP enhanced status codes and common ESP error
// codes the provider may surface.
var providerCodeKinds = map[string]domain.FailureKind{
	"5.1.1":             domain.FailureInvalidEmail,
	"5.1.2":             domain.FailureInvalidEmail,
	"5.1.3":             domain.FailureInvalidEmail,
	"5.2.1":             domain.FailureBouncedHard,
	"5.2.2":             domain.FailureBouncedSoft,
	"5.7.1":             domain.FailureBouncedHard,
	"5.7.28":            domain.FailureSpamComplaint,
	"4.2.1":             domain.FailureTemporary,
	"4.3.2":             domain.FailureServiceUnavailable,
	"4.4.1":             domain.FailureNetworkError,
	"4.4.2":             domain.FailureNetworkError,
	"4.5.3":             domain.FailureRateLimit,
	"invalid_recipient": domain.FailureInvalidEmail,
	"hard_bounce":       domain.FailureBouncedHard,
	"soft_bounce":       domain.FailureBouncedSoft,
	"complaint":         domain.FailureSpamComplaint,
	"suppressed":        domain.FailurePermanent,
	"rate_limited":      domain.FailureRateLimit,
	"quota_exceeded":    domain.FailureQuotaExceeded,
}

// Classify maps a raw send failure to one failure kind. Deterministic and
// side-effect-free. Precedence: status table, message patterns, provider code
// table, transport error inspection, then unknown.
func Classify(f Failure) domain.FailureKind {
	if kind, ok := statusKinds[f.StatusCode]; ok {
		return kind
	}

	if msg := strings.TrimSpace(f.Message); msg != "" {
		for _, p := range messagePatterns {
			if p.re.MatchString(msg) {
				return p.kind
			}
		}
	}

	if code := strings.ToLower(strings.TrimSpace(f.ProviderCode)); code != "" {
		if kind, ok := providerCodeKinds[code]; ok {
			return kind
		}
	}

	if f.Err != nil {
		if errors.Is(f.Err, context.DeadlineExceeded) {
			return domain.FailureNetworkError
		}
		var netErr net.Error
		if errors.As(f.Err, &netErr) {
			return domain.FailureNetworkError
		}
		for _, p := range messagePatterns {
			if p.re.MatchString(f.Err.Error()) {
				return p.kind
			}
		}
	}

	return domain.FailureUnknown
}

// FailureFromError builds a Failure from a send error, pulling provider
// metadata out when the adapter reported any.
func FailureFromError(err error) Failure {
	f := Failure{Err: err}
	if err == nil {
		return f
	}
	f.Message = err.Error()

	var provErr *provider.ProviderError
	if errors.As(err, &provErr) {
		f.StatusCode = provErr.StatusCode
		f.ProviderCode = provErr.Code
		if provErr.Message != "" {
			f.Message = provErr.Message
		}
	}
	return f
}
