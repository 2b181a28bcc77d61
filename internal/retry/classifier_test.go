package retry

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/chesshelper/mailrelay/internal/domain"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestClassifyStatusTableTakesPriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		f    Failure
		want domain.FailureKind
	}{
		{name: "429 rate limit", f: Failure{StatusCode: 429}, want: domain.FailureRateLimit},
		{name: "401 auth", f: Failure{StatusCode: 401}, want: domain.FailureAuthFailure},
		{name: "403 auth", f: Failure{StatusCode: 403}, want: domain.FailureAuthFailure},
		{name: "402 quota", f: Failure{StatusCode: 402}, want: domain.FailureQuotaExceeded},
		{name: "503 service unavailable", f: Failure{StatusCode: 503}, want: domain.FailureServiceUnavailable},
		{name: "422 invalid email", f: Failure{StatusCode: 422}, want: domain.FailureInvalidEmail},
		{
			name: "status wins over message",
			f:    Failure{StatusCode: 429, Message: "mailbox does not exist"},
			want: domain.FailureRateLimit,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := Classify(tt.f); got != tt.want {
				t.Fatalf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyMessagePatterns(t *testing.T) {
	t.Parallel()

	tests := []struct {
		message string
		want    domain.FailureKind
	}{
		{message: "550 mailbox does not exist", want: domain.FailureInvalidEmail},
		{message: "recipient marked message as spam", want: domain.FailureSpamComplaint},
		{message: "hard bounce from remote MTA", want: domain.FailureBouncedHard},
		{message: "mailbox full, try later", want: domain.FailureBouncedSoft},
		{message: "rate limit exceeded for sender", want: domain.FailureRateLimit},
		{message: "daily sending quota exceeded", want: domain.FailureQuotaExceeded},
		{message: "invalid api key provided", want: domain.FailureAuthFailure},
		{message: "connection refused by upstream", want: domain.FailureNetworkError},
		{message: "service unavailable, please retry", want: domain.FailureServiceUnavailable},
		{message: "temporary local problem", want: domain.FailureTemporary},
	}

	for _, tt := range tests {
		if got := Classify(Failure{Message: tt.message}); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.message, got, tt.want)
		}
	}
}

func TestClassifyProviderCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code string
		want domain.FailureKind
	}{
		{code: "5.1.1", want: domain.FailureInvalidEmail},
		{code: "5.7.1", want: domain.FailureBouncedHard},
		{code: "5.2.2", want: domain.FailureBouncedSoft},
		{code: "4.5.3", want: domain.FailureRateLimit},
		{code: "HARD_BOUNCE", want: domain.FailureBouncedHard},
		{code: "rate_limited", want: domain.FailureRateLimit},
	}

	for _, tt := range tests {
		if got := Classify(Failure{ProviderCode: tt.code}); got != tt.want {
			t.Errorf("Classify(code=%q) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestClassifyTransportErrors(t *testing.T) {
	t.Parallel()

	if got := Classify(Failure{Err: context.DeadlineExceeded}); got != domain.FailureNetworkError {
		t.Errorf("deadline exceeded = %s, want network_error", got)
	}
	if got := Classify(Failure{Err: timeoutError{}}); got != domain.FailureNetworkError {
		t.Errorf("net timeout = %s, want network_error", got)
	}
	if got := Classify(Failure{Err: errors.New("connection reset by peer")}); got != domain.FailureNetworkError {
		t.Errorf("reset error = %s, want network_error", got)
	}
}

func TestClassifyDefaultsToUnknown(t *testing.T) {
	t.Parallel()

	if got := Classify(Failure{}); got != domain.FailureUnknown {
		t.Fatalf("Classify(empty) = %s, want unknown", got)
	}
	if got := Classify(Failure{StatusCode: 418, Message: "something odd", ProviderCode: "x.y.z"}); got != domain.FailureUnknown {
		t.Fatalf("Classify(unmatched) = %s, want unknown", got)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	t.Parallel()

	f := Failure{StatusCode: 500, Message: "server error", Err: timeoutError{}}
	first := Classify(f)
	for i := 0; i < 5; i++ {
		if got := Classify(f); got != first {
			t.Fatalf("Classify() not deterministic: %s then %s", first, got)
		}
	}
}
