// Package directory resolves subscriber accounts from the main application.
// Account storage lives outside this subsystem; the queue only needs an email
// address for an owner id.
package directory

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/chesshelper/mailrelay/internal/domain"
	"github.com/chesshelper/mailrelay/internal/service"
)

const defaultLookupTimeout = 5 * time.Second

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// HTTPDirectory looks up subscribers over the account service's REST API.
type HTTPDirectory struct {
	client  *resty.Client
	baseURL string
	token   string
}

func NewHTTPDirectory(baseURL, token string) (*HTTPDirectory, error) {
	client := resty.New()
	client.SetTimeout(defaultLookupTimeout)
	client.SetRetryCount(0)

	return NewHTTPDirectoryWithClient(baseURL, token, client)
}

func NewHTTPDirectoryWithClient(baseURL, token string, client *resty.Client) (*HTTPDirectory, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("user service url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid user service url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultLookupTimeout)
	}
	client.SetRetryCount(0)

	return &HTTPDirectory{
		client:  client,
		baseURL: trimmed,
		token:   token,
	}, nil
}

func (d *HTTPDirectory) GetUser(ctx context.Context, id string) (*service.User, error) {
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}

	req := d.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetResult(&userResponse{})
	if d.token != "" {
		req.SetHeader("Authorization", "Bearer "+d.token)
	}

	response, err := req.Get(fmt.Sprintf("%s/api/v1/users/%s", d.baseURL, url.PathEscape(trimmedID)))
	if err != nil {
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}

	switch {
	case response.StatusCode() == http.StatusNotFound:
		return nil, fmt.Errorf("%w: user %s", domain.ErrNotFound, trimmedID)
	case response.IsError():
		return nil, fmt.Errorf("user service returned status %d", response.StatusCode())
	}

	parsed, ok := response.Result().(*userResponse)
	if !ok || parsed == nil || strings.TrimSpace(parsed.Email) == "" {
		return nil, fmt.Errorf("user %s has no email address", trimmedID)
	}

	return &service.User{
		ID:    parsed.ID,
		Email: strings.TrimSpace(parsed.Email),
	}, nil
}
