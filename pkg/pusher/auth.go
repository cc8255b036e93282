package pusher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AuthResponse is the signature returned by an auth endpoint
type AuthResponse struct {
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
}

// Authorizer signs private and presence channel subscriptions
type Authorizer interface {
	Authorize(ctx context.Context, socketID, channel string) (*AuthResponse, error)
}

// HTTPAuthorizer posts socket_id and channel_name to a broadcasting auth endpoint
type HTTPAuthorizer struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewHTTPAuthorizer(endpoint, token string, timeout time.Duration) *HTTPAuthorizer {
	return &HTTPAuthorizer{
		Endpoint: endpoint,
		Token:    token,
		Client:   &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAuthorizer) Authorize(ctx context.Context, socketID, channel string) (*AuthResponse, error) {
	form := url.Values{}
	form.Set("socket_id", socketID)
	form.Set("channel_name", channel)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("failed to read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth endpoint returned status %d", resp.StatusCode)
	}

	var out AuthResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode auth response: %w", err)
	}
	if out.Auth == "" {
		return nil, fmt.Errorf("auth endpoint returned empty signature")
	}
	return &out, nil
}
