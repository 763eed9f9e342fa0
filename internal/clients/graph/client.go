// Package graph publishes posts, comments and reactions through a
// Graph-style HTTP API.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"socialflow/internal/domain"
)

type Config struct {
	BaseURL    string
	Version    string
	Timeout    time.Duration
	RatePerSec float64 // 0 disables limiting
}

// Content is one action to perform on behalf of a credential.
type Content struct {
	Kind     domain.ProcessKind
	Message  string
	ObjectID string
	Reaction domain.ReactionType
}

// ErrBadRequest marks a call that cannot succeed however often it is tried.
var ErrBadRequest = errors.New("graph: bad request")

// APIError is a non-2xx answer from the platform.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether repeating the same call may succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "v22.0"
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, limiter: limiter}
}

// Publish performs c and returns the platform id of what was created. For
// reactions, which create nothing, it returns the reacted-to object id.
func (c *Client) Publish(ctx context.Context, cred domain.Credential, content Content) (string, error) {
	endpoint, form, err := c.request(cred, content)
	if err != nil {
		return "", err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	form.Set("access_token", cred.AccessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create graph request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read graph response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out struct {
		ID      string `json:"id"`
		Success bool   `json:"success"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("malformed graph response: %w", err)
	}
	if content.Kind == domain.KindReaction {
		return content.ObjectID, nil
	}
	if out.ID == "" {
		return "", fmt.Errorf("graph response has no id")
	}
	return out.ID, nil
}

func (c *Client) request(cred domain.Credential, content Content) (string, url.Values, error) {
	base := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + c.cfg.Version
	form := url.Values{}
	switch content.Kind {
	case domain.KindPost:
		if cred.PlatformID == "" {
			return "", nil, fmt.Errorf("%w: post needs a platform id", ErrBadRequest)
		}
		form.Set("message", content.Message)
		return base + "/" + url.PathEscape(cred.PlatformID) + "/feed", form, nil
	case domain.KindComment:
		form.Set("message", content.Message)
		return base + "/" + url.PathEscape(content.ObjectID) + "/comments", form, nil
	case domain.KindReaction:
		form.Set("type", strings.ToUpper(string(content.Reaction)))
		return base + "/" + url.PathEscape(content.ObjectID) + "/reactions", form, nil
	}
	return "", nil, fmt.Errorf("%w: unsupported kind %q", ErrBadRequest, content.Kind)
}
