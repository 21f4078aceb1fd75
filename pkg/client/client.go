// Package client is the embeddable VoiceBridge runtime for widget
// hosts: provider discovery, per-call token minting, a call session
// state machine, a typed event emitter, and the websocket live stream.
//
// The client holds no long-lived vendor credential. It discovers the
// active provider's sanitized config, builds a client-side adapter for
// normalization and capability introspection, and requests a fresh
// call-scoped token from the server for every call attempt.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/voicebridge/voicebridge/internal/provider"
	"github.com/voicebridge/voicebridge/internal/provider/catalog"
	"github.com/voicebridge/voicebridge/pkg/models"
)

const defaultRequestTimeout = 15 * time.Second

// Client talks to a VoiceBridge server.
type Client struct {
	baseURL  string
	http     *http.Client
	registry *provider.Registry

	// Concurrent token requests for the same provider collapse into one
	// server round trip; the result is never reused after it returns.
	tokens singleflight.Group
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRegistry overrides the provider registry. The default carries the
// built-in adapter catalog.
func WithRegistry(r *provider.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = provider.NewRegistry()
		catalog.Register(c.registry)
	}
	return c
}

// Discover asks the server which provider is active and returns its
// sanitized public config. Each validation step fails with its own
// descriptive error so the host can render provider-specific
// remediation UI instead of a generic failure.
func (c *Client) Discover(ctx context.Context) (*models.ProviderConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/providers", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || len(raw) == 0 {
		return nil, errors.New("provider discovery returned no data")
	}

	var info models.ProviderInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("provider discovery returned unparseable data: %w", err)
	}
	if !info.Success {
		if info.Error != "" {
			return nil, fmt.Errorf("no active provider: %s", info.Error)
		}
		return nil, errors.New("provider discovery did not succeed")
	}
	if info.Config == nil {
		return nil, errors.New("provider discovery response is missing its config")
	}
	if info.Config.Provider == "" {
		return nil, errors.New("provider discovery response is missing the provider identity")
	}
	if info.Config.AgentID == "" {
		return nil, errors.New("provider discovery response is missing the agent id")
	}
	return info.Config, nil
}

// Adapter builds the client-side adapter for a discovered config. The
// settings are sanitized: no credentials, so credential-bearing
// operations report NotConfigured — the client-side adapter exists for
// event normalization, live URLs, and capability introspection.
func (c *Client) Adapter(cfg *models.ProviderConfig) (provider.Provider, error) {
	return c.registry.Create(cfg.Provider, provider.Settings{
		Identity: cfg.Provider,
		Enabled:  true,
		AgentID:  cfg.AgentID,
		Public:   cfg.IsPublic,
	}, provider.Deps{})
}

// FetchToken requests a fresh call-scoped token from the server. Tokens
// are never cached across call attempts; only concurrent in-flight
// requests are de-duplicated.
func (c *Client) FetchToken(ctx context.Context, identity string, req models.TokenRequest) (*models.AccessToken, error) {
	key := identity + "\x00" + req.AgentID
	v, err, _ := c.tokens.Do(key, func() (any, error) {
		return c.fetchToken(ctx, identity, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.AccessToken), nil
}

func (c *Client) fetchToken(ctx context.Context, identity string, tr models.TokenRequest) (*models.AccessToken, error) {
	body, err := json.Marshal(tr)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/token/"+identity, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &e)
		if e.Message != "" {
			return nil, fmt.Errorf("token request rejected (%d): %s", resp.StatusCode, e.Message)
		}
		return nil, fmt.Errorf("token request rejected with status %d", resp.StatusCode)
	}

	var tok models.AccessToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("token response unparseable: %w", err)
	}
	if tok.Token == "" {
		return nil, errors.New("token response is missing the access token")
	}
	return &tok, nil
}
