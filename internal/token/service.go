// Package token implements server-side token issuance: resolving the
// active provider from stored settings and delegating minting to its
// adapter. The server is the only place a vendor credential is ever
// decrypted; clients receive short-lived call-scoped tokens and a
// sanitized public config, never secret material.
package token

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/internal/provider"
	"github.com/voicebridge/voicebridge/internal/store"
	"github.com/voicebridge/voicebridge/pkg/models"
)

// Service resolves providers and mints access tokens.
type Service struct {
	store    store.Store
	registry *provider.Registry
	deps     provider.Deps

	// order is the stable preference order used to pick the active
	// provider when several are enabled and configured.
	order []string
}

// NewService creates the token service. order lists canonical provider
// identities by preference.
func NewService(st store.Store, reg *provider.Registry, deps provider.Deps, order []string) *Service {
	return &Service{store: st, registry: reg, deps: deps, order: order}
}

// Adapter builds the adapter for one identity from its stored settings.
func (s *Service) Adapter(ctx context.Context, identity string) (provider.Provider, error) {
	ps := provider.Settings{Identity: identity}
	if stored, err := s.store.GetProviderSettings(ctx, identity); err == nil {
		ps.Enabled = stored.Enabled
		ps.AgentID = stored.AgentID
		ps.Public = stored.Public
		ps.Credentials = stored.Credentials
	}
	return s.registry.Create(identity, ps, s.deps)
}

// ActiveProvider returns the first enabled and configured provider in
// preference order. An enabled-but-unconfigured provider is skipped but
// logged — degraded, admin-actionable, never silently healthy.
func (s *Service) ActiveProvider(ctx context.Context) (provider.Provider, error) {
	for _, identity := range s.order {
		adapter, err := s.Adapter(ctx, identity)
		if err != nil {
			log.Warn().Err(err).Str("provider", identity).Msg("token: skipping unbuildable provider")
			continue
		}
		if !adapter.Enabled() {
			continue
		}
		if !adapter.Configured() {
			log.Warn().Str("provider", identity).Strs("required", adapter.RequiredSettings()).
				Msg("token: provider enabled but not configured")
			continue
		}
		return adapter, nil
	}
	return nil, provider.Errf(provider.CodeNotConfigured, "no provider is enabled and configured")
}

// PublicConfig is the response shape for the provider discovery
// endpoint: the active provider's identity plus its sanitized config.
// It deliberately has no field that could carry a credential.
func (s *Service) PublicConfig(ctx context.Context) models.ProviderInfo {
	adapter, err := s.ActiveProvider(ctx)
	if err != nil {
		return models.ProviderInfo{Success: false, Error: err.Error()}
	}
	identity := adapter.Identity()

	agentID, isPublic := "", false
	if stored, err := s.store.GetProviderSettings(ctx, identity); err == nil {
		agentID, isPublic = stored.AgentID, stored.Public
	}
	return models.ProviderInfo{
		Success:  true,
		Provider: identity,
		Config: &models.ProviderConfig{
			AgentID:  agentID,
			IsPublic: isPublic,
			Provider: identity,
		},
	}
}

// IssueToken mints a token for the named provider and opens a call
// audit row keyed by the issued call id.
func (s *Service) IssueToken(ctx context.Context, identity string, req models.TokenRequest) (*models.AccessToken, error) {
	adapter, err := s.Adapter(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !adapter.Enabled() {
		return nil, provider.Errf(provider.CodeNotConfigured, "provider %q is disabled", identity)
	}

	tok, err := adapter.IssueToken(ctx, req)
	if err != nil {
		return nil, err
	}

	if tok.CallID != "" {
		if cerr := s.store.CreateCallLog(ctx, &models.CallLog{
			CallID:   tok.CallID,
			Provider: identity,
			AgentID:  tok.AgentID,
			Status:   models.CallStarted,
		}); cerr != nil {
			// Audit only; the minted token is still valid.
			log.Error().Err(cerr).Str("call_id", tok.CallID).Msg("token: open call log")
		}
	}

	log.Info().Str("provider", identity).Str("call_id", tok.CallID).Int("expires_in", tok.ExpiresIn).
		Msg("access token issued")
	return tok, nil
}
