package provider

import (
	"context"
	"net/http"

	"github.com/voicebridge/voicebridge/internal/vault"
	"github.com/voicebridge/voicebridge/pkg/models"
)

// Base supplies the default behavior shared by all adapters. Concrete
// adapters embed it and override what their vendor actually supports.
type Base struct {
	settings Settings
	required []string
	vault    *vault.Vault
	http     *http.Client
}

// NewBase builds the embeddable adapter core. required lists the ordered
// setting names Configured checks; "agent_id" refers to Settings.AgentID,
// any other name to a Credentials entry.
func NewBase(s Settings, required []string, deps Deps) Base {
	return Base{
		settings: s,
		required: required,
		vault:    deps.Vault,
		http:     deps.client(),
	}
}

// Identity returns the provider key from the settings.
func (b *Base) Identity() string { return b.settings.Identity }

// Settings returns a copy of the adapter's settings.
func (b *Base) Settings() Settings { return b.settings }

// Enabled reflects the admin toggle.
func (b *Base) Enabled() bool { return b.settings.Enabled }

// RequiredSettings returns the ordered required field names.
func (b *Base) RequiredSettings() []string { return b.required }

// Configured reports whether every required setting is present.
func (b *Base) Configured() bool {
	for _, name := range b.required {
		if name == "agent_id" {
			if b.settings.AgentID == "" {
				return false
			}
			continue
		}
		if b.settings.Credentials[name] == "" {
			return false
		}
	}
	return true
}

// AgentID returns the configured agent identifier.
func (b *Base) AgentID() string { return b.settings.AgentID }

// HTTPClient returns the shared vendor API client.
func (b *Base) HTTPClient() *http.Client { return b.http }

// Credential decrypts the named stored credential for the duration of one
// request. Missing credential or missing vault is a configuration
// failure; an undecryptable value is surfaced as-is and never degrades to
// an empty string.
func (b *Base) Credential(name string) (string, error) {
	ct := b.settings.Credentials[name]
	if ct == "" {
		return "", Errf(CodeNotConfigured, "%s: credential %q not set", b.settings.Identity, name)
	}
	if b.vault == nil {
		return "", Errf(CodeNotConfigured, "%s: no vault available to decrypt %q", b.settings.Identity, name)
	}
	pt, err := b.vault.Decrypt(ct)
	if err != nil {
		return "", err
	}
	return pt, nil
}

// HasCredential reports whether the named credential is stored, without
// decrypting it.
func (b *Base) HasCredential(name string) bool {
	return b.settings.Credentials[name] != ""
}

// SendText is the default for providers without text chat.
func (b *Base) SendText(context.Context, TextMessage) (*TextResponse, error) {
	return nil, Errf(CodeNotSupported, "%s: text chat not supported", b.settings.Identity)
}

// Capabilities defaults to the empty set.
func (b *Base) Capabilities() models.CapabilitySet {
	return models.CapabilitySet{}
}

// LiveURL defaults to empty; adapters with a realtime endpoint override.
func (b *Base) LiveURL(*models.AccessToken) string { return "" }
