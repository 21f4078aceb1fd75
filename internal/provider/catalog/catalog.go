// Package catalog wires the built-in provider adapters into a registry.
// Aliases ("n8n-retell", "n8n-elevenlabs") are proxied variants that
// reuse the same adapter behind a different identity — a pure
// registration-time decision, the registry does not special-case them.
package catalog

import (
	"github.com/voicebridge/voicebridge/internal/provider"
	"github.com/voicebridge/voicebridge/internal/provider/elevenlabs"
	"github.com/voicebridge/voicebridge/internal/provider/retell"
)

// Identities lists the canonical providers in preference order; the
// token service picks the first enabled+configured one as active.
var Identities = []string{"retell", "elevenlabs"}

// Register binds all built-in constructors to the registry.
func Register(r *provider.Registry) {
	r.Register("retell", retell.New)
	r.Register("n8n-retell", retell.New)
	r.Register("elevenlabs", elevenlabs.New)
	r.Register("n8n-elevenlabs", elevenlabs.New)
}
