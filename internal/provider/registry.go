package provider

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry maps provider identities to constructors and caches built
// adapter instances by (identity, settings fingerprint). Both the server
// and the client runtime own their own Registry; there is no
// process-wide instance, which keeps cache lifetime and test isolation
// explicit. Thread-safe.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	instances    map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
		instances:    make(map[string]Provider),
	}
}

// Register adds a constructor under the given identity. Registering an
// alias means binding a second identity string to the same constructor —
// Create does not special-case aliasing.
func (r *Registry) Register(identity string, ctor Constructor) {
	r.mu.Lock()
	r.constructors[identity] = ctor
	r.mu.Unlock()
	log.Debug().Str("provider", identity).Msg("provider registered")
}

// Identities returns all registered identities, sorted.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.constructors))
	for id := range r.constructors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Known reports whether an identity is registered.
func (r *Registry) Known(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constructors[identity]
	return ok
}

// Create returns the adapter for identity+settings, building and caching
// it on first use. Settings equality is by value: two calls with
// identical settings return the same instance; changed settings yield a
// distinct one.
func (r *Registry) Create(identity string, s Settings, deps Deps) (Provider, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[identity]
	r.mu.RUnlock()
	if !ok {
		return nil, Errf(CodeUnknownProvider, "provider %q is not registered", identity)
	}

	key := identity + "\x00" + fingerprint(s)

	r.mu.RLock()
	inst, hit := r.instances[key]
	r.mu.RUnlock()
	if hit {
		return inst, nil
	}

	s.Identity = identity
	built, err := ctor(s, deps)
	if err != nil {
		return nil, fmt.Errorf("construct provider %q: %w", identity, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another goroutine may have built the same adapter meanwhile; keep
	// the first so cached instances stay reference-identical.
	if inst, hit := r.instances[key]; hit {
		return inst, nil
	}
	r.instances[key] = built
	return built, nil
}

// ClearCache drops all cached instances. Callers must not hold adapter
// references across a clear.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	r.instances = make(map[string]Provider)
	r.mu.Unlock()
}

// fingerprint canonicalizes settings for cache keying. Map keys are
// sorted by the JSON encoder, so equal-by-value settings always produce
// the same fingerprint.
func fingerprint(s Settings) string {
	b, err := json.Marshal(s)
	if err != nil {
		// Settings is a plain data struct; Marshal cannot fail on it.
		return fmt.Sprintf("%+v", s)
	}
	return string(b)
}
