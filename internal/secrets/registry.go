// Package secrets resolves (provider, key_id) pairs to an ordered list of
// candidate HMAC signing secrets, supporting current/previous rotation
// windows and per-key overrides.
package secrets

import "encoding/json"

// providerEntry is the structured rotation-mode shape:
// {"current": "...", "previous": ["..."], "keys": {"key_id": "..."}}.
type providerEntry struct {
	Current  string            `json:"current"`
	Previous []string          `json:"previous"`
	Keys     map[string]string `json:"keys"`
}

// Registry is read-only after construction and safe for concurrent use
// without locking.
type Registry struct {
	simple   map[string]string
	rotating map[string]providerEntry
}

// DefaultSecrets is the built-in fallback map, used when
// WEBHOOK_SECRETS_JSON is unset.
func DefaultSecrets() map[string]any {
	return map[string]any{
		"stripe":      "stripe_secret_here",
		"mercadopago": "mp_secret_here",
		"test":        "test_secret",
	}
}

// NewRegistry builds a Registry from a raw JSON-decoded map, as produced by
// unmarshalling WEBHOOK_SECRETS_JSON (or DefaultSecrets()). Each value is
// either a plain string (simple mode) or an object matching providerEntry
// (rotation mode); anything else is dropped silently, matching the
// original's defensive isinstance checks.
func NewRegistry(raw map[string]any) *Registry {
	r := &Registry{
		simple:   make(map[string]string),
		rotating: make(map[string]providerEntry),
	}
	for provider, value := range raw {
		switch v := value.(type) {
		case string:
			r.simple[provider] = v
		case map[string]any:
			entry := providerEntry{Keys: make(map[string]string)}
			if cur, ok := v["current"].(string); ok {
				entry.Current = cur
			}
			if prev, ok := v["previous"].([]any); ok {
				for _, p := range prev {
					if s, ok := p.(string); ok {
						entry.Previous = append(entry.Previous, s)
					}
				}
			}
			if keys, ok := v["keys"].(map[string]any); ok {
				for k, s := range keys {
					if str, ok := s.(string); ok {
						entry.Keys[k] = str
					}
				}
			}
			r.rotating[provider] = entry
		}
	}
	return r
}

// NewRegistryFromJSON parses the WEBHOOK_SECRETS_JSON environment variable
// payload directly.
func NewRegistryFromJSON(data []byte) (*Registry, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return NewRegistry(raw), nil
}

// Candidates returns the ordered, deduplicated list of secrets that should
// be tried for provider/keyID. An unknown provider returns an empty slice.
func (r *Registry) Candidates(provider, keyID string) []string {
	if secret, ok := r.simple[provider]; ok {
		return []string{secret}
	}

	entry, ok := r.rotating[provider]
	if !ok {
		return nil
	}

	var candidates []string
	if keyID != "" {
		if secret, ok := entry.Keys[keyID]; ok {
			candidates = append(candidates, secret)
		}
	}
	if entry.Current != "" {
		candidates = append(candidates, entry.Current)
	}
	candidates = append(candidates, entry.Previous...)

	return dedupe(candidates)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
