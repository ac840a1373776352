package serverbox

import "fmt"

// ResolveProviderAuth applies the no-input fallback before normalizing:
// when entries is empty, it checks getenv for OPENCODE_ZEN_API_KEY first,
// then OPENCODE_API_KEY, and synthesizes a single "opencode" entry from
// whichever is set, exported under that same env var name. An empty entries with neither env var set fails
// with MISSING_AUTH rather than silently producing zero providers.
func ResolveProviderAuth(entries []ProviderAuth, getenv func(string) string) ([]ProviderAuth, error) {
	if len(entries) == 0 {
		for _, env := range []string{"OPENCODE_ZEN_API_KEY", "OPENCODE_API_KEY"} {
			if key := getenv(env); key != "" {
				entries = []ProviderAuth{{Provider: "opencode", APIKey: key, Env: env}}
				break
			}
		}
		if len(entries) == 0 {
			return nil, NewError(KindMissingAuth, "no provider credentials supplied and no OPENCODE_ZEN_API_KEY/OPENCODE_API_KEY in environment")
		}
	}
	return NormalizeProviderAuth(entries)
}

// ProviderAuth is one caller-supplied credential entry for a sandbox
// provider: an API key, optionally scoped to a provider name and
// projected into the sandbox's environment under env.
type ProviderAuth struct {
	Provider string // e.g. "daytona"; empty means "default provider"
	APIKey   string
	Env      string // env var name the key is exposed under inside the sandbox, e.g. "DAYTONA_API_KEY"
}

// NormalizeProviderAuth dedups entries (last entry for a given Provider
// wins) and validates that every entry has a non-empty APIKey and Env.
// Entries from an auth bundle (internal/authbundle) and entries supplied
// directly are merged through this single entry point: bundle entries are
// expected to come first in entries so that directly-supplied entries can
// override them.
func NormalizeProviderAuth(entries []ProviderAuth) ([]ProviderAuth, error) {
	byProvider := make(map[string]ProviderAuth, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.APIKey == "" {
			return nil, NewError(KindMissingAuth, fmt.Sprintf("provider %q: api key is empty", e.Provider))
		}
		if e.Env == "" {
			return nil, NewError(KindInvalidConfig, fmt.Sprintf("provider %q: env var name is empty", e.Provider))
		}
		if _, seen := byProvider[e.Provider]; !seen {
			order = append(order, e.Provider)
		}
		byProvider[e.Provider] = e
	}
	out := make([]ProviderAuth, 0, len(order))
	for _, p := range order {
		out = append(out, byProvider[p])
	}
	return out, nil
}

// FindProviderAuth returns the entry for provider, or the entry with an
// empty Provider (the default) if no exact match exists.
func FindProviderAuth(entries []ProviderAuth, provider string) (ProviderAuth, bool) {
	var fallback ProviderAuth
	haveFallback := false
	for _, e := range entries {
		if e.Provider == provider {
			return e, true
		}
		if e.Provider == "" {
			fallback, haveFallback = e, true
		}
	}
	return fallback, haveFallback
}

// EnvMap projects entries into the environment-variable map a Bootstrap
// Driver injects into the upstream process, keyed by each entry's Env name.
func EnvMap(entries []ProviderAuth) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.Env] = e.APIKey
	}
	return out
}
