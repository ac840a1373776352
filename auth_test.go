package serverbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeProviderAuthDedupsKeepingLast(t *testing.T) {
	in := []ProviderAuth{
		{Provider: "anthropic", APIKey: "old", Env: "ANTHROPIC_API_KEY"},
		{Provider: "anthropic", APIKey: "new", Env: "ANTHROPIC_API_KEY"},
	}
	out, err := NormalizeProviderAuth(in)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "new", out[0].APIKey)
}

func TestNormalizeProviderAuthRejectsEmptyAPIKey(t *testing.T) {
	_, err := NormalizeProviderAuth([]ProviderAuth{{Provider: "p", Env: "E"}})
	require.True(t, IsKind(err, KindMissingAuth))
}

func TestNormalizeProviderAuthRejectsEmptyEnv(t *testing.T) {
	_, err := NormalizeProviderAuth([]ProviderAuth{{Provider: "p", APIKey: "k"}})
	require.True(t, IsKind(err, KindInvalidConfig))
}

func TestResolveProviderAuthSynthesizesFromZenEnv(t *testing.T) {
	getenv := func(name string) string {
		if name == "OPENCODE_ZEN_API_KEY" {
			return "zen-key"
		}
		return ""
	}
	out, err := ResolveProviderAuth(nil, getenv)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "opencode", out[0].Provider)
	require.Equal(t, "zen-key", out[0].APIKey)
}

func TestResolveProviderAuthFallsBackToPlainEnv(t *testing.T) {
	getenv := func(name string) string {
		if name == "OPENCODE_API_KEY" {
			return "plain-key"
		}
		return ""
	}
	out, err := ResolveProviderAuth(nil, getenv)
	require.NoError(t, err)
	require.Equal(t, "plain-key", out[0].APIKey)
}

func TestResolveProviderAuthEmptyWithNoEnvFails(t *testing.T) {
	_, err := ResolveProviderAuth(nil, func(string) string { return "" })
	require.True(t, IsKind(err, KindMissingAuth))
}

func TestResolveProviderAuthPrefersSuppliedEntries(t *testing.T) {
	entries := []ProviderAuth{{Provider: "anthropic", APIKey: "k", Env: "ANTHROPIC_API_KEY"}}
	out, err := ResolveProviderAuth(entries, func(string) string { return "zen-key" })
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "anthropic", out[0].Provider)
}

func TestFindProviderAuthExactAndFallback(t *testing.T) {
	entries := []ProviderAuth{
		{Provider: "", APIKey: "default-key", Env: "DEFAULT"},
		{Provider: "anthropic", APIKey: "anthropic-key", Env: "ANTHROPIC_API_KEY"},
	}
	got, ok := FindProviderAuth(entries, "anthropic")
	require.True(t, ok)
	require.Equal(t, "anthropic-key", got.APIKey)

	got, ok = FindProviderAuth(entries, "openai")
	require.True(t, ok)
	require.Equal(t, "default-key", got.APIKey)

	_, ok = FindProviderAuth(nil, "openai")
	require.False(t, ok)
}

func TestEnvMap(t *testing.T) {
	entries := []ProviderAuth{{Provider: "p", APIKey: "k", Env: "P_API_KEY"}}
	require.Equal(t, map[string]string{"P_API_KEY": "k"}, EnvMap(entries))
}
