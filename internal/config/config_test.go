package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearServerboxEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"SERVERBOX_ADMIN_API_KEY", "SERVERBOX_PROXY_API_KEY", "SERVERBOX_PROXY_HOST",
		"SERVERBOX_PROXY_PORT", "SERVERBOX_PROXY_AUTO_RESUME", "SERVERBOX_PROXY_RESUME_TIMEOUT_MS",
		"SERVERBOX_PROXY_REQUEST_TIMEOUT_MS", "SERVERBOX_PROXY_REQUEST_LOGS", "SERVERBOX_LOG_LEVEL",
		"SERVERBOX_DB_PATH", "DAYTONA_API_KEY", "DAYTONA_API_URL", "DAYTONA_TARGET",
		"SERVERBOX_METRICS_LISTEN", "SERVERBOX_AUTH_BUNDLE_PATH", "SERVERBOX_AUTH_BUNDLE_AGE_KEY",
	}
	for _, v := range vars {
		old, had := os.LookupEnv(v)
		os.Unsetenv(v)
		t.Cleanup(func() {
			if had {
				os.Setenv(v, old)
			}
		})
	}
}

func TestLoadRequiresAdminAPIKey(t *testing.T) {
	clearServerboxEnv(t)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVERBOX_ADMIN_API_KEY")
}

func TestLoadDefaultsProxyKeyToAdminKey(t *testing.T) {
	clearServerboxEnv(t)
	os.Setenv("SERVERBOX_ADMIN_API_KEY", "secret-admin")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "secret-admin", cfg.ProxyAPIKey)
	assert.Equal(t, "0.0.0.0", cfg.ProxyHost)
	assert.Equal(t, 7788, cfg.ProxyPort)
	assert.True(t, cfg.AutoResume)
	assert.Equal(t, 60*time.Second, cfg.ResumeTimeout)
}

func TestLoadExplicitProxyKeyEmptyDisablesProxyAuth(t *testing.T) {
	clearServerboxEnv(t)
	os.Setenv("SERVERBOX_ADMIN_API_KEY", "secret-admin")
	os.Setenv("SERVERBOX_PROXY_API_KEY", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.ProxyAPIKey)
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	clearServerboxEnv(t)
	os.Setenv("SERVERBOX_ADMIN_API_KEY", "secret-admin")
	os.Setenv("SERVERBOX_LOG_LEVEL", "verbose")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVERBOX_LOG_LEVEL")
}

func TestLoadParsesResumeTimeoutMillis(t *testing.T) {
	clearServerboxEnv(t)
	os.Setenv("SERVERBOX_ADMIN_API_KEY", "secret-admin")
	os.Setenv("SERVERBOX_PROXY_RESUME_TIMEOUT_MS", "1500")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.ResumeTimeout)
}

func TestListenAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProxyHost = "127.0.0.1"
	cfg.ProxyPort = 9999
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr())
}
