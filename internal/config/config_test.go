package config

import (
	"os"
	"path/filepath"
	"testing"

	"aquadrop/internal/constants"
	"aquadrop/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `{
	"pusher": {"app_key": "key-123", "cluster": "eu"},
	"backend": {"api_base_url": "https://api.aquadrop.example", "api_token": "tok"},
	"chat": {"user_id": "u1"},
	"orders": {"watch": ["42", "43"]},
	"database": {"path": "aquadrop.db"},
	"relay": {"upstream_url": "https://api.aquadrop.example"}
}`

var envKeys = []string{
	"PUSHER_APP_KEY", "PUSHER_CLUSTER", "PUSHER_HOST", "PUSHER_AUTH_ENDPOINT",
	"BACKEND_API_URL", "BACKEND_API_TOKEN", "CHAT_USER_ID", "DB_PATH",
	"RELAY_UPSTREAM_URL", "AQUADROP_API_TOKEN", "LOG_LEVEL", "AQUADROP_ENV",
}

// clearEnv blanks every variable the loader reads; t.Setenv restores them.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	c, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "eu", c.Pusher.Cluster)
	assert.True(t, c.Pusher.TLSEnabled())
	assert.Equal(t, constants.DefaultActivityTimeoutSec, c.Pusher.ActivityTimeoutSec)
	assert.Equal(t, "https://api.aquadrop.example/broadcasting/auth", c.Pusher.AuthEndpoint)
	assert.Equal(t, constants.DefaultChatChannel, c.Chat.Channel)
	assert.Equal(t, constants.DefaultSendTimeoutSec, c.Chat.SendTimeoutSec)
	assert.Equal(t, constants.DefaultEchoWindowSec, c.Chat.EchoWindowSec)
	assert.Equal(t, constants.DefaultDedupBucketSec, c.Chat.DedupBucketSec)
	assert.Equal(t, constants.DefaultServerPort, c.Server.Port)
	assert.Equal(t, constants.DefaultRelayMaxAttempts, c.Relay.MaxAttempts)
	assert.Equal(t, []string{"/api/"}, c.Relay.PathPrefixes)
	assert.Equal(t, constants.DefaultRetentionDays, c.RetentionDays)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, []string{"42", "43"}, c.Orders.Watch)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PUSHER_APP_KEY", "env-key")
	t.Setenv("PUSHER_HOST", "ws.internal")
	t.Setenv("BACKEND_API_URL", "http://localhost:8000")
	t.Setenv("CHAT_USER_ID", "u-env")
	t.Setenv("DB_PATH", ":memory:")
	t.Setenv("AQUADROP_API_TOKEN", "agent-secret")

	c, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)
	assert.Equal(t, "env-key", c.Pusher.AppKey)
	assert.Equal(t, "ws.internal", c.Pusher.Host)
	assert.Equal(t, "http://localhost:8000", c.Backend.APIBaseURL)
	assert.Equal(t, "u-env", c.Chat.UserID)
	assert.Equal(t, ":memory:", c.Database.Path)
	assert.Equal(t, "agent-secret", c.Server.APIToken)
}

func TestLoadConfig_FromEnvironmentOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv("PUSHER_APP_KEY", "k")
	t.Setenv("BACKEND_API_URL", "https://api.aquadrop.example")
	t.Setenv("CHAT_USER_ID", "u1")
	t.Setenv("DB_PATH", "aquadrop.db")

	c, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, constants.DefaultPusherCluster, c.Pusher.Cluster)
}

func TestLoadConfig_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
		message string
	}{
		{
			name:    "missing app key",
			content: `{"backend":{"api_base_url":"https://b.example"},"chat":{"user_id":"u"},"database":{"path":"x.db"}}`,
			want:    ErrMissingAppKey,
		},
		{
			name:    "missing backend",
			content: `{"pusher":{"app_key":"k"},"chat":{"user_id":"u"},"database":{"path":"x.db"}}`,
			want:    ErrMissingBackendURL,
		},
		{
			name:    "missing user",
			content: `{"pusher":{"app_key":"k"},"backend":{"api_base_url":"https://b.example"},"database":{"path":"x.db"}}`,
			want:    ErrMissingUserID,
		},
		{
			name:    "missing db path",
			content: `{"pusher":{"app_key":"k"},"backend":{"api_base_url":"https://b.example"},"chat":{"user_id":"u"}}`,
			want:    ErrMissingDBPath,
		},
		{
			name:    "db path traversal",
			content: `{"pusher":{"app_key":"k"},"backend":{"api_base_url":"https://b.example"},"chat":{"user_id":"u"},"database":{"path":"../x.db"}}`,
			message: "invalid database path",
		},
		{
			name:    "duplicate watched order",
			content: `{"pusher":{"app_key":"k"},"backend":{"api_base_url":"https://b.example"},"chat":{"user_id":"u"},"database":{"path":"x.db"},"orders":{"watch":["1","1"]}}`,
			message: "duplicate watched order",
		},
		{
			name:    "backoff bounds",
			content: `{"pusher":{"app_key":"k"},"backend":{"api_base_url":"https://b.example"},"chat":{"user_id":"u"},"database":{"path":"x.db"},"retry":{"initialBackoffMs":5000,"maxBackoffMs":100}}`,
			message: "maxBackoffMs",
		},
		{
			name:    "backend scheme",
			content: `{"pusher":{"app_key":"k"},"backend":{"api_base_url":"ftp://b.example"},"chat":{"user_id":"u"},"database":{"path":"x.db"}}`,
			message: "invalid backend URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := LoadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
			if tt.want != nil {
				assert.Equal(t, tt.want, err)
			}
			if tt.message != "" {
				assert.Contains(t, err.Error(), tt.message)
				var cfgErr models.ConfigError
				assert.ErrorAs(t, err, &cfgErr)
			}
		})
	}
}

func TestLoadConfig_FileErrors(t *testing.T) {
	clearEnv(t)
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, `{not json`))
	assert.Error(t, err)

	_, err = LoadConfig("../../etc/config.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config path")
}

func TestLoadConfig_Production(t *testing.T) {
	tests := []struct {
		name    string
		mutate  string
		message string
	}{
		{"plain http backend", `"backend": {"api_base_url": "http://api.aquadrop.example", "api_token": "tok"}`, "plain http"},
		{"missing token", `"backend": {"api_base_url": "https://api.aquadrop.example"}`, "token is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("AQUADROP_ENV", "production")
			content := `{"pusher":{"app_key":"k"},"chat":{"user_id":"u"},"database":{"path":"x.db"},` + tt.mutate + `}`
			_, err := LoadConfig(writeConfig(t, content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}

	t.Run("debug logging", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("AQUADROP_ENV", "production")
		t.Setenv("LOG_LEVEL", "debug")
		_, err := LoadConfig(writeConfig(t, validConfig))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "debug logging")
	})

	t.Run("valid", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("AQUADROP_ENV", "production")
		_, err := LoadConfig(writeConfig(t, validConfig))
		assert.NoError(t, err)
	})
}

func TestLoadRelayConfig(t *testing.T) {
	clearEnv(t)
	c, err := LoadRelayConfig(writeConfig(t, `{"relay":{"upstream_url":"https://api.aquadrop.example","pathPrefixes":["/api/","/broadcasting/"]}}`))
	require.NoError(t, err)
	assert.Equal(t, constants.DefaultRelayPort, c.Relay.ListenPort)
	assert.Equal(t, []string{"/api/", "/broadcasting/"}, c.Relay.PathPrefixes)

	_, err = LoadRelayConfig(writeConfig(t, `{}`))
	assert.Equal(t, ErrMissingUpstream, err)

	_, err = LoadRelayConfig(writeConfig(t, `{"relay":{"upstream_url":"https://x.example","pathPrefixes":["api"]}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must start with")

	t.Setenv("RELAY_UPSTREAM_URL", "http://127.0.0.1:9000")
	c, err = LoadRelayConfig("")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9000", c.Relay.UpstreamURL)
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("CHAT_USER_ID=from-dotenv\nPUSHER_CLUSTER=ap2\n"), 0o600))
	require.NoError(t, os.Unsetenv("CHAT_USER_ID"))
	t.Setenv("PUSHER_CLUSTER", "kept")

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), envFile))
	t.Cleanup(func() { _ = os.Unsetenv("CHAT_USER_ID") })

	assert.Equal(t, "from-dotenv", os.Getenv("CHAT_USER_ID"))
	assert.Equal(t, "kept", os.Getenv("PUSHER_CLUSTER"), "existing variables win")
}
