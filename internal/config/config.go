package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"aquadrop/internal/constants"
	"aquadrop/internal/models"
	"aquadrop/internal/security"

	"github.com/joho/godotenv"
)

var (
	ErrMissingAppKey     = models.ConfigError{Message: "missing pusher app key (set PUSHER_APP_KEY)"}
	ErrMissingBackendURL = models.ConfigError{Message: "missing backend API URL (set BACKEND_API_URL)"}
	ErrMissingUserID     = models.ConfigError{Message: "missing chat user id (set CHAT_USER_ID)"}
	ErrMissingDBPath     = models.ConfigError{Message: "missing database path"}
	ErrMissingUpstream   = models.ConfigError{Message: "missing relay upstream URL (set RELAY_UPSTREAM_URL)"}
)

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are skipped and existing variables win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// LoadConfig reads the agent configuration: JSON file, then environment
// overrides, then defaults, then validation.
func LoadConfig(path string) (*models.Config, error) {
	c, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := validate(c); err != nil {
		return nil, err
	}
	if err := validateSecurity(c); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadRelayConfig reads a configuration that only needs the relay section
func LoadRelayConfig(path string) (*models.Config, error) {
	c, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := validateRelay(c); err != nil {
		return nil, err
	}
	return c, nil
}

func load(path string) (*models.Config, error) {
	var c models.Config
	if path != "" {
		if err := security.ValidateFilePath(path); err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
		file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(file, &c); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	applyEnvironmentOverrides(&c)
	applyDefaults(&c)
	return &c, nil
}

func applyEnvironmentOverrides(c *models.Config) {
	overrides := []struct {
		env    string
		target *string
	}{
		{"PUSHER_APP_KEY", &c.Pusher.AppKey},
		{"PUSHER_CLUSTER", &c.Pusher.Cluster},
		{"PUSHER_HOST", &c.Pusher.Host},
		{"PUSHER_AUTH_ENDPOINT", &c.Pusher.AuthEndpoint},
		{"BACKEND_API_URL", &c.Backend.APIBaseURL},
		{"BACKEND_API_TOKEN", &c.Backend.APIToken},
		{"CHAT_USER_ID", &c.Chat.UserID},
		{"DB_PATH", &c.Database.Path},
		{"RELAY_UPSTREAM_URL", &c.Relay.UpstreamURL},
		{"AQUADROP_API_TOKEN", &c.Server.APIToken},
		{"LOG_LEVEL", &c.LogLevel},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.env)); v != "" {
			*o.target = v
		}
	}
}

func applyDefaults(c *models.Config) {
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}

	if c.Pusher.Cluster == "" && c.Pusher.Host == "" {
		c.Pusher.Cluster = constants.DefaultPusherCluster
	}
	setInt(&c.Pusher.ActivityTimeoutSec, constants.DefaultActivityTimeoutSec)
	setInt(&c.Pusher.PongTimeoutSec, constants.DefaultPongTimeoutSec)
	if c.Pusher.AuthEndpoint == "" && c.Backend.APIBaseURL != "" {
		c.Pusher.AuthEndpoint = strings.TrimRight(c.Backend.APIBaseURL, "/") + "/broadcasting/auth"
	}

	setInt(&c.Backend.TimeoutSec, constants.DefaultBackendTimeoutSec)

	if c.Chat.Channel == "" {
		c.Chat.Channel = constants.DefaultChatChannel
	}
	setInt(&c.Chat.SendTimeoutSec, constants.DefaultSendTimeoutSec)
	setInt(&c.Chat.EchoWindowSec, constants.DefaultEchoWindowSec)
	setInt(&c.Chat.DedupBucketSec, constants.DefaultDedupBucketSec)
	setInt(&c.Chat.StalePendingSec, constants.DefaultStalePendingSec)
	setInt(&c.Chat.MonitorEverySec, constants.DefaultMonitorIntervalSec)
	setInt(&c.Chat.BreakerFailures, constants.DefaultBreakerFailures)
	setInt(&c.Chat.BreakerCooldownS, constants.DefaultBreakerCooldownSec)

	setInt(&c.Server.Port, constants.DefaultServerPort)
	setInt(&c.Server.ShutdownTimeoutSec, constants.DefaultGracefulShutdownSec)

	setInt(&c.Relay.ListenPort, constants.DefaultRelayPort)
	setInt(&c.Relay.MaxAttempts, constants.DefaultRelayMaxAttempts)
	setInt(&c.Relay.BackoffStepMs, constants.DefaultRelayBackoffStepMs)
	setInt(&c.Relay.TimeoutSec, constants.DefaultRelayTimeoutSec)
	setInt(&c.Relay.RateLimitBurst, constants.DefaultRelayRateBurst)
	if c.Relay.RateLimitPerSec <= 0 {
		c.Relay.RateLimitPerSec = constants.DefaultRelayRateLimit
	}
	if len(c.Relay.PathPrefixes) == 0 {
		c.Relay.PathPrefixes = []string{"/api/"}
	}

	setInt(&c.Retry.InitialBackoffMs, constants.DefaultReconnectInitialMs)
	setInt(&c.Retry.MaxBackoffMs, constants.DefaultReconnectMaxMs)

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "aquadrop"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	setInt(&c.RetentionDays, constants.DefaultRetentionDays)
}

func validate(c *models.Config) error {
	if c.Pusher.AppKey == "" {
		return ErrMissingAppKey
	}
	if c.Backend.APIBaseURL == "" {
		return ErrMissingBackendURL
	}
	if c.Chat.UserID == "" {
		return ErrMissingUserID
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if err := security.ValidateDBPath(c.Database.Path); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid database path: %v", err)}
	}
	if c.Retry.MaxBackoffMs < c.Retry.InitialBackoffMs {
		return models.ConfigError{Message: "retry.maxBackoffMs must not be below retry.initialBackoffMs"}
	}
	seen := make(map[string]bool, len(c.Orders.Watch))
	for _, id := range c.Orders.Watch {
		id = strings.TrimSpace(id)
		if id == "" {
			return models.ConfigError{Message: "orders.watch contains an empty order id"}
		}
		if seen[id] {
			return models.ConfigError{Message: fmt.Sprintf("duplicate watched order: %s", id)}
		}
		seen[id] = true
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing.sample_rate must be between 0 and 1"}
	}
	return nil
}

func validateRelay(c *models.Config) error {
	if c.Relay.UpstreamURL == "" {
		return ErrMissingUpstream
	}
	if err := security.ValidateUpstreamURL(c.Relay.UpstreamURL, !isProduction()); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid relay upstream: %v", err)}
	}
	for _, p := range c.Relay.PathPrefixes {
		if !strings.HasPrefix(p, "/") {
			return models.ConfigError{Message: fmt.Sprintf("relay path prefix must start with '/': %q", p)}
		}
	}
	return nil
}

func isProduction() bool {
	return os.Getenv("AQUADROP_ENV") == "production"
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	if err := security.ValidateUpstreamURL(c.Backend.APIBaseURL, !isProduction()); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid backend URL: %v", err)}
	}
	if !isProduction() {
		if c.Backend.APIToken == "" {
			fmt.Fprintf(os.Stderr, "WARNING: BACKEND_API_TOKEN not set. Private channels and sends will be rejected by the backend.\n")
		}
		return nil
	}

	if c.Backend.APIToken == "" {
		return models.ConfigError{Message: "backend API token is required in production (set BACKEND_API_TOKEN)"}
	}
	if !c.Pusher.TLSEnabled() {
		return models.ConfigError{Message: "pusher TLS cannot be disabled in production"}
	}
	if c.LogLevel == "debug" {
		return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
	}
	return nil
}
