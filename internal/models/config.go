package models

// Config holds the application configuration
type Config struct {
	Pusher        PusherConfig   `json:"pusher"`
	Backend       BackendConfig  `json:"backend"`
	Chat          ChatConfig     `json:"chat"`
	Orders        OrdersConfig   `json:"orders"`
	Database      DatabaseConfig `json:"database"`
	Server        ServerConfig   `json:"server"`
	Relay         RelayConfig    `json:"relay"`
	Retry         RetryConfig    `json:"retry"`
	Tracing       TracingConfig  `json:"tracing"`
	LogLevel      string         `json:"log_level"`
	RetentionDays int            `json:"retentionDays"`
}

// PusherConfig describes the hosted pub/sub service
type PusherConfig struct {
	AppKey             string `json:"app_key"`
	Cluster            string `json:"cluster"`
	Host               string `json:"host"`
	Port               int    `json:"port"`
	UseTLS             *bool  `json:"use_tls"`
	AuthEndpoint       string `json:"auth_endpoint"`
	ActivityTimeoutSec int    `json:"activityTimeoutSec"`
	PongTimeoutSec     int    `json:"pongTimeoutSec"`
}

// TLSEnabled defaults to true when unset
func (p PusherConfig) TLSEnabled() bool {
	return p.UseTLS == nil || *p.UseTLS
}

// BackendConfig holds the REST backend settings
type BackendConfig struct {
	APIBaseURL string `json:"api_base_url"`
	APIToken   string `json:"api_token"`
	TimeoutSec int    `json:"timeoutSec"`
}

// ChatConfig holds the chat pipeline settings
type ChatConfig struct {
	UserID           string `json:"user_id"`
	Channel          string `json:"channel"`
	SendTimeoutSec   int    `json:"sendTimeoutSec"`
	EchoWindowSec    int    `json:"echoWindowSec"`
	DedupBucketSec   int    `json:"dedupBucketSec"`
	StalePendingSec  int    `json:"stalePendingSec"`
	MonitorEverySec  int    `json:"monitorEverySec"`
	BreakerFailures  int    `json:"breakerFailures"`
	BreakerCooldownS int    `json:"breakerCooldownSec"`
}

// OrdersConfig lists orders the agent tracks from startup
type OrdersConfig struct {
	Watch []string `json:"watch"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path"`
}

// ServerConfig holds the local HTTP API settings
type ServerConfig struct {
	Port int `json:"port"`
	// APIToken guards the agent API when set. Read from the environment only.
	APIToken           string `json:"-"`
	ShutdownTimeoutSec int    `json:"shutdownTimeoutSec"`
}

// RelayConfig holds the HTTP relay settings
type RelayConfig struct {
	ListenPort      int      `json:"listenPort"`
	UpstreamURL     string   `json:"upstream_url"`
	PathPrefixes    []string `json:"pathPrefixes"`
	MaxAttempts     int      `json:"maxAttempts"`
	BackoffStepMs   int      `json:"backoffStepMs"`
	TimeoutSec      int      `json:"timeoutSec"`
	AllowedOrigins  []string `json:"allowedOrigins"`
	RateLimitPerSec float64  `json:"rateLimitPerSec"`
	RateLimitBurst  int      `json:"rateLimitBurst"`
	// TrustForwarded keys rate limits on X-Forwarded-For. Enable only behind a proxy.
	TrustForwarded bool `json:"trustForwarded"`
}

// RetryConfig holds reconnect backoff settings
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	UseStdout      bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
