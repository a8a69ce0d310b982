package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"panelrelay/pkg/validation"

	"github.com/pion/webrtc/v3"
	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path           string        `yaml:"path"`
		PublicURL      string        `yaml:"public_url"`
		ViewerURL      string        `yaml:"viewer_url"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		SendQueueSize  int           `yaml:"send_queue_size"`
		EventQueueSize int           `yaml:"event_queue_size"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	Lifecycle struct {
		GraceWindow     time.Duration `yaml:"grace_window"`
		HeartbeatWindow time.Duration `yaml:"heartbeat_window"`
		SweepInterval   time.Duration `yaml:"sweep_interval"`
	} `yaml:"lifecycle"`

	Auth struct {
		// MonitorMode selects how register-monitor credentials are checked: api_key or jwt.
		MonitorMode        string `yaml:"monitor_mode"`
		MonitorAPIKey      string `yaml:"monitor_api_key"`
		JWTSecret          string `yaml:"jwt_secret"`
		JWTIssuer          string `yaml:"jwt_issuer"`
		ControlPlaneAPIKey string `yaml:"control_plane_api_key"`
	} `yaml:"auth"`

	ControlPlane struct {
		WebhookURL string        `yaml:"webhook_url"`
		Timeout    time.Duration `yaml:"timeout"`
		Retry      struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"retry"`
		Breaker struct {
			MaxFailures  int           `yaml:"max_failures"`
			ResetTimeout time.Duration `yaml:"reset_timeout"`
		} `yaml:"breaker"`
	} `yaml:"control_plane"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		ServiceName    string  `yaml:"service_name"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled   bool          `yaml:"enabled"`
		Address   string        `yaml:"address"`
		Password  string        `yaml:"password"`
		DB        int           `yaml:"db"`
		PoolSize  int           `yaml:"pool_size"`
		KeyPrefix string        `yaml:"key_prefix"`
		Channel   string        `yaml:"channel"`
		TTL       time.Duration `yaml:"ttl"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Path == "" || c.Signal.Path[0] != '/' {
		return fmt.Errorf("signal.path must start with /")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if err := validation.ValidateURL(c.Signal.PublicURL); err != nil {
		return fmt.Errorf("signal.public_url: %w", err)
	}
	if err := validation.ValidateURL(c.Signal.ViewerURL); err != nil {
		return fmt.Errorf("signal.viewer_url: %w", err)
	}
	if c.Signal.SendQueueSize <= 0 {
		return fmt.Errorf("signal.send_queue_size must be > 0")
	}
	if c.Signal.EventQueueSize <= 0 {
		return fmt.Errorf("signal.event_queue_size must be > 0")
	}

	// Lifecycle
	if c.Lifecycle.GraceWindow <= 0 {
		return fmt.Errorf("lifecycle.grace_window must be > 0")
	}
	if c.Lifecycle.HeartbeatWindow <= 0 {
		return fmt.Errorf("lifecycle.heartbeat_window must be > 0")
	}
	if c.Lifecycle.SweepInterval <= 0 {
		return fmt.Errorf("lifecycle.sweep_interval must be > 0")
	}

	// Auth
	switch c.Auth.MonitorMode {
	case "api_key":
		if c.Auth.MonitorAPIKey == "" {
			return fmt.Errorf("auth.monitor_api_key must not be empty when auth.monitor_mode=api_key")
		}
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.monitor_mode=jwt")
		}
	default:
		return fmt.Errorf("auth.monitor_mode must be api_key or jwt, got %q", c.Auth.MonitorMode)
	}
	if c.Auth.ControlPlaneAPIKey == "" {
		return fmt.Errorf("auth.control_plane_api_key must not be empty")
	}

	// Control plane
	if c.ControlPlane.WebhookURL != "" {
		if err := validation.ValidateURL(c.ControlPlane.WebhookURL); err != nil {
			return fmt.Errorf("control_plane.webhook_url: %w", err)
		}
		if c.ControlPlane.Timeout <= 0 {
			return fmt.Errorf("control_plane.timeout must be > 0")
		}
		if c.ControlPlane.Retry.MaxAttempts <= 0 {
			return fmt.Errorf("control_plane.retry.max_attempts must be > 0")
		}
		if c.ControlPlane.Breaker.MaxFailures <= 0 {
			return fmt.Errorf("control_plane.breaker.max_failures must be > 0")
		}
	}

	// WebRTC
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.PublicURL = "ws://localhost:8080/ws"
	cfg.Signal.ViewerURL = "http://localhost:8080/viewer"
	cfg.Signal.PingInterval = 25 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendQueueSize = 64
	cfg.Signal.EventQueueSize = 1024
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.Lifecycle.GraceWindow = 30 * time.Second
	cfg.Lifecycle.HeartbeatWindow = 60 * time.Second
	cfg.Lifecycle.SweepInterval = 30 * time.Second

	cfg.Auth.MonitorMode = "api_key"
	cfg.Auth.MonitorAPIKey = "change-me-monitor"
	cfg.Auth.JWTIssuer = "panelrelay"
	cfg.Auth.ControlPlaneAPIKey = "change-me-control-plane"

	cfg.ControlPlane.Timeout = 5 * time.Second
	cfg.ControlPlane.Retry.MaxAttempts = 3
	cfg.ControlPlane.Retry.InitialDelay = 200 * time.Millisecond
	cfg.ControlPlane.Retry.MaxDelay = 2 * time.Second
	cfg.ControlPlane.Breaker.MaxFailures = 5
	cfg.ControlPlane.Breaker.ResetTimeout = 30 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "panelrelay"
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 0.1

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "panelrelay"
	cfg.Redis.Channel = "panelrelay:streams"
	cfg.Redis.TTL = 24 * time.Hour

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("PANELRELAY_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if url := os.Getenv("PANELRELAY_PUBLIC_URL"); url != "" {
		c.Signal.PublicURL = url
	}
	if level := os.Getenv("PANELRELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if key := os.Getenv("PANELRELAY_MONITOR_API_KEY"); key != "" {
		c.Auth.MonitorAPIKey = key
	}
	if key := os.Getenv("PANELRELAY_CONTROL_PLANE_API_KEY"); key != "" {
		c.Auth.ControlPlaneAPIKey = key
	}
	if secret := os.Getenv("PANELRELAY_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if url := os.Getenv("PANELRELAY_WEBHOOK_URL"); url != "" {
		c.ControlPlane.WebhookURL = url
	}
	if addr := os.Getenv("PANELRELAY_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if v := os.Getenv("PANELRELAY_GRACE_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PANELRELAY_GRACE_WINDOW: %w", err)
		}
		c.Lifecycle.GraceWindow = d
	}
	if v := os.Getenv("PANELRELAY_TRACING_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PANELRELAY_TRACING_ENABLED: %w", err)
		}
		c.Tracing.Enabled = b
	}
	return nil
}

// ICEServersForClients converts the configured servers into the form sent
// to streamers and viewers in registered frames.
func (c *Config) ICEServersForClients() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.WebRTC.ICEServers))
	for _, s := range c.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return out
}
