package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Relay struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"relay"`

	Consensus struct {
		RoundInterval      time.Duration `yaml:"round_interval"`
		CollectionDeadline time.Duration `yaml:"collection_deadline"`
		TickInterval       time.Duration `yaml:"tick_interval"`
		MaxRingSize        int           `yaml:"max_ring_size"`
	} `yaml:"consensus"`

	Migration struct {
		Timeout            time.Duration `yaml:"timeout"`
		SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	} `yaml:"migration"`

	STUN struct {
		Servers []string      `yaml:"servers"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"stun"`

	ICEServers []struct {
		URLs       []string `yaml:"urls"`
		Username   string   `yaml:"username,omitempty"`
		Credential string   `yaml:"credential,omitempty"`
	} `yaml:"ice_servers"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		Relay struct {
			PacketsPerSecond  float64 `yaml:"packets_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConnections    int     `yaml:"max_connections"`
			MaxFrameSizeBytes int64   `yaml:"max_frame_size_bytes"`
		} `yaml:"relay"`
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

	// Relay
	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= 0 {
		return fmt.Errorf("relay.pong_timeout must be > 0")
	}
	if c.Relay.ShutdownTimeout <= 0 {
		return fmt.Errorf("relay.shutdown_timeout must be > 0")
	}

	// Consensus
	if c.Consensus.RoundInterval <= 0 {
		return fmt.Errorf("consensus.round_interval must be > 0")
	}
	if c.Consensus.CollectionDeadline <= 0 {
		return fmt.Errorf("consensus.collection_deadline must be > 0")
	}
	if c.Consensus.CollectionDeadline >= c.Consensus.RoundInterval {
		return fmt.Errorf("consensus.collection_deadline must be < round_interval")
	}
	if c.Consensus.TickInterval <= 0 {
		return fmt.Errorf("consensus.tick_interval must be > 0")
	}
	if c.Consensus.MaxRingSize <= 0 || c.Consensus.MaxRingSize > 64 {
		return fmt.Errorf("consensus.max_ring_size must be in 1..64")
	}

	// Migration
	if c.Migration.Timeout <= 0 {
		return fmt.Errorf("migration.timeout must be > 0")
	}
	if c.Migration.SessionIdleTimeout <= 0 {
		return fmt.Errorf("migration.session_idle_timeout must be > 0")
	}

	// STUN
	if c.STUN.Timeout <= 0 {
		return fmt.Errorf("stun.timeout must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in 0..1")
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

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Relay.PacketsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.relay.packets_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Relay.Burst <= 0 {
			return fmt.Errorf("rate_limiting.relay.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Relay.MaxConnections < 0 {
			return fmt.Errorf("rate_limiting.relay.max_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Relay.MaxFrameSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.relay.max_frame_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
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

	cfg.Relay.Address = ":8081"
	cfg.Relay.PingInterval = 30 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.ShutdownTimeout = 30 * time.Second

	cfg.Consensus.RoundInterval = 5 * time.Minute
	cfg.Consensus.CollectionDeadline = 30 * time.Second
	cfg.Consensus.TickInterval = 5 * time.Second
	cfg.Consensus.MaxRingSize = 64

	cfg.Migration.Timeout = 30 * time.Second
	cfg.Migration.SessionIdleTimeout = time.Hour

	cfg.STUN.Servers = []string{"stun.l.google.com:19302"}
	cfg.STUN.Timeout = 5 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 0.1

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.Relay.PacketsPerSecond = 50
	cfg.RateLimiting.Relay.Burst = 100
	cfg.RateLimiting.Relay.MaxConnections = 0
	cfg.RateLimiting.Relay.MaxFrameSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("RINGMESH_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("RINGMESH_RELAY_ADDRESS"); addr != "" {
		c.Relay.Address = addr
	}
	if addr := os.Getenv("RINGMESH_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if level := os.Getenv("RINGMESH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("RINGMESH_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}
