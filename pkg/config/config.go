package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Engine struct {
		Enabled             bool          `yaml:"enabled"`
		MinHealthyPeers     int           `yaml:"min_healthy_peers"`
		MinBandwidthKbps    int           `yaml:"min_bandwidth_kbps"`
		AvailabilityTimeout time.Duration `yaml:"availability_timeout"`
		TransferTimeout     time.Duration `yaml:"transfer_timeout"`
		MaxRacers           int           `yaml:"max_racers"`
	} `yaml:"engine"`

	Signaling struct {
		BaseURL      string        `yaml:"base_url"`
		PollInterval time.Duration `yaml:"poll_interval"`
		PollMax      time.Duration `yaml:"poll_max"`
		BatchWindow  time.Duration `yaml:"batch_window"`
		BatchSize    int           `yaml:"batch_size"`
		SignalTTL    time.Duration `yaml:"signal_ttl"`
	} `yaml:"signaling"`

	WebRTC struct {
		STUNServers []string `yaml:"stun_servers"`
	} `yaml:"webrtc"`

	Health struct {
		TickInterval time.Duration `yaml:"tick_interval"`
		Decay        int           `yaml:"decay"`
		ErrorPenalty int           `yaml:"error_penalty"`
		Recovery     int           `yaml:"recovery"`
		Threshold    int           `yaml:"threshold"`
	} `yaml:"health"`

	Cache struct {
		MaxBytes   int64 `yaml:"max_bytes"`
		MaxEntries int   `yaml:"max_entries"`
	} `yaml:"cache"`

	CDN struct {
		AuthToken      string        `yaml:"auth_token"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		MaxRetries     int           `yaml:"max_retries"`
		InitialDelay   time.Duration `yaml:"initial_delay"`
		MaxDelay       time.Duration `yaml:"max_delay"`
	} `yaml:"cdn"`

	Share struct {
		UploadKbps int `yaml:"upload_kbps"`
		Burst      int `yaml:"burst"`
	} `yaml:"share"`

	Agent struct {
		Address string `yaml:"address"`
	} `yaml:"agent"`

	Mailbox struct {
		Address   string        `yaml:"address"`
		SignalTTL time.Duration `yaml:"signal_ttl"`
		JWTSecret string        `yaml:"jwt_secret"`

		RateLimit struct {
			Enabled           bool    `yaml:"enabled"`
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"mailbox"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		ObserveInterval   time.Duration `yaml:"observe_interval"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Engine.MinHealthyPeers < 0 {
		return fmt.Errorf("engine.min_healthy_peers must be >= 0")
	}
	if c.Engine.AvailabilityTimeout <= 0 {
		return fmt.Errorf("engine.availability_timeout must be > 0")
	}
	if c.Engine.TransferTimeout <= 0 {
		return fmt.Errorf("engine.transfer_timeout must be > 0")
	}
	if c.Engine.MaxRacers <= 0 {
		return fmt.Errorf("engine.max_racers must be > 0")
	}

	if c.Signaling.BaseURL == "" {
		return fmt.Errorf("signaling.base_url must not be empty")
	}
	if c.Signaling.PollInterval <= 0 {
		return fmt.Errorf("signaling.poll_interval must be > 0")
	}
	if c.Signaling.PollMax < c.Signaling.PollInterval {
		return fmt.Errorf("signaling.poll_max must be >= signaling.poll_interval")
	}
	if c.Signaling.BatchWindow <= 0 {
		return fmt.Errorf("signaling.batch_window must be > 0")
	}
	if c.Signaling.BatchSize <= 0 {
		return fmt.Errorf("signaling.batch_size must be > 0")
	}
	if c.Signaling.SignalTTL <= 0 {
		return fmt.Errorf("signaling.signal_ttl must be > 0")
	}

	if c.Health.TickInterval <= 0 {
		return fmt.Errorf("health.tick_interval must be > 0")
	}
	if c.Health.Decay <= 0 || c.Health.Decay > 100 {
		return fmt.Errorf("health.decay must be in (0,100]")
	}
	if c.Health.ErrorPenalty <= 0 || c.Health.ErrorPenalty > 100 {
		return fmt.Errorf("health.error_penalty must be in (0,100]")
	}
	if c.Health.Recovery < 0 {
		return fmt.Errorf("health.recovery must be >= 0")
	}
	if c.Health.Threshold < 0 || c.Health.Threshold >= 100 {
		return fmt.Errorf("health.threshold must be in [0,100)")
	}

	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache.max_bytes must be > 0")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be > 0")
	}

	if c.CDN.RequestTimeout <= 0 {
		return fmt.Errorf("cdn.request_timeout must be > 0")
	}
	if c.CDN.MaxRetries < 0 {
		return fmt.Errorf("cdn.max_retries must be >= 0")
	}
	if c.CDN.InitialDelay <= 0 {
		return fmt.Errorf("cdn.initial_delay must be > 0")
	}
	if c.CDN.MaxDelay < c.CDN.InitialDelay {
		return fmt.Errorf("cdn.max_delay must be >= cdn.initial_delay")
	}

	if c.Share.UploadKbps < 0 {
		return fmt.Errorf("share.upload_kbps must be >= 0")
	}

	if c.Mailbox.SignalTTL <= 0 {
		return fmt.Errorf("mailbox.signal_ttl must be > 0")
	}
	if c.Mailbox.RateLimit.Enabled {
		if c.Mailbox.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("mailbox.rate_limit.requests_per_second must be > 0 when enabled")
		}
		if c.Mailbox.RateLimit.Burst <= 0 {
			return fmt.Errorf("mailbox.rate_limit.burst must be > 0 when enabled")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
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

	cfg.Engine.Enabled = true
	cfg.Engine.MinHealthyPeers = 2
	cfg.Engine.MinBandwidthKbps = 500
	cfg.Engine.AvailabilityTimeout = 1 * time.Second
	cfg.Engine.TransferTimeout = 5 * time.Second
	cfg.Engine.MaxRacers = 3

	cfg.Signaling.BaseURL = "http://localhost:8090"
	cfg.Signaling.PollInterval = 1 * time.Second
	cfg.Signaling.PollMax = 15 * time.Second
	cfg.Signaling.BatchWindow = 150 * time.Millisecond
	cfg.Signaling.BatchSize = 10
	cfg.Signaling.SignalTTL = 45 * time.Second

	cfg.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302"}

	cfg.Health.TickInterval = 10 * time.Second
	cfg.Health.Decay = 5
	cfg.Health.ErrorPenalty = 25
	cfg.Health.Recovery = 10
	cfg.Health.Threshold = 30

	cfg.Cache.MaxBytes = 64 << 20 // 64 MiB
	cfg.Cache.MaxEntries = 128

	cfg.CDN.RequestTimeout = 10 * time.Second
	cfg.CDN.MaxRetries = 3
	cfg.CDN.InitialDelay = 200 * time.Millisecond
	cfg.CDN.MaxDelay = 3 * time.Second

	cfg.Share.UploadKbps = 0 // unlimited
	cfg.Share.Burst = 256 << 10

	cfg.Agent.Address = ":8085"

	cfg.Mailbox.Address = ":8090"
	cfg.Mailbox.SignalTTL = 45 * time.Second
	cfg.Mailbox.RateLimit.Enabled = false
	cfg.Mailbox.RateLimit.RequestsPerSecond = 50
	cfg.Mailbox.RateLimit.Burst = 100

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.ObserveInterval = 15 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SWARMCAST_SIGNALING_URL"); v != "" {
		c.Signaling.BaseURL = v
	}
	if v := os.Getenv("SWARMCAST_MAILBOX_ADDRESS"); v != "" {
		c.Mailbox.Address = v
	}
	if v := os.Getenv("SWARMCAST_AGENT_ADDRESS"); v != "" {
		c.Agent.Address = v
	}
	if v := os.Getenv("SWARMCAST_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SWARMCAST_CDN_TOKEN"); v != "" {
		c.CDN.AuthToken = v
	}
	if v := os.Getenv("SWARMCAST_JWT_SECRET"); v != "" {
		c.Mailbox.JWTSecret = v
	}
	if v := os.Getenv("SWARMCAST_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("SWARMCAST_ENGINE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Engine.Enabled = b
		}
	}
	if v := os.Getenv("SWARMCAST_MIN_HEALTHY_PEERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MinHealthyPeers = n
		}
	}
}
