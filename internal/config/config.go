package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/botrelay/internal/logging"
	"github.com/dyluth/botrelay/internal/slotpool"
)

// Config represents the top-level botrelay.yml configuration shared by every process
type Config struct {
	Redis        RedisConfig        `yaml:"redis"`
	Log          logging.Config     `yaml:"log"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	WorkerQueues WorkerQueueDefault `yaml:"worker_queues"`
	Worker       WorkerConfig       `yaml:"worker"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
}

// RedisConfig locates the shared store
type RedisConfig struct {
	URL string `yaml:"url"`
}

// GatewayConfig specifies the inbound HTTP surface
type GatewayConfig struct {
	Addr        string          `yaml:"addr"`
	AdminAPIKey string          `yaml:"admin_api_key,omitempty"` // Empty disables the /admin routes
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds requests per client IP
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// DispatcherConfig specifies the task dispatcher
type DispatcherConfig struct {
	HealthAddr    string        `yaml:"health_addr"`
	GatewayURL    string        `yaml:"gateway_url"` // Base URL for release notifications
	Concurrency   int           `yaml:"concurrency"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxPolls      int           `yaml:"max_polls"`
	PolicyRefresh time.Duration `yaml:"policy_refresh"`
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
}

// WorkerQueueDefault holds the environment-level slot policy defaults.
// Per-queue overrides in the store take precedence; zero fields fall back to
// the built-in policy.
type WorkerQueueDefault struct {
	MaxConcurrency int `yaml:"default_max_concurrency"`
	TimeoutMs      int `yaml:"default_timeout_ms"`
}

// WorkerConfig specifies the bundled worker runner
type WorkerConfig struct {
	Queue           string        `yaml:"queue"`
	Concurrency     int           `yaml:"concurrency"`
	Command         []string      `yaml:"command,omitempty"` // Empty runs the echo executor
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
}

// HousekeepingConfig specifies maintenance schedules and retention
type HousekeepingConfig struct {
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
	StatsInterval      time.Duration `yaml:"stats_interval"`
	GaugeInterval      time.Duration `yaml:"gauge_interval"`
	CompletedRetention time.Duration `yaml:"completed_retention"`
	FailedRetention    time.Duration `yaml:"failed_retention"`
	StalledAfter       time.Duration `yaml:"stalled_after"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Redis: RedisConfig{URL: "redis://localhost:6379/0"},
		Log:   logging.Config{Level: "info", Format: "json"},
		Gateway: GatewayConfig{
			Addr:      ":3000",
			RateLimit: RateLimitConfig{Requests: 1000, Window: 15 * time.Minute},
		},
		Dispatcher: DispatcherConfig{
			HealthAddr:    ":3001",
			GatewayURL:    "http://localhost:3000",
			Concurrency:   20,
			PollInterval:  time.Second,
			MaxPolls:      300,
			PolicyRefresh: 30 * time.Second,
			NotifyTimeout: 5 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency:     1,
			CommandTimeout:  5 * time.Minute,
			CallbackTimeout: 10 * time.Second,
		},
		Housekeeping: HousekeepingConfig{
			CleanupInterval:    time.Hour,
			StatsInterval:      5 * time.Minute,
			GaugeInterval:      30 * time.Second,
			CompletedRetention: 24 * time.Hour,
			FailedRetention:    7 * 24 * time.Hour,
			StalledAfter:       time.Hour,
		},
	}
}

// SlotDefaults returns the environment-level slot policy
func (c *Config) SlotDefaults() slotpool.Policy {
	return slotpool.Policy{
		Limit:   c.WorkerQueues.MaxConcurrency,
		Timeout: time.Duration(c.WorkerQueues.TimeoutMs) * time.Millisecond,
	}
}

// Validate performs strict validation on the configuration
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return errors.New("redis.url is required")
	}

	if c.Gateway.RateLimit.Requests < 0 {
		return fmt.Errorf("gateway.rate_limit.requests must be >= 0, got %d", c.Gateway.RateLimit.Requests)
	}
	if c.Gateway.RateLimit.Requests > 0 && c.Gateway.RateLimit.Window <= 0 {
		return errors.New("gateway.rate_limit.window must be positive when requests is set")
	}

	if c.Dispatcher.GatewayURL != "" {
		u, err := url.Parse(c.Dispatcher.GatewayURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("dispatcher.gateway_url must be an http(s) URL, got %q", c.Dispatcher.GatewayURL)
		}
	}
	if c.Dispatcher.Concurrency < 1 {
		return fmt.Errorf("dispatcher.concurrency must be >= 1, got %d", c.Dispatcher.Concurrency)
	}
	if c.Dispatcher.MaxPolls < 1 {
		return fmt.Errorf("dispatcher.max_polls must be >= 1, got %d", c.Dispatcher.MaxPolls)
	}
	if c.Dispatcher.PollInterval <= 0 {
		return errors.New("dispatcher.poll_interval must be positive")
	}

	if c.WorkerQueues.MaxConcurrency < 0 {
		return fmt.Errorf("worker_queues.default_max_concurrency must be >= 0 (0 = built-in default), got %d", c.WorkerQueues.MaxConcurrency)
	}
	if c.WorkerQueues.TimeoutMs < 0 {
		return fmt.Errorf("worker_queues.default_timeout_ms must be >= 0 (0 = built-in default), got %d", c.WorkerQueues.TimeoutMs)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1, got %d", c.Worker.Concurrency)
	}

	return nil
}

// ApplyEnv overrides configuration from environment variables read through getenv.
// Unset or empty variables leave the value alone.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := getenv("ADMIN_API_KEY"); v != "" {
		c.Gateway.AdminAPIKey = v
	}
	if v := getenv("GATEWAY_URL"); v != "" {
		c.Dispatcher.GatewayURL = strings.TrimSuffix(v, "/")
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}

	for _, iv := range []struct {
		name   string
		target *int
	}{
		{"WORKER_QUEUE_DEFAULT_MAX_CONCURRENCY", &c.WorkerQueues.MaxConcurrency},
		{"WORKER_QUEUE_DEFAULT_TIMEOUT_MS", &c.WorkerQueues.TimeoutMs},
	} {
		v := getenv(iv.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %q is not an integer", iv.name, v)
		}
		*iv.target = n
	}

	return nil
}

// Load reads botrelay.yml from path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
