// Package config loads process configuration from an optional .env file, an optional
// YAML file named by CONFIG_FILE, and environment variables, in that order of precedence
// from lowest to highest.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Sender   SenderConfig   `yaml:"sender"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Notify   NotifyConfig   `yaml:"notify"`
	WorkerID string         `yaml:"worker_id"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type SenderConfig struct {
	URL        string        `yaml:"url"`
	Secret     string        `yaml:"secret"`
	Timeout    time.Duration `yaml:"timeout"`
	RatePerSec float64       `yaml:"rate_per_sec"`
}

type DispatchConfig struct {
	Concurrency         int           `yaml:"concurrency"`
	MaxAttempts         int           `yaml:"max_attempts"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	LockTTL             time.Duration `yaml:"lock_ttl"`
	VisibilityTimeout   time.Duration `yaml:"visibility_timeout"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	DefaultChannelDelay time.Duration `yaml:"default_channel_delay"`
}

type HTTPConfig struct {
	Port string `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type NotifyConfig struct {
	SendGridAPIKey string `yaml:"sendgrid_api_key"`
	FromName       string `yaml:"from_name"`
	FromAddress    string `yaml:"from_address"`
	To             string `yaml:"to"`
}

// Enabled reports whether completion e-mails can be sent.
func (n NotifyConfig) Enabled() bool {
	return n.SendGridAPIKey != "" && n.FromAddress != "" && n.To != ""
}

func Default() *Config {
	return &Config{
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Sender: SenderConfig{URL: "http://localhost:8000", Timeout: 2 * time.Minute},
		Dispatch: DispatchConfig{
			Concurrency:         5,
			MaxAttempts:         3,
			BackoffBase:         2 * time.Second,
			LockTTL:             5 * time.Minute,
			VisibilityTimeout:   10 * time.Minute,
			PollInterval:        500 * time.Millisecond,
			DefaultChannelDelay: 30 * time.Second,
		},
		HTTP:   HTTPConfig{Port: "8080"},
		Log:    LogConfig{Level: "info", Format: "console"},
		Notify: NotifyConfig{FromName: "relayq"},
	}
}

// Load reads .env from the working directory when present, then the YAML file named by
// CONFIG_FILE when set, then environment overrides.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile is Load without the .env step. An empty path skips the YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("yaml unmarshal: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("POSTGRES_DSN", &c.Postgres.DSN)
	str("SENDER_URL", &c.Sender.URL)
	str("SENDER_SECRET", &c.Sender.Secret)
	str("PORT", &c.HTTP.Port)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("SENDGRID_API_KEY", &c.Notify.SendGridAPIKey)
	str("NOTIFY_FROM_NAME", &c.Notify.FromName)
	str("NOTIFY_FROM_ADDRESS", &c.Notify.FromAddress)
	str("NOTIFY_TO", &c.Notify.To)
	str("WORKER_ID", &c.WorkerID)

	ints := []struct {
		key string
		dst *int
	}{
		{"REDIS_DB", &c.Redis.DB},
		{"DISPATCH_CONCURRENCY", &c.Dispatch.Concurrency},
		{"DISPATCH_MAX_ATTEMPTS", &c.Dispatch.MaxAttempts},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SENDER_TIMEOUT", &c.Sender.Timeout},
		{"DISPATCH_BACKOFF_BASE", &c.Dispatch.BackoffBase},
		{"DISPATCH_LOCK_TTL", &c.Dispatch.LockTTL},
		{"DISPATCH_VISIBILITY_TIMEOUT", &c.Dispatch.VisibilityTimeout},
		{"DISPATCH_POLL_INTERVAL", &c.Dispatch.PollInterval},
		{"DISPATCH_DEFAULT_CHANNEL_DELAY", &c.Dispatch.DefaultChannelDelay},
	}
	for _, e := range durations {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = d
	}

	if v := os.Getenv("SENDER_RATE_PER_SEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("SENDER_RATE_PER_SEC: %w", err)
		}
		c.Sender.RatePerSec = f
	}

	return nil
}

func (c *Config) Validate() error {
	switch {
	case c.Redis.Addr == "":
		return errors.New("redis address is required")
	case c.Sender.URL == "":
		return errors.New("sender url is required")
	case c.Dispatch.Concurrency < 1:
		return fmt.Errorf("dispatch concurrency must be positive, got %d", c.Dispatch.Concurrency)
	case c.Dispatch.MaxAttempts < 1:
		return fmt.Errorf("dispatch max attempts must be positive, got %d", c.Dispatch.MaxAttempts)
	case c.Dispatch.BackoffBase <= 0:
		return errors.New("dispatch backoff base must be positive")
	case c.Dispatch.LockTTL <= 0:
		return errors.New("dispatch lock ttl must be positive")
	case c.Dispatch.VisibilityTimeout <= 0:
		return errors.New("dispatch visibility timeout must be positive")
	case c.Dispatch.PollInterval <= 0:
		return errors.New("dispatch poll interval must be positive")
	case c.Dispatch.DefaultChannelDelay < 0:
		return errors.New("dispatch default channel delay must not be negative")
	case c.Sender.RatePerSec < 0:
		return errors.New("sender rate must not be negative")
	case c.Sender.Timeout <= 0:
		return errors.New("sender timeout must be positive")
	// An attempt must end before its lease and its account lock expire.
	case c.Dispatch.VisibilityTimeout <= c.Sender.Timeout:
		return fmt.Errorf("dispatch visibility timeout (%s) must exceed sender timeout (%s)",
			c.Dispatch.VisibilityTimeout, c.Sender.Timeout)
	case c.Dispatch.LockTTL <= c.Sender.Timeout:
		return fmt.Errorf("dispatch lock ttl (%s) must exceed sender timeout (%s)",
			c.Dispatch.LockTTL, c.Sender.Timeout)
	}

	return nil
}
