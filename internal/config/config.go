// Package config loads pricewatch settings from defaults, the JSON config
// file, PRICEWATCH_* environment variables and the secrets file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Storage     StorageConfig
	Marketplace MarketplaceConfig
	Retry       RetryConfig
	Identity    IdentityConfig
	Currency    CurrencyConfig
	Scheduler   SchedulerConfig
	Worker      WorkerConfig
	Monitor     MonitorConfig
	Notify      NotifyConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

type MarketplaceConfig struct {
	BaseURL           string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64
}

type IdentityConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       string // comma separated
}

// ScopeList splits Scopes.
func (c IdentityConfig) ScopeList() []string {
	var out []string
	for _, s := range strings.Split(c.Scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

type CurrencyConfig struct {
	Base     string
	RatesURL string // empty uses the static table only
	CacheTTL time.Duration
}

type SchedulerConfig struct {
	Interval time.Duration
}

type WorkerConfig struct {
	Concurrency      int
	GroupDelay       time.Duration
	MaxQueriesPerRun int
	PageSize         int
	MaxPages         int
	CycleTimeout     time.Duration
	SampleRetention  time.Duration
}

type MonitorConfig struct {
	BatchSize  int
	BatchDelay time.Duration
}

type NotifyConfig struct {
	SMTPHost      string
	SMTPPort      int
	SMTPUsername  string
	SMTPPassword  string
	SMTPFrom      string
	TelegramToken string
	OutboxPoll    time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Marketplace: MarketplaceConfig{
			BaseURL:           "http://localhost:8081",
			RequestsPerSecond: 5,
			Burst:             1,
			Timeout:           15 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:  4,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Base:         2,
		},
		Currency: CurrencyConfig{
			Base:     "USD",
			CacheTTL: 5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Interval: 5 * time.Minute,
		},
		Worker: WorkerConfig{
			Concurrency:     3,
			GroupDelay:      time.Second,
			PageSize:        50,
			MaxPages:        1,
			CycleTimeout:    10 * time.Minute,
			SampleRetention: 90 * 24 * time.Hour,
		},
		Monitor: MonitorConfig{
			BatchSize:  5,
			BatchDelay: time.Second,
		},
		Notify: NotifyConfig{
			SMTPPort:   587,
			OutboxPoll: 5 * time.Second,
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/pricewatch/config.json, then applies PRICEWATCH_*
// environment overrides. Secrets come from the environment or, failing
// that, the secrets file.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), secretsFile{path: SecretsFilePath()})
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := url.ParseRequestURI(c.Marketplace.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("marketplace.base_url: %w", err))
	}
	if c.Scheduler.Interval < 10*time.Second {
		errs = append(errs, fmt.Errorf("scheduler.interval must be at least 10s, got %s", c.Scheduler.Interval))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retry.Base < 1 {
		errs = append(errs, errors.New("retry.base must be at least 1"))
	}
	if len(c.Currency.Base) != 3 {
		errs = append(errs, fmt.Errorf("currency.base %q is not a 3-letter code", c.Currency.Base))
	}
	if c.Worker.Concurrency < 1 || c.Monitor.BatchSize < 1 {
		errs = append(errs, errors.New("worker.concurrency and monitor.batch_size must be at least 1"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps log.level to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
