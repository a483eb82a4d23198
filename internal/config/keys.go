package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PRICEWATCH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "PRICEWATCH_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "log.level", typ: kString, env: "PRICEWATCH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PRICEWATCH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "marketplace.base_url", typ: kString, env: "PRICEWATCH_MARKETPLACE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Marketplace.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Marketplace.BaseURL },
	},
	{
		key: "marketplace.requests_per_second", typ: kFloat, env: "PRICEWATCH_MARKETPLACE_RPS",
		apply:   func(cfg *Config, v any) { cfg.Marketplace.RequestsPerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Marketplace.RequestsPerSecond },
	},
	{
		key: "marketplace.burst", typ: kInt, env: "PRICEWATCH_MARKETPLACE_BURST",
		apply:   func(cfg *Config, v any) { cfg.Marketplace.Burst = v.(int) },
		extract: func(cfg Config) any { return cfg.Marketplace.Burst },
	},
	{
		key: "marketplace.timeout", typ: kDuration, env: "PRICEWATCH_MARKETPLACE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Marketplace.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Marketplace.Timeout },
	},
	{
		key: "retry.max_attempts", typ: kInt, env: "PRICEWATCH_RETRY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.MaxAttempts },
	},
	{
		key: "retry.initial_delay", typ: kDuration, env: "PRICEWATCH_RETRY_INITIAL_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.InitialDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.InitialDelay },
	},
	{
		key: "retry.max_delay", typ: kDuration, env: "PRICEWATCH_RETRY_MAX_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.MaxDelay },
	},
	{
		key: "retry.base", typ: kFloat, env: "PRICEWATCH_RETRY_BASE",
		apply:   func(cfg *Config, v any) { cfg.Retry.Base = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retry.Base },
	},
	{
		key: "identity.client_id", typ: kString, env: "PRICEWATCH_IDENTITY_CLIENT_ID",
		apply:   func(cfg *Config, v any) { cfg.Identity.ClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.Identity.ClientID },
	},
	{
		key: "identity.client_secret", typ: kString, env: "PRICEWATCH_IDENTITY_CLIENT_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Identity.ClientSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Identity.ClientSecret },
	},
	{
		key: "identity.auth_url", typ: kString, env: "PRICEWATCH_IDENTITY_AUTH_URL",
		apply:   func(cfg *Config, v any) { cfg.Identity.AuthURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Identity.AuthURL },
	},
	{
		key: "identity.token_url", typ: kString, env: "PRICEWATCH_IDENTITY_TOKEN_URL",
		apply:   func(cfg *Config, v any) { cfg.Identity.TokenURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Identity.TokenURL },
	},
	{
		key: "identity.redirect_url", typ: kString, env: "PRICEWATCH_IDENTITY_REDIRECT_URL",
		apply:   func(cfg *Config, v any) { cfg.Identity.RedirectURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Identity.RedirectURL },
	},
	{
		key: "identity.scopes", typ: kString, env: "PRICEWATCH_IDENTITY_SCOPES",
		apply:   func(cfg *Config, v any) { cfg.Identity.Scopes = v.(string) },
		extract: func(cfg Config) any { return cfg.Identity.Scopes },
	},
	{
		key: "currency.base", typ: kString, env: "PRICEWATCH_CURRENCY_BASE",
		apply:   func(cfg *Config, v any) { cfg.Currency.Base = v.(string) },
		extract: func(cfg Config) any { return cfg.Currency.Base },
	},
	{
		key: "currency.rates_url", typ: kString, env: "PRICEWATCH_CURRENCY_RATES_URL",
		apply:   func(cfg *Config, v any) { cfg.Currency.RatesURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Currency.RatesURL },
	},
	{
		key: "currency.cache_ttl", typ: kDuration, env: "PRICEWATCH_CURRENCY_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Currency.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Currency.CacheTTL },
	},
	{
		key: "scheduler.interval", typ: kDuration, env: "PRICEWATCH_SCHEDULER_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.Interval },
	},
	{
		key: "worker.concurrency", typ: kInt, env: "PRICEWATCH_WORKER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Worker.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Concurrency },
	},
	{
		key: "worker.group_delay", typ: kDuration, env: "PRICEWATCH_WORKER_GROUP_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Worker.GroupDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.GroupDelay },
	},
	{
		key: "worker.max_queries_per_run", typ: kInt, env: "PRICEWATCH_WORKER_MAX_QUERIES_PER_RUN",
		apply:   func(cfg *Config, v any) { cfg.Worker.MaxQueriesPerRun = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.MaxQueriesPerRun },
	},
	{
		key: "worker.page_size", typ: kInt, env: "PRICEWATCH_WORKER_PAGE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Worker.PageSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.PageSize },
	},
	{
		key: "worker.max_pages", typ: kInt, env: "PRICEWATCH_WORKER_MAX_PAGES",
		apply:   func(cfg *Config, v any) { cfg.Worker.MaxPages = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.MaxPages },
	},
	{
		key: "worker.cycle_timeout", typ: kDuration, env: "PRICEWATCH_WORKER_CYCLE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Worker.CycleTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.CycleTimeout },
	},
	{
		key: "worker.sample_retention", typ: kDuration, env: "PRICEWATCH_WORKER_SAMPLE_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Worker.SampleRetention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.SampleRetention },
	},
	{
		key: "monitor.batch_size", typ: kInt, env: "PRICEWATCH_MONITOR_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Monitor.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Monitor.BatchSize },
	},
	{
		key: "monitor.batch_delay", typ: kDuration, env: "PRICEWATCH_MONITOR_BATCH_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Monitor.BatchDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Monitor.BatchDelay },
	},
	{
		key: "notify.smtp_host", typ: kString, env: "PRICEWATCH_SMTP_HOST",
		apply:   func(cfg *Config, v any) { cfg.Notify.SMTPHost = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.SMTPHost },
	},
	{
		key: "notify.smtp_port", typ: kInt, env: "PRICEWATCH_SMTP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Notify.SMTPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Notify.SMTPPort },
	},
	{
		key: "notify.smtp_username", typ: kString, env: "PRICEWATCH_SMTP_USERNAME",
		apply:   func(cfg *Config, v any) { cfg.Notify.SMTPUsername = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.SMTPUsername },
	},
	{
		key: "notify.smtp_password", typ: kString, env: "PRICEWATCH_SMTP_PASSWORD",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Notify.SMTPPassword = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.SMTPPassword },
	},
	{
		key: "notify.smtp_from", typ: kString, env: "PRICEWATCH_SMTP_FROM",
		apply:   func(cfg *Config, v any) { cfg.Notify.SMTPFrom = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.SMTPFrom },
	},
	{
		key: "notify.telegram_token", typ: kString, env: "PRICEWATCH_TELEGRAM_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Notify.TelegramToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.TelegramToken },
	},
	{
		key: "notify.outbox_poll", typ: kDuration, env: "PRICEWATCH_OUTBOX_POLL",
		apply:   func(cfg *Config, v any) { cfg.Notify.OutboxPoll = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Notify.OutboxPoll },
	},
}

func findSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw text to the Go type of s.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applySecrets fills secrets the environment left empty from the secrets store.
func applySecrets(cfg *Config, secrets secretStore) {
	if secrets == nil {
		return
	}
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
