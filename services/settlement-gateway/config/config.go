package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for the settlement gateway.
type Config struct {
	ListenAddress   string            `yaml:"listen"`
	Env             string            `yaml:"env"`
	DatabaseDSN     string            `yaml:"database"`
	LedgerConfig    string            `yaml:"ledger_config"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"`
	SweepInterval   Duration          `yaml:"sweep_interval"`
	Log             LogConfig         `yaml:"log"`
	JWT             JWTConfig         `yaml:"jwt"`
	RateLimit       RateLimitConfig   `yaml:"rate_limit"`
	Orders          OrdersConfig      `yaml:"orders"`
	Recon           ReconConfig       `yaml:"recon"`
	Redis           RedisConfig       `yaml:"redis"`
	Kafka           KafkaConfig       `yaml:"kafka"`
	Identity        IdentityConfig    `yaml:"identity"`
	Rates           map[string]string `yaml:"rates"`
}

// LogConfig controls the structured logger and its optional rotating file.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// JWTConfig controls bearer token verification.
type JWTConfig struct {
	Issuer         string   `yaml:"issuer"`
	Audience       []string `yaml:"audience"`
	MaxSkewSeconds int      `yaml:"max_skew_seconds"`
	HSSecretEnv    string   `yaml:"hs_secret_env"`
	RoleClaim      string   `yaml:"role_claim"`
}

// RateLimitConfig bounds per-participant request rates.
type RateLimitConfig struct {
	RequestsPerSecond float64  `yaml:"rps"`
	Burst             int      `yaml:"burst"`
	IdleTTL           Duration `yaml:"idle_ttl"`
}

// OrdersConfig tunes the matching engine.
type OrdersConfig struct {
	MaxOpenOrders int      `yaml:"max_open_orders"`
	TTL           Duration `yaml:"ttl"`
	MaxCandidates int      `yaml:"max_candidates"`
	ScanLimit     int      `yaml:"scan_limit"`
}

// ReconConfig controls the mirror reconciliation job.
type ReconConfig struct {
	Interval   Duration `yaml:"interval"`
	Depth      uint64   `yaml:"depth"`
	PageSize   int      `yaml:"page_size"`
	OutputDir  string   `yaml:"output_dir"`
	DryRun     bool     `yaml:"dry_run"`
	RunOnStart bool     `yaml:"run_on_start"`
}

// RedisConfig enables the notification sink when Addr is set.
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
	Dedupe   Duration `yaml:"dedupe"`
}

// KafkaConfig enables ledger event streaming when Brokers is set.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// IdentityConfig selects the participant directory. A base URL selects the
// HTTP directory; otherwise Static maps participant ids to addresses.
type IdentityConfig struct {
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key"`
	Timeout Duration          `yaml:"timeout"`
	Static  map[string]string `yaml:"static"`
}

// Load reads configuration from path, then applies SETTLE_* environment
// overrides and defaults. An empty path uses the environment alone.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = splitList(v)
		}
	}
	str("SETTLE_LISTEN", &cfg.ListenAddress)
	str("SETTLE_ENV", &cfg.Env)
	str("SETTLE_DATABASE_DSN", &cfg.DatabaseDSN)
	str("SETTLE_LEDGER_CONFIG", &cfg.LedgerConfig)
	str("SETTLE_LOG_LEVEL", &cfg.Log.Level)
	str("SETTLE_LOG_FILE", &cfg.Log.File)
	str("SETTLE_JWT_ISSUER", &cfg.JWT.Issuer)
	list("SETTLE_JWT_AUDIENCE", &cfg.JWT.Audience)
	str("SETTLE_JWT_SECRET_ENV", &cfg.JWT.HSSecretEnv)
	str("SETTLE_REDIS_ADDR", &cfg.Redis.Addr)
	str("SETTLE_REDIS_PASSWORD", &cfg.Redis.Password)
	list("SETTLE_KAFKA_BROKERS", &cfg.Kafka.Brokers)
	str("SETTLE_KAFKA_TOPIC", &cfg.Kafka.Topic)
	str("SETTLE_IDENTITY_URL", &cfg.Identity.BaseURL)
	str("SETTLE_IDENTITY_API_KEY", &cfg.Identity.APIKey)
	str("SETTLE_RECON_OUTPUT_DIR", &cfg.Recon.OutputDir)

	if v, ok := lookup("SETTLE_RECON_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("SETTLE_RECON_INTERVAL: %w", err)
		}
		cfg.Recon.Interval.Duration = d
	}
	if v, ok := lookup("SETTLE_RECON_DRY_RUN"); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("SETTLE_RECON_DRY_RUN: %w", err)
		}
		cfg.Recon.DryRun = b
	}
	if v, ok := lookup("SETTLE_RATE_LIMIT_RPS"); ok && v != "" {
		rps, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("SETTLE_RATE_LIMIT_RPS: %w", err)
		}
		cfg.RateLimit.RequestsPerSecond = rps
	}
	if v, ok := lookup("SETTLE_MAX_OPEN_ORDERS"); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("SETTLE_MAX_OPEN_ORDERS: %w", err)
		}
		cfg.Orders.MaxOpenOrders = n
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8085"
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if cfg.LedgerConfig == "" {
		cfg.LedgerConfig = "ledger.toml"
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 15 * time.Second
	}
	if cfg.SweepInterval.Duration == 0 {
		cfg.SweepInterval.Duration = time.Minute
	}
	if cfg.JWT.HSSecretEnv == "" {
		cfg.JWT.HSSecretEnv = "SETTLE_JWT_SECRET"
	}
	if cfg.JWT.MaxSkewSeconds == 0 {
		cfg.JWT.MaxSkewSeconds = 60
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 10
	}
	if cfg.Orders.MaxOpenOrders == 0 {
		cfg.Orders.MaxOpenOrders = 5
	}
	if cfg.Orders.TTL.Duration == 0 {
		cfg.Orders.TTL.Duration = 24 * time.Hour
	}
	if cfg.Recon.Interval.Duration == 0 {
		cfg.Recon.Interval.Duration = 5 * time.Minute
	}
	if cfg.Recon.Depth == 0 {
		cfg.Recon.Depth = 1_000
	}
	if cfg.Recon.PageSize == 0 {
		cfg.Recon.PageSize = 200
	}
	if cfg.Recon.OutputDir == "" {
		cfg.Recon.OutputDir = "recon"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "settle:notify"
	}
	if cfg.Redis.Dedupe.Duration == 0 {
		cfg.Redis.Dedupe.Duration = 10 * time.Minute
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "settlement.ledger-events"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "settlement-gateway-mirror"
	}
	if cfg.Identity.Timeout.Duration == 0 {
		cfg.Identity.Timeout.Duration = 5 * time.Second
	}
}

func validate(cfg Config) error {
	var errs []error
	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		errs = append(errs, errors.New("database dsn is required"))
	}
	if strings.TrimSpace(cfg.JWT.Issuer) == "" {
		errs = append(errs, errors.New("jwt issuer is required"))
	}
	if cfg.Identity.BaseURL == "" && len(cfg.Identity.Static) == 0 {
		errs = append(errs, errors.New("identity base_url or static directory is required"))
	}
	if cfg.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("rate_limit.rps must not be negative"))
	}
	if cfg.Orders.MaxOpenOrders < 0 {
		errs = append(errs, errors.New("orders.max_open_orders must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
