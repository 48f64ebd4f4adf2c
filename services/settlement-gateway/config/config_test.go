package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
listen: ":9000"
database: "sqlite:gateway.db"
jwt:
  issuer: p2pescrow
  audience: [settlement]
orders:
  ttl: 2h
recon:
  interval: 30s
  depth: 50
identity:
  static:
    alice: "0xa100000000000000000000000000000000000000"
rates:
  NPR: "133.50"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9000" || cfg.DatabaseDSN != "sqlite:gateway.db" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Orders.TTL.Duration != 2*time.Hour || cfg.Recon.Interval.Duration != 30*time.Second || cfg.Recon.Depth != 50 {
		t.Fatalf("unexpected durations %+v %+v", cfg.Orders, cfg.Recon)
	}
	if cfg.Orders.MaxOpenOrders != 5 || cfg.SweepInterval.Duration != time.Minute || cfg.JWT.HSSecretEnv != "SETTLE_JWT_SECRET" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Rates["NPR"] != "133.50" {
		t.Fatalf("unexpected rates %v", cfg.Rates)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"SETTLE_LISTEN":         ":7000",
		"SETTLE_KAFKA_BROKERS":  "k1:9092, k2:9092",
		"SETTLE_RECON_INTERVAL": "1m",
		"SETTLE_RECON_DRY_RUN":  "true",
		"SETTLE_RATE_LIMIT_RPS": "2.5",
	}
	cfg := Config{ListenAddress: ":9000"}
	err := applyEnv(&cfg, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.ListenAddress != ":7000" || cfg.Recon.Interval.Duration != time.Minute || !cfg.Recon.DryRun || cfg.RateLimit.RequestsPerSecond != 2.5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}

	err = applyEnv(&cfg, func(key string) (string, bool) {
		if key == "SETTLE_RECON_INTERVAL" {
			return "soon", true
		}
		return "", false
	})
	if err == nil {
		t.Fatalf("expected a bad duration to fail")
	}
}

func TestLoadRejectsIncompleteConfig(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "missing database", body: "jwt:\n  issuer: x\nidentity:\n  base_url: http://id\n", want: "database dsn"},
		{name: "missing identity", body: "database: sqlite:x\njwt:\n  issuer: x\n", want: "identity"},
		{name: "unknown field", body: "databse: sqlite:x\n", want: "databse"},
		{name: "bad duration", body: "sweep_interval: often\n", want: "often"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
