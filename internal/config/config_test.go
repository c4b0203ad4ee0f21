package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proximity.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Review.CorroborationWindow != 14*24*time.Hour {
		t.Errorf("corroboration window = %v", cfg.Review.CorroborationWindow)
	}
	if cfg.Aggregation.SignificantChange != 0.02 {
		t.Errorf("significant change = %v", cfg.Aggregation.SignificantChange)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
postgres:
  dsn: postgres://file/db
kafka:
  brokers: [a:9092]
  maxBatch: 50
cache:
  ttl: 2m
aggregation:
  defaultPreset: ai2027
  overrides:
    custom:
      capabilities: 0.5
      inputs: 0.5
`)
	t.Setenv("POSTGRES_DSN", "postgres://env/db")
	t.Setenv("KAFKA_BROKERS", "b:9092, c:9092")
	t.Setenv("PROXIMITY_CORROBORATION_WINDOW", "72h")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://env/db" {
		t.Errorf("env should win over file, got %q", cfg.Postgres.DSN)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "c:9092" {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.MaxBatch != 50 || cfg.Cache.TTL != 2*time.Minute {
		t.Errorf("file values not applied: %+v %+v", cfg.Kafka, cfg.Cache)
	}
	if cfg.Kafka.Topic != "proximity.raw-items" {
		t.Errorf("defaults should survive a partial file, topic = %q", cfg.Kafka.Topic)
	}
	if cfg.Aggregation.DefaultPreset != "ai2027" {
		t.Errorf("default preset = %q", cfg.Aggregation.DefaultPreset)
	}
	if o, ok := cfg.Aggregation.Overrides["custom"]; !ok || o.Capabilities == nil || *o.Capabilities != 0.5 {
		t.Errorf("override not parsed: %+v", cfg.Aggregation.Overrides)
	}
	if cfg.Review.CorroborationWindow != 72*time.Hour {
		t.Errorf("window = %v", cfg.Review.CorroborationWindow)
	}
}

func TestLoad_BadEnvValueKeepsDefault(t *testing.T) {
	t.Setenv("PROXIMITY_CACHE_TTL", "soon")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.TTL != 10*time.Minute {
		t.Errorf("unparseable duration should fall back, got %v", cfg.Cache.TTL)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"warn above hard", func(c *Config) { c.Budget.WarnUSD = 60 }, "exceeds hard limit"},
		{"negative budget", func(c *Config) { c.Budget.HardUSD = -1; c.Budget.WarnUSD = -2 }, "non-negative"},
		{"empty schedule", func(c *Config) { c.Schedule.Mapping = " " }, "schedule.mapping is empty"},
		{"bad cron", func(c *Config) { c.Schedule.Aggregation = "every day" }, "schedule.aggregation"},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }, "cache.ttl"},
		{"zero window", func(c *Config) { c.Review.CorroborationWindow = 0 }, "corroborationWindow"},
		{"classifier without rate", func(c *Config) {
			c.Classifier.Endpoint = "localhost:9000"
			c.Classifier.RatePerSecond = 0
		}, "ratePerSecond"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}
