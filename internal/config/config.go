// Package config loads worker and CLI settings from an optional YAML file,
// a .env file and environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/triage-ai/proximity/internal/engine"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the proximity binaries.
type Config struct {
	Postgres    PostgresConfig    `yaml:"postgres"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	S3          S3Config          `yaml:"s3"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Budget      BudgetConfig      `yaml:"budget"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Cache       CacheConfig       `yaml:"cache"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Review      ReviewConfig      `yaml:"review"`
	Catalog     CatalogConfig     `yaml:"catalog"`
}

// PostgresConfig points at the relational store. Empty DSN selects the
// in-memory store.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// ClickHouseConfig points at the audit trail. Empty DSN logs audit events instead.
type ClickHouseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig enables the seen-filter and the shared classifier budget.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig controls RawItem intake.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	Group        string        `yaml:"group"`
	MaxBatch     int           `yaml:"maxBatch"`
	DrainTimeout time.Duration `yaml:"drainTimeout"`
}

// S3Config controls snapshot publication.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// ClassifierConfig controls the optional fallback classifier.
type ClassifierConfig struct {
	Endpoint         string        `yaml:"endpoint"`
	Timeout          time.Duration `yaml:"timeout"`
	RatePerSecond    float64       `yaml:"ratePerSecond"`
	Burst            int           `yaml:"burst"`
	EstimatedCostUSD float64       `yaml:"estimatedCostUSD"`
}

// BudgetConfig holds the daily classifier spend limits in USD.
type BudgetConfig struct {
	WarnUSD float64 `yaml:"warnUSD"`
	HardUSD float64 `yaml:"hardUSD"`
}

// ScheduleConfig holds cron specs for the periodic jobs.
type ScheduleConfig struct {
	Mapping     string `yaml:"mapping"`
	Aggregation string `yaml:"aggregation"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// CacheConfig controls the aggregate cache.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// AggregationConfig controls scoring.
type AggregationConfig struct {
	Presets           []string                       `yaml:"presets"` // presets recomputed by the aggregation job
	DefaultPreset     string                         `yaml:"defaultPreset"`
	SignificantChange float64                        `yaml:"significantChange"`
	Overrides         map[string]engine.PresetConfig `yaml:"overrides"`
}

// ReviewConfig controls corroboration.
type ReviewConfig struct {
	CorroborationWindow time.Duration `yaml:"corroborationWindow"`
}

// CatalogConfig optionally replaces the embedded signpost catalog and rules.
type CatalogConfig struct {
	SignpostsPath string `yaml:"signpostsPath"`
	RulesPath     string `yaml:"rulesPath"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Kafka: KafkaConfig{
			Topic:        "proximity.raw-items",
			Group:        "proximity-worker",
			MaxBatch:     500,
			DrainTimeout: 5 * time.Second,
		},
		S3:         S3Config{Prefix: "snapshots/", Region: "us-east-1"},
		Classifier: ClassifierConfig{Timeout: 10 * time.Second, RatePerSecond: 1, Burst: 5, EstimatedCostUSD: 0.01},
		Budget:     BudgetConfig{WarnUSD: 20, HardUSD: 50},
		Schedule: ScheduleConfig{
			Mapping:     "@every 15m",
			Aggregation: "0 2 * * *",
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Address: ":9102"},
		Cache:   CacheConfig{TTL: 10 * time.Minute},
		Aggregation: AggregationConfig{
			Presets:           []string{engine.PresetEqual, engine.PresetAschenbrenner, engine.PresetAI2027},
			DefaultPreset:     engine.PresetEqual,
			SignificantChange: 0.02,
		},
		Review: ReviewConfig{CorroborationWindow: 14 * 24 * time.Hour},
	}
}

// Load builds a Config from defaults, the YAML file at path (or
// PROXIMITY_CONFIG when path is empty), a .env file and the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = os.Getenv("PROXIMITY_CONFIG")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Postgres.DSN = envOrDefault("POSTGRES_DSN", cfg.Postgres.DSN)
	cfg.ClickHouse.DSN = envOrDefault("CLICKHOUSE_DSN", cfg.ClickHouse.DSN)
	cfg.Redis.Addr = envOrDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = envOrDefaultInt("REDIS_DB", cfg.Redis.DB)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	cfg.Kafka.Topic = envOrDefault("KAFKA_TOPIC", cfg.Kafka.Topic)
	cfg.Kafka.Group = envOrDefault("KAFKA_GROUP", cfg.Kafka.Group)
	cfg.S3.Bucket = envOrDefault("PROXIMITY_S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.Prefix = envOrDefault("PROXIMITY_S3_PREFIX", cfg.S3.Prefix)
	cfg.S3.Region = envOrDefault("AWS_REGION", cfg.S3.Region)
	cfg.Classifier.Endpoint = envOrDefault("CLASSIFIER_ENDPOINT", cfg.Classifier.Endpoint)
	cfg.Budget.WarnUSD = envOrDefaultFloat("PROXIMITY_BUDGET_WARN_USD", cfg.Budget.WarnUSD)
	cfg.Budget.HardUSD = envOrDefaultFloat("PROXIMITY_BUDGET_HARD_USD", cfg.Budget.HardUSD)
	cfg.Schedule.Mapping = envOrDefault("PROXIMITY_MAPPING_SCHEDULE", cfg.Schedule.Mapping)
	cfg.Schedule.Aggregation = envOrDefault("PROXIMITY_AGGREGATION_SCHEDULE", cfg.Schedule.Aggregation)
	cfg.Logging.Level = envOrDefault("PROXIMITY_LOG_LEVEL", cfg.Logging.Level)
	cfg.Metrics.Address = envOrDefault("PROXIMITY_METRICS_ADDRESS", cfg.Metrics.Address)
	cfg.Cache.TTL = envOrDefaultDuration("PROXIMITY_CACHE_TTL", cfg.Cache.TTL)
	cfg.Aggregation.DefaultPreset = envOrDefault("PROXIMITY_DEFAULT_PRESET", cfg.Aggregation.DefaultPreset)
	cfg.Aggregation.SignificantChange = envOrDefaultFloat("PROXIMITY_SIGNIFICANT_CHANGE", cfg.Aggregation.SignificantChange)
	cfg.Review.CorroborationWindow = envOrDefaultDuration("PROXIMITY_CORROBORATION_WINDOW", cfg.Review.CorroborationWindow)
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Budget.WarnUSD < 0 || c.Budget.HardUSD < 0 {
		errs = append(errs, errors.New("budget limits must be non-negative"))
	}
	if c.Budget.WarnUSD > c.Budget.HardUSD {
		errs = append(errs, fmt.Errorf("budget warn %.2f exceeds hard limit %.2f", c.Budget.WarnUSD, c.Budget.HardUSD))
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, expr := range map[string]string{"mapping": c.Schedule.Mapping, "aggregation": c.Schedule.Aggregation} {
		if strings.TrimSpace(expr) == "" {
			errs = append(errs, fmt.Errorf("schedule.%s is empty", name))
			continue
		}
		if _, err := parser.Parse(expr); err != nil {
			errs = append(errs, fmt.Errorf("schedule.%s: %w", name, err))
		}
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Aggregation.SignificantChange < 0 {
		errs = append(errs, errors.New("aggregation.significantChange must be non-negative"))
	}
	if c.Aggregation.DefaultPreset == "" {
		errs = append(errs, errors.New("aggregation.defaultPreset is empty"))
	}
	if c.Review.CorroborationWindow <= 0 {
		errs = append(errs, errors.New("review.corroborationWindow must be positive"))
	}
	if c.Kafka.MaxBatch <= 0 {
		errs = append(errs, errors.New("kafka.maxBatch must be positive"))
	}
	if c.Classifier.Endpoint != "" && c.Classifier.RatePerSecond <= 0 {
		errs = append(errs, errors.New("classifier.ratePerSecond must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
