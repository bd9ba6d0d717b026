// Package config loads and validates the index builder configuration from
// YAML files with environment-variable overrides. It provides typed structs
// for every subsystem (Builder, Postgres, Kafka, Redis, Logging, Metrics).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Batch modes understood by the builder.
const (
	BatchModeConsistent   = "consistent"
	BatchModeInconsistent = "inconsistent"
)

// Config is the top-level application configuration.
type Config struct {
	Builder  BuilderConfig  `yaml:"builder"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	DocumentIngest string `yaml:"documentIngest"`
	BatchBuilt     string `yaml:"batchBuilt"`
}

// RedisConfig holds Redis connection and checkpoint parameters.
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	PoolSize      int    `yaml:"poolSize"`
	CheckpointKey string `yaml:"checkpointKey"`
}

// BuilderConfig controls the build pipeline: worker pools, group and batch
// limits, memory quota and segment dump thresholds.
type BuilderConfig struct {
	DataDir             string        `yaml:"dataDir"`
	SchemaPath          string        `yaml:"schemaPath"`
	BuildThreadCount    int           `yaml:"buildThreadCount"`
	QueueSize           int           `yaml:"queueSize"`
	MaxGroupCount       int           `yaml:"maxGroupCount"`
	MaxBatchCount       int           `yaml:"maxBatchCount"`
	LongTailThreadCount int           `yaml:"longTailThreadCount"`
	LongTailGroups      []string      `yaml:"longTailGroups"`
	BatchSize           int           `yaml:"batchSize"`
	MemoryQuota         int64         `yaml:"memoryQuota"`
	PrepareParallelism  int           `yaml:"prepareParallelism"`
	BatchMode           string        `yaml:"batchMode"`
	StopOnException     bool          `yaml:"stopOnException"`
	SegmentMaxDocs      int           `yaml:"segmentMaxDocs"`
	DumpIOLimit         int64         `yaml:"dumpIoLimit"`
	FlushInterval       time.Duration `yaml:"flushInterval"`
	HookTimeout         time.Duration `yaml:"hookTimeout"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Builder.Validate(); err != nil {
		return nil, fmt.Errorf("validating builder config: %w", err)
	}
	return cfg, nil
}

// Validate rejects builder settings the pipeline cannot run with.
func (b BuilderConfig) Validate() error {
	if b.BuildThreadCount <= 0 {
		return fmt.Errorf("buildThreadCount must be positive, got %d", b.BuildThreadCount)
	}
	if b.MaxGroupCount <= 0 {
		return fmt.Errorf("maxGroupCount must be positive, got %d", b.MaxGroupCount)
	}
	if b.MaxBatchCount <= 0 {
		return fmt.Errorf("maxBatchCount must be positive, got %d", b.MaxBatchCount)
	}
	if b.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be positive, got %d", b.BatchSize)
	}
	if b.MemoryQuota < int64(b.BatchSize) {
		return fmt.Errorf("memoryQuota %d cannot hold one batch of %d documents", b.MemoryQuota, b.BatchSize)
	}
	if b.DumpIOLimit < 0 {
		return fmt.Errorf("dumpIoLimit must not be negative, got %d", b.DumpIOLimit)
	}
	switch b.BatchMode {
	case BatchModeConsistent, BatchModeInconsistent:
	default:
		return fmt.Errorf("unknown batchMode %q", b.BatchMode)
	}
	return nil
}

// DefaultBuilderConfig returns the builder defaults, useful for tests and
// embedded use.
func DefaultBuilderConfig() BuilderConfig {
	return defaultConfig().Builder
}

// defaultConfig returns a Config with defaults for local development.
func defaultConfig() *Config {
	return &Config{
		Builder: BuilderConfig{
			DataDir:             "data/index",
			SchemaPath:          "configs/schema.yaml",
			BuildThreadCount:    4,
			QueueSize:           1000,
			MaxGroupCount:       1024,
			MaxBatchCount:       4,
			LongTailThreadCount: 0,
			BatchSize:           64,
			MemoryQuota:         4096,
			PrepareParallelism:  2,
			BatchMode:           BatchModeInconsistent,
			StopOnException:     false,
			SegmentMaxDocs:      100000,
			DumpIOLimit:         0,
			FlushInterval:       5 * time.Second,
			HookTimeout:         10 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "searchplatform",
			User:            "searchplatform",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "index-builder-group",
			Topics: KafkaTopics{
				DocumentIngest: "document-ingest",
				BatchBuilt:     "index.batch-built",
			},
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			Password:      "",
			DB:            0,
			PoolSize:      10,
			CheckpointKey: "index-builder:checkpoint",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads SP_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SP_BUILDER_DATA_DIR"); v != "" {
		cfg.Builder.DataDir = v
	}
	if v := os.Getenv("SP_BUILDER_SCHEMA_PATH"); v != "" {
		cfg.Builder.SchemaPath = v
	}
	if v := os.Getenv("SP_BUILDER_THREAD_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Builder.BuildThreadCount = n
		}
	}
	if v := os.Getenv("SP_BUILDER_LONG_TAIL_THREAD_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Builder.LongTailThreadCount = n
		}
	}
	if v := os.Getenv("SP_BUILDER_LONG_TAIL_GROUPS"); v != "" {
		cfg.Builder.LongTailGroups = ParseGroupList(v)
	}
	if v := os.Getenv("SP_BUILDER_DUMP_IO_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Builder.DumpIOLimit = n
		}
	}
	if v := os.Getenv("SP_BUILDER_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Builder.FlushInterval = d
		}
	}
	if v := os.Getenv("SP_BUILDER_BATCH_MODE"); v != "" {
		cfg.Builder.BatchMode = v
	}
	if v := os.Getenv("SP_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("SP_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("SP_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("SP_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("SP_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// ParseGroupList splits a comma-separated list of build group names,
// dropping blanks.
func ParseGroupList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
