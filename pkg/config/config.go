// Package config loads and validates application configuration from YAML
// files with environment-variable overrides. It provides typed structs for
// every subsystem (Server, Broker, Searcher, Sharding, Redis, Kafka, etc.).
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Broker   BrokerConfig   `yaml:"broker"`
	Searcher SearcherConfig `yaml:"searcher"`
	Sharding ShardingConfig `yaml:"sharding"`
	Schema   SchemaConfig   `yaml:"schema"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP/RPC server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// BrokerConfig holds broker orchestration settings.
type BrokerConfig struct {
	SearcherAddrs    []string      `yaml:"searcherAddrs"`
	DefaultDeadline  time.Duration `yaml:"defaultDeadline"`
	DefaultLimit     int           `yaml:"defaultLimit"`
	MaxLimit         int           `yaml:"maxLimit"`
	ReorderLookahead int           `yaml:"reorderLookahead"`
	CacheEnabled     bool          `yaml:"cacheEnabled"`
}

// SearcherConfig holds per-shard query execution settings.
type SearcherConfig struct {
	ShardID              int           `yaml:"shardId"`
	SnapshotDir          string        `yaml:"snapshotDir"`
	DefaultDeadline      time.Duration `yaml:"defaultDeadline"`
	PermitsPerCPU        int           `yaml:"permitsPerCpu"`
	AcquireTimeout       time.Duration `yaml:"acquireTimeout"`
	MaxInnerResults      int           `yaml:"maxInnerResults"`
	MaxJoinDepth         int           `yaml:"maxJoinDepth"`
	TotalHitsThreshold   int           `yaml:"totalHitsThreshold"`
	SnapshotPollInterval time.Duration `yaml:"snapshotPollInterval"`
}

// Permits returns the searcher concurrency bound.
func (s SearcherConfig) Permits() int64 {
	per := s.PermitsPerCPU
	if per <= 0 {
		per = 4
	}
	return int64(per * runtime.GOMAXPROCS(0))
}

// ShardingConfig fixes the shard and micro-shard counts for an index
// generation. NumMicroShards must be a multiple of NumShards.
type ShardingConfig struct {
	NumShards      int    `yaml:"numShards"`
	NumMicroShards int    `yaml:"numMicroShards"`
	SourceKey      string `yaml:"sourceKey"`
}

// Validate checks the micro-shard to shard mapping is well formed.
func (s ShardingConfig) Validate() error {
	if s.NumShards <= 0 {
		return fmt.Errorf("numShards must be positive, got %d", s.NumShards)
	}
	if s.NumMicroShards <= 0 {
		return fmt.Errorf("numMicroShards must be positive, got %d", s.NumMicroShards)
	}
	if s.NumMicroShards%s.NumShards != 0 {
		return fmt.Errorf("numMicroShards (%d) must be a multiple of numShards (%d)",
			s.NumMicroShards, s.NumShards)
	}
	return nil
}

// SchemaConfig points at the namespace schema source.
type SchemaConfig struct {
	Path   string `yaml:"path"`
	FromDB bool   `yaml:"fromDb"`
}

// PostgresConfig holds PostgreSQL connection parameters for the schema
// catalog.
type PostgresConfig struct {
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
	CacheInvalidate string `yaml:"cacheInvalidate"`
	QueryEvents     string `yaml:"queryEvents"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
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
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Sharding.Validate(); err != nil {
		return nil, fmt.Errorf("sharding config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Broker: BrokerConfig{
			SearcherAddrs:    []string{"localhost:9000"},
			DefaultDeadline:  2 * time.Second,
			DefaultLimit:     10,
			MaxLimit:         1000,
			ReorderLookahead: 50,
			CacheEnabled:     true,
		},
		Searcher: SearcherConfig{
			ShardID:              0,
			SnapshotDir:          "data/snapshot",
			DefaultDeadline:      1500 * time.Millisecond,
			PermitsPerCPU:        4,
			AcquireTimeout:       50 * time.Millisecond,
			MaxInnerResults:      10000,
			MaxJoinDepth:         4,
			TotalHitsThreshold:   100000,
			SnapshotPollInterval: 30 * time.Second,
		},
		Sharding: ShardingConfig{
			NumShards:      1,
			NumMicroShards: 64,
			SourceKey:      "id",
		},
		Schema: SchemaConfig{
			Path: "configs/schema.yaml",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "canopy",
			User:            "canopy",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "canopy-broker",
			Topics: KafkaTopics{
				CacheInvalidate: "index.generation",
				QueryEvents:     "query-events",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
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

// applyEnvOverrides reads CANOPY_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CANOPY_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CANOPY_SEARCHER_ADDRS"); v != "" {
		cfg.Broker.SearcherAddrs = strings.Split(v, ",")
	}
	if v := os.Getenv("CANOPY_SEARCHER_SHARD_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.Searcher.ShardID = id
		}
	}
	if v := os.Getenv("CANOPY_SEARCHER_SNAPSHOT_DIR"); v != "" {
		cfg.Searcher.SnapshotDir = v
	}
	if v := os.Getenv("CANOPY_NUM_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sharding.NumShards = n
		}
	}
	if v := os.Getenv("CANOPY_NUM_MICRO_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sharding.NumMicroShards = n
		}
	}
	if v := os.Getenv("CANOPY_SCHEMA_PATH"); v != "" {
		cfg.Schema.Path = v
	}
	if v := os.Getenv("CANOPY_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("CANOPY_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("CANOPY_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("CANOPY_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("CANOPY_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("CANOPY_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("CANOPY_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CANOPY_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CANOPY_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CANOPY_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CANOPY_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
