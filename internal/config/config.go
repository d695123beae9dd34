// Package config loads the operator configuration of the queueview binary
// from a YAML file, an optional .env file and QUEUEVIEW_* environment
// variables, in that order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendDynamoDB = "dynamodb"
	BackendS3       = "s3"
	BackendGCS      = "gcs"
)

// ErrInvalid is matched by every validation error.
var ErrInvalid = errors.New("config: invalid")

// Config is the full operator configuration.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	View   ViewConfig   `yaml:"view"`
	Store  StoreConfig  `yaml:"store"`
	Blobs  BlobConfig   `yaml:"blobs"`
	Events EventConfig  `yaml:"events"`
	Server ServerConfig `yaml:"server"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

type ViewConfig struct {
	SliceWindow       time.Duration `yaml:"slice_window"`
	BucketCount       int           `yaml:"bucket_count"`
	Pace              int           `yaml:"update_browse_start_pace"`
	FanOut            int           `yaml:"fan_out"`
	HealthGracePeriod time.Duration `yaml:"health_grace_period"`
	PurgeContent      bool          `yaml:"purge_content"`
}

type StoreConfig struct {
	Backend  string         `yaml:"backend"`
	Timeout  time.Duration  `yaml:"timeout"`
	Postgres PostgresConfig `yaml:"postgres"`
	Mongo    MongoConfig    `yaml:"mongo"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
}

type PostgresConfig struct {
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"table_prefix"`
}

type MongoConfig struct {
	URI              string `yaml:"uri"`
	Database         string `yaml:"database"`
	CollectionPrefix string `yaml:"collection_prefix"`
}

type DynamoDBConfig struct {
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type BlobConfig struct {
	Backend string      `yaml:"backend"`
	S3      S3Config    `yaml:"s3"`
	GCS     GCSConfig   `yaml:"gcs"`
	Cache   CacheConfig `yaml:"cache"`
	// Instrument wraps the blob store with OpenTelemetry spans and metrics.
	Instrument bool `yaml:"instrument"`
}

type S3Config struct {
	Bucket     string `yaml:"bucket"`
	Prefix     string `yaml:"prefix"`
	Region     string `yaml:"region"`
	Endpoint   string `yaml:"endpoint"`
	RoleARN    string `yaml:"role_arn"`
	ExternalID string `yaml:"external_id"`
}

type GCSConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	CredentialsFile string `yaml:"credentials_file"`
}

// CacheConfig enables the local disk cache when Dir is set.
type CacheConfig struct {
	Dir     string        `yaml:"dir"`
	MaxSize int64         `yaml:"max_size"`
	TTL     time.Duration `yaml:"ttl"`
}

type EventConfig struct {
	// RedisAddr selects the Redis Streams transport. Empty means no events.
	RedisAddr string `yaml:"redis_addr"`
	Fatal     bool   `yaml:"fatal"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// MaintenanceSchedule is a cron expression. Empty disables scheduled
	// maintenance.
	MaintenanceSchedule string        `yaml:"maintenance_schedule"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used for unset fields.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		View: ViewConfig{
			SliceWindow:       time.Hour,
			BucketCount:       1,
			Pace:              1000,
			FanOut:            8,
			HealthGracePeriod: 7 * 24 * time.Hour,
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			Timeout: 10 * time.Second,
			Mongo:   MongoConfig{Database: "queueview"},
			DynamoDB: DynamoDBConfig{
				Table:  "queueview",
				Region: "us-east-1",
			},
		},
		Blobs: BlobConfig{
			Backend: BackendMemory,
			S3:      S3Config{Region: "us-east-1"},
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// Load reads path (optional), then the env files (".env" when none are
// given; missing files are skipped), then the environment, and validates
// the result.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the binary cannot start with.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		invalid("log.level %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		invalid("log.format %q: want text or json", c.Log.Format)
	}

	if c.View.SliceWindow < time.Second || c.View.SliceWindow%time.Millisecond != 0 {
		invalid("view.slice_window %s: want at least 1s in whole milliseconds", c.View.SliceWindow)
	}
	if c.View.BucketCount < 1 || c.View.BucketCount > 1024 {
		invalid("view.bucket_count %d: want 1..1024", c.View.BucketCount)
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			invalid("store.postgres.dsn is required")
		}
	case BackendMongo:
		if c.Store.Mongo.URI == "" {
			invalid("store.mongo.uri is required")
		}
	case BackendDynamoDB:
		if c.Store.DynamoDB.Table == "" {
			invalid("store.dynamodb.table is required")
		}
	default:
		invalid("store.backend %q", c.Store.Backend)
	}

	switch c.Blobs.Backend {
	case BackendMemory:
	case BackendS3:
		if c.Blobs.S3.Bucket == "" {
			invalid("blobs.s3.bucket is required")
		}
	case BackendGCS:
		if c.Blobs.GCS.Bucket == "" {
			invalid("blobs.gcs.bucket is required")
		}
	default:
		invalid("blobs.backend %q", c.Blobs.Backend)
	}
	if c.Blobs.Cache.MaxSize < 0 {
		invalid("blobs.cache.max_size must not be negative")
	}

	if s := c.Server.MaintenanceSchedule; s != "" && !gronx.IsValid(s) {
		invalid("server.maintenance_schedule %q is not a cron expression", s)
	}
	return errors.Join(errs...)
}

// NewLogger builds the configured slog logger writing to w.
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(strings.ToUpper(s)))
	return level, err
}
