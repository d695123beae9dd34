package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "queueview.yaml", `
log:
  level: debug
  format: json
view:
  slice_window: 30m
  bucket_count: 16
  update_browse_start_pace: 10
store:
  backend: postgres
  postgres:
    dsn: postgres://localhost/queueview
    table_prefix: qv_
blobs:
  backend: s3
  s3:
    bucket: mail-parts
  cache:
    dir: /var/cache/queueview
    max_size: 1048576
server:
  addr: 127.0.0.1:9090
  maintenance_schedule: "*/5 * * * *"
`)
	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.View.SliceWindow != 30*time.Minute || cfg.View.BucketCount != 16 || cfg.View.Pace != 10 {
		t.Errorf("View = %+v", cfg.View)
	}
	if cfg.View.FanOut != 8 {
		t.Errorf("FanOut = %d, want default 8", cfg.View.FanOut)
	}
	if cfg.Store.Backend != BackendPostgres || cfg.Store.Postgres.TablePrefix != "qv_" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Blobs.S3.Bucket != "mail-parts" || cfg.Blobs.S3.Region != "us-east-1" {
		t.Errorf("S3 = %+v", cfg.Blobs.S3)
	}
	if cfg.Blobs.Cache.MaxSize != 1<<20 {
		t.Errorf("Cache.MaxSize = %d", cfg.Blobs.Cache.MaxSize)
	}
	if cfg.Server.MaintenanceSchedule != "*/5 * * * *" {
		t.Errorf("MaintenanceSchedule = %q", cfg.Server.MaintenanceSchedule)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeFile(t, "bad.yaml", "view: [unterminated")
	if _, err := Load(path, filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvFileOverridesYAML(t *testing.T) {
	path := writeFile(t, "queueview.yaml", "view:\n  bucket_count: 4\n")
	env := writeFile(t, "test.env", "QUEUEVIEW_BUCKET_COUNT=32\nQUEUEVIEW_LOG_FORMAT=json\n")

	// godotenv.Load never overrides variables that are already set, so
	// register cleanup for the ones it creates.
	t.Setenv("QUEUEVIEW_BUCKET_COUNT", "")
	os.Unsetenv("QUEUEVIEW_BUCKET_COUNT")
	t.Setenv("QUEUEVIEW_LOG_FORMAT", "")
	os.Unsetenv("QUEUEVIEW_LOG_FORMAT")

	cfg, err := Load(path, env)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.View.BucketCount != 32 {
		t.Errorf("BucketCount = %d, want 32", cfg.View.BucketCount)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want json", cfg.Log.Format)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"QUEUEVIEW_STORE_BACKEND":        "dynamodb",
		"QUEUEVIEW_DYNAMODB_TABLE":       "mailview",
		"QUEUEVIEW_DYNAMODB_ENDPOINT":    "http://localhost:8000",
		"QUEUEVIEW_SLICE_WINDOW":         "15m",
		"QUEUEVIEW_PURGE_CONTENT":        "true",
		"QUEUEVIEW_REDIS_ADDR":           "localhost:6379",
		"QUEUEVIEW_MAINTENANCE_SCHEDULE": "@hourly",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.Store.Backend != BackendDynamoDB || cfg.Store.DynamoDB.Table != "mailview" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Store.DynamoDB.Region != "us-east-1" {
		t.Errorf("Region = %q, want default kept", cfg.Store.DynamoDB.Region)
	}
	if cfg.View.SliceWindow != 15*time.Minute || !cfg.View.PurgeContent {
		t.Errorf("View = %+v", cfg.View)
	}
	if cfg.Events.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", cfg.Events.RedisAddr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"QUEUEVIEW_BUCKET_COUNT":  "many",
		"QUEUEVIEW_SLICE_WINDOW":  "soon",
		"QUEUEVIEW_PURGE_CONTENT": "perhaps",
	}
	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			lookup := func(k string) (string, bool) {
				if k == name {
					return value, true
				}
				return "", false
			}
			err := Default().ApplyEnv(lookup)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("ApplyEnv() = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), name) {
				t.Errorf("error %q does not name %s", err, name)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"short window", func(c *Config) { c.View.SliceWindow = 500 * time.Millisecond }, "slice_window"},
		{"fractional window", func(c *Config) { c.View.SliceWindow = time.Second + time.Microsecond }, "slice_window"},
		{"no buckets", func(c *Config) { c.View.BucketCount = 0 }, "bucket_count"},
		{"unknown store", func(c *Config) { c.Store.Backend = "cassandra" }, "store.backend"},
		{"postgres dsn", func(c *Config) { c.Store.Backend = BackendPostgres }, "dsn"},
		{"mongo uri", func(c *Config) { c.Store.Backend = BackendMongo }, "uri"},
		{"dynamodb table", func(c *Config) {
			c.Store.Backend = BackendDynamoDB
			c.Store.DynamoDB.Table = ""
		}, "table"},
		{"unknown blobs", func(c *Config) { c.Blobs.Backend = "ftp" }, "blobs.backend"},
		{"s3 bucket", func(c *Config) { c.Blobs.Backend = BackendS3 }, "s3.bucket"},
		{"gcs bucket", func(c *Config) { c.Blobs.Backend = BackendGCS }, "gcs.bucket"},
		{"cache size", func(c *Config) { c.Blobs.Cache.MaxSize = -1 }, "max_size"},
		{"schedule", func(c *Config) { c.Server.MaintenanceSchedule = "every tuesday" }, "maintenance_schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "xml"
	cfg.View.BucketCount = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "log.format") || !strings.Contains(msg, "bucket_count") {
		t.Errorf("error %q should report both problems", msg)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept", "queue", "spool")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info record written at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"kept"`) || !strings.Contains(out, `"queue":"spool"`) {
		t.Errorf("unexpected output: %s", out)
	}

	if _, err := (LogConfig{Level: "loud", Format: "text"}).NewLogger(&buf); err == nil {
		t.Error("expected error for unknown level")
	}
}
