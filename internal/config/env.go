package config

import (
	"fmt"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "QUEUEVIEW_"

type envVar struct {
	name string
	set  func(c *Config, v string) error
}

func str(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func integer(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func duration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func boolean(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

var envVars = []envVar{
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},

	{"SLICE_WINDOW", duration(func(c *Config) *time.Duration { return &c.View.SliceWindow })},
	{"BUCKET_COUNT", integer(func(c *Config) *int { return &c.View.BucketCount })},
	{"UPDATE_BROWSE_START_PACE", integer(func(c *Config) *int { return &c.View.Pace })},
	{"HEALTH_GRACE_PERIOD", duration(func(c *Config) *time.Duration { return &c.View.HealthGracePeriod })},
	{"PURGE_CONTENT", boolean(func(c *Config) *bool { return &c.View.PurgeContent })},

	{"STORE_BACKEND", str(func(c *Config) *string { return &c.Store.Backend })},
	{"POSTGRES_DSN", str(func(c *Config) *string { return &c.Store.Postgres.DSN })},
	{"POSTGRES_TABLE_PREFIX", str(func(c *Config) *string { return &c.Store.Postgres.TablePrefix })},
	{"MONGO_URI", str(func(c *Config) *string { return &c.Store.Mongo.URI })},
	{"MONGO_DATABASE", str(func(c *Config) *string { return &c.Store.Mongo.Database })},
	{"DYNAMODB_TABLE", str(func(c *Config) *string { return &c.Store.DynamoDB.Table })},
	{"DYNAMODB_REGION", str(func(c *Config) *string { return &c.Store.DynamoDB.Region })},
	{"DYNAMODB_ENDPOINT", str(func(c *Config) *string { return &c.Store.DynamoDB.Endpoint })},

	{"BLOB_BACKEND", str(func(c *Config) *string { return &c.Blobs.Backend })},
	{"S3_BUCKET", str(func(c *Config) *string { return &c.Blobs.S3.Bucket })},
	{"S3_REGION", str(func(c *Config) *string { return &c.Blobs.S3.Region })},
	{"S3_ENDPOINT", str(func(c *Config) *string { return &c.Blobs.S3.Endpoint })},
	{"S3_ROLE_ARN", str(func(c *Config) *string { return &c.Blobs.S3.RoleARN })},
	{"GCS_BUCKET", str(func(c *Config) *string { return &c.Blobs.GCS.Bucket })},
	{"GCS_CREDENTIALS_FILE", str(func(c *Config) *string { return &c.Blobs.GCS.CredentialsFile })},
	{"BLOB_CACHE_DIR", str(func(c *Config) *string { return &c.Blobs.Cache.Dir })},

	{"REDIS_ADDR", str(func(c *Config) *string { return &c.Events.RedisAddr })},

	{"SERVER_ADDR", str(func(c *Config) *string { return &c.Server.Addr })},
	{"MAINTENANCE_SCHEDULE", str(func(c *Config) *string { return &c.Server.MaintenanceSchedule })},
}

// ApplyEnv overrides fields from QUEUEVIEW_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(EnvPrefix + ev.name)
		if !ok {
			continue
		}
		if err := ev.set(c, v); err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v", ErrInvalid, EnvPrefix, ev.name, v, err)
		}
	}
	return nil
}
