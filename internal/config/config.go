package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "MEDIA_"

type Config struct {
	Env     string        `koanf:"env"`
	HTTP    HTTPConfig    `koanf:"http"`
	GRPC    GRPCConfig    `koanf:"grpc"`
	AWS     AWSConfig     `koanf:"aws"`
	S3      S3Config      `koanf:"s3"`
	Dynamo  DynamoConfig  `koanf:"dynamodb"`
	DB      DBConfig      `koanf:"database"`
	Redis   RedisConfig   `koanf:"redis"`
	SQS     SQSConfig     `koanf:"sqs"`
	Uploads UploadsConfig `koanf:"uploads"`
	Store   StoreConfig   `koanf:"store"`
	Tracing TracingConfig `koanf:"tracing"`
}

type HTTPConfig struct {
	Addr         string        `koanf:"addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	CORSOrigins  []string      `koanf:"cors_origins"`
}

type GRPCConfig struct {
	HealthAddr string `koanf:"health_addr"`
}

type AWSConfig struct {
	Region          string `koanf:"region"`
	Endpoint        string `koanf:"endpoint"` // localstack / minio
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
	UsePathStyle    bool   `koanf:"use_path_style"`
}

type S3Config struct {
	Bucket    string `koanf:"bucket"`
	KeyPrefix string `koanf:"key_prefix"`
}

type DynamoConfig struct {
	SessionsTable string `koanf:"sessions_table"`
}

type DBConfig struct {
	Driver       string        `koanf:"driver"` // postgres, mysql
	DSN          string        `koanf:"dsn"`
	MaxOpenConns int           `koanf:"max_open_conns"`
	MaxIdleConns int           `koanf:"max_idle_conns"`
	MaxLifetime  time.Duration `koanf:"max_lifetime"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type SQSConfig struct {
	EventsQueueURL        string `koanf:"events_queue_url"`
	StorageEventsQueueURL string `koanf:"storage_events_queue_url"`
}

type UploadsConfig struct {
	SessionTTL      time.Duration `koanf:"session_ttl"`
	PartURLTTL      time.Duration `koanf:"part_url_ttl"`
	AccessURLTTL    time.Duration `koanf:"access_url_ttl"`
	MinPartSize     int64         `koanf:"min_part_size"`
	MaxFileSize     int64         `koanf:"max_file_size"`
	CompleteTimeout time.Duration `koanf:"complete_timeout"`
	StuckAfter      time.Duration `koanf:"stuck_after"`
	SweepSchedule   string        `koanf:"sweep_schedule"`
	SweepBatchSize  int32         `koanf:"sweep_batch_size"`
	AssetListingTTL time.Duration `koanf:"asset_listing_ttl"`
}

type StoreConfig struct {
	Driver string `koanf:"driver"` // aws, memory
}

type TracingConfig struct {
	Enabled      bool   `koanf:"enabled"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	ServiceName  string `koanf:"service_name"`
}

// LoadConfig reads CONFIG_FILE (optional yaml) and overlays MEDIA_*
// environment variables. Nested keys use a double underscore:
// MEDIA_DYNAMODB__SESSIONS_TABLE -> dynamodb.sessions_table.
func LoadConfig() (Config, error) {
	k := koanf.New(".")

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	loadWellKnownEnv(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
}

// loadWellKnownEnv maps the conventional variable names used by the AWS
// SDK and docker-compose setups.
func loadWellKnownEnv(k *koanf.Koanf) {
	set := func(envName, key string) {
		if v := os.Getenv(envName); v != "" && !k.Exists(key) {
			_ = k.Set(key, v)
		}
	}
	set("AWS_REGION", "aws.region")
	set("AWS_ENDPOINT_URL", "aws.endpoint")
	set("DATABASE_URL", "database.dsn")
	set("REDIS_ADDR", "redis.addr")
	set("APP_ENV", "env")
}

func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 30 * time.Second
	}
	if cfg.GRPC.HealthAddr == "" {
		cfg.GRPC.HealthAddr = ":9090"
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-east-1"
	}
	if cfg.S3.KeyPrefix == "" {
		cfg.S3.KeyPrefix = "assets"
	}
	if cfg.DB.Driver == "" {
		cfg.DB.Driver = "postgres"
	}
	if cfg.DB.MaxOpenConns == 0 {
		cfg.DB.MaxOpenConns = 20
	}
	if cfg.DB.MaxIdleConns == 0 {
		cfg.DB.MaxIdleConns = 5
	}
	if cfg.DB.MaxLifetime == 0 {
		cfg.DB.MaxLifetime = time.Hour
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "aws"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "media"
	}

	u := &cfg.Uploads
	if u.SessionTTL == 0 {
		u.SessionTTL = 24 * time.Hour
	}
	if u.PartURLTTL == 0 {
		u.PartURLTTL = time.Hour
	}
	if u.AccessURLTTL == 0 {
		u.AccessURLTTL = 15 * time.Minute
	}
	if u.MinPartSize == 0 {
		u.MinPartSize = 5 * 1024 * 1024 // S3 minimum for every part but the last
	}
	if u.MaxFileSize == 0 {
		u.MaxFileSize = 50 * 1024 * 1024 * 1024
	}
	if u.CompleteTimeout == 0 {
		u.CompleteTimeout = 2 * time.Minute
	}
	if u.StuckAfter == 0 {
		u.StuckAfter = 2 * u.CompleteTimeout
	}
	if u.SweepSchedule == "" {
		u.SweepSchedule = "@every 5m"
	}
	if u.SweepBatchSize == 0 {
		u.SweepBatchSize = 100
	}
	if u.AssetListingTTL == 0 {
		u.AssetListingTTL = 5 * time.Minute
	}
}

// Validate checks the settings the selected store driver cannot run
// without.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "aws":
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3.bucket is required"))
		}
		if c.Dynamo.SessionsTable == "" {
			errs = append(errs, errors.New("dynamodb.sessions_table is required"))
		}
		if c.DB.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required"))
		}
	case "memory":
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3.bucket is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	switch c.DB.Driver {
	case "postgres", "mysql":
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.DB.Driver))
	}
	if c.Uploads.MinPartSize <= 0 {
		errs = append(errs, errors.New("uploads.min_part_size must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) IsProduction() bool {
	return c.Env == "prod" || c.Env == "production"
}
