package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

type Config struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Namespace string `yaml:"namespace"`
	DataDir   string `yaml:"data_dir"`
	Backend   string `yaml:"store_backend"`

	LeaseTTL     time.Duration `yaml:"lease_ttl"`
	EventsBuffer int           `yaml:"events_buffer"`

	MaxBodyMb   int64 `yaml:"max_body_mb"`
	MaxUploadMb int64 `yaml:"max_upload_mb"`

	QueueCapacity int `yaml:"queue_capacity"`
	PoolSize      int `yaml:"pool_size"`

	Client Client `yaml:"client"`
	Log    Log    `yaml:"log"`
	Redis  Redis  `yaml:"redis"`
	MinIO  MinIO  `yaml:"minio"`
	NATS   NATS   `yaml:"nats"`
}

// Client is served verbatim to agents on GET /api/config.
type Client struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	TaskDelay     int    `yaml:"task_delay"`
	AutoExecute   bool   `yaml:"auto_execute"`
	APIBaseURL    string `yaml:"api_base_url"`
}

type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type Redis struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// MinIO is optional: without an endpoint artifacts stay on local disk only.
type MinIO struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
	MaxRetries      int    `yaml:"max_retries"`
}

// NATS is optional: without a url neither the event mirror nor the intake
// consumer is started.
type NATS struct {
	URL           string `yaml:"url"`
	Name          string `yaml:"name"`
	MaxReconnects int    `yaml:"max_reconnects"`
	Stream        string `yaml:"stream"`
	EventsSubject string `yaml:"events_subject"`
	IntakeSubject string `yaml:"intake_subject"`
	Durable       string `yaml:"durable"`
	FetchBatch    int    `yaml:"fetch_batch"`
}

func MustLoad(path string) *Config {
	if env := os.Getenv("GENRELAY_CONFIG"); env != "" {
		path = env
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("config: cannot read file %q: %v", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		log.Fatalf("config: cannot unmarshal yaml: %v", err)
	}

	if cfg.Addr == "" {
		cfg.Addr = ":3456"
	}
	if cfg.DataDir == "" {
		log.Fatalf("config: data_dir is empty")
	}
	switch cfg.Backend {
	case "":
		cfg.Backend = BackendFile
	case BackendFile:
	case BackendRedis:
		if cfg.Redis.Addr == "" {
			log.Fatalf("config: store_backend is redis but redis.addr is empty")
		}
	default:
		log.Fatalf("config: unknown store_backend %q", cfg.Backend)
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "genrelay"
	}
	if cfg.LeaseTTL < 0 {
		log.Fatalf("config: lease_ttl must not be negative, got %s", cfg.LeaseTTL)
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 24 * time.Hour
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxBodyMb <= 0 {
		cfg.MaxBodyMb = 50
	}
	if cfg.MaxUploadMb <= 0 {
		cfg.MaxUploadMb = 500
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}
	if cfg.Client.MaxConcurrent <= 0 {
		cfg.Client.MaxConcurrent = 1
	}
	if cfg.Client.TaskDelay < 0 {
		log.Fatalf("config: client.task_delay must not be negative")
	}
	if cfg.MinIO.Endpoint != "" && cfg.MinIO.Bucket == "" {
		log.Fatalf("config: minio.bucket is empty")
	}
	if cfg.MinIO.MaxRetries <= 0 {
		cfg.MinIO.MaxRetries = 3
	}
	if cfg.NATS.URL != "" {
		if cfg.NATS.Stream == "" {
			cfg.NATS.Stream = "GENRELAY"
		}
		if cfg.NATS.EventsSubject == "" {
			cfg.NATS.EventsSubject = "genrelay.events"
		}
		if cfg.NATS.Durable == "" {
			cfg.NATS.Durable = "genrelay-dispatch-intake"
		}
		if cfg.NATS.Name == "" {
			cfg.NATS.Name = "genrelay-dispatch"
		}
	}

	return &cfg
}
