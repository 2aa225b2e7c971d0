package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	BaseDir     string `yaml:"base_dir"`
	DispatchURL string `yaml:"dispatch_url"`

	QueueCapacity int `yaml:"queue_capacity"`
	PoolSize      int `yaml:"pool_size"`

	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	MaxParallelUploads int           `yaml:"max_parallel_uploads"`
	UploadTimeout      time.Duration `yaml:"upload_timeout"`

	Simulator Simulator `yaml:"simulator"`
	Log       Log       `yaml:"log"`
	MinIO     MinIO     `yaml:"minio"`
}

type Simulator struct {
	MinDelay        time.Duration `yaml:"min_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	FailRate        float64       `yaml:"fail_rate"`
	UpscaleFailRate float64       `yaml:"upscale_fail_rate"`
	AlreadyHDRate   float64       `yaml:"already_hd_rate"`
	Seed            int64         `yaml:"seed"`
}

type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type MinIO struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
	MaxRetries      int    `yaml:"max_retries"`
}

func MustLoad(path string) *Config {
	if env := os.Getenv("GENRELAY_STUDIO_CONFIG"); env != "" {
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

	if cfg.BaseDir == "" {
		log.Fatalf("config: base_dir is empty")
	}
	if cfg.DispatchURL == "" {
		log.Fatalf("config: dispatch_url is empty")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":50051"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.MaxParallelUploads <= 0 {
		cfg.MaxParallelUploads = 2
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 2 * time.Minute
	}
	if cfg.Simulator.MaxDelay <= 0 {
		cfg.Simulator.MaxDelay = 30 * time.Second
	}
	for _, r := range []float64{cfg.Simulator.FailRate, cfg.Simulator.UpscaleFailRate, cfg.Simulator.AlreadyHDRate} {
		if r < 0 || r > 1 {
			log.Fatalf("config: simulator rates must be within [0, 1], got %v", r)
		}
	}
	if cfg.MinIO.Endpoint != "" && cfg.MinIO.Bucket == "" {
		log.Fatalf("config: minio.bucket is empty")
	}
	if cfg.MinIO.MaxRetries <= 0 {
		cfg.MinIO.MaxRetries = 3
	}

	return &cfg
}
