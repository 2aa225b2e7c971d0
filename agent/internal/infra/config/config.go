package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/you-humble/genrelay/agent/internal/pipeline"
)

type Config struct {
	ClientID        string        `yaml:"client_id"`
	DispatchURL     string        `yaml:"dispatch_url"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Tick          time.Duration `yaml:"tick"`
	FetchInterval time.Duration `yaml:"fetch_interval"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	TaskDelay     time.Duration `yaml:"task_delay"`

	GenerationTimeout time.Duration `yaml:"generation_timeout"`
	UpscaleTimeout    time.Duration `yaml:"upscale_timeout"`
	// nil when the key is absent; 0 disables upscale retries.
	MaxRetries *int `yaml:"max_retries"`

	Events Events `yaml:"events"`
	Studio Studio `yaml:"studio"`
	HTTP   HTTP   `yaml:"http"`
	Log    Log    `yaml:"log"`
}

type Events struct {
	Disabled     bool          `yaml:"disabled"`
	ReconnectMin time.Duration `yaml:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`
}

type Studio struct {
	Addr          string        `yaml:"addr"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	UploadTimeout time.Duration `yaml:"upload_timeout"`
}

type HTTP struct {
	Timeout       time.Duration `yaml:"timeout"`
	RetryCount    int           `yaml:"retry_count"`
	RetryWaitTime time.Duration `yaml:"retry_wait_time"`
	Debug         bool          `yaml:"debug"`
}

type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func MustLoad(path string) *Config {
	if env := os.Getenv("GENRELAY_AGENT_CONFIG"); env != "" {
		path = env
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("config: cannot read file %q: %v", path, err)
	}

	cfg, err := parse(data)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal yaml: %w", err)
	}

	if cfg.DispatchURL == "" {
		return nil, errors.New("dispatch_url is empty")
	}
	if cfg.Studio.Addr == "" {
		return nil, errors.New("studio.addr is empty")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "agent-" + uuid.NewString()[:8]
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxRetries == nil {
		n := pipeline.DefaultMaxRetries
		cfg.MaxRetries = &n
	}
	if *cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must not be negative, got %d", *cfg.MaxRetries)
	}
	if cfg.TaskDelay < 0 {
		return nil, fmt.Errorf("task_delay must not be negative, got %s", cfg.TaskDelay)
	}

	return &cfg, nil
}
