package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the app's configuration
type Config struct {
	Redis struct {
		Addr string `yaml:"addr"`
	} `yaml:"redis"`

	API struct {
		HeartbeatPath string `yaml:"heartbeat_path"`
	} `yaml:"api"`

	Dispatcher struct {
		// Admins is the list of actor ids allowed to approve, reject and
		// retry requests. Actor identity is supplied by the chat bridge;
		// only membership is checked here.
		Admins      []string `yaml:"admins"`
		MaxAttempts int      `yaml:"max_attempts"`
	} `yaml:"dispatcher"`

	Processor struct {
		Workers       int    `yaml:"workers"`
		TempDir       string `yaml:"temp_dir"`
		LockFile      string `yaml:"lock_file"`
		StatsInterval int    `yaml:"stats_interval"`
	} `yaml:"processor"`

	Refiner struct {
		Endpoint   string `yaml:"endpoint"`
		APIKey     string `yaml:"api_key"`
		Model      string `yaml:"model"`
		TimeoutSec int    `yaml:"timeout"`
	} `yaml:"refiner"`

	Fetcher struct {
		Binary       string `yaml:"binary"`
		AudioFormat  string `yaml:"audio_format"`
		AudioQuality string `yaml:"audio_quality"`
		SearchPrefix string `yaml:"search_prefix"`
		TimeoutSec   int    `yaml:"timeout"`
	} `yaml:"fetcher"`

	Library struct {
		// Backend is "filesystem" or "s3".
		Backend  string `yaml:"backend"`
		RootDir  string `yaml:"root_dir"`
		S3Region string `yaml:"s3_region"`
		S3Bucket string `yaml:"s3_bucket"`
	} `yaml:"library"`

	Notifier struct {
		Concurrency   int    `yaml:"concurrency"`
		Backend       string `yaml:"backend"`
		Destination   string `yaml:"destination"`
		StatsInterval int    `yaml:"stats_interval"`
	} `yaml:"notifier"`

	// Backends holds per-backend options, keyed by backend id
	// (eg. "http", "kafka", "sqs").
	Backends map[string]map[string]interface{} `yaml:"backends"`
}

// Parse loads a given file name and creates a Configuration
func Parse(filename string) (Config, error) {
	cfg := Config{}
	f, err := os.ReadFile(filename)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(f, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (cfg *Config) validate() error {
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Dispatcher.MaxAttempts <= 0 {
		cfg.Dispatcher.MaxAttempts = 3
	}
	if cfg.Processor.Workers <= 0 {
		cfg.Processor.Workers = 3
	}
	if cfg.Notifier.Concurrency <= 0 {
		cfg.Notifier.Concurrency = 2
	}
	if cfg.Fetcher.TimeoutSec <= 0 {
		// Real downloads can take minutes.
		cfg.Fetcher.TimeoutSec = 600
	}
	if cfg.Refiner.TimeoutSec <= 0 {
		cfg.Refiner.TimeoutSec = 10
	}
	switch cfg.Library.Backend {
	case "", "filesystem":
		cfg.Library.Backend = "filesystem"
		if cfg.Library.RootDir == "" {
			return fmt.Errorf("library.root_dir is required for the filesystem backend")
		}
	case "s3":
		if cfg.Library.S3Region == "" || cfg.Library.S3Bucket == "" {
			return fmt.Errorf("library.s3_region and library.s3_bucket are required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown library backend %q", cfg.Library.Backend)
	}
	return nil
}
