package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Source    Endpoint  `yaml:"source"`
	Target    Endpoint  `yaml:"target"`
	Migration Migration `yaml:"migration"`
	LogLevel  string    `yaml:"log_level"`
}

// Endpoint represents one S3-compatible storage endpoint
type Endpoint struct {
	Provider  string `yaml:"provider"` // minio (default) or s3
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket"`
}

// Migration represents migration-specific configuration
type Migration struct {
	Prefix           string  `yaml:"prefix"`
	Artifact         string  `yaml:"artifact"` // single artifact key
	Strategy         string  `yaml:"strategy"` // small|medium|large|auto
	Concurrency      int     `yaml:"concurrency"`
	BatchCount       int     `yaml:"batch_count"`
	BatchBytes       int64   `yaml:"batch_bytes"`
	MaxRetries       int     `yaml:"max_retries"`
	BackoffBaseMs    int     `yaml:"backoff_base_ms"`
	BackoffFactor    float64 `yaml:"backoff_factor"`
	BackoffMaxMs     int     `yaml:"backoff_max_ms"`
	RateLimitSource  float64 `yaml:"rate_limit_source"` // tokens per second, 0 = unlimited
	RateLimitTarget  float64 `yaml:"rate_limit_target"`
	AcquireTimeoutMs int     `yaml:"acquire_timeout_ms"`
	Checkpoint       string  `yaml:"checkpoint"`
	RunID            string  `yaml:"run_id"` // resumes this run when set
	DryRun           bool    `yaml:"dry_run"`
	SkipExisting     bool    `yaml:"skip_existing"`
	ShowProgress     bool    `yaml:"show_progress"`
	MetricsAddr      string  `yaml:"metrics_addr"`
	SpoolThreshold   int64   `yaml:"spool_threshold"` // bytes buffered in memory before spilling to disk
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		Migration: Migration{
			Strategy:         "auto",
			MaxRetries:       5,
			BackoffBaseMs:    500,
			BackoffFactor:    2.0,
			BackoffMaxMs:     30000,
			AcquireTimeoutMs: 120000,
			Checkpoint:       "./checkpoint.db",
			SkipExisting:     true,
			ShowProgress:     true,
			MetricsAddr:      ":8080",
			SpoolThreshold:   33554432, // 32MB
		},
	}

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := loadFromFlags(cfg, flags); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}

	stringFlags := map[string]*string{
		"src-provider":   &cfg.Source.Provider,
		"src-endpoint":   &cfg.Source.Endpoint,
		"src-region":     &cfg.Source.Region,
		"src-access-key": &cfg.Source.AccessKey,
		"src-secret-key": &cfg.Source.SecretKey,
		"src-bucket":     &cfg.Source.Bucket,
		"dst-provider":   &cfg.Target.Provider,
		"dst-endpoint":   &cfg.Target.Endpoint,
		"dst-region":     &cfg.Target.Region,
		"dst-access-key": &cfg.Target.AccessKey,
		"dst-secret-key": &cfg.Target.SecretKey,
		"dst-bucket":     &cfg.Target.Bucket,
		"prefix":         &cfg.Migration.Prefix,
		"artifact":       &cfg.Migration.Artifact,
		"strategy":       &cfg.Migration.Strategy,
		"checkpoint":     &cfg.Migration.Checkpoint,
		"run-id":         &cfg.Migration.RunID,
		"metrics-addr":   &cfg.Migration.MetricsAddr,
		"log-level":      &cfg.LogLevel,
	}
	for name, dst := range stringFlags {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}

	boolFlags := map[string]*bool{
		"src-secure":    &cfg.Source.Secure,
		"dst-secure":    &cfg.Target.Secure,
		"dry-run":       &cfg.Migration.DryRun,
		"skip-existing": &cfg.Migration.SkipExisting,
		"show-progress": &cfg.Migration.ShowProgress,
	}
	for name, dst := range boolFlags {
		if flags.Changed(name) {
			*dst, _ = flags.GetBool(name)
		}
	}

	intFlags := map[string]*int{
		"concurrency":        &cfg.Migration.Concurrency,
		"batch-count":        &cfg.Migration.BatchCount,
		"max-retries":        &cfg.Migration.MaxRetries,
		"backoff-base-ms":    &cfg.Migration.BackoffBaseMs,
		"backoff-max-ms":     &cfg.Migration.BackoffMaxMs,
		"acquire-timeout-ms": &cfg.Migration.AcquireTimeoutMs,
	}
	for name, dst := range intFlags {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}

	int64Flags := map[string]*int64{
		"batch-bytes":     &cfg.Migration.BatchBytes,
		"spool-threshold": &cfg.Migration.SpoolThreshold,
	}
	for name, dst := range int64Flags {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt64(name)
		}
	}

	float64Flags := map[string]*float64{
		"backoff-factor":    &cfg.Migration.BackoffFactor,
		"rate-limit-source": &cfg.Migration.RateLimitSource,
		"rate-limit-target": &cfg.Migration.RateLimitTarget,
	}
	for name, dst := range float64Flags {
		if flags.Changed(name) {
			*dst, _ = flags.GetFloat64(name)
		}
	}

	return nil
}

func (c *Config) validate() error {
	if c.Source.Endpoint == "" {
		return fmt.Errorf("source endpoint is required")
	}
	if c.Source.Bucket == "" {
		return fmt.Errorf("source bucket is required")
	}
	if c.Target.Endpoint == "" {
		return fmt.Errorf("target endpoint is required")
	}
	if c.Target.Bucket == "" {
		return fmt.Errorf("target bucket is required")
	}

	switch c.Migration.Strategy {
	case "small", "medium", "large", "auto":
	default:
		return fmt.Errorf("strategy must be one of small, medium, large, auto (got %q)", c.Migration.Strategy)
	}

	if c.Migration.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative")
	}
	if c.Migration.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1")
	}
	if c.Migration.BackoffFactor < 1 {
		return fmt.Errorf("backoff factor must be at least 1")
	}

	return nil
}
