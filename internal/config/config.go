// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	DB         DBConfig         `mapstructure:"db"`
	SQS        SQSConfig        `mapstructure:"sqs"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Search     SearchConfig     `mapstructure:"search"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	CRM        CRMConfig        `mapstructure:"crm"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines admin API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// SQSConfig configures the job queue connection and receive behavior.
type SQSConfig struct {
	QueueURL              string `mapstructure:"queue_url"`
	Region                string `mapstructure:"region"`
	Endpoint              string `mapstructure:"endpoint"`
	MaxMessages           int32  `mapstructure:"max_messages"`
	WaitTimeSeconds       int32  `mapstructure:"wait_time_seconds"`
	VisibilityTimeoutSecs int32  `mapstructure:"visibility_timeout_seconds"`
}

// WorkerConfig governs consumer loop and retry behavior.
type WorkerConfig struct {
	MaxRetries           int `mapstructure:"max_retries"`
	LargeJobThreshold    int `mapstructure:"large_job_threshold"`
	ExtendIntervalSecs   int `mapstructure:"extend_interval_seconds"`
	ExtendBySecs         int `mapstructure:"extend_by_seconds"`
	MaxConsecutiveErrors int `mapstructure:"max_consecutive_errors"`
	BackoffCapSecs       int `mapstructure:"backoff_cap_seconds"`
}

// PipelineConfig governs per-keyword and per-item processing.
type PipelineConfig struct {
	ItemTimeoutSecs int `mapstructure:"item_timeout_seconds"`
	ItemDelayMs     int `mapstructure:"item_delay_ms"`
}

// HeadlessConfig configures the headless page fetching subsystem.
type HeadlessConfig struct {
	MaxParallel   int     `mapstructure:"max_parallel"`
	NavTimeoutSec int     `mapstructure:"nav_timeout_seconds"`
	UserAgent     string  `mapstructure:"user_agent"`
	PerHostRPS    float64 `mapstructure:"per_host_rps"`
	PerHostBurst  int     `mapstructure:"per_host_burst"`
}

// SearchConfig holds credentials for the search and volume APIs.
type SearchConfig struct {
	APIKey        string `mapstructure:"api_key"`
	EngineID      string `mapstructure:"engine_id"`
	BaseURL       string `mapstructure:"base_url"`
	VolumeBaseURL string `mapstructure:"volume_base_url"`
	VolumeAPIKey  string `mapstructure:"volume_api_key"`
}

// ClassifierConfig holds credentials for the page classifier.
type ClassifierConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

// CRMConfig holds credentials for CRM duplicate checks.
type CRMConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	AccessToken string `mapstructure:"access_token"`
	BaseURL     string `mapstructure:"base_url"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RANKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("sqs.region", "ap-northeast-1")
	v.SetDefault("sqs.max_messages", 1)
	v.SetDefault("sqs.wait_time_seconds", 20)
	v.SetDefault("sqs.visibility_timeout_seconds", 900)
	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.large_job_threshold", 25)
	v.SetDefault("worker.extend_interval_seconds", 600)
	v.SetDefault("worker.extend_by_seconds", 900)
	v.SetDefault("worker.max_consecutive_errors", 10)
	v.SetDefault("worker.backoff_cap_seconds", 60)
	v.SetDefault("pipeline.item_timeout_seconds", 240)
	v.SetDefault("pipeline.item_delay_ms", 1000)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.user_agent", "datascraper-bot/0.1")
	v.SetDefault("headless.per_host_rps", 1.0)
	v.SetDefault("headless.per_host_burst", 2)
	v.SetDefault("search.base_url", "https://www.googleapis.com/customsearch/v1")
	v.SetDefault("classifier.model", "gpt-4o")
	v.SetDefault("classifier.base_url", "https://api.openai.com/v1")
	v.SetDefault("crm.base_url", "https://api.hubapi.com")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.SQS.MaxMessages <= 0 || c.SQS.MaxMessages > 10 {
		return fmt.Errorf("sqs.max_messages must be between 1 and 10")
	}
	if c.SQS.WaitTimeSeconds < 0 || c.SQS.WaitTimeSeconds > 20 {
		return fmt.Errorf("sqs.wait_time_seconds must be between 0 and 20")
	}
	if c.SQS.VisibilityTimeoutSecs <= 0 {
		return fmt.Errorf("sqs.visibility_timeout_seconds must be > 0")
	}
	if c.Worker.MaxRetries <= 0 {
		return fmt.Errorf("worker.max_retries must be > 0")
	}
	if c.Worker.ExtendIntervalSecs <= 0 || c.Worker.ExtendBySecs <= 0 {
		return fmt.Errorf("worker extension intervals must be > 0")
	}
	if c.Pipeline.ItemTimeoutSecs <= 0 {
		return fmt.Errorf("pipeline.item_timeout_seconds must be > 0")
	}
	if c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// ItemTimeout returns the per-item processing budget as a duration.
func (c Config) ItemTimeout() time.Duration {
	return time.Duration(c.Pipeline.ItemTimeoutSecs) * time.Second
}

// ItemDelay returns the pause between search-result items.
func (c Config) ItemDelay() time.Duration {
	return time.Duration(c.Pipeline.ItemDelayMs) * time.Millisecond
}

// ExtendInterval returns how often message visibility is extended.
func (c Config) ExtendInterval() time.Duration {
	return time.Duration(c.Worker.ExtendIntervalSecs) * time.Second
}

// ExtendBy returns the visibility extension granted on each tick.
func (c Config) ExtendBy() time.Duration {
	return time.Duration(c.Worker.ExtendBySecs) * time.Second
}
