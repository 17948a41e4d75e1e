package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the warmup engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Warmup    WarmupConfig    `yaml:"warmup"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Verifier  VerifierConfig  `yaml:"verifier"`
	Content   ContentConfig   `yaml:"content"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis connection settings for quota persistence,
// send dedupe, and distributed locking.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// WarmupConfig holds the quota-curve ceilings shared by every account.
type WarmupConfig struct {
	GlobalDailyCap   int     `yaml:"global_daily_cap"`
	ReplyRateCap     float64 `yaml:"reply_rate_cap"`
	TimeZone         string  `yaml:"time_zone"`
	PoolMaxPerDay    int     `yaml:"pool_max_per_day"`
	ResetCheckMinute int     `yaml:"reset_check_minutes"`
}

// ResetCheckInterval returns how often the daily-reset loop wakes up.
func (c WarmupConfig) ResetCheckInterval() time.Duration {
	return time.Duration(c.ResetCheckMinute) * time.Minute
}

// Location resolves the configured time zone, falling back to UTC.
func (c WarmupConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SchedulerConfig holds time-slot scheduling parameters.
type SchedulerConfig struct {
	BaseDelayMinutes int `yaml:"base_delay_minutes"`
	SpacingMinutes   int `yaml:"spacing_minutes"`
	IntervalMinutes  int `yaml:"interval_minutes"`
	LockTTLSeconds   int `yaml:"lock_ttl_seconds"`
}

// BaseDelay returns the delay before the first round executes.
func (c SchedulerConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMinutes) * time.Minute
}

// Spacing returns the gap between consecutive rounds.
func (c SchedulerConfig) Spacing() time.Duration {
	return time.Duration(c.SpacingMinutes) * time.Minute
}

// Interval returns how often an automatic scheduling pass is attempted.
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// LockTTL returns the distributed-lock TTL for a scheduling pass.
func (c SchedulerConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// DispatchConfig holds dispatch worker parameters.
type DispatchConfig struct {
	Workers               int `yaml:"workers"`
	InterPairDelaySeconds int `yaml:"inter_pair_delay_seconds"`
	MaxSendAttempts       int `yaml:"max_send_attempts"`
	MaxRetryCount         int `yaml:"max_retry_count"`
	ClaimIntervalSeconds  int `yaml:"claim_interval_seconds"`
}

// InterPairDelay returns the pause between pairs within one job.
func (c DispatchConfig) InterPairDelay() time.Duration {
	return time.Duration(c.InterPairDelaySeconds) * time.Second
}

// ClaimInterval returns how often an idle worker polls the queue.
func (c DispatchConfig) ClaimInterval() time.Duration {
	return time.Duration(c.ClaimIntervalSeconds) * time.Second
}

// VerifierConfig holds mailbox verification parameters.
type VerifierConfig struct {
	SettleDelayMinutes  int `yaml:"settle_delay_minutes"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	TimeoutSeconds      int `yaml:"timeout_seconds"`
}

// SettleDelay returns how long a sent message rests before mailbox polling.
func (c VerifierConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMinutes) * time.Minute
}

// PollInterval returns how often the verifier scans for due checks.
func (c VerifierConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Timeout returns the per-mailbox-check timeout.
func (c VerifierConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ContentConfig holds content-generation settings. When Bedrock is
// disabled or unreachable the template fallback is used.
type ContentConfig struct {
	BedrockEnabled bool   `yaml:"bedrock_enabled"`
	BedrockModelID string `yaml:"bedrock_model_id"`
	AWSRegion      string `yaml:"aws_region"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the content-generation request timeout.
func (c ContentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Warmup.GlobalDailyCap == 0 {
		cfg.Warmup.GlobalDailyCap = 25
	}
	if cfg.Warmup.ReplyRateCap == 0 {
		cfg.Warmup.ReplyRateCap = 0.25
	}
	if cfg.Warmup.TimeZone == "" {
		cfg.Warmup.TimeZone = "UTC"
	}
	if cfg.Warmup.PoolMaxPerDay == 0 {
		cfg.Warmup.PoolMaxPerDay = 100
	}
	if cfg.Warmup.ResetCheckMinute == 0 {
		cfg.Warmup.ResetCheckMinute = 5
	}
	if cfg.Scheduler.BaseDelayMinutes == 0 {
		cfg.Scheduler.BaseDelayMinutes = 2
	}
	if cfg.Scheduler.SpacingMinutes == 0 {
		cfg.Scheduler.SpacingMinutes = 8
	}
	if cfg.Scheduler.IntervalMinutes == 0 {
		cfg.Scheduler.IntervalMinutes = 60
	}
	if cfg.Scheduler.LockTTLSeconds == 0 {
		cfg.Scheduler.LockTTLSeconds = 120
	}
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 2
	}
	if cfg.Dispatch.InterPairDelaySeconds == 0 {
		cfg.Dispatch.InterPairDelaySeconds = 5
	}
	if cfg.Dispatch.MaxSendAttempts == 0 {
		cfg.Dispatch.MaxSendAttempts = 3
	}
	if cfg.Dispatch.MaxRetryCount == 0 {
		cfg.Dispatch.MaxRetryCount = 5
	}
	if cfg.Dispatch.ClaimIntervalSeconds == 0 {
		cfg.Dispatch.ClaimIntervalSeconds = 10
	}
	if cfg.Verifier.SettleDelayMinutes == 0 {
		cfg.Verifier.SettleDelayMinutes = 2
	}
	if cfg.Verifier.PollIntervalSeconds == 0 {
		cfg.Verifier.PollIntervalSeconds = 30
	}
	if cfg.Verifier.TimeoutSeconds == 0 {
		cfg.Verifier.TimeoutSeconds = 45
	}
	if cfg.Content.BedrockModelID == "" {
		cfg.Content.BedrockModelID = "anthropic.claude-3-haiku-20240307-v1:0"
	}
	if cfg.Content.AWSRegion == "" {
		cfg.Content.AWSRegion = "us-east-1"
	}
	if cfg.Content.TimeoutSeconds == 0 {
		cfg.Content.TimeoutSeconds = 20
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets
// can live in .env locally and in real env vars on the host.
// A missing config file is not an error: defaults plus env vars apply.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = &Config{}
		cfg.applyDefaults()
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("WARMUP_TIME_ZONE"); v != "" {
		cfg.Warmup.TimeZone = v
	}
	if v := os.Getenv("DISPATCH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatch.Workers = n
		}
	}
	if v := os.Getenv("BEDROCK_MODEL_ID"); v != "" {
		cfg.Content.BedrockModelID = v
		cfg.Content.BedrockEnabled = true
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Content.AWSRegion = v
	}

	return cfg, nil
}
