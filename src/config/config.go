// Package config assembles the process configuration: environment
// variables first, with an optional YAML file underneath.
package config

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/apimgr/assistant/src/broker"
	"github.com/apimgr/assistant/src/email"
	"github.com/apimgr/assistant/src/notify"
	"github.com/apimgr/assistant/src/runner"
	"github.com/apimgr/assistant/src/store"
	"github.com/apimgr/assistant/src/worker"
)

// Features toggles optional subsystems.
type Features struct {
	Metrics      bool `yaml:"metrics"`
	Alerting     bool `yaml:"alerting"`
	Optimization bool `yaml:"optimization"`
	Dependencies bool `yaml:"dependencies"`
}

// Config is the full process configuration.
type Config struct {
	Debug    bool   `yaml:"debug"`
	LogLevel string `yaml:"log_level"`
	LogDir   string `yaml:"log_dir"`

	Store            *store.Config       `yaml:"store"`
	BrokerURL        string              `yaml:"broker_url"`
	ResultBackendURL string              `yaml:"result_backend_url"`
	Queue            broker.Options      `yaml:"queue"`
	Worker           worker.Config       `yaml:"worker"`
	Retry            worker.RetryPolicy  `yaml:"retry"`
	Agent            runner.AgentConfig  `yaml:"agent"`
	Twilio           notify.TwilioConfig `yaml:"twilio"`
	Email            *email.Config       `yaml:"email"`

	AlertSlackWebhookURL string `yaml:"alert_slack_webhook_url"`
	AlertWebhookURL      string `yaml:"alert_webhook_url"`

	// MetricsAddr serves /metrics and /healthz when metrics are enabled.
	MetricsAddr string `yaml:"metrics_addr"`

	// BeatScheduleFile names a YAML file of extra beat entries that
	// overlay the built-in schedule.
	BeatScheduleFile string `yaml:"beat_schedule_file"`

	Features Features `yaml:"features"`
}

// Load reads the environment into a Config. When ASSISTANT_CONFIG (or
// CONFIG_FILE) names a YAML file, it is read first and the environment
// overrides it.
func Load() (*Config, error) {
	cfg := defaults()

	if path := getEnv("ASSISTANT_CONFIG", "CONFIG_FILE"); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LogLevel: "info",
		Store:    store.DefaultConfig(),
		Queue:    broker.DefaultOptions(),
		Worker:   worker.DefaultConfig(),
		Retry:    worker.DefaultRetryPolicy(),
		Email:    email.DefaultConfig(),

		MetricsAddr: "127.0.0.1:9090",
		Features: Features{
			Metrics:      true,
			Alerting:     true,
			Optimization: true,
			Dependencies: true,
		},
	}
}

// loadFile overlays a YAML config file onto cfg.
func loadFile(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.DecodeHook = mapstructure.StringToTimeDurationHookFunc()
	}); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// applyEnv reads the documented environment variables over cfg.
func applyEnv(cfg *Config) {
	cfg.Debug = ParseBool(getEnv("DEBUG", "ASSISTANT_DEBUG"), cfg.Debug)
	cfg.LogLevel = getEnvDefault(cfg.LogLevel, "LOG_LEVEL")
	cfg.LogDir = getEnvDefault(cfg.LogDir, "LOG_DIR", "ASSISTANT_LOG_DIR")
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	// Database pool (§6 names, durations in seconds).
	cfg.Store.URL = getEnvDefault(cfg.Store.URL, "DATABASE_URL")
	cfg.Store.PoolSize = ParseInt(getEnv("DB_POOL_SIZE"), cfg.Store.PoolSize)
	cfg.Store.MaxOverflow = ParseInt(getEnv("DB_MAX_OVERFLOW"), cfg.Store.MaxOverflow)
	cfg.Store.PoolTimeout = ParseSeconds(getEnv("DB_POOL_TIMEOUT"), cfg.Store.PoolTimeout)
	cfg.Store.PoolRecycle = ParseSeconds(getEnv("DB_POOL_RECYCLE"), cfg.Store.PoolRecycle)
	cfg.Store.SlowQueryThreshold = ParseSeconds(getEnv("DB_SLOW_QUERY_THRESHOLD"), cfg.Store.SlowQueryThreshold)
	cfg.Store.HealthCheckInterval = ParseSeconds(getEnv("DB_HEALTH_CHECK_INTERVAL"), cfg.Store.HealthCheckInterval)

	cfg.BrokerURL = getEnvDefault(cfg.BrokerURL, "BROKER_URL")
	cfg.ResultBackendURL = getEnvDefault(cfg.ResultBackendURL, "RESULT_BACKEND_URL")

	// Alert email.
	if host := getEnv("ALERT_SMTP_SERVER"); host != "" {
		cfg.Email.Enabled = true
		cfg.Email.SMTP.Host = host
	}
	cfg.Email.SMTP.Port = ParseInt(getEnv("ALERT_SMTP_PORT"), cfg.Email.SMTP.Port)
	cfg.Email.SMTP.Username = getEnvDefault(cfg.Email.SMTP.Username, "ALERT_SMTP_USERNAME")
	cfg.Email.SMTP.Password = getEnvDefault(cfg.Email.SMTP.Password, "ALERT_SMTP_PASSWORD")
	cfg.Email.From.Email = getEnvDefault(cfg.Email.From.Email, "ALERT_FROM_EMAIL")
	if to := getEnv("ALERT_TO_EMAILS"); to != "" {
		cfg.Email.AdminEmails = ParseList(to)
	}
	cfg.AlertSlackWebhookURL = getEnvDefault(cfg.AlertSlackWebhookURL, "ALERT_SLACK_WEBHOOK_URL")
	cfg.AlertWebhookURL = getEnvDefault(cfg.AlertWebhookURL, "ALERT_WEBHOOK_URL")

	// SMS adapter.
	cfg.Twilio.AccountSID = getEnvDefault(cfg.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	cfg.Twilio.AuthToken = getEnvDefault(cfg.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	cfg.Twilio.FromNumber = getEnvDefault(cfg.Twilio.FromNumber, "TWILIO_FROM_NUMBER")

	// Agent upstream.
	cfg.Agent.URL = getEnvDefault(cfg.Agent.URL, "AGENT_URL")
	cfg.Agent.Model = getEnvDefault(cfg.Agent.Model, "AGENT_MODEL")
	cfg.Agent.APIKey = getEnvDefault(cfg.Agent.APIKey, "AGENT_API_KEY")
	cfg.Agent.Timeout = ParseSeconds(getEnv("AGENT_TIMEOUT"), cfg.Agent.Timeout)

	// Worker shape.
	cfg.Worker.Concurrency = ParseInt(getEnv("WORKER_CONCURRENCY"), cfg.Worker.Concurrency)
	cfg.Worker.MaxTasksPerChild = ParseInt(getEnv("WORKER_MAX_TASKS_PER_CHILD"), cfg.Worker.MaxTasksPerChild)
	cfg.Worker.TaskTimeout = ParseSeconds(getEnv("TASK_TIMEOUT"), cfg.Worker.TaskTimeout)

	cfg.MetricsAddr = getEnvDefault(cfg.MetricsAddr, "METRICS_ADDR")
	cfg.BeatScheduleFile = getEnvDefault(cfg.BeatScheduleFile, "BEAT_SCHEDULE_FILE")

	// Feature flags, default on.
	cfg.Features.Metrics = ParseBool(getEnv("METRICS_ENABLED"), cfg.Features.Metrics)
	cfg.Features.Alerting = ParseBool(getEnv("ALERTING_ENABLED"), cfg.Features.Alerting)
	cfg.Features.Optimization = ParseBool(getEnv("PERFORMANCE_OPTIMIZATION_ENABLED"), cfg.Features.Optimization)
	cfg.Features.Dependencies = ParseBool(getEnv("DEPENDENCY_SCHEDULING_ENABLED"), cfg.Features.Dependencies)
}

// Validate enforces the required settings.
func (c *Config) Validate() error {
	if c.Store == nil || c.Store.URL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.BrokerURL == "" {
		return fmt.Errorf("config: BROKER_URL is required")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("config: worker concurrency must be positive")
	}
	if c.Worker.TaskTimeout <= 0 {
		return fmt.Errorf("config: task timeout must be positive")
	}
	if c.Email != nil && c.Email.Enabled && c.Email.From.Email == "" {
		return fmt.Errorf("config: ALERT_FROM_EMAIL is required when alert email is enabled")
	}
	return nil
}

// AgentTimeoutOrDefault keeps the runner timeout inside the worker
// deadline when unset.
func (c *Config) AgentTimeoutOrDefault() time.Duration {
	if c.Agent.Timeout > 0 {
		return c.Agent.Timeout
	}
	return c.Worker.TaskTimeout
}
