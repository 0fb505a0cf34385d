package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "sqlite:///tmp/assistant.db")
	t.Setenv("BROKER_URL", "redis://localhost:6379/0")
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("BROKER_URL", "redis://localhost:6379/0")
	if _, err := Load(); err == nil {
		t.Fatal("missing DATABASE_URL must fail")
	}
}

func TestLoadRequiresBrokerURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite:///tmp/assistant.db")
	t.Setenv("BROKER_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("missing BROKER_URL must fail")
	}
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.PoolSize != 20 || cfg.Store.MaxOverflow != 30 {
		t.Errorf("pool = %d/%d, want 20/30", cfg.Store.PoolSize, cfg.Store.MaxOverflow)
	}
	if cfg.Store.PoolTimeout != 30*time.Second {
		t.Errorf("pool timeout = %v, want 30s", cfg.Store.PoolTimeout)
	}
	if cfg.Store.SlowQueryThreshold != 100*time.Millisecond {
		t.Errorf("slow query threshold = %v, want 100ms", cfg.Store.SlowQueryThreshold)
	}
	if !cfg.Features.Metrics || !cfg.Features.Alerting || !cfg.Features.Optimization || !cfg.Features.Dependencies {
		t.Errorf("features = %+v, want all enabled", cfg.Features)
	}
	if cfg.Email.Enabled {
		t.Error("email should be disabled without ALERT_SMTP_SERVER")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("DB_POOL_SIZE", "5")
	t.Setenv("DB_SLOW_QUERY_THRESHOLD", "0.25")
	t.Setenv("ALERT_SMTP_SERVER", "smtp.example.com")
	t.Setenv("ALERT_FROM_EMAIL", "assistant@example.com")
	t.Setenv("ALERT_TO_EMAILS", "ops@example.com, oncall@example.com")
	t.Setenv("PERFORMANCE_OPTIMIZATION_ENABLED", "false")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("AGENT_URL", "http://localhost:8080")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.PoolSize != 5 {
		t.Errorf("pool size = %d, want 5", cfg.Store.PoolSize)
	}
	if cfg.Store.SlowQueryThreshold != 250*time.Millisecond {
		t.Errorf("slow query threshold = %v, want 250ms", cfg.Store.SlowQueryThreshold)
	}
	if !cfg.Email.Enabled || cfg.Email.SMTP.Host != "smtp.example.com" {
		t.Errorf("email = %+v, want enabled with host", cfg.Email)
	}
	if len(cfg.Email.AdminEmails) != 2 || cfg.Email.AdminEmails[1] != "oncall@example.com" {
		t.Errorf("admin emails = %v", cfg.Email.AdminEmails)
	}
	if cfg.Features.Optimization {
		t.Error("optimization flag should be off")
	}
	if cfg.Worker.Concurrency != 8 {
		t.Errorf("concurrency = %d, want 8", cfg.Worker.Concurrency)
	}
	if cfg.Twilio.AccountSID != "AC123" {
		t.Errorf("twilio sid = %q", cfg.Twilio.AccountSID)
	}
	if cfg.Agent.URL != "http://localhost:8080" {
		t.Errorf("agent url = %q", cfg.Agent.URL)
	}
}

func TestDebugForcesDebugLevel(t *testing.T) {
	setRequired(t)
	t.Setenv("DEBUG", "true")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q, want debug", cfg.LogLevel)
	}
}

func TestEmailEnabledNeedsFromAddress(t *testing.T) {
	setRequired(t)
	t.Setenv("ALERT_SMTP_SERVER", "smtp.example.com")
	t.Setenv("ALERT_FROM_EMAIL", "")
	if _, err := Load(); err == nil {
		t.Fatal("enabled email without from address must fail")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "assistant.yaml")
	body := `
log_level: warn
queue:
  warning_length: 50
worker:
  concurrency: 2
features:
  alerting: false
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ASSISTANT_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log level = %q, want warn", cfg.LogLevel)
	}
	if cfg.Queue.WarningLength != 50 {
		t.Errorf("warning length = %d, want 50", cfg.Queue.WarningLength)
	}
	if cfg.Worker.Concurrency != 2 {
		t.Errorf("concurrency = %d, want 2", cfg.Worker.Concurrency)
	}
	if cfg.Features.Alerting {
		t.Error("alerting should be off per file")
	}

	// Environment still wins over the file.
	t.Setenv("WORKER_CONCURRENCY", "6")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Worker.Concurrency != 6 {
		t.Errorf("concurrency = %d, want env override 6", cfg.Worker.Concurrency)
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		in   string
		def  bool
		want bool
	}{
		{"", true, true},
		{"", false, false},
		{"1", false, true},
		{"true", false, true},
		{"YES", false, true},
		{"on", false, true},
		{"0", true, false},
		{"off", true, false},
		{"garbage", true, true},
	}
	for _, tt := range tests {
		if got := ParseBool(tt.in, tt.def); got != tt.want {
			t.Errorf("ParseBool(%q, %v) = %v, want %v", tt.in, tt.def, got, tt.want)
		}
	}
}

func TestParseSeconds(t *testing.T) {
	tests := []struct {
		in   string
		def  time.Duration
		want time.Duration
	}{
		{"", time.Minute, time.Minute},
		{"30", 0, 30 * time.Second},
		{"0.1", 0, 100 * time.Millisecond},
		{"3600", 0, time.Hour},
		{"bad", time.Second, time.Second},
	}
	for _, tt := range tests {
		if got := ParseSeconds(tt.in, tt.def); got != tt.want {
			t.Errorf("ParseSeconds(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseList(t *testing.T) {
	got := ParseList(" a@example.com ,, b@example.com ")
	if len(got) != 2 || got[0] != "a@example.com" || got[1] != "b@example.com" {
		t.Errorf("ParseList = %v", got)
	}
	if got := ParseList(""); got != nil {
		t.Errorf("ParseList(\"\") = %v, want nil", got)
	}
}
