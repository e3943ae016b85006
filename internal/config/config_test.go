package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MEKXH/tether/internal/engine"
	"github.com/MEKXH/tether/internal/risk"
	"github.com/MEKXH/tether/internal/store"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Approval.AutoApproveLow {
		t.Error("expected auto_approve_low to default to true")
	}
	if cfg.Approval.DefaultTTLMinutes != 1440 {
		t.Errorf("expected DefaultTTLMinutes=1440, got %d", cfg.Approval.DefaultTTLMinutes)
	}
	if cfg.Agents.RatePerMinute != 100 {
		t.Errorf("expected RatePerMinute=100, got %d", cfg.Agents.RatePerMinute)
	}
	if cfg.Agents.BreakerThreshold != 5 || cfg.Agents.BreakerCooldown() != time.Minute {
		t.Errorf("expected breaker 5 failures / 1m, got %d / %s", cfg.Agents.BreakerThreshold, cfg.Agents.BreakerCooldown())
	}
	if cfg.Gateway.Port != 18790 {
		t.Errorf("expected Port=18790, got %d", cfg.Gateway.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFile_CreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if cfg.Store.Driver != store.DriverSQLite {
		t.Fatalf("expected sqlite driver, got %q", cfg.Store.Driver)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected config file to be written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
}

func TestLoadFile_ReadsValuesAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
  "workspace": "/srv/tether",
  "log": {"level": "DEBUG"},
  "store": {"driver": "badger"},
  "risk": {"rules": {"send_report": "medium"}},
  "approval": {"expedited_ttl_minutes": 30},
  "engine": {"tasks": {"generate_report": {"queue": "reports", "max_attempts": 5}}},
  "gateway": {"port": 9000}
}`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TETHER_GATEWAY_PORT", "9100")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected level normalized to debug, got %q", cfg.Log.Level)
	}
	if cfg.Gateway.Port != 9100 {
		t.Errorf("expected env override port 9100, got %d", cfg.Gateway.Port)
	}
	if cfg.Approval.ExpeditedTTLMinutes != 30 {
		t.Errorf("expected expedited ttl 30, got %d", cfg.Approval.ExpeditedTTLMinutes)
	}
	if cfg.Approval.DefaultTTLMinutes != 1440 {
		t.Errorf("expected untouched default ttl, got %d", cfg.Approval.DefaultTTLMinutes)
	}

	st := cfg.StoreSettings()
	if st.Driver != store.DriverBadger || st.Path != filepath.Join("/srv/tether", "state", "badger") {
		t.Errorf("unexpected store settings: %+v", st)
	}

	rc, err := cfg.Risk.Settings()
	if err != nil {
		t.Fatalf("risk settings: %v", err)
	}
	if rc.Rules["send_report"] != risk.TierMedium {
		t.Errorf("expected send_report pinned to MEDIUM, got %s", rc.Rules["send_report"])
	}

	ec := cfg.Engine.Settings()
	task := ec.Tasks["generate_report"]
	if task.Queue != engine.QueueReports || task.MaxAttempts != 5 {
		t.Errorf("unexpected task policy: %+v", task)
	}
	if ec.DefaultTask.BackoffBase != time.Second {
		t.Errorf("expected default backoff 1s, got %s", ec.DefaultTask.BackoffBase)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"store driver", func(c *Config) { c.Store.Driver = "postgres" }},
		{"risk tier", func(c *Config) { c.Risk.Rules = map[string]string{"x": "extreme"} }},
		{"negative ttl", func(c *Config) { c.Approval.DefaultTTLMinutes = -1 }},
		{"unknown worker queue", func(c *Config) { c.Engine.Workers["gpu"] = 1 }},
		{"unknown task queue", func(c *Config) { c.Engine.Tasks["x"] = TaskConfig{Queue: "gpu"} }},
		{"negative rate", func(c *Config) { c.Agents.RatePerMinute = -1 }},
		{"negative breaker threshold", func(c *Config) { c.Agents.BreakerThreshold = -1 }},
		{"negative breaker cooldown", func(c *Config) { c.Agents.BreakerCooldownSeconds = -1 }},
		{"telegram token", func(c *Config) { c.Notify.Telegram.Enabled = true }},
		{"gateway port", func(c *Config) { c.Gateway.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestWorkspacePathExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := DefaultConfig()
	cfg.Workspace = "~/agents"
	got, err := cfg.WorkspacePathChecked()
	if err != nil {
		t.Fatalf("WorkspacePathChecked error: %v", err)
	}
	if got != filepath.Join(home, "agents") {
		t.Fatalf("expected %s, got %s", filepath.Join(home, "agents"), got)
	}

	cfg.Workspace = ""
	if got := cfg.WorkspacePath(); got != filepath.Join(home, ".tether", "workspace") {
		t.Fatalf("unexpected default workspace %s", got)
	}
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()

	ac := cfg.Approval.Settings()
	if ac.ExpeditedTTL != 4*time.Hour || ac.ExpiryWarning != time.Hour {
		t.Errorf("unexpected approval settings: %+v", ac)
	}
	wc := cfg.Watchdog.Settings()
	if wc.Interval != 5*time.Minute || wc.Window != time.Hour || wc.RestartBudget != 3 {
		t.Errorf("unexpected watchdog settings: %+v", wc)
	}
	nc := cfg.Notify.Dispatcher()
	if nc.Retry.MaxAttempts != 3 || nc.Retry.Base != 500*time.Millisecond {
		t.Errorf("unexpected notify settings: %+v", nc)
	}
	if s := cfg.Schedule.MetricsExport.Schedule(); s.Cron != "*/15 * * * *" {
		t.Errorf("unexpected metrics export schedule: %+v", s)
	}
	if !(JobConfig{}).Disabled() {
		t.Error("expected empty job to be disabled")
	}
}
