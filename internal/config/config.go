package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/MEKXH/tether/internal/approval"
	"github.com/MEKXH/tether/internal/engine"
	"github.com/MEKXH/tether/internal/notify"
	"github.com/MEKXH/tether/internal/retry"
	"github.com/MEKXH/tether/internal/risk"
	"github.com/MEKXH/tether/internal/store"
	"github.com/MEKXH/tether/internal/watchdog"
)

// Config root configuration
type Config struct {
	Workspace string         `mapstructure:"workspace" json:"workspace"`
	Log       LogConfig      `mapstructure:"log" json:"log"`
	Store     StoreConfig    `mapstructure:"store" json:"store"`
	Risk      RiskConfig     `mapstructure:"risk" json:"risk"`
	Approval  ApprovalConfig `mapstructure:"approval" json:"approval"`
	Engine    EngineConfig   `mapstructure:"engine" json:"engine"`
	Schedule  ScheduleConfig `mapstructure:"schedule" json:"schedule"`
	Watchdog  WatchdogConfig `mapstructure:"watchdog" json:"watchdog"`
	Agents    AgentsConfig   `mapstructure:"agents" json:"agents"`
	Notify    NotifyConfig   `mapstructure:"notify" json:"notify"`
	Gateway   GatewayConfig  `mapstructure:"gateway" json:"gateway"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level string `mapstructure:"level" json:"level"`
	File  string `mapstructure:"file" json:"file"`
}

// StoreConfig durable store settings
type StoreConfig struct {
	Driver     string `mapstructure:"driver" json:"driver"`
	Path       string `mapstructure:"path" json:"path"`
	SyncWrites bool   `mapstructure:"sync_writes" json:"sync_writes"`
}

// RiskConfig classifier settings. Tiers are written as names (low, medium,
// high, critical).
type RiskConfig struct {
	Rules            map[string]string `mapstructure:"rules" json:"rules"`
	CapabilityTiers  map[string]string `mapstructure:"capability_tiers" json:"capability_tiers"`
	AmountThresholds AmountsConfig     `mapstructure:"amount_thresholds" json:"amount_thresholds"`
	BulkThreshold    int               `mapstructure:"bulk_threshold" json:"bulk_threshold"`
}

// AmountsConfig monetary thresholds per tier
type AmountsConfig struct {
	Medium   float64 `mapstructure:"medium" json:"medium"`
	High     float64 `mapstructure:"high" json:"high"`
	Critical float64 `mapstructure:"critical" json:"critical"`
}

// ApprovalConfig approval gate settings
type ApprovalConfig struct {
	AutoApproveLow       bool   `mapstructure:"auto_approve_low" json:"auto_approve_low"`
	DefaultTTLMinutes    int    `mapstructure:"default_ttl_minutes" json:"default_ttl_minutes"`
	HighRiskTTLMinutes   int    `mapstructure:"high_risk_ttl_minutes" json:"high_risk_ttl_minutes"`
	ExpeditedTTLMinutes  int    `mapstructure:"expedited_ttl_minutes" json:"expedited_ttl_minutes"`
	ExpiryWarningMinutes int    `mapstructure:"expiry_warning_minutes" json:"expiry_warning_minutes"`
	NotifyTarget         string `mapstructure:"notify_target" json:"notify_target"`
}

// EngineConfig task engine settings
type EngineConfig struct {
	Workers     map[string]int        `mapstructure:"workers" json:"workers"`
	DefaultTask TaskConfig            `mapstructure:"default_task" json:"default_task"`
	Tasks       map[string]TaskConfig `mapstructure:"tasks" json:"tasks"`
}

// TaskConfig per action type execution policy. Zero fields inherit from
// engine.default_task.
type TaskConfig struct {
	Queue                string `mapstructure:"queue" json:"queue,omitempty"`
	Priority             int    `mapstructure:"priority" json:"priority,omitempty"`
	MaxAttempts          int    `mapstructure:"max_attempts" json:"max_attempts,omitempty"`
	BackoffBaseMs        int    `mapstructure:"backoff_base_ms" json:"backoff_base_ms,omitempty"`
	BackoffCapMs         int    `mapstructure:"backoff_cap_ms" json:"backoff_cap_ms,omitempty"`
	SoftTimeLimitSeconds int    `mapstructure:"soft_time_limit_seconds" json:"soft_time_limit_seconds,omitempty"`
	HardTimeLimitSeconds int    `mapstructure:"hard_time_limit_seconds" json:"hard_time_limit_seconds,omitempty"`
}

// ScheduleConfig periodic maintenance tasks
type ScheduleConfig struct {
	TickSeconds    int       `mapstructure:"tick_seconds" json:"tick_seconds"`
	ExpiryCleanup  JobConfig `mapstructure:"expiry_cleanup" json:"expiry_cleanup"`
	ExpiryWarning  JobConfig `mapstructure:"expiry_warning" json:"expiry_warning"`
	HealthSnapshot JobConfig `mapstructure:"health_snapshot" json:"health_snapshot"`
	MetricsExport  JobConfig `mapstructure:"metrics_export" json:"metrics_export"`
}

// JobConfig is either an interval or a cron expression. Cron wins when both
// are set.
type JobConfig struct {
	EverySeconds int    `mapstructure:"every_seconds" json:"every_seconds,omitempty"`
	Cron         string `mapstructure:"cron" json:"cron,omitempty"`
}

// WatchdogConfig agent health monitor settings
type WatchdogConfig struct {
	Enabled             bool `mapstructure:"enabled" json:"enabled"`
	IntervalSeconds     int  `mapstructure:"interval_seconds" json:"interval_seconds"`
	StaleAfterSeconds   int  `mapstructure:"stale_after_seconds" json:"stale_after_seconds"`
	FailureThreshold    int  `mapstructure:"failure_threshold" json:"failure_threshold"`
	RestartBudget       int  `mapstructure:"restart_budget" json:"restart_budget"`
	WindowMinutes       int  `mapstructure:"window_minutes" json:"window_minutes"`
	ProbeTimeoutSeconds int  `mapstructure:"probe_timeout_seconds" json:"probe_timeout_seconds"`
}

// AgentsConfig agent-facing limits
type AgentsConfig struct {
	RatePerMinute int `mapstructure:"rate_per_minute" json:"rate_per_minute"`
	Burst         int `mapstructure:"burst" json:"burst"`
	// BreakerThreshold execution failures in a row open an agent's circuit
	// breaker. Zero disables it.
	BreakerThreshold       int `mapstructure:"breaker_threshold" json:"breaker_threshold"`
	BreakerCooldownSeconds int `mapstructure:"breaker_cooldown_seconds" json:"breaker_cooldown_seconds"`
}

// BreakerCooldown returns how long an open breaker refuses work.
func (c AgentsConfig) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSeconds) * time.Second
}

// NotifyConfig notification delivery settings
type NotifyConfig struct {
	QueueSize          int            `mapstructure:"queue_size" json:"queue_size"`
	MaxConcurrentSends int            `mapstructure:"max_concurrent_sends" json:"max_concurrent_sends"`
	RatePerSecond      float64        `mapstructure:"rate_per_second" json:"rate_per_second"`
	Burst              int            `mapstructure:"burst" json:"burst"`
	MaxAttempts        int            `mapstructure:"max_attempts" json:"max_attempts"`
	BackoffBaseMs      int            `mapstructure:"backoff_base_ms" json:"backoff_base_ms"`
	BackoffCapMs       int            `mapstructure:"backoff_cap_ms" json:"backoff_cap_ms"`
	Telegram           TelegramConfig `mapstructure:"telegram" json:"telegram"`
}

// TelegramConfig telegram bot settings
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Token   string `mapstructure:"token" json:"token"`
	ChatID  string `mapstructure:"chat_id" json:"chat_id"`
}

// GatewayConfig server settings
type GatewayConfig struct {
	Host      string `mapstructure:"host" json:"host"`
	Port      int    `mapstructure:"port" json:"port"`
	Token     string `mapstructure:"token" json:"token"`
	JWTSecret string `mapstructure:"jwt_secret" json:"jwt_secret"`
}

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("failed to resolve home directory, using current directory as fallback", "error", err)
		homeDir = "."
	}

	riskDefaults := risk.DefaultConfig()
	capabilityTiers := make(map[string]string, len(riskDefaults.CapabilityTiers))
	for capability, tier := range riskDefaults.CapabilityTiers {
		capabilityTiers[capability] = tier.String()
	}
	workers := make(map[string]int)
	for queue, n := range engine.DefaultConfig().Workers {
		workers[queue] = n
	}

	return &Config{
		Workspace: filepath.Join(homeDir, ".tether", "workspace"),
		Log: LogConfig{
			Level: "info",
		},
		Store: StoreConfig{
			Driver:     store.DriverSQLite,
			SyncWrites: true,
		},
		Risk: RiskConfig{
			Rules:           map[string]string{},
			CapabilityTiers: capabilityTiers,
			AmountThresholds: AmountsConfig{
				Medium:   riskDefaults.Amounts.Medium,
				High:     riskDefaults.Amounts.High,
				Critical: riskDefaults.Amounts.Critical,
			},
			BulkThreshold: riskDefaults.BulkThreshold,
		},
		Approval: ApprovalConfig{
			AutoApproveLow:       true,
			DefaultTTLMinutes:    1440,
			HighRiskTTLMinutes:   1440,
			ExpeditedTTLMinutes:  240,
			ExpiryWarningMinutes: 60,
			NotifyTarget:         "operators",
		},
		Engine: EngineConfig{
			Workers: workers,
			DefaultTask: TaskConfig{
				Queue:                engine.QueueDefault,
				MaxAttempts:          3,
				BackoffBaseMs:        1000,
				BackoffCapMs:         60_000,
				SoftTimeLimitSeconds: 300,
				HardTimeLimitSeconds: 600,
			},
			Tasks: map[string]TaskConfig{},
		},
		Schedule: ScheduleConfig{
			TickSeconds:    1,
			ExpiryCleanup:  JobConfig{EverySeconds: 3600},
			ExpiryWarning:  JobConfig{EverySeconds: 300},
			HealthSnapshot: JobConfig{EverySeconds: 300},
			MetricsExport:  JobConfig{Cron: "*/15 * * * *"},
		},
		Watchdog: WatchdogConfig{
			Enabled:             true,
			IntervalSeconds:     300,
			StaleAfterSeconds:   600,
			FailureThreshold:    3,
			RestartBudget:       3,
			WindowMinutes:       60,
			ProbeTimeoutSeconds: 10,
		},
		Agents: AgentsConfig{
			RatePerMinute:          100,
			Burst:                  20,
			BreakerThreshold:       5,
			BreakerCooldownSeconds: 60,
		},
		Notify: NotifyConfig{
			QueueSize:          256,
			MaxConcurrentSends: 4,
			RatePerSecond:      5,
			Burst:              10,
			MaxAttempts:        3,
			BackoffBaseMs:      500,
			BackoffCapMs:       10_000,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
	}
}

// ConfigDir returns the tether config directory
func ConfigDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".tether")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load loads config from file or returns defaults
func Load() (*Config, error) {
	return LoadFile(ConfigPath())
}

// LoadFile loads config from configPath, writing the defaults there first
// when the file does not exist.
func LoadFile(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := SaveFile(cfg, configPath); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("TETHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save saves config to the default location
func Save(cfg *Config) error {
	return SaveFile(cfg, ConfigPath())
}

// SaveFile writes cfg as indented JSON. The file may hold tokens, so it is
// only readable by the owner.
func SaveFile(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks that the configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	defaults := DefaultConfig()

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	driver := strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch driver {
	case "":
		c.Store.Driver = store.DriverSQLite
	case store.DriverSQLite, store.DriverBadger:
		c.Store.Driver = driver
	default:
		return fmt.Errorf("store.driver must be one of sqlite, badger; got %q", c.Store.Driver)
	}

	if _, err := c.Risk.Settings(); err != nil {
		return err
	}
	if c.Risk.BulkThreshold < 0 {
		return fmt.Errorf("risk.bulk_threshold must not be negative, got %d", c.Risk.BulkThreshold)
	}

	for name, minutes := range map[string]*int{
		"default_ttl_minutes":    &c.Approval.DefaultTTLMinutes,
		"high_risk_ttl_minutes":  &c.Approval.HighRiskTTLMinutes,
		"expedited_ttl_minutes":  &c.Approval.ExpeditedTTLMinutes,
		"expiry_warning_minutes": &c.Approval.ExpiryWarningMinutes,
	} {
		if *minutes < 0 {
			return fmt.Errorf("approval.%s must not be negative, got %d", name, *minutes)
		}
	}

	for queue, n := range c.Engine.Workers {
		if _, ok := engine.QueueRank(queue); !ok {
			return fmt.Errorf("engine.workers: unknown queue %q", queue)
		}
		if n < 0 {
			return fmt.Errorf("engine.workers.%s must not be negative, got %d", queue, n)
		}
	}
	if err := c.Engine.DefaultTask.validate("engine.default_task"); err != nil {
		return err
	}
	for actionType, task := range c.Engine.Tasks {
		if err := task.validate("engine.tasks." + actionType); err != nil {
			return err
		}
	}

	if c.Schedule.TickSeconds <= 0 {
		c.Schedule.TickSeconds = defaults.Schedule.TickSeconds
	}

	if c.Watchdog.RestartBudget < 0 {
		return fmt.Errorf("watchdog.restart_budget must not be negative, got %d", c.Watchdog.RestartBudget)
	}
	if c.Watchdog.FailureThreshold < 0 {
		return fmt.Errorf("watchdog.failure_threshold must not be negative, got %d", c.Watchdog.FailureThreshold)
	}

	if c.Agents.RatePerMinute < 0 {
		return fmt.Errorf("agents.rate_per_minute must not be negative, got %d", c.Agents.RatePerMinute)
	}
	if c.Agents.RatePerMinute > 0 && c.Agents.Burst <= 0 {
		c.Agents.Burst = 1
	}
	if c.Agents.BreakerThreshold < 0 {
		return fmt.Errorf("agents.breaker_threshold must not be negative, got %d", c.Agents.BreakerThreshold)
	}
	if c.Agents.BreakerCooldownSeconds < 0 {
		return fmt.Errorf("agents.breaker_cooldown_seconds must not be negative, got %d", c.Agents.BreakerCooldownSeconds)
	}

	if c.Notify.RatePerSecond < 0 {
		return fmt.Errorf("notify.rate_per_second must not be negative, got %f", c.Notify.RatePerSecond)
	}
	if c.Notify.Telegram.Enabled && strings.TrimSpace(c.Notify.Telegram.Token) == "" {
		return fmt.Errorf("notify.telegram.token is required when telegram is enabled")
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}

	return nil
}

func (t TaskConfig) validate(prefix string) error {
	if t.Queue != "" {
		if _, ok := engine.QueueRank(t.Queue); !ok {
			return fmt.Errorf("%s.queue: unknown queue %q", prefix, t.Queue)
		}
	}
	if t.MaxAttempts < 0 || t.BackoffBaseMs < 0 || t.BackoffCapMs < 0 ||
		t.SoftTimeLimitSeconds < 0 || t.HardTimeLimitSeconds < 0 {
		return fmt.Errorf("%s: attempts, backoff and time limits must not be negative", prefix)
	}
	return nil
}

// WorkspacePath returns the expanded workspace path
func (c *Config) WorkspacePath() string {
	path, err := c.WorkspacePathChecked()
	if err != nil {
		return filepath.Join(ConfigDir(), "workspace")
	}
	return path
}

// WorkspacePathChecked returns the expanded workspace path or an error if invalid.
func (c *Config) WorkspacePathChecked() (string, error) {
	workspace := strings.TrimSpace(c.Workspace)
	if workspace == "" {
		return filepath.Join(ConfigDir(), "workspace"), nil
	}
	if workspace[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory for workspace path: %w", err)
		}
		rest := workspace[1:]
		rest = strings.TrimPrefix(rest, string(filepath.Separator))
		rest = strings.TrimPrefix(rest, "/")
		return filepath.Join(homeDir, rest), nil
	}
	return workspace, nil
}

// StoreSettings locates the store inside the workspace unless store.path is set.
func (c *Config) StoreSettings() store.Config {
	path := c.Store.Path
	if path == "" {
		name := "tether.db"
		if c.Store.Driver == store.DriverBadger {
			name = "badger"
		}
		path = filepath.Join(c.WorkspacePath(), "state", name)
	}
	return store.Config{Driver: c.Store.Driver, Path: path, SyncWrites: c.Store.SyncWrites}
}

// Settings converts tier names into classifier settings.
func (r RiskConfig) Settings() (risk.Config, error) {
	out := risk.Config{
		Rules:           make(map[string]risk.Tier, len(r.Rules)),
		CapabilityTiers: make(map[string]risk.Tier, len(r.CapabilityTiers)),
		Amounts: risk.AmountThresholds{
			Medium:   r.AmountThresholds.Medium,
			High:     r.AmountThresholds.High,
			Critical: r.AmountThresholds.Critical,
		},
		BulkThreshold: r.BulkThreshold,
	}
	for actionType, name := range r.Rules {
		tier, err := risk.ParseTier(name)
		if err != nil {
			return risk.Config{}, fmt.Errorf("risk.rules.%s: %w", actionType, err)
		}
		out.Rules[actionType] = tier
	}
	for capability, name := range r.CapabilityTiers {
		tier, err := risk.ParseTier(name)
		if err != nil {
			return risk.Config{}, fmt.Errorf("risk.capability_tiers.%s: %w", capability, err)
		}
		out.CapabilityTiers[capability] = tier
	}
	return out, nil
}

// Settings converts minutes into gate settings.
func (a ApprovalConfig) Settings() approval.Config {
	return approval.Config{
		AutoApproveLow: a.AutoApproveLow,
		DefaultTTL:     minutes(a.DefaultTTLMinutes),
		HighRiskTTL:    minutes(a.HighRiskTTLMinutes),
		ExpeditedTTL:   minutes(a.ExpeditedTTLMinutes),
		ExpiryWarning:  minutes(a.ExpiryWarningMinutes),
		NotifyTarget:   a.NotifyTarget,
	}
}

// Settings converts the engine section. Unset default task fields fall back
// to the built-in policy.
func (e EngineConfig) Settings() engine.Config {
	out := engine.DefaultConfig()
	if len(e.Workers) > 0 {
		out.Workers = make(map[string]int, len(e.Workers))
		for queue, n := range e.Workers {
			out.Workers[queue] = n
		}
	}
	out.DefaultTask = e.DefaultTask.policy()
	if len(e.Tasks) > 0 {
		out.Tasks = make(map[string]engine.TaskPolicy, len(e.Tasks))
		for actionType, task := range e.Tasks {
			out.Tasks[actionType] = task.policy()
		}
	}
	return out
}

func (t TaskConfig) policy() engine.TaskPolicy {
	return engine.TaskPolicy{
		Queue:         t.Queue,
		Priority:      t.Priority,
		MaxAttempts:   t.MaxAttempts,
		BackoffBase:   time.Duration(t.BackoffBaseMs) * time.Millisecond,
		BackoffCap:    time.Duration(t.BackoffCapMs) * time.Millisecond,
		SoftTimeLimit: time.Duration(t.SoftTimeLimitSeconds) * time.Second,
		HardTimeLimit: time.Duration(t.HardTimeLimitSeconds) * time.Second,
	}
}

// Schedule converts a job entry.
func (j JobConfig) Schedule() engine.Schedule {
	return engine.Schedule{
		Every: time.Duration(j.EverySeconds) * time.Second,
		Cron:  strings.TrimSpace(j.Cron),
	}
}

// Disabled reports whether neither an interval nor a cron expression is set.
func (j JobConfig) Disabled() bool {
	return j.EverySeconds <= 0 && strings.TrimSpace(j.Cron) == ""
}

// Tick is the scheduler poll interval.
func (s ScheduleConfig) Tick() time.Duration {
	return time.Duration(s.TickSeconds) * time.Second
}

// Settings converts the watchdog section.
func (w WatchdogConfig) Settings() watchdog.Config {
	return watchdog.Config{
		Enabled:          w.Enabled,
		Interval:         time.Duration(w.IntervalSeconds) * time.Second,
		StaleAfter:       time.Duration(w.StaleAfterSeconds) * time.Second,
		FailureThreshold: w.FailureThreshold,
		RestartBudget:    w.RestartBudget,
		Window:           minutes(w.WindowMinutes),
		ProbeTimeout:     time.Duration(w.ProbeTimeoutSeconds) * time.Second,
	}
}

// Dispatcher converts the delivery settings.
func (n NotifyConfig) Dispatcher() notify.DispatcherConfig {
	return notify.DispatcherConfig{
		QueueSize:          n.QueueSize,
		MaxConcurrentSends: n.MaxConcurrentSends,
		RatePerSecond:      n.RatePerSecond,
		Burst:              n.Burst,
		Retry: retry.Policy{
			MaxAttempts: n.MaxAttempts,
			Base:        time.Duration(n.BackoffBaseMs) * time.Millisecond,
			Cap:         time.Duration(n.BackoffCapMs) * time.Millisecond,
		},
	}
}

// Addr returns host:port.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}
