// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Session() SessionConfig
	Wait() WaitConfig
	Browser() BrowserConfig
	Metrics() MetricsConfig

	// Browser Setters
	SetBrowserBackend(string)
	SetBrowserHeadless(bool)

	// Wait Setters
	SetWaitTimeout(d time.Duration)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	SessionCfg SessionConfig `mapstructure:"session" yaml:"session"`
	WaitCfg    WaitConfig    `mapstructure:"wait" yaml:"wait"`
	BrowserCfg BrowserConfig `mapstructure:"browser" yaml:"browser"`
	MetricsCfg MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Session() SessionConfig { return c.SessionCfg }
func (c *Config) Wait() WaitConfig       { return c.WaitCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Metrics() MetricsConfig { return c.MetricsCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserBackend(b string)     { c.BrowserCfg.Backend = b }
func (c *Config) SetBrowserHeadless(b bool)      { c.BrowserCfg.Headless = b }
func (c *Config) SetWaitTimeout(d time.Duration) { c.WaitCfg.Timeout = d }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// SessionConfig is the options record every driver session is opened with.
type SessionConfig struct {
	ImplicitWait    time.Duration `mapstructure:"implicit_wait" yaml:"implicit_wait"`
	PageLoadTimeout time.Duration `mapstructure:"page_load_timeout" yaml:"page_load_timeout"`
	ScriptTimeout   time.Duration `mapstructure:"script_timeout" yaml:"script_timeout"`
	// UnhandledAlertBehavior is one of accept, dismiss or ignore.
	UnhandledAlertBehavior string `mapstructure:"unhandled_alert_behavior" yaml:"unhandled_alert_behavior"`
}

// WaitConfig holds the defaults for explicit waits started from the CLI.
type WaitConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// BrowserConfig selects and configures the browser backend.
type BrowserConfig struct {
	// Backend is "cdp" for a real Chrome or "memory" for the offline document model.
	Backend  string   `mapstructure:"backend" yaml:"backend"`
	Headless bool     `mapstructure:"headless" yaml:"headless"`
	ExecPath string   `mapstructure:"exec_path" yaml:"exec_path"`
	Args     []string `mapstructure:"args" yaml:"args"`
	// PagesDir is the directory the memory backend serves pages from.
	PagesDir string `mapstructure:"pages_dir" yaml:"pages_dir"`
}

// MetricsConfig toggles Prometheus instrumentation.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-driver")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Session --
	v.SetDefault("session.implicit_wait", "0s")
	v.SetDefault("session.page_load_timeout", "300s")
	v.SetDefault("session.script_timeout", "30s")
	v.SetDefault("session.unhandled_alert_behavior", "ignore")

	// -- Wait --
	v.SetDefault("wait.timeout", "10s")
	v.SetDefault("wait.poll_interval", "500ms")

	// -- Browser --
	v.SetDefault("browser.backend", "cdp")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.pages_dir", ".")

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Chrome's location is commonly provided by CI images through this variable.
	_ = v.BindEnv("browser.exec_path", "SCALPEL_DRIVER_CHROME_PATH", "CHROME_PATH")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.SessionCfg.Validate(); err != nil {
		return fmt.Errorf("session configuration invalid: %w", err)
	}
	if c.WaitCfg.Timeout < 0 {
		return fmt.Errorf("wait.timeout must not be negative")
	}
	if c.WaitCfg.PollInterval <= 0 {
		return fmt.Errorf("wait.poll_interval must be a positive duration")
	}
	switch c.BrowserCfg.Backend {
	case "cdp", "memory":
	default:
		return fmt.Errorf("browser.backend must be one of cdp or memory, got %q", c.BrowserCfg.Backend)
	}
	return nil
}

// Validate checks the session timeouts and alert behavior.
func (s *SessionConfig) Validate() error {
	if s.ImplicitWait < 0 || s.PageLoadTimeout < 0 || s.ScriptTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	switch strings.ToLower(s.UnhandledAlertBehavior) {
	case "", "accept", "dismiss", "ignore":
	default:
		return fmt.Errorf("unhandled_alert_behavior must be one of accept, dismiss or ignore, got %q", s.UnhandledAlertBehavior)
	}
	return nil
}
