// Package config handles configuration loading from YAML, CLI flags, and environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the proxy's listen port when none is configured.
const DefaultPort = 8080

// Live modes for RenderConfig.Live.
const (
	LiveAuto   = "auto"
	LiveAlways = "always"
	LiveNever  = "never"
)

// Config is the root configuration structure.
type Config struct {
	Proxy     ProxyConfig     `yaml:"proxy"`
	Target    TargetConfig    `yaml:"target"`
	Render    RenderConfig    `yaml:"render"`
	History   HistoryConfig   `yaml:"history"`
	Admin     AdminConfig     `yaml:"admin"`
	Log       LogConfig       `yaml:"log"`
	Redaction RedactionConfig `yaml:"redaction"`
}

// ProxyConfig configures the inbound listener.
type ProxyConfig struct {
	Listen string `yaml:"listen"` // e.g., "localhost:8080"
	Host   string `yaml:"host"`   // Bind host
	Port   int    `yaml:"port"`   // Bind port (alternative to listen)
}

// TargetConfig configures the upstream origin.
type TargetConfig struct {
	URL                string `yaml:"url"` // URL, or a bare port for 127.0.0.1
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// RenderConfig configures the live view.
type RenderConfig struct {
	IntervalMs int    `yaml:"interval_ms"`
	Live       string `yaml:"live"` // auto, always or never
}

// HistoryConfig configures the SQLite task history.
type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	TTLDays       int    `yaml:"ttl_days"`
	PruneSchedule string `yaml:"prune_schedule"` // standard 5-field cron
	Buffer        int    `yaml:"buffer"`         // pending records before drops
}

// AdminConfig configures the metrics and observer listener.
type AdminConfig struct {
	Listen string `yaml:"listen"` // empty disables the admin listener
}

// RedactionConfig configures credential redaction in recorded history.
// The live view always shows connections verbatim.
type RedactionConfig struct {
	AlwaysRedactParams  []string `yaml:"always_redact_params"`
	PatternRedactParams []string `yaml:"pattern_redact_params"`
	RedactAPIKeys       bool     `yaml:"redact_api_keys"`
}

// LogConfig configures diagnostics on stderr.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with defaults.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Port: DefaultPort,
		},
		Render: RenderConfig{
			IntervalMs: 100,
			Live:       LiveAuto,
		},
		History: HistoryConfig{
			TTLDays:       7,
			PruneSchedule: "0 * * * *",
			Buffer:        256,
		},
		Log: LogConfig{
			Level: "warn",
		},
		Redaction: RedactionConfig{
			AlwaysRedactParams: []string{
				"access_token",
				"api_key",
				"apikey",
				"password",
				"token",
			},
			PatternRedactParams: []string{
				`secret`,
				`^x-amz-`,
				`(^|_)sig(nature)?$`,
			},
			RedactAPIKeys: true,
		},
	}
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "relayview"), nil
	default: // linux, darwin, etc.
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".config", "relayview"), nil
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultDBPath returns the default history database path.
func DefaultDBPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.db"), nil
}

// Load loads configuration from file, with environment variable overrides.
// A missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting default config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case os.IsNotExist(err) && !explicit:
		// No config file - use defaults
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if cfg.History.Enabled && cfg.History.DBPath == "" {
		cfg.History.DBPath, err = DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("getting default db path: %w", err)
		}
	}

	return cfg, nil
}

// Save writes the config to the specified path with secure permissions.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RELAYVIEW_TARGET"); v != "" {
		c.Target.URL = v
	}
	if v := os.Getenv("RELAYVIEW_LISTEN"); v != "" {
		c.Proxy.Listen = v
	}
	if v := os.Getenv("RELAYVIEW_DB_PATH"); v != "" {
		c.History.DBPath = v
		c.History.Enabled = true
	}
	if v := os.Getenv("RELAYVIEW_ADMIN_LISTEN"); v != "" {
		c.Admin.Listen = v
	}
	if v := os.Getenv("RELAYVIEW_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Render.IntervalMs <= 0 {
		return fmt.Errorf("render.interval_ms must be positive, got %d", c.Render.IntervalMs)
	}
	switch c.Render.Live {
	case LiveAuto, LiveAlways, LiveNever:
	default:
		return fmt.Errorf("render.live must be auto, always or never, got %q", c.Render.Live)
	}
	if c.Proxy.Listen == "" && (c.Proxy.Port < 0 || c.Proxy.Port > 65535) {
		return fmt.Errorf("proxy.port %d out of range", c.Proxy.Port)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.History.Enabled {
		if c.History.TTLDays <= 0 {
			return fmt.Errorf("history.ttl_days must be positive, got %d", c.History.TTLDays)
		}
		if c.History.Buffer <= 0 {
			return fmt.Errorf("history.buffer must be positive, got %d", c.History.Buffer)
		}
		if _, err := cron.ParseStandard(c.History.PruneSchedule); err != nil {
			return fmt.Errorf("history.prune_schedule %q: %w", c.History.PruneSchedule, err)
		}
		for _, p := range c.Redaction.PatternRedactParams {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("redaction.pattern_redact_params %q: %w", p, err)
			}
		}
	}
	return nil
}

// ListenAddr returns the listen address, handling host:port vs listen field.
func (c *ProxyConfig) ListenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// Interval returns the render interval as a duration.
func (c *RenderConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// LiveFor resolves the live mode given whether stdout is a terminal.
func (c *RenderConfig) LiveFor(terminal bool) bool {
	switch c.Live {
	case LiveAlways:
		return true
	case LiveNever:
		return false
	default:
		return terminal
	}
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
