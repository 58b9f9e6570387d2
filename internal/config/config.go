package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the TOML config file for user preferences.
const ConfigFileName = "config.toml"

// ToolDef overrides how a CLI tool is launched inside its tmux session.
type ToolDef struct {
	// Command is the shell command used to start the tool (e.g. "claude --continue").
	Command string `toml:"command"`
}

// LogSettings controls the rotating log output.
type LogSettings struct {
	Level      string `toml:"level"`       // debug, info, warn, error
	Format     string `toml:"format"`      // json (default) or text
	MaxSizeMB  int    `toml:"max_size_mb"` // rotation threshold
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`

	// PprofEnabled starts the pprof profiler on localhost:6060.
	PprofEnabled bool `toml:"pprof_enabled"`
}

// PollerSettings controls the session response-polling engine.
type PollerSettings struct {
	// IntervalSecs is the polling cadence per session key (default: 2).
	IntervalSecs int `toml:"interval_secs"`

	// CaptureLines is how many scrollback lines each capture requests (default: 200).
	CaptureLines int `toml:"capture_lines"`

	// CaptureTimeoutSecs bounds a single tmux capture call (default: 3).
	CaptureTimeoutSecs int `toml:"capture_timeout_secs"`
}

// AutoYesSettings controls automatic prompt answering.
type AutoYesSettings struct {
	// DefaultDurationMins is how long an auto-yes enable lasts when the
	// request does not carry its own duration (default: 30).
	DefaultDurationMins int `toml:"default_duration_mins"`
}

// PushSettings controls web push notifications.
type PushSettings struct {
	Enabled      bool   `toml:"enabled"`
	VAPIDSubject string `toml:"vapid_subject"`
}

// Config is the user-facing TOML configuration.
type Config struct {
	// ListenAddr binds the HTTP server (default: 127.0.0.1:8365).
	ListenAddr string `toml:"listen_addr"`

	// DataDir holds the SQLite database, logs, hook files, and push keys
	// (default: ~/.commandmate).
	DataDir string `toml:"data_dir"`

	// ReadOnly disables all endpoints that write to terminal sessions.
	ReadOnly bool `toml:"read_only"`

	// Tools overrides launch commands per CLI tool id (claude, codex, gemini).
	Tools map[string]ToolDef `toml:"tools"`

	Poller  PollerSettings  `toml:"poller"`
	AutoYes AutoYesSettings `toml:"auto_yes"`
	Logs    LogSettings     `toml:"logs"`
	Push    PushSettings    `toml:"push"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:8365",
		Tools:      make(map[string]ToolDef),
		Poller: PollerSettings{
			IntervalSecs:       2,
			CaptureLines:       200,
			CaptureTimeoutSecs: 3,
		},
		AutoYes: AutoYesSettings{
			DefaultDurationMins: 30,
		},
		Logs: LogSettings{
			Level:  "info",
			Format: "json",
		},
		Push: PushSettings{
			VAPIDSubject: "mailto:commandmate@localhost",
		},
	}
}

// DefaultDataDir returns ~/.commandmate, falling back to the temp dir when
// the home directory cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".commandmate")
	}
	return filepath.Join(home, ".commandmate")
}

// Load reads config.toml from dataDir, applying defaults for anything unset.
// A missing file is not an error; a malformed file is (the caller should
// surface it and continue with defaults).
func Load(dataDir string) (*Config, error) {
	cfg := Default()
	cfg.DataDir = dataDir

	path := filepath.Join(dataDir, ConfigFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		fallback := Default()
		fallback.DataDir = dataDir
		return fallback, fmt.Errorf("config.toml parse error: %w", err)
	}

	if cfg.Tools == nil {
		cfg.Tools = make(map[string]ToolDef)
	}
	cfg.applyDefaults()
	cfg.DataDir = dataDir
	return cfg, nil
}

// Save writes the config as TOML, creating dataDir if needed.
func Save(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("config: data dir not set")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}

	path := filepath.Join(cfg.DataDir, ConfigFileName)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return nil
}

// applyDefaults fills zero values left by a partial TOML file.
func (c *Config) applyDefaults() {
	d := Default()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.Poller.IntervalSecs <= 0 {
		c.Poller.IntervalSecs = d.Poller.IntervalSecs
	}
	if c.Poller.CaptureLines <= 0 {
		c.Poller.CaptureLines = d.Poller.CaptureLines
	}
	if c.Poller.CaptureTimeoutSecs <= 0 {
		c.Poller.CaptureTimeoutSecs = d.Poller.CaptureTimeoutSecs
	}
	if c.AutoYes.DefaultDurationMins <= 0 {
		c.AutoYes.DefaultDurationMins = d.AutoYes.DefaultDurationMins
	}
	if c.Logs.Level == "" {
		c.Logs.Level = d.Logs.Level
	}
	if c.Logs.Format == "" {
		c.Logs.Format = d.Logs.Format
	}
	if c.Push.VAPIDSubject == "" {
		c.Push.VAPIDSubject = d.Push.VAPIDSubject
	}
}

// PollInterval returns the polling cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poller.IntervalSecs) * time.Second
}

// CaptureTimeout returns the per-capture timeout as a duration.
func (c *Config) CaptureTimeout() time.Duration {
	return time.Duration(c.Poller.CaptureTimeoutSecs) * time.Second
}

// AutoYesDefaultDuration returns the default auto-yes window as a duration.
func (c *Config) AutoYesDefaultDuration() time.Duration {
	return time.Duration(c.AutoYes.DefaultDurationMins) * time.Minute
}

// HooksDir returns the directory watched for completion hook markers.
func (c *Config) HooksDir() string {
	return filepath.Join(c.DataDir, "hooks")
}

// ToolCommand returns the launch command for a tool id, or the provided
// fallback when no override is configured.
func (c *Config) ToolCommand(toolID, fallback string) string {
	if def, ok := c.Tools[toolID]; ok && def.Command != "" {
		return def.Command
	}
	return fallback
}
