// Package config loads the emuroot configuration file.
//
// Configuration uses overlay semantics:
//
//  1. Start with built-in defaults (embedded from default.toml).
//  2. Overlay values from the config file, if one exists.
//  3. CLI flags and environment variables override at runtime
//     (handled by the CLI layer).
//
// A missing config file is not an error; the defaults always yield a
// usable configuration. A config file that exists but fails to parse
// is an error rather than a silent fallback.
package config

import (
	_ "embed"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/NicolaiSoeborg/android-emuroot/logging"
)

//go:embed default.toml
var defaultTOML string

// Config is the top-level emuroot configuration.
type Config struct {
	Device  DeviceConfig  `toml:"device"`
	Debug   DebugConfig   `toml:"debug"`
	Logging LoggingConfig `toml:"logging"`
}

// DeviceConfig selects the emulator instance and the adb server that
// reaches it.
type DeviceConfig struct {
	// Serial is the device serial as printed by "adb devices".
	Serial string `toml:"serial"`
	// Server is the adb server address.
	Server string `toml:"server"`
}

// DebugConfig describes the emulator's GDB stub and the local gdb
// binary that drives it.
type DebugConfig struct {
	// Endpoint is the stub's listen address; the emulator exposes it
	// on localhost:1234 when started with "-qemu -s".
	Endpoint string `toml:"endpoint"`
	// GDBPath names the gdb binary, resolved via PATH when bare.
	GDBPath string `toml:"gdb_path"`
	// TimeoutSeconds bounds stub connects and kernel memory
	// searches. Word reads and writes use a much shorter internal
	// deadline.
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// Timeout returns TimeoutSeconds as a duration.
func (c *DebugConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LoggingConfig controls log verbosity and encoding.
type LoggingConfig struct {
	// Level is a log spec such as "info" or "info,gdb=trace".
	Level string `toml:"level"`
	// Format is "text" or "json".
	Format string `toml:"format"`
	// Components is an alternative way to give per-component levels.
	Components map[string]string `toml:"components"`
}

// ToSpec renders the logging section as a log spec string. Level wins
// when set; otherwise a spec is assembled from Components.
func (c *LoggingConfig) ToSpec() string {
	if c.Level != "" {
		return c.Level
	}
	if len(c.Components) == 0 {
		return ""
	}

	parts := make([]string, 0, len(c.Components)+1)
	parts = append(parts, "info")
	for _, name := range slices.Sorted(maps.Keys(c.Components)) {
		parts = append(parts, name+"="+c.Components[name])
	}
	return strings.Join(parts, ",")
}

// DefaultPath returns the per-user config file location, normally
// ~/.config/emuroot/config.toml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "emuroot", "config.toml")
}

// DefaultConfig returns the configuration from the embedded
// default.toml.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultTOML, &cfg); err != nil {
		// Unreachable unless default.toml is broken at build time.
		return Config{
			Device:  DeviceConfig{Serial: "emulator-5554", Server: "127.0.0.1:5037"},
			Debug:   DebugConfig{Endpoint: "localhost:1234", GDBPath: "gdb", TimeoutSeconds: 60},
			Logging: LoggingConfig{Level: "info", Format: "text"},
		}
	}
	return cfg
}

// Load reads the configuration at path with overlay semantics. An
// empty path means DefaultPath. A missing file yields the defaults; a
// file that fails to parse is an error.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks field values that Load cannot reject structurally.
func (c *Config) Validate() error {
	if _, err := logging.ParseSpec(c.Logging.ToSpec()); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Debug.TimeoutSeconds < 0 {
		return fmt.Errorf("debug: timeout_seconds must not be negative, got %d", c.Debug.TimeoutSeconds)
	}
	return nil
}
