// Package config provides configuration loading for passrunner.
package config

import (
	"fmt"
	"slices"
	"time"

	"github.com/forest6511/passrunner/pkg/backend/secretservice"
	"github.com/forest6511/passrunner/pkg/crypto"
)

// Backends.
const (
	BackendBitwarden     = "bw"
	BackendRBW           = "rbw"
	BackendSecretService = "secretservice"
)

// Config is the complete passrunner configuration.
type Config struct {
	Backend          string   `koanf:"backend" yaml:"backend"`
	Trigger          string   `koanf:"trigger" yaml:"trigger"`
	MinQueryLength   int      `koanf:"min_query_length" yaml:"min_query_length"`
	MaxMatches       int      `koanf:"max_matches" yaml:"max_matches"`
	Icon             string   `koanf:"icon" yaml:"icon"`
	Debounce         Duration `koanf:"debounce" yaml:"debounce"`
	ClipboardTimeout Duration `koanf:"clipboard_timeout" yaml:"clipboard_timeout"`
	SyncInterval     Duration `koanf:"sync_interval" yaml:"sync_interval"`
	RefreshInterval  Duration `koanf:"refresh_interval" yaml:"refresh_interval"`
	IdleLock         Duration `koanf:"idle_lock" yaml:"idle_lock"`
	BackendTimeout   Duration `koanf:"backend_timeout" yaml:"backend_timeout"`
	Workers          int      `koanf:"workers" yaml:"workers"`

	DBus          DBusConfig          `koanf:"dbus" yaml:"dbus"`
	Bitwarden     BitwardenConfig     `koanf:"bitwarden" yaml:"bitwarden"`
	RBW           RBWConfig           `koanf:"rbw" yaml:"rbw"`
	SecretService SecretServiceConfig `koanf:"secretservice" yaml:"secretservice"`
	Log           LogConfig           `koanf:"log" yaml:"log"`
}

// DBusConfig names the exported runner object.
type DBusConfig struct {
	BusName    string `koanf:"bus_name" yaml:"bus_name"`
	ObjectPath string `koanf:"object_path" yaml:"object_path"`
}

// BitwardenConfig configures the bw backend.
type BitwardenConfig struct {
	Binary string `koanf:"binary" yaml:"binary"`
	// PromptCommand is run with the prompt text appended and prints the
	// master password on stdout.
	// Empty means the terminal is used.
	PromptCommand []string `koanf:"prompt_command" yaml:"prompt_command"`
}

// RBWConfig configures the rbw backend.
type RBWConfig struct {
	Binary string `koanf:"binary" yaml:"binary"`
}

// SecretServiceConfig configures the Secret Service backend.
type SecretServiceConfig struct {
	ExcludeAttributes  []string `koanf:"exclude_attributes" yaml:"exclude_attributes"`
	UsernameAttributes []string `koanf:"username_attributes" yaml:"username_attributes"`
	Algorithm          string   `koanf:"algorithm" yaml:"algorithm"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
	// Levels overrides the level of named components, e.g. search: debug.
	Levels map[string]string `koanf:"levels" yaml:"levels,omitempty"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Backend:          BackendBitwarden,
		Trigger:          "pass ",
		MinQueryLength:   1,
		MaxMatches:       4,
		Icon:             "changes-allow-symbolic",
		Debounce:         Duration(200 * time.Millisecond),
		ClipboardTimeout: Duration(5 * time.Second),
		SyncInterval:     Duration(10 * time.Minute),
		RefreshInterval:  Duration(50 * time.Second),
		IdleLock:         Duration(time.Hour),
		BackendTimeout:   Duration(30 * time.Second),
		Workers:          4,
		DBus: DBusConfig{
			BusName:    "mi.bitwarden.krunner",
			ObjectPath: "/mi/bitwarden/krunner",
		},
		Bitwarden: BitwardenConfig{
			Binary:        "bw",
			PromptCommand: []string{"kdialog", "--title", "passrunner", "--password"},
		},
		RBW: RBWConfig{Binary: "rbw"},
		SecretService: SecretServiceConfig{
			ExcludeAttributes:  slices.Clone(secretservice.DefaultExclude),
			UsernameAttributes: slices.Clone(secretservice.DefaultUsernameAttributes),
			Algorithm:          crypto.AlgorithmDH,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendBitwarden, BackendRBW, BackendSecretService:
	default:
		return fmt.Errorf("backend must be one of %q, %q or %q, got %q",
			BackendBitwarden, BackendRBW, BackendSecretService, c.Backend)
	}
	if c.Trigger == "" {
		return fmt.Errorf("trigger cannot be empty")
	}
	if c.MinQueryLength < 1 {
		return fmt.Errorf("min_query_length must be >= 1, got %d", c.MinQueryLength)
	}
	if c.MaxMatches < 1 {
		return fmt.Errorf("max_matches must be >= 1, got %d", c.MaxMatches)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}

	for name, d := range map[string]Duration{
		"debounce":          c.Debounce,
		"clipboard_timeout": c.ClipboardTimeout,
		"sync_interval":     c.SyncInterval,
		"refresh_interval":  c.RefreshInterval,
		"backend_timeout":   c.BackendTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}

	if c.DBus.BusName == "" || c.DBus.ObjectPath == "" {
		return fmt.Errorf("dbus.bus_name and dbus.object_path are required")
	}
	if c.Backend == BackendBitwarden && c.Bitwarden.Binary == "" {
		return fmt.Errorf("bitwarden.binary cannot be empty")
	}
	if c.Backend == BackendRBW && c.RBW.Binary == "" {
		return fmt.Errorf("rbw.binary cannot be empty")
	}
	switch c.SecretService.Algorithm {
	case crypto.AlgorithmDH, crypto.AlgorithmPlain:
	default:
		return fmt.Errorf("secretservice.algorithm must be %q or %q, got %q",
			crypto.AlgorithmDH, crypto.AlgorithmPlain, c.SecretService.Algorithm)
	}
	if err := secretservice.ValidatePatterns(c.SecretService.ExcludeAttributes); err != nil {
		return fmt.Errorf("secretservice.exclude_attributes: %w", err)
	}

	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log.format must be 'json' or 'console', got %q", c.Log.Format)
	}
	return nil
}
