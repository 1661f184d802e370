// Package config loads .crystalyse-audit.yml: built-in defaults, then the
// YAML file, then CRYSTALYSE_AUDIT_* environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/gate"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/placeholder"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/trace"
)

const (
	DefaultFile = ".crystalyse-audit.yml"
	EnvPrefix   = "CRYSTALYSE_AUDIT_"
)

// WrapperProfile is a named MCP server command for `wrap --profile`.
// Env values may contain placeholders like {{env:VAR}},
// {{keyring:svc:acc}} or {{file:path}}; they are resolved at launch.
type WrapperProfile struct {
	Command string            `yaml:"command" koanf:"command"`
	Args    []string          `yaml:"args,omitempty" koanf:"args"`
	Env     map[string]string `yaml:"env,omitempty" koanf:"env"`
	Alias   string            `yaml:"alias,omitempty" koanf:"alias"`
}

// Config mirrors the YAML file.
type Config struct {
	OutputDir       string                    `yaml:"output_dir" koanf:"output_dir"`
	SessionID       string                    `yaml:"session_id,omitempty" koanf:"session_id"`
	GateMode        string                    `yaml:"gate_mode" koanf:"gate_mode"`
	PersistRaw      bool                      `yaml:"persist_raw" koanf:"persist_raw"`
	AbandonTimeout  time.Duration             `yaml:"abandon_timeout" koanf:"abandon_timeout"`
	Precision       int                       `yaml:"precision" koanf:"precision"`
	ToolPrecision   map[string]int            `yaml:"tool_precision,omitempty" koanf:"tool_precision"`
	EventBufferSize int                       `yaml:"event_buffer_size" koanf:"event_buffer_size"`
	PreviewMaxBytes int                       `yaml:"preview_max_bytes" koanf:"preview_max_bytes"`
	IndexDB         string                    `yaml:"index_db,omitempty" koanf:"index_db"`
	UIPort          int                       `yaml:"ui_port" koanf:"ui_port"`
	Wrappers        map[string]WrapperProfile `yaml:"wrappers,omitempty" koanf:"wrappers"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		OutputDir:       trace.DefaultOutputDir,
		GateMode:        string(gate.ModeAudit),
		AbandonTimeout:  trace.DefaultAbandonTimeout,
		Precision:       6,
		EventBufferSize: 1024,
		PreviewMaxBytes: trace.DefaultPreviewMaxBytes,
		UIPort:          8675,
	}
}

// Load reads path if it exists and applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("accessing config %s: %w", path, err)
	}

	// CRYSTALYSE_AUDIT_GATE_MODE -> gate_mode
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Validate checks value ranges. It does not touch the file system.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	if _, err := gate.ParseMode(c.GateMode); err != nil {
		return fmt.Errorf("gate_mode: %w", err)
	}
	if c.Precision < 1 || c.Precision > 15 {
		return fmt.Errorf("precision must be between 1 and 15, got %d", c.Precision)
	}
	for tool, p := range c.ToolPrecision {
		if p < 1 || p > 15 {
			return fmt.Errorf("tool_precision.%s must be between 1 and 15, got %d", tool, p)
		}
	}
	if c.AbandonTimeout <= 0 {
		return fmt.Errorf("abandon_timeout must be positive")
	}
	if c.EventBufferSize < 1 {
		return fmt.Errorf("event_buffer_size must be at least 1")
	}
	if c.PreviewMaxBytes < 0 {
		return fmt.Errorf("preview_max_bytes must be non-negative")
	}
	if c.UIPort < 0 || c.UIPort > 65535 {
		return fmt.Errorf("invalid ui_port %d", c.UIPort)
	}
	for name, w := range c.Wrappers {
		if w.Command == "" {
			return fmt.Errorf("wrapper profile %q has no command", name)
		}
	}
	return nil
}

// ResolvePlaceholders expands placeholders in the path-like settings.
// Wrapper env values are resolved separately, when the profile is used.
func (c *Config) ResolvePlaceholders() error {
	for name, field := range map[string]*string{
		"output_dir": &c.OutputDir,
		"session_id": &c.SessionID,
		"index_db":   &c.IndexDB,
	} {
		v, err := placeholder.Resolve(*field)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*field = v
	}
	return nil
}

// Profile returns a wrapper profile by name.
func (c *Config) Profile(name string) (WrapperProfile, error) {
	p, ok := c.Wrappers[name]
	if !ok {
		return WrapperProfile{}, fmt.Errorf("wrapper profile %q not found in config", name)
	}
	return p, nil
}

// Mode returns the parsed gate mode, audit if invalid.
func (c *Config) Mode() gate.Mode {
	m, err := gate.ParseMode(c.GateMode)
	if err != nil {
		return gate.ModeAudit
	}
	return m
}

// TraceConfig builds the handler configuration.
func (c *Config) TraceConfig(logger *slog.Logger) trace.Config {
	return trace.Config{
		OutputDir:       c.OutputDir,
		SessionID:       c.SessionID,
		PersistRaw:      c.PersistRaw,
		AbandonTimeout:  c.AbandonTimeout,
		Precision:       c.Precision,
		ToolPrecision:   c.ToolPrecision,
		EventBufferSize: c.EventBufferSize,
		PreviewMaxBytes: c.PreviewMaxBytes,
		Logger:          logger,
	}
}
