package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// FileName is the optional configuration file looked up in the working
// directory.
const FileName = "multidoc.yaml"

// Config represents the optional multidoc.yaml configuration.
type Config struct {
	Manager    ManagerConfig    `yaml:"manager"`
	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
	Extensions ExtensionsConfig `yaml:"extensions"`
}

// ManagerConfig contains document lifecycle settings.
type ManagerConfig struct {
	ReadyDelay   string `yaml:"ready_delay,omitempty"`
	CloseTimeout string `yaml:"close_timeout,omitempty"`
	Development  bool   `yaml:"development,omitempty"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// ServerConfig contains settings of the serve command.
type ServerConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// ExtensionsConfig declares the extensions documents may install.
type ExtensionsConfig struct {
	Strict bool `yaml:"strict,omitempty"`
	// Known maps extension ids to their available versions.
	Known map[string][]string `yaml:"known,omitempty"`
}

// Resolved contains resolved configuration values.
type Resolved struct {
	ReadyDelay   time.Duration
	CloseTimeout time.Duration
	Development  bool

	LogLevel  slog.Level
	LogFormat string

	Addr string

	StrictExtensions bool
	Extensions       []Extension
}

// Extension is one declared extension version.
type Extension struct {
	ID      string
	Version string
}

// Defaults.
const (
	DefaultReadyDelay   = 50 * time.Millisecond
	DefaultCloseTimeout = 15 * time.Millisecond
	DefaultAddr         = ":8080"
	FormatText          = "text"
	FormatJSON          = "json"
)

// LoadOptional reads multidoc.yaml from dir if present.
func LoadOptional(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
	}
	return Parse(data)
}

// Parse decodes a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
	}
	return &cfg, nil
}

// Resolve loads multidoc.yaml (if present) and resolves defaults.
func Resolve(dir string) (*Resolved, error) {
	cfg, err := LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	return cfg.Resolve()
}

// Resolve validates cfg and fills in defaults.
func (cfg *Config) Resolve() (*Resolved, error) {
	readyDelay, err := duration("manager.ready_delay", cfg.Manager.ReadyDelay, DefaultReadyDelay)
	if err != nil {
		return nil, err
	}
	closeTimeout, err := duration("manager.close_timeout", cfg.Manager.CloseTimeout, DefaultCloseTimeout)
	if err != nil {
		return nil, err
	}

	level, err := parseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	format := strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	switch format {
	case "":
		format = FormatText
	case FormatText, FormatJSON:
	default:
		return nil, fmt.Errorf("log.format must be %q or %q (got %q)", FormatText, FormatJSON, cfg.Log.Format)
	}

	addr := strings.TrimSpace(cfg.Server.Addr)
	if addr == "" {
		addr = DefaultAddr
	}

	exts, err := resolveExtensions(cfg.Extensions.Known)
	if err != nil {
		return nil, err
	}

	return &Resolved{
		ReadyDelay:       readyDelay,
		CloseTimeout:     closeTimeout,
		Development:      cfg.Manager.Development,
		LogLevel:         level,
		LogFormat:        format,
		Addr:             addr,
		StrictExtensions: cfg.Extensions.Strict,
		Extensions:       exts,
	}, nil
}

func duration(key, value string, def time.Duration) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative (got %q)", key, value)
	}
	return d, nil
}

func parseLevel(s string) (slog.Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func resolveExtensions(known map[string][]string) ([]Extension, error) {
	ids := make([]string, 0, len(known))
	for id := range known {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Extension
	for _, id := range ids {
		if !strings.HasPrefix(id, "amp-") {
			return nil, fmt.Errorf("extensions.known: id must start with \"amp-\" (got %q)", id)
		}
		for _, v := range known[id] {
			if !semver.IsValid("v" + v) {
				return nil, fmt.Errorf("extensions.known.%s: invalid version %q", id, v)
			}
			out = append(out, Extension{ID: id, Version: v})
		}
	}
	return out, nil
}
