// Package config loads the mailtriage TOML configuration. Command-line flags
// override file values after Load.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	CredentialsToken    = "token"
	CredentialsGmailctl = "gmailctl"

	RulesSourceFile     = "file"
	RulesSourceGmailctl = "gmailctl"
)

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type GmailConfig struct {
	// Credentials selects "token" (CredentialsFile + TokenFile) or "gmailctl" (GmailctlDir).
	Credentials       string `toml:"credentials"`
	CredentialsFile   string `toml:"credentials_file"`
	TokenFile         string `toml:"token_file"`
	GmailctlDir       string `toml:"gmailctl_dir"`
	GmailctlBinary    string `toml:"gmailctl_binary"`
	RequestsPerSecond int    `toml:"requests_per_second"`
}

type FetchConfig struct {
	Query      string `toml:"query"`
	MaxResults int    `toml:"max_results"`
}

type ProcessConfig struct {
	Rules       string `toml:"rules"`
	RulesSource string `toml:"rules_source"`
	Workers     int    `toml:"workers"`
}

type LintConfig struct {
	FailOn string `toml:"fail_on"`
	Output string `toml:"output"`
	TopN   int    `toml:"top_n"`
}

type Config struct {
	LogLevel    string         `toml:"log_level"`
	MetricsFile string         `toml:"metrics_file"`
	Database    DatabaseConfig `toml:"database"`
	Gmail       GmailConfig    `toml:"gmail"`
	Fetch       FetchConfig    `toml:"fetch"`
	Process     ProcessConfig  `toml:"process"`
	Lint        LintConfig     `toml:"lint"`
}

// DefaultPath is where Load looks when no --config is given.
func DefaultPath() string {
	return filepath.Join(configHome(), "config.toml")
}

// Default returns the built-in configuration.
func Default() Config {
	home := configHome()
	return Config{
		LogLevel: "info",
		Database: DatabaseConfig{Path: filepath.Join(home, "mailtriage.db")},
		Gmail: GmailConfig{
			Credentials:       CredentialsToken,
			CredentialsFile:   filepath.Join(home, "credentials.json"),
			TokenFile:         filepath.Join(home, "token.json"),
			GmailctlDir:       os.ExpandEnv("$HOME/.gmailctl"),
			GmailctlBinary:    "gmailctl",
			RequestsPerSecond: 4,
		},
		Fetch:   FetchConfig{MaxResults: 100},
		Process: ProcessConfig{Rules: "rules.json", RulesSource: RulesSourceFile, Workers: 1},
		Lint:    LintConfig{TopN: 10},
	}
}

// Load decodes path over Default(). A missing file is only an error when required
// is set, so the default path may be absent.
func Load(path string, required bool, logger *slog.Logger) (Config, error) {
	cfg := Default()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	content, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			logger.Debug("no config file, using defaults", slog.String("path", path))
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	md, err := toml.Decode(string(content), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		logger.Warn("config contains unknown keys that will be ignored",
			slog.String("path", path), slog.String("keys", strings.Join(keys, ", ")))
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a run.
func (c Config) Validate() error {
	switch c.Gmail.Credentials {
	case CredentialsToken, CredentialsGmailctl:
	default:
		return fmt.Errorf("gmail.credentials must be %q or %q, got %q", CredentialsToken, CredentialsGmailctl, c.Gmail.Credentials)
	}
	switch c.Process.RulesSource {
	case RulesSourceFile, RulesSourceGmailctl:
	default:
		return fmt.Errorf("process.rules_source must be %q or %q, got %q", RulesSourceFile, RulesSourceGmailctl, c.Process.RulesSource)
	}
	if c.Fetch.MaxResults < 0 {
		return fmt.Errorf("fetch.max_results must not be negative")
	}
	if c.Process.Workers < 0 {
		return fmt.Errorf("process.workers must not be negative")
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path must be set")
	}
	return nil
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.Gmail.Credentials = strings.ToLower(strings.TrimSpace(c.Gmail.Credentials))
	c.Process.RulesSource = strings.ToLower(strings.TrimSpace(c.Process.RulesSource))
	c.Database.Path = expandHome(c.Database.Path)
	c.Gmail.CredentialsFile = expandHome(c.Gmail.CredentialsFile)
	c.Gmail.TokenFile = expandHome(c.Gmail.TokenFile)
	c.Gmail.GmailctlDir = expandHome(c.Gmail.GmailctlDir)
	c.MetricsFile = expandHome(c.MetricsFile)
}

func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return os.ExpandEnv(path)
}

func configHome() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".mailtriage"
	}
	return filepath.Join(dir, "mailtriage")
}
