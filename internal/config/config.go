// Package config loads and validates the Valet configuration file.
//
// Configuration is read exactly once at startup and is immutable afterwards.
// The file is YAML (or JSON when the path ends in .json); unknown keys are
// rejected in both formats. The bearer token may be overridden from the
// environment so the secret can live in a .env file beside the config with
// tighter permissions than the settings themselves.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvBearerToken overrides auth.bearer_token when set.
const EnvBearerToken = "VALET_BEARER_TOKEN"

// Config holds all Valet settings. No field mutates after Load returns.
type Config struct {
	Root   Root   `yaml:"root" json:"root"`
	Server Server `yaml:"server" json:"server"`
	Auth   Auth   `yaml:"auth" json:"auth"`
	Limits Limits `yaml:"limits" json:"limits"`
	Exec   Exec   `yaml:"exec" json:"exec"`
	Log    Log    `yaml:"log" json:"log"`
	Audit  Audit  `yaml:"audit" json:"audit"`
}

// Root names the single directory all file operations are confined to.
type Root struct {
	RootDir string `yaml:"root_dir" json:"root_dir"`
}

// Server holds the loopback listen address and URL prefix.
type Server struct {
	BindAddr string `yaml:"bind_addr" json:"bind_addr"`
	Port     int    `yaml:"port" json:"port"`
	BasePath string `yaml:"base_path" json:"base_path"`
}

// Auth holds the shared secret and the origin allow-list.
type Auth struct {
	BearerToken    string   `yaml:"bearer_token" json:"bearer_token"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// Limits holds resource caps. All values must be positive; the rate fields
// default when zero and are rejected when negative.
type Limits struct {
	ExecTimeoutS int `yaml:"exec_timeout_s" json:"exec_timeout_s"`
	MaxStdoutKB  int `yaml:"max_stdout_kb" json:"max_stdout_kb"`
	MaxRequestKB int `yaml:"max_request_kb" json:"max_request_kb"`

	RateGlobalBurst int `yaml:"rate_global_burst" json:"rate_global_burst"`
	RateGlobalPerS  int `yaml:"rate_global_per_s" json:"rate_global_per_s"`
	RateTokenBurst  int `yaml:"rate_token_burst" json:"rate_token_burst"`
	RateTokenPerS   int `yaml:"rate_token_per_s" json:"rate_token_per_s"`
}

// Exec holds the command allow-list and environment pass-through names.
type Exec struct {
	AllowedCmds []string `yaml:"allowed_cmds" json:"allowed_cmds"`
	PassEnv     []string `yaml:"pass_env" json:"pass_env"`
}

// Log holds logger settings.
type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Audit selects the audit sink. Backend "console" (default) writes records
// through the process logger; "sqlite" persists them under DataDir.
type Audit struct {
	Backend       string `yaml:"backend" json:"backend"`
	DataDir       string `yaml:"data_dir" json:"data_dir"`
	RetentionDays int    `yaml:"retention_days" json:"retention_days"`
}

// Rate limiter defaults, matching the caps Valet has always shipped with.
const (
	DefaultBasePath        = "/mcp"
	defaultRateGlobalBurst = 40
	defaultRateGlobalPerS  = 20
	defaultRateTokenBurst  = 20
	defaultRateTokenPerS   = 10
)

// Load reads, parses, and validates the config file at path. The returned
// config has defaults applied and root_dir canonicalized. Any failure here
// must abort startup before a socket is bound.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if strings.HasSuffix(path, ".json") {
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else {
		dec := yaml.NewDecoder(strings.NewReader(string(raw)))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	canonical, err := filepath.EvalSymlinks(cfg.Root.RootDir)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing root_dir: %w", err)
	}
	cfg.Root.RootDir = canonical

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.BasePath == "" {
		c.Server.BasePath = DefaultBasePath
	}
	if c.Limits.RateGlobalBurst == 0 {
		c.Limits.RateGlobalBurst = defaultRateGlobalBurst
	}
	if c.Limits.RateGlobalPerS == 0 {
		c.Limits.RateGlobalPerS = defaultRateGlobalPerS
	}
	if c.Limits.RateTokenBurst == 0 {
		c.Limits.RateTokenBurst = defaultRateTokenBurst
	}
	if c.Limits.RateTokenPerS == 0 {
		c.Limits.RateTokenPerS = defaultRateTokenPerS
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
	if c.Audit.Backend == "" {
		c.Audit.Backend = "console"
	}
}

// applyEnvOverrides lets the bearer token come from the environment or a
// .env file kept beside the config. Only the secret is overridable; settings
// live in the config file alone.
func (c *Config) applyEnvOverrides(configDir string) {
	envFile := filepath.Join(configDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		// Load does not overwrite variables already set in the environment.
		_ = godotenv.Load(envFile)
	}
	if token := os.Getenv(EnvBearerToken); token != "" {
		c.Auth.BearerToken = token
	}
}

// Validate checks every field per the startup contract. The first violation
// is returned as a single descriptive error.
func (c *Config) Validate() error {
	if c.Root.RootDir == "" {
		return fmt.Errorf("root.root_dir is required")
	}
	if !filepath.IsAbs(c.Root.RootDir) {
		return fmt.Errorf("root.root_dir must be absolute: %s", c.Root.RootDir)
	}
	info, err := os.Stat(c.Root.RootDir)
	if err != nil {
		return fmt.Errorf("root.root_dir does not exist: %s", c.Root.RootDir)
	}
	if !info.IsDir() {
		return fmt.Errorf("root.root_dir is not a directory: %s", c.Root.RootDir)
	}

	ip := net.ParseIP(c.Server.BindAddr)
	if ip == nil {
		return fmt.Errorf("server.bind_addr is not a valid IP: %q", c.Server.BindAddr)
	}
	if !ip.IsLoopback() {
		return fmt.Errorf("server.bind_addr must be a loopback address: %s", c.Server.BindAddr)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535: %d", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") || strings.HasSuffix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with '/' and not end with one: %q", c.Server.BasePath)
	}

	if strings.TrimSpace(c.Auth.BearerToken) == "" {
		return fmt.Errorf("auth.bearer_token must not be empty")
	}
	if len(c.Auth.AllowedOrigins) == 0 {
		return fmt.Errorf("auth.allowed_origins must not be empty")
	}
	for _, origin := range c.Auth.AllowedOrigins {
		if err := validateOrigin(origin); err != nil {
			return err
		}
	}

	if c.Limits.ExecTimeoutS <= 0 {
		return fmt.Errorf("limits.exec_timeout_s must be > 0")
	}
	if c.Limits.MaxStdoutKB <= 0 {
		return fmt.Errorf("limits.max_stdout_kb must be > 0")
	}
	if c.Limits.MaxRequestKB <= 0 {
		return fmt.Errorf("limits.max_request_kb must be > 0")
	}
	if c.Limits.RateGlobalBurst < 0 || c.Limits.RateGlobalPerS < 0 ||
		c.Limits.RateTokenBurst < 0 || c.Limits.RateTokenPerS < 0 {
		return fmt.Errorf("limits.rate_* values must not be negative")
	}

	if len(c.Exec.AllowedCmds) == 0 {
		return fmt.Errorf("exec.allowed_cmds must not be empty")
	}

	switch c.Audit.Backend {
	case "console":
	case "sqlite":
		if c.Audit.DataDir == "" {
			return fmt.Errorf("audit.data_dir is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("audit.backend must be \"console\" or \"sqlite\": %q", c.Audit.Backend)
	}

	return nil
}

// Origins are exact strings: scheme plus host, no path, no trailing slash.
func validateOrigin(origin string) error {
	if origin == "" {
		return fmt.Errorf("auth.allowed_origins entries must not be empty")
	}
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return fmt.Errorf("auth.allowed_origins entry must carry a scheme: %q", origin)
	}
	rest := origin[strings.Index(origin, "://")+3:]
	if rest == "" || strings.Contains(rest, "/") {
		return fmt.Errorf("auth.allowed_origins entry must be scheme+host with no path: %q", origin)
	}
	return nil
}

// MaxRequestBytes returns the request body cap in bytes.
func (c *Config) MaxRequestBytes() int64 {
	return int64(c.Limits.MaxRequestKB) * 1024
}

// MaxOutputBytes returns the per-stream child output cap in bytes.
func (c *Config) MaxOutputBytes() int {
	return c.Limits.MaxStdoutKB * 1024
}
