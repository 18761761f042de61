// Package config builds the engine's startup configuration the way the
// teacher's own service mains do it: read everything from the environment
// with a small env(key, default) helper, with an optional file overlay for
// the parts too structured for flat env vars. resource-broker and
// infra-broker both do this with plain os.Getenv and a JSON/text sidecar;
// here the sidecar is a TOML policy file decoded with go-toml/v2.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/rexxfleet/orchestrator/internal/command"
	"github.com/rexxfleet/orchestrator/internal/security"
)

// Config is the flat set of values config.Load resolves from the
// environment and an optional TOML file, before they're turned into the
// typed objects (security.Policy, command.DelimiterStyle) the rest of the
// engine consumes.
type Config struct {
	Mode               security.Mode
	MaxMemoryBytes     int64
	MaxCPUs            float64
	AllowPrivileged    bool
	AllowedVolumePaths []string
	AllowedImages      []string
	TrustedBinaries    []string
	BannedSubstrings   []string
	BannedPatterns     []string
	AutoStopBases      bool
	SudoRetryExec      bool
	SudoRetryTransfer  bool
	WorkingDir         string
	VariableDelimiter  string
	DefaultTimeout     time.Duration
	Debug              bool
}

// fileOverlay mirrors the subset of Config a TOML policy file may set.
// Fields left zero in the file don't override an env-resolved value.
type fileOverlay struct {
	Mode               string   `toml:"mode"`
	MaxMemoryBytes     int64    `toml:"max_memory_bytes"`
	MaxCPUs            float64  `toml:"max_cpus"`
	AllowPrivileged    bool     `toml:"allow_privileged"`
	AllowedVolumePaths []string `toml:"allowed_volume_paths"`
	AllowedImages      []string `toml:"allowed_images"`
	TrustedBinaries    []string `toml:"trusted_binaries"`
	BannedSubstrings   []string `toml:"banned_substrings"`
	BannedPatterns     []string `toml:"banned_patterns"`
	AutoStopBases      bool     `toml:"auto_stop_bases"`
	SudoRetryExec      *bool    `toml:"sudo_retry_exec"`
	SudoRetryTransfer  *bool    `toml:"sudo_retry_transfer"`
	WorkingDir         string   `toml:"working_dir"`
	VariableDelimiter  string   `toml:"variable_delimiter"`
	DefaultTimeoutSecs int64    `toml:"default_timeout_seconds"`
}

// env returns the value of k, or def if unset or empty. Same shape as
// resource-broker's env(k, def string) helper.
func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Default builds a Config entirely from built-in defaults, as if every
// FLEETENGINE_* variable were unset and no policy file were given.
func Default() *Config {
	return &Config{
		Mode:              security.ModeModerate,
		MaxMemoryBytes:    0,
		MaxCPUs:           0,
		SudoRetryExec:     true,
		SudoRetryTransfer: false,
		VariableDelimiter: "braces",
		DefaultTimeout:    30 * time.Second,
	}
}

// Load resolves a Config from FLEETENGINE_* environment variables, then
// overlays a TOML file named by FLEETENGINE_POLICY_FILE (or explicitFile,
// which wins if non-empty — this is how -config on the command line feeds
// in). A missing explicit file is an error; an unset FLEETENGINE_POLICY_FILE
// is not, since the file is optional.
func Load(explicitFile string) (*Config, error) {
	cfg := Default()

	cfg.Mode = security.Mode(env("FLEETENGINE_MODE", string(cfg.Mode)))
	cfg.MaxMemoryBytes = envInt64("FLEETENGINE_MAX_MEMORY_BYTES", cfg.MaxMemoryBytes)
	cfg.MaxCPUs = envFloat("FLEETENGINE_MAX_CPUS", cfg.MaxCPUs)
	cfg.AllowPrivileged = envBool("FLEETENGINE_ALLOW_PRIVILEGED", cfg.AllowPrivileged)
	cfg.AllowedVolumePaths = splitList(env("FLEETENGINE_ALLOWED_VOLUME_PATHS", ""))
	cfg.AllowedImages = splitList(env("FLEETENGINE_ALLOWED_IMAGES", ""))
	cfg.TrustedBinaries = splitList(env("FLEETENGINE_TRUSTED_BINARIES", ""))
	cfg.BannedSubstrings = splitList(env("FLEETENGINE_BANNED_SUBSTRINGS", ""))
	cfg.BannedPatterns = splitList(env("FLEETENGINE_BANNED_PATTERNS", ""))
	cfg.AutoStopBases = envBool("FLEETENGINE_AUTO_STOP_BASES", cfg.AutoStopBases)
	cfg.SudoRetryExec = envBool("FLEETENGINE_SUDO_RETRY_EXEC", cfg.SudoRetryExec)
	cfg.SudoRetryTransfer = envBool("FLEETENGINE_SUDO_RETRY_TRANSFER", cfg.SudoRetryTransfer)
	cfg.WorkingDir = env("FLEETENGINE_WORKING_DIR", cfg.WorkingDir)
	cfg.VariableDelimiter = env("FLEETENGINE_VARIABLE_DELIMITER", cfg.VariableDelimiter)
	cfg.DefaultTimeout = time.Duration(envInt64("FLEETENGINE_DEFAULT_TIMEOUT_SECONDS", int64(cfg.DefaultTimeout/time.Second))) * time.Second
	cfg.Debug = envBool("FLEETENGINE_DEBUG", cfg.Debug) || os.Getenv("DEBUG") != ""

	file := explicitFile
	if file == "" {
		file = os.Getenv("FLEETENGINE_POLICY_FILE")
	}
	if file == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("config: read policy file %s: %w", file, err)
	}
	var overlay fileOverlay
	if err := toml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("config: parse policy file %s: %w", file, err)
	}
	applyOverlay(cfg, overlay)
	return cfg, nil
}

func applyOverlay(cfg *Config, o fileOverlay) {
	if o.Mode != "" {
		cfg.Mode = security.Mode(o.Mode)
	}
	if o.MaxMemoryBytes != 0 {
		cfg.MaxMemoryBytes = o.MaxMemoryBytes
	}
	if o.MaxCPUs != 0 {
		cfg.MaxCPUs = o.MaxCPUs
	}
	if o.AllowPrivileged {
		cfg.AllowPrivileged = true
	}
	cfg.AllowedVolumePaths = append(cfg.AllowedVolumePaths, o.AllowedVolumePaths...)
	cfg.AllowedImages = append(cfg.AllowedImages, o.AllowedImages...)
	cfg.TrustedBinaries = append(cfg.TrustedBinaries, o.TrustedBinaries...)
	cfg.BannedSubstrings = append(cfg.BannedSubstrings, o.BannedSubstrings...)
	cfg.BannedPatterns = append(cfg.BannedPatterns, o.BannedPatterns...)
	if o.AutoStopBases {
		cfg.AutoStopBases = true
	}
	if o.SudoRetryExec != nil {
		cfg.SudoRetryExec = *o.SudoRetryExec
	}
	if o.SudoRetryTransfer != nil {
		cfg.SudoRetryTransfer = *o.SudoRetryTransfer
	}
	if o.WorkingDir != "" {
		cfg.WorkingDir = o.WorkingDir
	}
	if o.VariableDelimiter != "" {
		cfg.VariableDelimiter = o.VariableDelimiter
	}
	if o.DefaultTimeoutSecs != 0 {
		cfg.DefaultTimeout = time.Duration(o.DefaultTimeoutSecs) * time.Second
	}
}

// DelimiterStyle maps the configured string to a command.DelimiterStyle,
// defaulting to braces on an unrecognized value.
func (c *Config) DelimiterStyle() command.DelimiterStyle {
	switch c.VariableDelimiter {
	case "dollar", "${}":
		return command.DelimiterDollar
	case "percent", "%%":
		return command.DelimiterPercent
	default:
		return command.DelimiterBraces
	}
}

// BuildPolicy turns the resolved Config into a security.Policy, applying
// mode, limits, and every allow/deny list as Options.
func (c *Config) BuildPolicy() (*security.Policy, error) {
	return security.New(c.Mode, c.MaxMemoryBytes, c.MaxCPUs,
		security.WithAllowedVolumePaths(c.AllowedVolumePaths...),
		security.WithAllowedImages(c.AllowedImages...),
		security.WithTrustedBinaries(c.TrustedBinaries...),
		security.WithBannedSubstrings(c.BannedSubstrings...),
		security.WithExtraBannedPatterns(c.BannedPatterns...),
		security.WithWorkingDir(c.WorkingDir),
		security.WithAutoStopBases(c.AutoStopBases),
		security.WithSudoRetry(c.SudoRetryExec, c.SudoRetryTransfer),
	)
}
