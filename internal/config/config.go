// Package config loads and validates the coworker runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the top-level coworker runtime configuration.
type Config struct {
	Runtime Runtime `toml:"runtime"`
	Policy  Policy  `toml:"policy"`
	Logging Logging `toml:"logging"`
}

// Runtime controls the daemon's own polling, concurrency, and lifecycle.
type Runtime struct {
	Enabled            bool     `toml:"enabled"`
	StateDir           string   `toml:"state_dir"`
	PollInterval       Duration `toml:"poll_interval"`
	Workers            int      `toml:"workers"`
	JanitorSchedule    string   `toml:"janitor_schedule"`
	StaleApprovalAfter Duration `toml:"stale_approval_after"`
	LockFile           string   `toml:"lock_file"`
}

// Policy mirrors the coworker_* keys internal/policy.FromConfig consumes.
type Policy struct {
	AllowedPaths     []string `toml:"allowed_paths"`
	MaxReadBytes     int      `toml:"max_read_bytes"`
	MaxWriteBytes    int      `toml:"max_write_bytes"`
	WebMaxBytes      int      `toml:"web_max_bytes"`
	WebMaxQueryChars int      `toml:"web_max_query_chars"`
	RequireApproval  bool     `toml:"require_approval"`
	WebEnabled       bool     `toml:"web_enabled"`
	WebAllowlist     []string `toml:"web_allowlist"`
	// OCRMode is validated as off|ask|on. ToPolicyMap does not pass it
	// on; doc.extract_pdf_text takes its OCR mode from each call's
	// ocr_mode argument.
	OCRMode string `toml:"ocr_mode"`
}

// Logging controls the slog handler cmd/coworker-runtime installs at startup.
type Logging struct {
	Level string `toml:"level"`
	Dev   bool   `toml:"dev"`
}

// ToPolicyMap renders Policy into the map[string]any shape
// internal/policy.FromConfig expects, keyed by its coworker_* config names.
func (cfg *Config) ToPolicyMap() map[string]any {
	if cfg == nil {
		return map[string]any{}
	}

	m := map[string]any{
		"coworker_max_read_bytes":      cfg.Policy.MaxReadBytes,
		"coworker_max_write_bytes":     cfg.Policy.MaxWriteBytes,
		"coworker_web_max_bytes":       cfg.Policy.WebMaxBytes,
		"coworker_web_max_query_chars": cfg.Policy.WebMaxQueryChars,
		"coworker_require_approval":    cfg.Policy.RequireApproval,
		"coworker_web_enabled":         cfg.Policy.WebEnabled,
	}
	if len(cfg.Policy.AllowedPaths) > 0 {
		m["coworker_allowed_paths"] = cloneStringSlice(cfg.Policy.AllowedPaths)
	}
	if len(cfg.Policy.WebAllowlist) > 0 {
		m["coworker_web_allowlist"] = cloneStringSlice(cfg.Policy.WebAllowlist)
	}
	return m
}

// Clone returns a deep copy of cfg so callers can safely mutate the result.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}

	cloned := *cfg
	cloned.Policy.AllowedPaths = cloneStringSlice(cfg.Policy.AllowedPaths)
	cloned.Policy.WebAllowlist = cloneStringSlice(cfg.Policy.WebAllowlist)
	return &cloned
}

func cloneStringSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// Load reads, defaults, env-overrides, and validates a coworker runtime TOML
// configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", path, err)
	}

	return &cfg, nil
}

// Reload reads and validates a coworker runtime TOML configuration file.
//
// This mirrors Load but is intentionally named to reflect runtime refresh paths.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// LoadManager reads config from path and returns an RWMutex-backed thread-safe manager.
func LoadManager(path string) (ConfigManager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config: reload path is required")
	}

	cfg, err := Reload(path)
	if err != nil {
		return nil, err
	}
	return NewRWMutexManager(cfg), nil
}

func applyDefaults(cfg *Config) {
	if cfg.Runtime.StateDir == "" {
		cfg.Runtime.StateDir = "~/.coworker"
	}
	if cfg.Runtime.PollInterval.Duration == 0 {
		cfg.Runtime.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Runtime.Workers == 0 {
		cfg.Runtime.Workers = 1
	}
	if cfg.Runtime.JanitorSchedule == "" {
		cfg.Runtime.JanitorSchedule = "@every 5m"
	}
	if cfg.Runtime.StaleApprovalAfter.Duration == 0 {
		cfg.Runtime.StaleApprovalAfter.Duration = 24 * time.Hour
	}
	if cfg.Runtime.LockFile == "" {
		cfg.Runtime.LockFile = filepath.Join(cfg.Runtime.StateDir, "coworker.lock")
	}

	if cfg.Policy.MaxReadBytes == 0 {
		cfg.Policy.MaxReadBytes = 200_000
	}
	if cfg.Policy.MaxWriteBytes == 0 {
		cfg.Policy.MaxWriteBytes = 200_000
	}
	if cfg.Policy.WebMaxBytes == 0 {
		cfg.Policy.WebMaxBytes = 200_000
	}
	if cfg.Policy.WebMaxQueryChars == 0 {
		cfg.Policy.WebMaxQueryChars = 256
	}
	if cfg.Policy.OCRMode == "" {
		cfg.Policy.OCRMode = "off"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// envOverrides is modeled on the original Python's ENV_OVERRIDES table:
// one environment variable for each runtime and logging scalar, plus
// policy.require_approval, policy.web_enabled and policy.ocr_mode. The
// policy byte and query-length limits (max_read_bytes, max_write_bytes,
// web_max_bytes, web_max_query_chars) and the list-valued keys have no
// environment override.
var envOverrides = []struct {
	env   string
	apply func(cfg *Config, value string) error
}{
	{"COWORKER_RUNTIME_ENABLED", func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		cfg.Runtime.Enabled = b
		return nil
	}},
	{"COWORKER_RUNTIME_STATE_DIR", func(cfg *Config, v string) error {
		cfg.Runtime.StateDir = v
		return nil
	}},
	{"COWORKER_RUNTIME_POLL_INTERVAL", func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		cfg.Runtime.PollInterval.Duration = d
		return nil
	}},
	{"COWORKER_RUNTIME_WORKERS", func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		cfg.Runtime.Workers = n
		return nil
	}},
	{"COWORKER_RUNTIME_JANITOR_SCHEDULE", func(cfg *Config, v string) error {
		cfg.Runtime.JanitorSchedule = v
		return nil
	}},
	{"COWORKER_RUNTIME_STALE_APPROVAL_AFTER", func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		cfg.Runtime.StaleApprovalAfter.Duration = d
		return nil
	}},
	{"COWORKER_RUNTIME_LOCK_FILE", func(cfg *Config, v string) error {
		cfg.Runtime.LockFile = v
		return nil
	}},
	{"COWORKER_POLICY_REQUIRE_APPROVAL", func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		cfg.Policy.RequireApproval = b
		return nil
	}},
	{"COWORKER_POLICY_WEB_ENABLED", func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		cfg.Policy.WebEnabled = b
		return nil
	}},
	{"COWORKER_POLICY_OCR_MODE", func(cfg *Config, v string) error {
		cfg.Policy.OCRMode = v
		return nil
	}},
	{"COWORKER_LOGGING_LEVEL", func(cfg *Config, v string) error {
		cfg.Logging.Level = v
		return nil
	}},
	{"COWORKER_LOGGING_DEV", func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		cfg.Logging.Dev = b
		return nil
	}},
}

// applyEnvOverrides lets operators override the keys listed in
// envOverrides without editing the TOML file.
func applyEnvOverrides(cfg *Config) {
	for _, override := range envOverrides {
		raw, ok := os.LookupEnv(override.env)
		if !ok {
			continue
		}
		if err := override.apply(cfg, strings.TrimSpace(raw)); err != nil {
			// Malformed env overrides are ignored rather than fatal: the
			// TOML-derived default (or zero value) stands in for them.
			continue
		}
	}
}

func normalizePaths(cfg *Config) {
	cfg.Runtime.StateDir = ExpandHome(cfg.Runtime.StateDir)
	cfg.Runtime.LockFile = ExpandHome(cfg.Runtime.LockFile)
	for i, p := range cfg.Policy.AllowedPaths {
		cfg.Policy.AllowedPaths[i] = ExpandHome(p)
	}
}

// ExpandHome expands a leading "~" into the current user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func validate(cfg *Config) error {
	if cfg.Runtime.StateDir == "" {
		return fmt.Errorf("runtime.state_dir is required")
	}
	if cfg.Runtime.Workers < 1 {
		return fmt.Errorf("runtime.workers must be >= 1, got %d", cfg.Runtime.Workers)
	}
	if cfg.Runtime.PollInterval.Duration <= 0 {
		return fmt.Errorf("runtime.poll_interval must be > 0")
	}
	if strings.TrimSpace(cfg.Runtime.JanitorSchedule) == "" {
		return fmt.Errorf("runtime.janitor_schedule is required")
	}

	if cfg.Policy.MaxReadBytes <= 0 {
		return fmt.Errorf("policy.max_read_bytes must be > 0")
	}
	if cfg.Policy.MaxWriteBytes <= 0 {
		return fmt.Errorf("policy.max_write_bytes must be > 0")
	}
	if cfg.Policy.WebMaxBytes <= 0 {
		return fmt.Errorf("policy.web_max_bytes must be > 0")
	}
	if cfg.Policy.WebMaxQueryChars <= 0 {
		return fmt.Errorf("policy.web_max_query_chars must be > 0")
	}
	switch cfg.Policy.OCRMode {
	case "off", "ask", "on":
	default:
		return fmt.Errorf("policy.ocr_mode must be one of off|ask|on, got %q", cfg.Policy.OCRMode)
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug|info|warn|error, got %q", cfg.Logging.Level)
	}

	return nil
}

// Default returns a Config populated with the same defaults Load applies to
// an empty file, for callers (tests, cmd/coworker-runtime's daemon bootstrap)
// that construct a runtime without a TOML file on disk.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}
