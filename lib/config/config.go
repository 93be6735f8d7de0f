// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable Load reads the config path
// from.
const EnvironmentVariable = "NIXFS_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for workstations and test machines.
	Development Environment = "development"
	// Production is for long-running mounts.
	Production Environment = "production"
)

// Config is the complete nixfs configuration.
type Config struct {
	// Environment selects which override section applies.
	Environment Environment `yaml:"environment"`

	Paths     PathsConfig     `yaml:"paths"`
	Nix       NixConfig       `yaml:"nix"`
	Store     StoreConfig     `yaml:"store"`
	Isolation IsolationConfig `yaml:"isolation"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Journal   JournalConfig   `yaml:"journal"`
	Mount     MountConfig     `yaml:"mount"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Per-environment overrides, applied after the base config is
	// loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains the fields that can be overridden per
// environment. Nil fields leave the base value alone.
type ConfigOverrides struct {
	Fetch   *FetchOverrides   `yaml:"fetch,omitempty"`
	Journal *JournalOverrides `yaml:"journal,omitempty"`
	Logging *LoggingConfig    `yaml:"logging,omitempty"`
}

// FetchOverrides overrides FetchConfig fields.
type FetchOverrides struct {
	FailurePolicy string `yaml:"failure_policy,omitempty"`
	Propagation   string `yaml:"propagation,omitempty"`
	Timeout       string `yaml:"timeout,omitempty"`
}

// JournalOverrides overrides JournalConfig fields.
type JournalOverrides struct {
	Enabled *bool `yaml:"enabled,omitempty"`
	Sync    *bool `yaml:"sync,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the backing directory the mount mirrors. Store entries
	// are materialized under Root/<store segment>.
	// Default: /true_nix
	Root string `yaml:"root"`

	// Mountpoint is where the filesystem is mounted.
	// Default: /root/nix
	Mountpoint string `yaml:"mountpoint"`

	// State holds the journal and the heartbeat file.
	// Default: /var/lib/nixfs
	State string `yaml:"state"`
}

// NixConfig configures the copy tool.
type NixConfig struct {
	// Binary is the nix executable. When it does not exist, nix is
	// looked up on PATH and in the default profile.
	// Default: /bin/nix
	Binary string `yaml:"binary"`

	// Source is the substituter store entries are copied from.
	// Default: https://cache.nixos.org
	Source string `yaml:"source"`

	// StoreDir is the store prefix of copied paths.
	// Default: /nix/store
	StoreDir string `yaml:"store_dir"`

	// ExtraArgs is appended to every nix copy, split with shell
	// quoting rules.
	ExtraArgs string `yaml:"extra_args"`

	// Environment holds additional KEY=VALUE entries for the copy
	// process.
	Environment []string `yaml:"environment"`
}

// StoreConfig configures path classification.
type StoreConfig struct {
	// Segment is the top-level directory of the mount holding store
	// entries.
	// Default: store
	Segment string `yaml:"segment"`

	// BypassExisting skips the fetch machinery for entries already
	// present in the backing directory.
	// Default: false
	BypassExisting bool `yaml:"bypass_existing"`
}

// IsolationConfig configures the fetch isolation boundary.
type IsolationConfig struct {
	// Kind is namespace, unshare, bwrap, or none.
	// Default: namespace
	Kind string `yaml:"kind"`

	// BindTarget is where the backing directory is bound inside the
	// boundary.
	// Default: /nix
	BindTarget string `yaml:"bind_target"`

	// UnshareBinary and BwrapBinary override tool lookup.
	UnshareBinary string `yaml:"unshare_binary"`
	BwrapBinary   string `yaml:"bwrap_binary"`
}

// FetchConfig configures the coordinator.
type FetchConfig struct {
	// FailurePolicy is mark-resolved or retry.
	// Default: mark-resolved
	FailurePolicy string `yaml:"failure_policy"`

	// Propagation is lenient or strict.
	// Default: lenient
	Propagation string `yaml:"propagation"`

	// MaxConcurrent bounds simultaneous fetches; negative is
	// unbounded.
	// Default: 10
	MaxConcurrent int `yaml:"max_concurrent"`

	// Timeout bounds a single fetch. Empty means no timeout.
	Timeout string `yaml:"timeout"`
}

// JournalConfig configures outcome persistence.
type JournalConfig struct {
	// Enabled turns the journal on.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Path of the journal file.
	// Default: ${NIXFS_STATE}/journal
	Path string `yaml:"path"`

	// Sync fsyncs after every record.
	// Default: false (development), true (production)
	Sync bool `yaml:"sync"`

	// ReplayFailures loads failed outcomes on startup. When false, a
	// restart retries hashes that failed before.
	// Default: false
	ReplayFailures bool `yaml:"replay_failures"`

	// VerifyEntries drops replayed successes whose entry directory no
	// longer exists in the backing root.
	// Default: true
	VerifyEntries bool `yaml:"verify_entries"`
}

// MountConfig configures the FUSE mount.
type MountConfig struct {
	// AllowOther lets users other than the mounting user access the
	// mount.
	// Default: true
	AllowOther bool `yaml:"allow_other"`

	// Kernel cache lifetimes, as Go durations.
	// Defaults: 1s, 1s, 0s
	EntryTimeout    string `yaml:"entry_timeout"`
	AttrTimeout     string `yaml:"attr_timeout"`
	NegativeTimeout string `yaml:"negative_timeout"`

	// Debug logs every FUSE request.
	Debug bool `yaml:"debug"`
}

// HeartbeatConfig configures the heartbeat file.
type HeartbeatConfig struct {
	// Path of the heartbeat file.
	// Default: ${NIXFS_STATE}/heartbeat
	Path string `yaml:"path"`

	// Interval between writes.
	// Default: 5s
	Interval string `yaml:"interval"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	// Default: info
	Level string `yaml:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:       "/true_nix",
			Mountpoint: "/root/nix",
			State:      "/var/lib/nixfs",
		},
		Nix: NixConfig{
			Binary:   "/bin/nix",
			Source:   "https://cache.nixos.org",
			StoreDir: "/nix/store",
		},
		Store: StoreConfig{
			Segment: "store",
		},
		Isolation: IsolationConfig{
			Kind:       "namespace",
			BindTarget: "/nix",
		},
		Fetch: FetchConfig{
			FailurePolicy: "mark-resolved",
			Propagation:   "lenient",
			MaxConcurrent: 10,
		},
		Journal: JournalConfig{
			Enabled:       true,
			Path:          "${NIXFS_STATE}/journal",
			VerifyEntries: true,
		},
		Mount: MountConfig{
			AllowOther:      true,
			EntryTimeout:    "1s",
			AttrTimeout:     "1s",
			NegativeTimeout: "0s",
		},
		Heartbeat: HeartbeatConfig{
			Path:     "${NIXFS_STATE}/heartbeat",
			Interval: "5s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the file named by NIXFS_CONFIG. When
// the variable is unset, it returns the expanded defaults.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		cfg := Default()
		cfg.applyEnvironmentOverrides()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the section matching Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		if overrides == nil {
			sync := true
			overrides = &ConfigOverrides{
				Journal: &JournalOverrides{Sync: &sync},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Fetch != nil {
		if overrides.Fetch.FailurePolicy != "" {
			c.Fetch.FailurePolicy = overrides.Fetch.FailurePolicy
		}
		if overrides.Fetch.Propagation != "" {
			c.Fetch.Propagation = overrides.Fetch.Propagation
		}
		if overrides.Fetch.Timeout != "" {
			c.Fetch.Timeout = overrides.Fetch.Timeout
		}
	}

	if overrides.Journal != nil {
		if overrides.Journal.Enabled != nil {
			c.Journal.Enabled = *overrides.Journal.Enabled
		}
		if overrides.Journal.Sync != nil {
			c.Journal.Sync = *overrides.Journal.Sync
		}
	}

	if overrides.Logging != nil && overrides.Logging.Level != "" {
		c.Logging.Level = overrides.Logging.Level
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["NIXFS_ROOT"] = c.Paths.Root

	c.Paths.Mountpoint = expandVars(c.Paths.Mountpoint, vars)
	c.Paths.State = expandVars(c.Paths.State, vars)
	vars["NIXFS_STATE"] = c.Paths.State

	c.Nix.Binary = expandVars(c.Nix.Binary, vars)
	c.Journal.Path = expandVars(c.Journal.Path, vars)
	c.Heartbeat.Path = expandVars(c.Heartbeat.Path, vars)
	c.Isolation.UnshareBinary = expandVars(c.Isolation.UnshareBinary, vars)
	c.Isolation.BwrapBinary = expandVars(c.Isolation.BwrapBinary, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if !filepath.IsAbs(c.Paths.Root) {
		errs = append(errs, fmt.Errorf("paths.root must be an absolute path, got %q", c.Paths.Root))
	}
	if !filepath.IsAbs(c.Paths.Mountpoint) {
		errs = append(errs, fmt.Errorf("paths.mountpoint must be an absolute path, got %q", c.Paths.Mountpoint))
	}
	if filepath.IsAbs(c.Paths.Root) && filepath.IsAbs(c.Paths.Mountpoint) && within(c.Paths.Mountpoint, c.Paths.Root) {
		errs = append(errs, fmt.Errorf("paths.mountpoint %s must not be inside paths.root %s", c.Paths.Mountpoint, c.Paths.Root))
	}

	if c.Nix.Binary == "" {
		errs = append(errs, fmt.Errorf("nix.binary is required"))
	}
	if c.Nix.Source == "" {
		errs = append(errs, fmt.Errorf("nix.source is required"))
	}
	if !strings.HasPrefix(c.Nix.StoreDir, "/") {
		errs = append(errs, fmt.Errorf("nix.store_dir must be an absolute path, got %q", c.Nix.StoreDir))
	}
	if _, err := c.ExtraArgs(); err != nil {
		errs = append(errs, err)
	}
	for _, entry := range c.Nix.Environment {
		if name, _, found := strings.Cut(entry, "="); !found || name == "" {
			errs = append(errs, fmt.Errorf("nix.environment entry %q is not KEY=VALUE", entry))
		}
	}

	if c.Store.Segment == "" || strings.Contains(c.Store.Segment, "/") || c.Store.Segment == "." || c.Store.Segment == ".." {
		errs = append(errs, fmt.Errorf("store.segment must be a single path component, got %q", c.Store.Segment))
	}

	isolationKinds := []string{"namespace", "unshare", "bwrap", "none"}
	if !contains(isolationKinds, c.Isolation.Kind) {
		errs = append(errs, fmt.Errorf("isolation.kind must be one of: %v", isolationKinds))
	}
	if c.Isolation.Kind != "none" && !filepath.IsAbs(c.Isolation.BindTarget) {
		errs = append(errs, fmt.Errorf("isolation.bind_target must be an absolute path, got %q", c.Isolation.BindTarget))
	}

	if !contains([]string{"mark-resolved", "retry"}, c.Fetch.FailurePolicy) {
		errs = append(errs, fmt.Errorf("fetch.failure_policy must be mark-resolved or retry, got %q", c.Fetch.FailurePolicy))
	}
	if !contains([]string{"lenient", "strict"}, c.Fetch.Propagation) {
		errs = append(errs, fmt.Errorf("fetch.propagation must be lenient or strict, got %q", c.Fetch.Propagation))
	}
	if _, err := c.FetchTimeout(); err != nil {
		errs = append(errs, err)
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, fmt.Errorf("journal.path is required when the journal is enabled"))
	}

	for name, value := range map[string]string{
		"mount.entry_timeout":    c.Mount.EntryTimeout,
		"mount.attr_timeout":     c.Mount.AttrTimeout,
		"mount.negative_timeout": c.Mount.NegativeTimeout,
	} {
		if _, err := parseDuration(name, value); err != nil {
			errs = append(errs, err)
		}
	}
	if interval, err := parseDuration("heartbeat.interval", c.Heartbeat.Interval); err != nil {
		errs = append(errs, err)
	} else if c.Heartbeat.Path != "" && interval == 0 {
		errs = append(errs, fmt.Errorf("heartbeat.interval must be positive when heartbeat.path is set"))
	}

	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ExtraArgs splits Nix.ExtraArgs with shell quoting rules.
func (c *Config) ExtraArgs() ([]string, error) {
	if strings.TrimSpace(c.Nix.ExtraArgs) == "" {
		return nil, nil
	}
	args, err := shlex.Split(c.Nix.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("nix.extra_args: %w", err)
	}
	return args, nil
}

// FetchTimeout parses Fetch.Timeout. Empty means zero (no timeout).
func (c *Config) FetchTimeout() (time.Duration, error) {
	return parseDuration("fetch.timeout", c.Fetch.Timeout)
}

// MountTimeouts parses the entry, attribute, and negative cache
// lifetimes.
func (c *Config) MountTimeouts() (entry, attr, negative time.Duration, err error) {
	if entry, err = parseDuration("mount.entry_timeout", c.Mount.EntryTimeout); err != nil {
		return 0, 0, 0, err
	}
	if attr, err = parseDuration("mount.attr_timeout", c.Mount.AttrTimeout); err != nil {
		return 0, 0, 0, err
	}
	if negative, err = parseDuration("mount.negative_timeout", c.Mount.NegativeTimeout); err != nil {
		return 0, 0, 0, err
	}
	return entry, attr, negative, nil
}

// HeartbeatInterval parses Heartbeat.Interval.
func (c *Config) HeartbeatInterval() (time.Duration, error) {
	return parseDuration("heartbeat.interval", c.Heartbeat.Interval)
}

// LogLevel parses Logging.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if c.Logging.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// EnsurePaths creates the state directory and the parents of the
// journal and heartbeat files.
func (c *Config) EnsurePaths() error {
	paths := []string{c.Paths.State}
	if c.Journal.Enabled && c.Journal.Path != "" {
		paths = append(paths, filepath.Dir(c.Journal.Path))
	}
	if c.Heartbeat.Path != "" {
		paths = append(paths, filepath.Dir(c.Heartbeat.Path))
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if duration < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %s", name, value)
	}
	return duration, nil
}

// within reports whether path is dir or lies below it.
func within(path, dir string) bool {
	relative, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return relative == "." || (relative != ".." && !strings.HasPrefix(relative, "../"))
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
