// Package config loads worktree-registry settings: the port range of each
// service class, the staleness and merge thresholds, probe timeouts and the
// registry location.
//
// Settings are resolved with spf13/viper in this order (last wins):
//   - built-in defaults (see Default)
//   - <repo>/.worktree-registry/config.yaml, or config.jsonc
//   - WTREG_* environment variables (e.g. WTREG_PROBE_TIMEOUT=500ms)
//
// config.jsonc may contain // and /* */ comments and trailing commas; they
// are stripped with github.com/tidwall/jsonc before viper parses the file
// as JSON.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"
)

// DefaultDir is the directory, relative to the trunk checkout, that holds
// config.yaml and (by default) the registry document.
const DefaultDir = ".worktree-registry"

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "WTREG"

// candidateFiles are searched in DefaultDir, in order.
var candidateFiles = []string{"config.yaml", "config.yml", "config.jsonc", "config.json"}

// Config is the fully resolved configuration.
type Config struct {
	// Ports maps a service name to its closed port range.
	Ports map[string]model.PortRange `mapstructure:"ports"`

	Staleness StalenessConfig `mapstructure:"staleness"`
	Merge     MergeConfig     `mapstructure:"merge"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Health    HealthConfig    `mapstructure:"health"`
	Registry  RegistryConfig  `mapstructure:"registry"`

	// Source is the config file that was read, empty when only defaults
	// and environment were used.
	Source string `mapstructure:"-"`
}

// StalenessConfig holds the staleness thresholds.
type StalenessConfig struct {
	// GracePeriod is how long an entry stays pending_removal before a
	// cleanup sweep deletes it.
	GracePeriod time.Duration `mapstructure:"grace_period"`

	// IdleThreshold is the entry age after which a worktree without recent
	// VCS activity counts as idle.
	IdleThreshold time.Duration `mapstructure:"idle_threshold"`

	// RecentActivity is the window in which a commit keeps an old entry alive.
	RecentActivity time.Duration `mapstructure:"recent_activity"`
}

// MergeConfig holds the merge planner settings.
type MergeConfig struct {
	Trunk             string `mapstructure:"trunk"`
	Remote            string `mapstructure:"remote"`
	DivergedThreshold int    `mapstructure:"diverged_threshold"`
}

// ProbeConfig bounds every OS and VCS probe.
type ProbeConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`

	// MaxElapsed bounds the exponential-backoff retry of a transient failure.
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`
}

// HealthConfig holds the scheduled health sweep settings.
type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	HTTPPath string        `mapstructure:"http_path"`
}

// RegistryConfig locates the registry document and bounds its lock.
type RegistryConfig struct {
	// Dir is relative to the trunk checkout unless absolute.
	Dir         string        `mapstructure:"dir"`
	Backups     int           `mapstructure:"backups"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Ports: map[string]model.PortRange{
			model.ServiceWeb.String():      {Start: 8000, End: 8099},
			model.ServiceAPI.String():      {Start: 8100, End: 8199},
			model.ServiceDatabase.String(): {Start: 5400, End: 5499},
			model.ServiceCache.String():    {Start: 6300, End: 6399},
			model.ServiceDebug.String():    {Start: 9200, End: 9299},
			model.ServiceTest.String():     {Start: 9300, End: 9399},
		},
		Staleness: StalenessConfig{
			GracePeriod:    7 * 24 * time.Hour,
			IdleThreshold:  90 * 24 * time.Hour,
			RecentActivity: 30 * 24 * time.Hour,
		},
		Merge: MergeConfig{
			Trunk:             "main",
			Remote:            "origin",
			DivergedThreshold: 50,
		},
		Probe: ProbeConfig{
			Timeout:     2 * time.Second,
			Concurrency: 8,
			MaxElapsed:  5 * time.Second,
		},
		Health: HealthConfig{
			Interval: 30 * time.Second,
			HTTPPath: "/",
		},
		Registry: RegistryConfig{
			Dir:         DefaultDir,
			Backups:     10,
			LockTimeout: 5 * time.Second,
		},
	}
}

// setDefaults registers every key with viper. Registering all keys is what
// makes AutomaticEnv overrides visible to Unmarshal.
func setDefaults(v *viper.Viper) {
	for key, val := range Default().flatten() {
		v.SetDefault(key, val)
	}
}

// Load resolves the configuration for the repository rooted at repoRoot.
// When explicitPath is non-empty it must exist; otherwise the first of
// config.yaml, config.yml, config.jsonc and config.json found in
// <repoRoot>/.worktree-registry is read, and a missing file is not an error.
func Load(repoRoot, explicitPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := explicitPath
	if path == "" {
		path = findConfigFile(filepath.Join(repoRoot, DefaultDir))
	}
	if path != "" {
		if err := readInto(v, path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.Source = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile(dir string) string {
	for _, name := range candidateFiles {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// readInto merges the file at path into v. JSON and JSONC files have their
// comments stripped first; everything else is parsed as YAML.
func readInto(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.WrapCLIError(model.ExitValidation,
				fmt.Sprintf("config file not found: %s", path), err)
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonc", ".json":
		v.SetConfigType("json")
		data = jsonc.ToJSON(data)
	default:
		v.SetConfigType("yaml")
	}
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Ranges returns the service ranges keyed by model.Service.
func (c *Config) Ranges() map[model.Service]model.PortRange {
	out := make(map[model.Service]model.PortRange, len(c.Ports))
	for name, r := range c.Ports {
		out[model.Service(name)] = r
	}
	return out
}

// RegistryDir returns the absolute registry directory for repoRoot.
func (c *Config) RegistryDir(repoRoot string) string {
	if filepath.IsAbs(c.Registry.Dir) {
		return c.Registry.Dir
	}
	return filepath.Join(repoRoot, c.Registry.Dir)
}

// Validate checks every setting and returns a *model.ValidationError that
// lists all problems at once.
func (c *Config) Validate() error {
	var problems []string

	for _, svc := range model.Services {
		if _, ok := c.Ports[svc.String()]; !ok {
			problems = append(problems, fmt.Sprintf("ports.%s: range not configured", svc))
		}
	}
	names := make([]string, 0, len(c.Ports))
	for name := range c.Ports {
		names = append(names, name)
	}
	slices.Sort(names)
	for i, name := range names {
		r := c.Ports[name]
		if !model.Service(name).IsValid() {
			problems = append(problems, fmt.Sprintf("ports.%s: unknown service", name))
		}
		if r.Start < 1 || r.End > 65535 || r.Start > r.End {
			problems = append(problems, fmt.Sprintf("ports.%s: invalid range %s (need 1 <= start <= end <= 65535)", name, r))
		}
		for _, other := range names[i+1:] {
			if r.Overlaps(c.Ports[other]) {
				problems = append(problems, fmt.Sprintf("ports.%s (%s) overlaps ports.%s (%s)", name, r, other, c.Ports[other]))
			}
		}
	}

	positive := map[string]time.Duration{
		"staleness.grace_period":    c.Staleness.GracePeriod,
		"staleness.idle_threshold":  c.Staleness.IdleThreshold,
		"staleness.recent_activity": c.Staleness.RecentActivity,
		"probe.timeout":             c.Probe.Timeout,
		"probe.max_elapsed":         c.Probe.MaxElapsed,
		"health.interval":           c.Health.Interval,
		"registry.lock_timeout":     c.Registry.LockTimeout,
	}
	keys := make([]string, 0, len(positive))
	for k := range positive {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if positive[k] <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive", k))
		}
	}
	if c.Staleness.RecentActivity >= c.Staleness.IdleThreshold {
		problems = append(problems, "staleness.recent_activity must be shorter than staleness.idle_threshold")
	}
	if c.Merge.Trunk == "" {
		problems = append(problems, "merge.trunk must not be empty")
	}
	if c.Merge.DivergedThreshold < 1 {
		problems = append(problems, "merge.diverged_threshold must be at least 1")
	}
	if c.Probe.Concurrency < 1 {
		problems = append(problems, "probe.concurrency must be at least 1")
	}
	if c.Registry.Backups < 0 {
		problems = append(problems, "registry.backups must not be negative")
	}
	if c.Registry.Dir == "" {
		problems = append(problems, "registry.dir must not be empty")
	}
	if !strings.HasPrefix(c.Health.HTTPPath, "/") {
		problems = append(problems, "health.http_path must start with /")
	}

	if len(problems) > 0 {
		return model.NewValidationError(problems...)
	}
	return nil
}
