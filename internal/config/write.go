package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// flatten returns the configuration as dotted viper keys. Durations are
// rendered as strings ("168h0m0s") so the YAML output is human-editable
// and round-trips through viper's duration decode hook.
func (c *Config) flatten() map[string]any {
	out := map[string]any{
		"staleness.grace_period":    c.Staleness.GracePeriod.String(),
		"staleness.idle_threshold":  c.Staleness.IdleThreshold.String(),
		"staleness.recent_activity": c.Staleness.RecentActivity.String(),
		"merge.trunk":               c.Merge.Trunk,
		"merge.remote":              c.Merge.Remote,
		"merge.diverged_threshold":  c.Merge.DivergedThreshold,
		"probe.timeout":             c.Probe.Timeout.String(),
		"probe.concurrency":         c.Probe.Concurrency,
		"probe.max_elapsed":         c.Probe.MaxElapsed.String(),
		"health.interval":           c.Health.Interval.String(),
		"health.http_path":          c.Health.HTTPPath,
		"registry.dir":              c.Registry.Dir,
		"registry.backups":          c.Registry.Backups,
		"registry.lock_timeout":     c.Registry.LockTimeout.String(),
	}
	for name, r := range c.Ports {
		out["ports."+name+".start"] = r.Start
		out["ports."+name+".end"] = r.End
	}
	return out
}

// Tree returns the configuration as nested maps, the shape used for YAML
// and JSON output.
func (c *Config) Tree() map[string]any {
	root := map[string]any{}
	for key, val := range c.flatten() {
		parts := strings.Split(key, ".")
		node := root
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = val
	}
	return root
}

// YAML renders the configuration as a YAML document.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c.Tree())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal configuration: %w", err)
	}
	return data, nil
}

// WriteDefault writes the built-in defaults to path as YAML. An existing
// file is left untouched unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
		}
	}
	data, err := Default().YAML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	header := []byte("# worktree-registry configuration. Durations use Go syntax (e.g. 168h, 2s).\n")
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
