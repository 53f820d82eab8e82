package docker

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shinji-kodama/worktree-registry/internal/model"
)

// Label keys written on containers started for a worktree. All keys share
// the "worktree." prefix to avoid collisions with labels set by other
// tools (Docker Compose, VS Code, etc.).
const (
	LabelPrefix = "worktree."

	// LabelManagedBy marks containers started for a registry worktree.
	// Key: "worktree.managed-by", Value: always ManagedByValue.
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelID carries the registry worktree id, e.g. "feature-auth".
	LabelID = LabelPrefix + "id"

	// LabelBranch carries the worktree's branch, e.g. "feature/auth".
	LabelBranch = LabelPrefix + "branch"

	// LabelPortPrefix is the prefix for per-service port labels:
	//   "worktree.port.web" = "8000"
	LabelPortPrefix = LabelPrefix + "port."
)

// ManagedByValue is the value of LabelManagedBy.
const ManagedByValue = "worktree-registry"

// Labels returns the labels a container started for entry should carry.
// allocs are the entry's port allocations.
func Labels(entry *model.WorktreeEntry, allocs []model.PortAllocation) map[string]string {
	labels := map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelID:        entry.ID,
		LabelBranch:    entry.Branch,
	}
	for _, a := range allocs {
		labels[PortLabel(a.Service)] = strconv.Itoa(a.Port)
	}
	return labels
}

// PortLabel returns the label key for service's port.
func PortLabel(svc model.Service) string {
	return LabelPortPrefix + string(svc)
}

// ParsePortLabels extracts the per-service ports from a label map.
// Labels for unknown services are ignored.
func ParsePortLabels(labels map[string]string) (map[model.Service]int, error) {
	ports := make(map[model.Service]int)
	for key, value := range labels {
		name, ok := strings.CutPrefix(key, LabelPortPrefix)
		if !ok {
			continue
		}
		svc, err := model.ParseService(name)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(value)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid port in label %q=%q", key, value)
		}
		ports[svc] = port
	}
	return ports, nil
}

// FormatLabels renders labels as sorted "key=value" lines, suitable for
// `docker run --label-file`.
func FormatLabels(labels map[string]string) []string {
	lines := make([]string, 0, len(labels))
	for k, v := range labels {
		lines = append(lines, k+"="+v)
	}
	sort.Strings(lines)
	return lines
}
