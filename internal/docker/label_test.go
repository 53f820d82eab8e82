package docker

import (
	"testing"

	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabels(t *testing.T) {
	entry := &model.WorktreeEntry{ID: "feature-auth", Branch: "feature/auth"}
	allocs := []model.PortAllocation{
		{Port: 8000, Service: model.ServiceWeb},
		{Port: 5400, Service: model.ServiceDatabase},
	}

	labels := Labels(entry, allocs)
	assert.Equal(t, map[string]string{
		"worktree.managed-by":    "worktree-registry",
		"worktree.id":            "feature-auth",
		"worktree.branch":        "feature/auth",
		"worktree.port.web":      "8000",
		"worktree.port.database": "5400",
	}, labels)

	ports, err := ParsePortLabels(labels)
	require.NoError(t, err)
	assert.Equal(t, map[model.Service]int{model.ServiceWeb: 8000, model.ServiceDatabase: 5400}, ports)
}

func TestLabels_NoPorts(t *testing.T) {
	labels := Labels(&model.WorktreeEntry{ID: "review-pr-7", Branch: "review/pr-7"}, nil)
	assert.Len(t, labels, 3)

	ports, err := ParsePortLabels(labels)
	require.NoError(t, err)
	assert.Empty(t, ports)
}

func TestParsePortLabels(t *testing.T) {
	tests := []struct {
		name    string
		labels  map[string]string
		want    map[model.Service]int
		wantErr bool
	}{
		{
			name:   "unknown service ignored",
			labels: map[string]string{"worktree.port.grpc": "9000", "worktree.port.api": "8100"},
			want:   map[model.Service]int{model.ServiceAPI: 8100},
		},
		{
			name:    "not a number",
			labels:  map[string]string{"worktree.port.web": "eighty"},
			wantErr: true,
		},
		{
			name:    "out of range",
			labels:  map[string]string{"worktree.port.web": "70000"},
			wantErr: true,
		},
		{
			name:   "unrelated labels",
			labels: map[string]string{"com.docker.compose.service": "web"},
			want:   map[model.Service]int{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePortLabels(tt.labels)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatLabels(t *testing.T) {
	lines := FormatLabels(map[string]string{"worktree.id": "feature-auth", "worktree.branch": "feature/auth"})
	assert.Equal(t, []string{"worktree.branch=feature/auth", "worktree.id=feature-auth"}, lines)
}

func TestDetectUnixSocket(t *testing.T) {
	dir := t.TempDir()
	_, err := detectUnixSocket([]string{dir + "/missing.sock"})
	assert.Error(t, err)

	host, err := detectUnixSocket([]string{dir + "/missing.sock", dir})
	require.NoError(t, err)
	assert.Equal(t, "unix://"+dir, host)
}
