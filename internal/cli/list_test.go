// Package cli: list_test.go contains unit tests for the pure formatting
// helpers shared by the commands.
package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/worktree-registry/internal/model"
)

// TestFormatPortsList verifies that FormatPortsList renders "service=port"
// pairs in numeric port order.
func TestFormatPortsList(t *testing.T) {
	tests := []struct {
		name        string
		allocations []model.PortAllocation
		want        string
	}{
		{
			name:        "empty allocations returns dash",
			allocations: []model.PortAllocation{},
			want:        "-",
		},
		{
			name:        "nil allocations returns dash",
			allocations: nil,
			want:        "-",
		},
		{
			name: "single port",
			allocations: []model.PortAllocation{
				{Port: 3000, Service: model.ServiceWeb},
			},
			want: "web=3000",
		},
		{
			name: "ports are sorted numerically, not as strings",
			allocations: []model.PortAllocation{
				{Port: 15432, Service: model.ServiceDatabase},
				{Port: 3000, Service: model.ServiceWeb},
				{Port: 8100, Service: model.ServiceAPI},
			},
			want: "web=3000,api=8100,database=15432",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatPortsList(tt.allocations)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatPortsList_DoesNotReorderInput(t *testing.T) {
	in := []model.PortAllocation{{Port: 9000}, {Port: 8000}}
	FormatPortsList(in)
	assert.Equal(t, 9000, in[0].Port)
}

func TestParseServices(t *testing.T) {
	tests := []struct {
		name    string
		values  []string
		want    []model.Service
		wantErr bool
	}{
		{name: "none", values: nil, want: nil},
		{name: "comma separated", values: []string{"web,api"}, want: []model.Service{model.ServiceWeb, model.ServiceAPI}},
		{name: "repeated flag with blanks", values: []string{"web", " cache ", ""}, want: []model.Service{model.ServiceWeb, model.ServiceCache}},
		{name: "unknown service", values: []string{"web,queue"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseServices(tt.values)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, model.ExitValidation, model.ExitCodeFor(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAge(t *testing.T) {
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{name: "zero time", t: time.Time{}, want: "-"},
		{name: "seconds", t: now.Add(-30 * time.Second), want: "just now"},
		{name: "minutes", t: now.Add(-45 * time.Minute), want: "45m"},
		{name: "hours", t: now.Add(-30 * time.Hour), want: "30h"},
		{name: "days", t: now.Add(-9 * 24 * time.Hour), want: "9d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, age(now, tt.t))
		})
	}
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "8000", shellQuote("8000"))
	assert.Equal(t, "feature/auth", shellQuote("feature/auth"))
	assert.Equal(t, "''", shellQuote(""))
	assert.Equal(t, "'a b'", shellQuote("a b"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestPad(t *testing.T) {
	assert.Equal(t, "abc   ", pad("abc", "abc", 5))
	assert.Equal(t, "abcdef ", pad("abcdef", "abcdef", 3))
	// width is measured on the plain text
	assert.Equal(t, "\x1b[1mab\x1b[0m  ", pad("ab", "\x1b[1mab\x1b[0m", 3))
}
