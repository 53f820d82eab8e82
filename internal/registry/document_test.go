package registry

import (
	"strings"
	"testing"
	"time"

	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/stretchr/testify/assert"
)

func validDoc() *Document {
	d := NewDocument()
	for _, id := range []string{"feature-auth", "bugfix-142"} {
		e := entry(id)
		e.Status = model.StatusActive
		e.CreatedAt = time.Now()
		d.AddEntry(e)
	}
	d.AddAllocation(model.PortAllocation{Port: 8001, WorktreeID: "feature-auth", Service: model.ServiceWeb, AllocatedAt: time.Now(), AllocatedBy: "t"})
	d.AddAllocation(model.PortAllocation{Port: 8000, WorktreeID: "feature-auth", Service: model.ServiceWeb, AllocatedAt: time.Now(), AllocatedBy: "t"})
	return d
}

func TestDocument_PortsStayInSync(t *testing.T) {
	d := validDoc()
	assert.Equal(t, []int{8000, 8001}, d.Entry("feature-auth").Ports)
	assert.Equal(t, []int{}, d.Entry("bugfix-142").Ports)

	assert.Equal(t, 1, d.RemoveAllocation(8000))
	assert.Equal(t, []int{8001}, d.Entry("feature-auth").Ports)
	assert.Equal(t, 0, d.RemoveAllocation(8000))

	assert.True(t, d.RemoveEntry("feature-auth"))
	assert.Empty(t, d.Allocations)
	assert.False(t, d.RemoveEntry("feature-auth"))
}

func TestDocument_Clone(t *testing.T) {
	d := validDoc()
	c := d.Clone()
	c.Entry("feature-auth").Ports[0] = 1
	c.Allocations[0].Port = 1
	assert.Equal(t, 8000, d.Entry("feature-auth").Ports[0])
	assert.Equal(t, 8001, d.Allocations[0].Port)
}

func TestDocument_AllocationsFor(t *testing.T) {
	d := validDoc()
	got := d.AllocationsFor("feature-auth")
	assert.Len(t, got, 2)
	assert.Equal(t, 8000, got[0].Port)
	assert.Empty(t, d.AllocationsFor("bugfix-142"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Document)
		want   string
	}{
		{"duplicate id", func(d *Document) { d.Worktrees[1].ID = "feature-auth"; d.Worktrees[1].Purpose = model.PurposeFeature }, "duplicate worktree id"},
		{"duplicate path", func(d *Document) { d.Worktrees[1].Path = "./myrepo-feature-auth" }, "share path"},
		{"duplicate port", func(d *Document) { d.Allocations[1].Port = 8001 }, "allocated to both"},
		{"out of range", func(d *Document) { d.Allocations[0].Port = 8100; d.Allocations[0].Service = model.ServiceWeb }, "outside the web range"},
		{"no range", func(d *Document) { d.Allocations[0].Service = model.ServiceCache }, "no range configured"},
		{"dangling owner", func(d *Document) { d.Allocations[0].WorktreeID = "feature-gone" }, "unknown worktree"},
		{"bad health", func(d *Document) { d.Allocations[0].HealthStatus = "meh" }, "invalid health status"},
		{"missing provenance", func(d *Document) { d.Allocations[0].AllocatedBy = "" }, "allocated_by"},
		{"bad status", func(d *Document) { d.Worktrees[0].Status = "archived" }, "invalid status"},
	}

	assert.Empty(t, Validate(validDoc(), testRanges, "myrepo"))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDoc()
			tt.mutate(d)
			problems := Validate(d, testRanges, "myrepo")
			assert.Contains(t, strings.Join(problems, "\n"), tt.want)
		})
	}
}

func TestNewProblems(t *testing.T) {
	before := []string{"a", "b", "b"}
	assert.Empty(t, newProblems(before, []string{"b", "a"}))
	assert.Equal(t, []string{"b", "c"}, newProblems(before, []string{"a", "b", "b", "b", "c"}))
}
