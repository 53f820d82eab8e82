package registry

import (
	"cmp"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/shinji-kodama/worktree-registry/internal/model"
)

// SchemaVersion is the schema_version written by this build.
const SchemaVersion = 1

// Document is the persisted registry: every worktree entry and port
// allocation plus the global version stamp used for compare-and-swap.
type Document struct {
	SchemaVersion int   `json:"schema_version"`
	Version       int64 `json:"version"`

	UpdatedAt time.Time `json:"updated_at,omitzero"`

	Worktrees   []model.WorktreeEntry  `json:"worktrees"`
	Allocations []model.PortAllocation `json:"allocations"`
}

// NewDocument returns an empty document at version 0.
func NewDocument() *Document {
	return &Document{
		SchemaVersion: SchemaVersion,
		Worktrees:     []model.WorktreeEntry{},
		Allocations:   []model.PortAllocation{},
	}
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	c := *d
	c.Worktrees = make([]model.WorktreeEntry, len(d.Worktrees))
	for i := range d.Worktrees {
		c.Worktrees[i] = d.Worktrees[i].Clone()
	}
	c.Allocations = slices.Clone(d.Allocations)
	if c.Allocations == nil {
		c.Allocations = []model.PortAllocation{}
	}
	return &c
}

// Entry returns a pointer to the entry with the given id, or nil.
// The pointer is only valid until the next structural change of the
// document.
func (d *Document) Entry(id string) *model.WorktreeEntry {
	for i := range d.Worktrees {
		if d.Worktrees[i].ID == id {
			return &d.Worktrees[i]
		}
	}
	return nil
}

// AddEntry appends e. Uniqueness is checked by Validate, not here.
func (d *Document) AddEntry(e model.WorktreeEntry) {
	if e.Ports == nil {
		e.Ports = []int{}
	}
	d.Worktrees = append(d.Worktrees, e)
}

// RemoveEntry removes the entry with the given id and cascades to every
// allocation it owns. It reports whether the entry existed.
func (d *Document) RemoveEntry(id string) bool {
	n := len(d.Worktrees)
	d.Worktrees = slices.DeleteFunc(d.Worktrees, func(e model.WorktreeEntry) bool {
		return e.ID == id
	})
	d.Allocations = slices.DeleteFunc(d.Allocations, func(a model.PortAllocation) bool {
		return a.WorktreeID == id
	})
	return len(d.Worktrees) != n
}

// Allocation returns a pointer to the first allocation record for port,
// or nil.
func (d *Document) Allocation(port int) *model.PortAllocation {
	for i := range d.Allocations {
		if d.Allocations[i].Port == port {
			return &d.Allocations[i]
		}
	}
	return nil
}

// AllocationsFor returns the allocations owned by worktree id, by port.
func (d *Document) AllocationsFor(id string) []model.PortAllocation {
	var out []model.PortAllocation
	for _, a := range d.Allocations {
		if a.WorktreeID == id {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b model.PortAllocation) int { return cmp.Compare(a.Port, b.Port) })
	return out
}

// IsAllocated reports whether any allocation record claims port.
func (d *Document) IsAllocated(port int) bool {
	return d.Allocation(port) != nil
}

// AddAllocation appends a and syncs the owner's port set.
func (d *Document) AddAllocation(a model.PortAllocation) {
	if a.HealthStatus == "" {
		a.HealthStatus = model.HealthUnknown
	}
	d.Allocations = append(d.Allocations, a)
	d.SyncPorts()
}

// RemoveAllocation removes every record for port and reports how many
// were removed.
func (d *Document) RemoveAllocation(port int) int {
	n := len(d.Allocations)
	d.Allocations = slices.DeleteFunc(d.Allocations, func(a model.PortAllocation) bool {
		return a.Port == port
	})
	d.SyncPorts()
	return n - len(d.Allocations)
}

// RemoveAllocationRecord removes the single record for port owned by
// worktreeID, leaving any competing record for the same port in place.
func (d *Document) RemoveAllocationRecord(port int, worktreeID string) bool {
	for i, a := range d.Allocations {
		if a.Port == port && a.WorktreeID == worktreeID {
			d.Allocations = slices.Delete(d.Allocations, i, i+1)
			d.SyncPorts()
			return true
		}
	}
	return false
}

// SyncPorts rebuilds every entry's Ports from the allocation records.
func (d *Document) SyncPorts() {
	owned := make(map[string][]int, len(d.Worktrees))
	for _, a := range d.Allocations {
		owned[a.WorktreeID] = append(owned[a.WorktreeID], a.Port)
	}
	for i := range d.Worktrees {
		ports := owned[d.Worktrees[i].ID]
		slices.Sort(ports)
		ports = slices.Compact(ports)
		if ports == nil {
			ports = []int{}
		}
		d.Worktrees[i].Ports = ports
	}
}

// Validate checks every structural invariant of the document and returns
// the list of problems, empty when the document is consistent:
//   - entry ids and paths are unique and well-formed
//   - no two allocation records share a port
//   - every port lies within its service's configured range
//   - every allocation references an existing entry
//   - status and health enums hold known values
func Validate(d *Document, ranges map[model.Service]model.PortRange, trunkDir string) []string {
	var problems []string

	ids := make(map[string]bool, len(d.Worktrees))
	paths := make(map[string]string, len(d.Worktrees))
	for i := range d.Worktrees {
		e := &d.Worktrees[i]
		problems = append(problems, model.EntryProblems(e, trunkDir)...)
		if ids[e.ID] {
			problems = append(problems, fmt.Sprintf("duplicate worktree id %q", e.ID))
		}
		ids[e.ID] = true
		if e.Path != "" {
			clean := filepath.Clean(e.Path)
			if other, ok := paths[clean]; ok {
				problems = append(problems, fmt.Sprintf("worktrees %q and %q share path %q", other, e.ID, e.Path))
			} else {
				paths[clean] = e.ID
			}
		}
	}

	owners := make(map[int]string, len(d.Allocations))
	for _, a := range d.Allocations {
		if other, ok := owners[a.Port]; ok {
			problems = append(problems, fmt.Sprintf("port %d is allocated to both %q and %q", a.Port, other, a.WorktreeID))
		} else {
			owners[a.Port] = a.WorktreeID
		}
		if !a.Service.IsValid() {
			problems = append(problems, fmt.Sprintf("port %d: invalid service %q", a.Port, a.Service))
		} else if r, ok := ranges[a.Service]; !ok {
			problems = append(problems, fmt.Sprintf("port %d: no range configured for service %q", a.Port, a.Service))
		} else if !r.Contains(a.Port) {
			problems = append(problems, fmt.Sprintf("port %d is outside the %s range %s", a.Port, a.Service, r))
		}
		if a.WorktreeID == "" {
			problems = append(problems, fmt.Sprintf("port %d: worktree_id must be set", a.Port))
		} else if !ids[a.WorktreeID] {
			problems = append(problems, fmt.Sprintf("port %d: unknown worktree %q", a.Port, a.WorktreeID))
		}
		if a.AllocatedAt.IsZero() {
			problems = append(problems, fmt.Sprintf("port %d: allocated_at must be set", a.Port))
		}
		if a.AllocatedBy == "" {
			problems = append(problems, fmt.Sprintf("port %d: allocated_by must be set", a.Port))
		}
		if !a.HealthStatus.IsValid() {
			problems = append(problems, fmt.Sprintf("port %d: invalid health status %q", a.Port, a.HealthStatus))
		}
	}
	return problems
}
