package port

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/shinji-kodama/worktree-registry/internal/oracle"
	"github.com/shinji-kodama/worktree-registry/internal/registry"
	"github.com/shinji-kodama/worktree-registry/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// Class is one of the three port conflict classes.
type Class string

const (
	RegistryConflict   Class = "registry_conflict"
	SystemConflict     Class = "system_conflict"
	AllocationMismatch Class = "allocation_mismatch"
)

// Observation is what the host reported about one port.
type Observation struct {
	Port      int  `json:"port"`
	Listening bool `json:"listening"`

	// Process is the listener, when its PID is visible.
	Process *oracle.ProcessInfo `json:"process,omitempty"`

	// Owner is the worktree id a container publishing this port is labelled
	// with, or empty.
	Owner string `json:"owner,omitempty"`
}

// Conflict is one finding of DetectConflicts.
type Conflict struct {
	Class   Class         `json:"class"`
	Port    int           `json:"port"`
	Service model.Service `json:"service,omitempty"`

	// Worktrees are the worktrees whose allocation records are involved.
	// For a RegistryConflict the first one is the record that is kept.
	Worktrees []string `json:"worktrees,omitempty"`

	Process *oracle.ProcessInfo `json:"process,omitempty"`
	Owner   string              `json:"owner,omitempty"`

	Detail string `json:"detail"`
}

// String returns a one-line description of the conflict.
func (c Conflict) String() string {
	return fmt.Sprintf("%s port %d: %s", c.Class, c.Port, c.Detail)
}

// DetectConflicts classifies every port conflict visible in snapshot d
// given the host observations obs. baseDir is the directory entry paths
// are relative to. It has no side effects.
//
// A listener is related to the allocating worktree when its PID is the
// recorded process, its working directory lies inside the worktree, or a
// container labelled with the worktree publishes it. A listener whose
// ownership cannot be established at all is not reported.
func DetectConflicts(d *registry.Document, obs map[int]Observation, baseDir string) []Conflict {
	var conflicts []Conflict

	byPort := make(map[int][]model.PortAllocation)
	for _, a := range d.Allocations {
		byPort[a.Port] = append(byPort[a.Port], a)
	}

	for port, records := range byPort {
		if len(records) < 2 {
			continue
		}
		slices.SortFunc(records, func(a, b model.PortAllocation) int {
			return cmp.Or(a.AllocatedAt.Compare(b.AllocatedAt), cmp.Compare(a.WorktreeID, b.WorktreeID))
		})
		ids := make([]string, len(records))
		for i, r := range records {
			ids[i] = r.WorktreeID
		}
		conflicts = append(conflicts, Conflict{
			Class:     RegistryConflict,
			Port:      port,
			Service:   records[0].Service,
			Worktrees: ids,
			Detail:    fmt.Sprintf("%d allocation records; keeping %s (earliest)", len(records), ids[0]),
		})
	}

	for port, o := range obs {
		records := byPort[port]
		if len(records) == 0 {
			if o.Listening {
				conflicts = append(conflicts, Conflict{
					Class:   SystemConflict,
					Port:    port,
					Process: o.Process,
					Owner:   o.Owner,
					Detail:  "unallocated port is bound by " + describeListener(o),
				})
			}
			continue
		}

		// the kept record decides ownership when records compete
		a := records[0]
		if !o.Listening {
			conflicts = append(conflicts, Conflict{
				Class:     AllocationMismatch,
				Port:      port,
				Service:   a.Service,
				Worktrees: []string{a.WorktreeID},
				Detail:    fmt.Sprintf("allocated to %s but nothing is listening", a.WorktreeID),
			})
			continue
		}
		if foreign(a, d.Entry(a.WorktreeID), o, baseDir) {
			conflicts = append(conflicts, Conflict{
				Class:     SystemConflict,
				Port:      port,
				Service:   a.Service,
				Worktrees: []string{a.WorktreeID},
				Process:   o.Process,
				Owner:     o.Owner,
				Detail:    fmt.Sprintf("allocated to %s but bound by %s", a.WorktreeID, describeListener(o)),
			})
		}
	}

	slices.SortFunc(conflicts, func(a, b Conflict) int {
		return cmp.Or(cmp.Compare(a.Port, b.Port), cmp.Compare(a.Class, b.Class))
	})
	return conflicts
}

// foreign reports whether there is positive evidence that the listener on
// a's port does not belong to a's worktree.
func foreign(a model.PortAllocation, e *model.WorktreeEntry, o Observation, baseDir string) bool {
	if o.Owner != "" {
		return o.Owner != a.WorktreeID
	}
	if o.Process == nil {
		return false
	}
	if a.ProcessID != 0 && o.Process.PID == a.ProcessID {
		return false
	}
	if o.Process.Cwd == "" || e == nil {
		return false
	}
	return !within(o.Process.Cwd, filepath.Join(baseDir, e.Path))
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func describeListener(o Observation) string {
	switch {
	case o.Owner != "":
		return "a container of worktree " + o.Owner
	case o.Process != nil && o.Process.Name != "":
		return fmt.Sprintf("%s (pid %d)", o.Process.Name, o.Process.PID)
	case o.Process != nil:
		return fmt.Sprintf("pid %d", o.Process.PID)
	default:
		return "an unknown process"
	}
}

// OwnerSource attributes published ports to worktrees, e.g. from container
// labels.
type OwnerSource interface {
	PortOwners(ctx context.Context) (map[int]string, error)
}

// Observer collects port observations from the host.
type Observer struct {
	Prober      oracle.Prober
	Owners      OwnerSource
	Concurrency int
	Timeout     time.Duration
	MaxElapsed  time.Duration
	Logger      *slog.Logger
}

// Observe probes every port of every range plus every allocated port of d.
// Probes run concurrently, each bounded by Timeout. A port whose probe
// keeps failing is left out of the result.
func (o *Observer) Observe(ctx context.Context, d *registry.Document, ranges map[model.Service]model.PortRange) (map[int]Observation, error) {
	log := o.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ports := make(map[int]bool)
	for _, r := range ranges {
		for p := r.Start; p <= r.End; p++ {
			ports[p] = true
		}
	}
	for _, a := range d.Allocations {
		ports[a.Port] = true
	}

	var owners map[int]string
	if o.Owners != nil {
		var err error
		owners, err = o.Owners.PortOwners(ctx)
		if err != nil {
			log.Debug("container port owners unavailable", "err", err)
		}
	}

	resultCh := make(chan Observation, len(ports))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.Concurrency, 1))
	for _, port := range slices.Sorted(maps.Keys(ports)) {
		g.Go(func() error {
			obs, err := o.observe(gctx, port)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn("port probe failed", "port", port, "err", err)
				return nil
			}
			obs.Owner = owners[port]
			resultCh <- obs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(resultCh)

	out := make(map[int]Observation, len(ports))
	for obs := range resultCh {
		out[obs.Port] = obs
	}
	return out, nil
}

func (o *Observer) observe(ctx context.Context, port int) (Observation, error) {
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	obs := Observation{Port: port}
	if err := ctx.Err(); err != nil {
		return obs, err
	}
	var free bool
	err := oracle.Retry(ctx, o.MaxElapsed, func() error {
		var err error
		free, err = o.Prober.IsPortFree(ctx, port)
		return err
	})
	if err != nil {
		return obs, err
	}
	obs.Listening = !free
	if free {
		return obs, nil
	}

	pid, ok, err := o.Prober.ListeningPID(ctx, port)
	if err != nil || !ok {
		return obs, nil
	}
	info, err := o.Prober.Process(ctx, pid)
	if err != nil {
		info = oracle.ProcessInfo{PID: pid}
	}
	obs.Process = &info
	return obs, nil
}

// Remediation reports what Remediate changed.
type Remediation struct {
	Applied []Conflict `json:"applied"`
	Skipped []Conflict `json:"skipped"`
}

// Remediate applies the automatic remediations in one registry write:
// a RegistryConflict keeps the earliest record and releases the others,
// and an AllocationMismatch marks the allocation not_running without
// releasing it. SystemConflicts are left to the operator. A finding that
// no longer holds in the current document is skipped.
func Remediate(ctx context.Context, store *registry.Store, conflicts []Conflict) (Remediation, error) {
	var rem Remediation
	now := store.Now()

	_, err := store.Mutate(ctx, func(d *registry.Document) error {
		rem = Remediation{}
		for _, c := range conflicts {
			switch c.Class {
			case RegistryConflict:
				if !allHeld(d, c.Port, c.Worktrees) {
					rem.Skipped = append(rem.Skipped, c)
					continue
				}
				for _, loser := range c.Worktrees[1:] {
					d.RemoveAllocationRecord(c.Port, loser)
				}
				rem.Applied = append(rem.Applied, c)
			case AllocationMismatch:
				a := d.Allocation(c.Port)
				if a == nil || len(c.Worktrees) == 0 || a.WorktreeID != c.Worktrees[0] {
					rem.Skipped = append(rem.Skipped, c)
					continue
				}
				a.HealthStatus = model.HealthNotRunning
				a.ProcessID = 0
				a.CheckedAt = now
				rem.Applied = append(rem.Applied, c)
			default:
				rem.Skipped = append(rem.Skipped, c)
			}
		}
		if len(rem.Applied) == 0 {
			return registry.ErrNoop
		}
		return nil
	})
	if err != nil {
		return Remediation{}, err
	}
	return rem, nil
}

func allHeld(d *registry.Document, port int, worktrees []string) bool {
	if len(worktrees) < 2 {
		return false
	}
	for _, id := range worktrees {
		held := slices.ContainsFunc(d.Allocations, func(a model.PortAllocation) bool {
			return a.Port == port && a.WorktreeID == id
		})
		if !held {
			return false
		}
	}
	return true
}

// Count records conflicts in the conflicts-detected counter by class.
func Count(ctx context.Context, conflicts []Conflict) {
	for _, c := range conflicts {
		telemetry.Get().ConflictsDetected.Add(ctx, 1, telemetry.With("class", string(c.Class)))
	}
}
