package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shinji-kodama/worktree-registry/internal/docker"
	"github.com/shinji-kodama/worktree-registry/internal/health"
	"github.com/shinji-kodama/worktree-registry/internal/merge"
	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/shinji-kodama/worktree-registry/internal/port"
	"github.com/shinji-kodama/worktree-registry/internal/registry"
	"github.com/shinji-kodama/worktree-registry/internal/staleness"
)

// ServiceUsage summarises one service range.
type ServiceUsage struct {
	Service   model.Service   `json:"service"`
	Range     model.PortRange `json:"range"`
	Allocated int             `json:"allocated"`
	Capacity  int             `json:"capacity"`
}

// StatusReport is the registry overview shown by `status`.
type StatusReport struct {
	Version    int64                         `json:"version"`
	Counts     map[model.EntryStatus]int     `json:"counts"`
	Services   []ServiceUsage                `json:"services"`
	Entries    []EntryView                   `json:"entries"`
	Containers map[string][]docker.Container `json:"containers,omitempty"`
}

// Status summarises the registry. Container attribution is included when
// Docker is reachable.
func (c *Coordinator) Status(ctx context.Context) (*StatusReport, error) {
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return c.statusOf(ctx, snap), nil
}

// StatusOf summarises snap, e.g. one delivered by Watch.
func (c *Coordinator) StatusOf(ctx context.Context, snap *registry.Document) *StatusReport {
	return c.statusOf(ctx, snap)
}

func (c *Coordinator) statusOf(ctx context.Context, snap *registry.Document) *StatusReport {
	r := &StatusReport{
		Version: snap.Version,
		Counts:  map[model.EntryStatus]int{},
		Entries: view(snap, ListFilter{}),
	}
	for _, e := range snap.Worktrees {
		r.Counts[e.Status]++
	}

	ranges := c.store.Ranges()
	for _, svc := range model.Services {
		rg, ok := ranges[svc]
		if !ok {
			continue
		}
		used := 0
		for _, a := range snap.Allocations {
			if a.Service == svc {
				used++
			}
		}
		r.Services = append(r.Services, ServiceUsage{Service: svc, Range: rg, Allocated: used, Capacity: rg.Size()})
	}

	if c.containers != nil {
		containers, err := c.containers.Containers(ctx)
		if err != nil {
			c.log.Debug("listing containers failed", "err", err)
		} else {
			r.Containers = docker.ByWorktree(containers)
		}
	}
	return r
}

// RegistryReport is the outcome of CheckRegistry.
type RegistryReport struct {
	Version int64 `json:"version"`

	// Problems lists violated document invariants.
	Problems []string `json:"problems"`

	// Untracked lists git worktrees that have no registry entry.
	Untracked []string `json:"untracked"`

	// Missing lists entries whose directory does not exist.
	Missing []string `json:"missing"`
}

// OK reports whether the registry is consistent with itself and the disk.
func (r *RegistryReport) OK() bool {
	return len(r.Problems) == 0 && len(r.Untracked) == 0 && len(r.Missing) == 0
}

// CheckRegistry validates the document and compares it with the git
// worktrees on disk.
func (c *Coordinator) CheckRegistry(ctx context.Context) (*RegistryReport, error) {
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	r := &RegistryReport{
		Version:   snap.Version,
		Problems:  registry.Validate(snap, c.store.Ranges(), c.trunkDir),
		Untracked: []string{},
		Missing:   []string{},
	}
	if r.Problems == nil {
		r.Problems = []string{}
	}

	known := make(map[string]bool, len(snap.Worktrees))
	for _, e := range snap.Worktrees {
		dir := filepath.Clean(c.AbsPath(e.Path))
		known[dir] = true
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			r.Missing = append(r.Missing, e.ID)
		}
	}

	if c.lister != nil {
		infos, err := c.lister.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list git worktrees: %w", err)
		}
		trunk := filepath.Clean(c.repoRoot)
		for _, info := range infos {
			dir := filepath.Clean(info.Path)
			if info.IsBare || dir == trunk || known[dir] {
				continue
			}
			r.Untracked = append(r.Untracked, dir)
		}
	}
	slices.Sort(r.Untracked)
	slices.Sort(r.Missing)
	return r, nil
}

// Readiness checks whether a worktree may advance to its next merge step.
func (c *Coordinator) Readiness(ctx context.Context, id string) (*merge.Readiness, error) {
	return c.planner.Validate(ctx, id)
}

// CleanupOptions controls Cleanup.
type CleanupOptions struct {
	// DryRun only scans.
	DryRun bool
	// RemoveCheckouts also removes the git worktree of deleted entries
	// whose directory still exists.
	RemoveCheckouts bool
}

// CleanupResult is the outcome of Cleanup.
type CleanupResult struct {
	Report   *staleness.Report   `json:"report"`
	Outcomes []staleness.Outcome `json:"outcomes,omitempty"`
}

// Cleanup runs a staleness sweep and, unless DryRun, acts on its findings.
func (c *Coordinator) Cleanup(ctx context.Context, opts CleanupOptions) (*CleanupResult, error) {
	report, err := c.detector.Scan(ctx)
	if err != nil {
		return nil, err
	}
	res := &CleanupResult{Report: report}
	if opts.DryRun {
		return res, nil
	}

	res.Outcomes, err = c.detector.Cleanup(ctx, report)
	for _, o := range res.Outcomes {
		if !opts.RemoveCheckouts || o.Action != staleness.ActionDeleted || o.Reason == model.ReasonDirectoryMissing {
			continue
		}
		dir := c.AbsPath(o.Entry.Path)
		if _, statErr := os.Stat(dir); statErr != nil {
			continue
		}
		if rmErr := c.workspace.RemoveWorktree(context.WithoutCancel(ctx), dir, true); rmErr != nil {
			c.log.Warn("failed to remove checkout of deleted entry", "worktree", o.Entry.ID, "err", rmErr)
		}
	}
	return res, err
}

// Plan computes a merge plan over the active and locked entries.
func (c *Coordinator) Plan(ctx context.Context) (*merge.Plan, error) {
	return c.planner.Plan(ctx)
}

// CheckPlan reports whether plan still matches the registry.
func (c *Coordinator) CheckPlan(ctx context.Context, plan *merge.Plan) error {
	return c.planner.CheckPlan(ctx, plan)
}

// RebaseResult is the outcome of Rebase.
type RebaseResult struct {
	WorktreeID string   `json:"worktree_id"`
	Rebased    bool     `json:"rebased"`
	Conflicts  []string `json:"conflicts,omitempty"`
}

// Rebase rebases a worktree onto trunk. The working tree must be clean.
// Conflicts abort the rebase and are reported, never resolved.
func (c *Coordinator) Rebase(ctx context.Context, id string) (*RebaseResult, error) {
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	e := snap.Entry(id)
	if e == nil {
		return nil, &model.NotFoundError{Kind: "worktree", Key: id}
	}

	dir := c.AbsPath(e.Path)
	clean, err := c.vcs.WorkingTreeClean(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !clean {
		return nil, model.NewCLIError(model.ExitNotReady,
			fmt.Sprintf("worktree %q has uncommitted changes; commit or stash them first", id))
	}

	conflicts, err := c.workspace.Rebase(ctx, dir, c.cfg.Merge.Trunk)
	if err != nil {
		return nil, err
	}
	res := &RebaseResult{WorktreeID: id, Rebased: len(conflicts) == 0, Conflicts: conflicts}
	if res.Rebased {
		c.log.Info("worktree rebased", "worktree", id, "trunk", c.cfg.Merge.Trunk)
	} else {
		c.log.Warn("rebase stopped on conflicts", "worktree", id, "files", len(conflicts))
	}
	return res, nil
}

// AllocatePort reserves the lowest free port of svc for an existing entry.
func (c *Coordinator) AllocatePort(ctx context.Context, id string, svc model.Service) (model.PortAllocation, error) {
	if !svc.IsValid() {
		return model.PortAllocation{}, model.NewValidationError(fmt.Sprintf("unknown service %q", svc))
	}
	return c.allocator.Allocate(ctx, svc, id)
}

// ReleasePort frees a port. It reports false when nothing held it.
func (c *Coordinator) ReleasePort(ctx context.Context, p int) (bool, error) {
	return c.allocator.Release(ctx, p)
}

// FreePorts counts the usable ports left in each service range.
func (c *Coordinator) FreePorts(ctx context.Context) (map[model.Service]int, error) {
	out := make(map[model.Service]int)
	for svc := range c.store.Ranges() {
		n, err := c.allocator.FreeCount(ctx, svc)
		if err != nil {
			return nil, err
		}
		out[svc] = n
	}
	return out, nil
}

// ConflictReport is the outcome of Conflicts.
type ConflictReport struct {
	Version     int64             `json:"version"`
	Conflicts   []port.Conflict   `json:"conflicts"`
	Remediation *port.Remediation `json:"remediation,omitempty"`
}

// Conflicts observes every configured port and classifies the
// disagreements between the registry and the host. With fix the automatic
// remediations are applied.
func (c *Coordinator) Conflicts(ctx context.Context, fix bool) (*ConflictReport, error) {
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	obs, err := c.observer.Observe(ctx, snap, c.store.Ranges())
	if err != nil {
		return nil, err
	}
	conflicts := port.DetectConflicts(snap, obs, c.baseDir)
	port.Count(ctx, conflicts)

	r := &ConflictReport{Version: snap.Version, Conflicts: conflicts}
	if r.Conflicts == nil {
		r.Conflicts = []port.Conflict{}
	}
	if fix && len(conflicts) > 0 {
		rem, err := port.Remediate(ctx, c.store, conflicts)
		if err != nil {
			return nil, err
		}
		r.Remediation = &rem
	}
	return r, nil
}

// Health runs one health sweep.
func (c *Coordinator) Health(ctx context.Context) ([]health.Result, error) {
	return c.checker.Sweep(ctx)
}

// WatchHealth sweeps every interval until ctx is done. A zero interval
// uses health.interval from the configuration.
func (c *Coordinator) WatchHealth(ctx context.Context, interval time.Duration, fn func([]health.Result, error)) error {
	if interval <= 0 {
		interval = c.cfg.Health.Interval
	}
	return c.checker.Run(ctx, interval, fn)
}

// EnvVar is one exported environment variable.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// EnvExport is the environment of one worktree.
type EnvExport struct {
	WorktreeID string            `json:"worktree_id"`
	Vars       []EnvVar          `json:"vars"`
	Labels     map[string]string `json:"labels"`
}

// Env returns the variables a worktree's services are started with:
// WORKTREE_ID, WORKTREE_BRANCH and one <SERVICE>_PORT per allocation. A
// second port of the same service is exported as <SERVICE>_PORT_2, and so
// on. Labels are the Docker labels that attribute containers to it.
func (c *Coordinator) Env(ctx context.Context, id string) (*EnvExport, error) {
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	e := snap.Entry(id)
	if e == nil {
		return nil, &model.NotFoundError{Kind: "worktree", Key: id}
	}
	allocs := snap.AllocationsFor(id)

	out := &EnvExport{
		WorktreeID: id,
		Vars: []EnvVar{
			{Name: "WORKTREE_ID", Value: e.ID},
			{Name: "WORKTREE_BRANCH", Value: e.Branch},
		},
		Labels: docker.Labels(e, allocs),
	}
	seen := map[model.Service]int{}
	for _, a := range allocs {
		seen[a.Service]++
		name := strings.ToUpper(string(a.Service)) + "_PORT"
		if n := seen[a.Service]; n > 1 {
			name += "_" + strconv.Itoa(n)
		}
		out.Vars = append(out.Vars, EnvVar{Name: name, Value: strconv.Itoa(a.Port)})
	}
	return out, nil
}

// Backups lists the retained registry generations, newest first.
func (c *Coordinator) Backups() ([]registry.Backup, error) {
	return c.store.Backups()
}

// RestoreBackup replaces the registry document with a backup generation.
func (c *Coordinator) RestoreBackup(ctx context.Context, name string) (*registry.Document, error) {
	doc, err := c.store.Restore(ctx, name)
	if err != nil {
		return nil, err
	}
	c.log.Warn("registry restored from backup", "backup", name, "version", doc.Version)
	return doc, nil
}
