package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/shinji-kodama/worktree-registry/internal/registry"
	"github.com/shinji-kodama/worktree-registry/internal/telemetry"
)

// createAttempts bounds how often Create re-plans its ports after another
// writer committed between its snapshot and its write.
const createAttempts = 5

// CreateRequest describes a new worktree.
type CreateRequest struct {
	Purpose model.Purpose
	Name    string

	// Branch defaults to "<purpose>/<name>".
	Branch string
	// Base is the commit the branch starts from when it does not exist.
	Base string
	// Path defaults to "<trunk>-<id>", a sibling of the trunk checkout.
	Path string

	Services []model.Service
	Metadata model.Metadata

	// NoCheckout registers the entry without running git.
	NoCheckout bool
}

// CreateResult is the outcome of Create.
type CreateResult struct {
	Entry       model.WorktreeEntry    `json:"entry"`
	Allocations []model.PortAllocation `json:"allocations"`
	Dir         string                 `json:"dir"`
}

// Create checks out a new worktree and registers it with one port per
// requested service.
//
// Ports are planned against a snapshot before git runs, so an exhausted
// range fails early. The checkout happens outside the registry lock; the
// entry and its allocations are then committed together, re-planning on a
// version conflict. If the commit ultimately fails the checkout is removed.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	entry, err := c.newEntry(req)
	if err != nil {
		return nil, err
	}

	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap.Entry(entry.ID) != nil {
		return nil, model.NewValidationError(fmt.Sprintf("worktree %q already exists", entry.ID))
	}
	if _, err := c.allocator.Plan(ctx, snap, entry.ID, req.Services); err != nil {
		return nil, err
	}

	dir := c.AbsPath(entry.Path)
	if !req.NoCheckout {
		if err := c.workspace.AddWorktree(ctx, dir, entry.Branch, req.Base); err != nil {
			return nil, err
		}
		c.log.Info("worktree checked out", "worktree", entry.ID, "dir", dir)
	}

	doc, allocs, err := c.commit(ctx, entry, req.Services)
	if err != nil {
		if !req.NoCheckout {
			// context.WithoutCancel: a cancelled create must still undo its checkout
			if rmErr := c.workspace.RemoveWorktree(context.WithoutCancel(ctx), dir, true); rmErr != nil {
				c.log.Warn("failed to roll back worktree", "worktree", entry.ID, "err", rmErr)
			}
		}
		return nil, err
	}
	telemetry.Get().PortsAllocated.Add(ctx, int64(len(allocs)))

	created := doc.Entry(entry.ID).Clone()
	c.log.Info("worktree registered", "worktree", created.ID, "ports", created.Ports, "version", doc.Version)
	return &CreateResult{Entry: created, Allocations: allocs, Dir: dir}, nil
}

func (c *Coordinator) commit(ctx context.Context, entry model.WorktreeEntry, services []model.Service) (*registry.Document, []model.PortAllocation, error) {
	var lastErr error
	for attempt := 1; attempt <= createAttempts; attempt++ {
		snap, err := c.store.Snapshot(ctx)
		if err != nil {
			return nil, nil, err
		}
		allocs, err := c.allocator.Plan(ctx, snap, entry.ID, services)
		if err != nil {
			return nil, nil, err
		}
		doc, err := c.store.Create(ctx, snap.Version, entry, allocs...)
		if err == nil {
			return doc, doc.AllocationsFor(entry.ID), nil
		}
		var conflict *model.ConflictError
		if !errors.As(err, &conflict) || conflict.Kind != model.ConflictVersion {
			return nil, nil, err
		}
		c.log.Debug("registry changed during create, re-planning", "worktree", entry.ID, "attempt", attempt)
		lastErr = err
	}
	return nil, nil, lastErr
}

func (c *Coordinator) newEntry(req CreateRequest) (model.WorktreeEntry, error) {
	if !req.Purpose.IsValid() {
		return model.WorktreeEntry{}, model.NewValidationError(fmt.Sprintf("invalid purpose %q", req.Purpose))
	}
	id := string(req.Purpose) + "-" + req.Name
	e := model.WorktreeEntry{
		ID:       id,
		Purpose:  req.Purpose,
		Branch:   req.Branch,
		Path:     req.Path,
		Metadata: req.Metadata,
	}
	if e.Branch == "" {
		e.Branch = string(req.Purpose) + "/" + req.Name
	}
	if e.Path == "" {
		e.Path = c.trunkDir + "-" + id
	}

	var problems []string
	if err := model.ValidateID(id, req.Purpose); err != nil {
		problems = append(problems, err.Error())
	}
	if err := model.ValidateBranch(e.Branch); err != nil {
		problems = append(problems, err.Error())
	}
	if err := model.ValidatePath(e.Path, c.trunkDir); err != nil {
		problems = append(problems, err.Error())
	}
	seen := make(map[model.Service]bool, len(req.Services))
	for _, svc := range req.Services {
		if !svc.IsValid() {
			problems = append(problems, fmt.Sprintf("unknown service %q", svc))
		}
		if seen[svc] {
			problems = append(problems, fmt.Sprintf("service %q requested twice", svc))
		}
		seen[svc] = true
	}
	if len(problems) > 0 {
		return model.WorktreeEntry{}, model.NewValidationError(problems...)
	}
	return e, nil
}

// RemoveOptions controls Remove.
type RemoveOptions struct {
	// Soft marks the entry pending_removal instead of deleting it.
	Soft bool
	// Force removes locked entries and dirty checkouts.
	Force bool
	// KeepCheckout leaves the git worktree on disk.
	KeepCheckout bool
}

// RemoveResult is the outcome of Remove.
type RemoveResult struct {
	WorktreeID    string            `json:"worktree_id"`
	Status        model.EntryStatus `json:"status,omitempty"`
	Deleted       bool              `json:"deleted"`
	ReleasedPorts []int             `json:"released_ports,omitempty"`
}

// Remove deletes an entry and releases its ports, removing its checkout
// first. With Soft the entry only moves to pending_removal and a later
// cleanup deletes it once the grace period has passed.
func (c *Coordinator) Remove(ctx context.Context, id string, opts RemoveOptions) (*RemoveResult, error) {
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	e := snap.Entry(id)
	if e == nil {
		return nil, &model.NotFoundError{Kind: "worktree", Key: id}
	}
	if e.Status == model.StatusLocked && !opts.Force {
		return nil, model.NewValidationError(fmt.Sprintf("worktree %q is locked; unlock it or use --force", id))
	}

	if opts.Soft {
		updated, err := c.transition(ctx, id, model.StatusPendingRemoval, e.Status)
		if err != nil {
			return nil, err
		}
		return &RemoveResult{WorktreeID: id, Status: updated.Status}, nil
	}

	if !opts.KeepCheckout {
		dir := c.AbsPath(e.Path)
		if _, statErr := os.Stat(dir); statErr == nil {
			if err := c.workspace.RemoveWorktree(ctx, dir, opts.Force); err != nil {
				return nil, err
			}
		}
	}

	ports := slices.Clone(e.Ports)
	deleted, err := c.store.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	if deleted {
		telemetry.Get().PortsReleased.Add(ctx, int64(len(ports)))
		c.log.Info("worktree removed", "worktree", id, "ports", ports)
	}
	return &RemoveResult{WorktreeID: id, Deleted: deleted, ReleasedPorts: ports}, nil
}

// Lock exempts an entry from staleness cleanup.
func (c *Coordinator) Lock(ctx context.Context, id string) (*model.WorktreeEntry, error) {
	return c.transition(ctx, id, model.StatusLocked, model.StatusActive)
}

// Unlock returns a locked entry to active.
func (c *Coordinator) Unlock(ctx context.Context, id string) (*model.WorktreeEntry, error) {
	return c.transition(ctx, id, model.StatusActive, model.StatusLocked)
}

// RestoreEntry returns a pending_removal entry to active.
func (c *Coordinator) RestoreEntry(ctx context.Context, id string) (*model.WorktreeEntry, error) {
	return c.transition(ctx, id, model.StatusActive, model.StatusPendingRemoval)
}

// transition moves an entry to status `to` from one of `from`. An entry
// already in `to` is returned unchanged without a write.
func (c *Coordinator) transition(ctx context.Context, id string, to model.EntryStatus, from ...model.EntryStatus) (*model.WorktreeEntry, error) {
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if e := snap.Entry(id); e != nil && e.Status == to {
		same := e.Clone()
		return &same, nil
	}
	return c.store.Update(ctx, id, func(e *model.WorktreeEntry) error {
		if !slices.Contains(from, e.Status) {
			names := make([]string, len(from))
			for i, s := range from {
				names[i] = s.String()
			}
			return model.NewValidationError(fmt.Sprintf("worktree %q is %s; expected %s", id, e.Status, strings.Join(names, " or ")))
		}
		e.Status = to
		return nil
	})
}

// EntryView is an entry with its allocation records.
type EntryView struct {
	model.WorktreeEntry
	Allocations []model.PortAllocation `json:"allocations"`
}

// ListFilter selects entries for List. Empty fields match everything.
type ListFilter struct {
	Statuses []model.EntryStatus
	Purpose  model.Purpose
}

// List returns the matching entries sorted by id.
func (c *Coordinator) List(ctx context.Context, f ListFilter) ([]EntryView, error) {
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return view(snap, f), nil
}

func view(snap *registry.Document, f ListFilter) []EntryView {
	pred := func(e *model.WorktreeEntry) bool {
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
			return false
		}
		return f.Purpose == "" || e.Purpose == f.Purpose
	}
	views := []EntryView{}
	for e := range snap.Query(pred) {
		views = append(views, EntryView{WorktreeEntry: e, Allocations: snap.AllocationsFor(e.ID)})
	}
	slices.SortFunc(views, func(a, b EntryView) int { return strings.Compare(a.ID, b.ID) })
	return views
}
