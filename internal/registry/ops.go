package registry

import (
	"context"
	"fmt"
	"iter"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shinji-kodama/worktree-registry/internal/model"
)

// Create adds entry, together with its port allocations, if the document
// is still at version base. Missing status and timestamps are filled in.
// Either the entry and all allocations are written or nothing is.
func (s *Store) Create(ctx context.Context, base int64, entry model.WorktreeEntry, allocs ...model.PortAllocation) (*Document, error) {
	now := s.now().UTC()
	if entry.Status == "" {
		entry.Status = model.StatusActive
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.StatusChangedAt.IsZero() {
		entry.StatusChangedAt = entry.CreatedAt
	}

	return s.Apply(ctx, base, func(d *Document) error {
		if d.Entry(entry.ID) != nil {
			return model.NewValidationError(fmt.Sprintf("worktree %q already exists", entry.ID))
		}
		d.AddEntry(entry)
		for _, a := range allocs {
			a.WorktreeID = entry.ID
			if a.AllocatedAt.IsZero() {
				a.AllocatedAt = now
			}
			d.AddAllocation(a)
		}
		return nil
	})
}

// Update applies mutator to the entry with the given id. A missing entry
// is a *model.NotFoundError. Status transitions stamp StatusChangedAt.
func (s *Store) Update(ctx context.Context, id string, mutator func(*model.WorktreeEntry) error) (*model.WorktreeEntry, error) {
	doc, err := s.Mutate(ctx, func(d *Document) error {
		e := d.Entry(id)
		if e == nil {
			return &model.NotFoundError{Kind: "worktree", Key: id}
		}
		before := e.Status
		if err := mutator(e); err != nil {
			return err
		}
		if e.ID != id {
			return model.NewValidationError("worktree id is immutable")
		}
		if e.Status != before {
			e.StatusChangedAt = s.now().UTC()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	updated := doc.Entry(id).Clone()
	return &updated, nil
}

// Delete removes the entry and every allocation it owns in one write.
// Deleting an unknown id is a no-op and reports false.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	removed := false
	_, err := s.Mutate(ctx, func(d *Document) error {
		if !d.RemoveEntry(id) {
			return ErrNoop
		}
		removed = true
		return nil
	})
	return removed, err
}

// Query returns the entries of the current snapshot that match pred. The
// sequence is lazy and restartable: every iteration walks the same
// snapshot and yields copies.
func (s *Store) Query(ctx context.Context, pred func(*model.WorktreeEntry) bool) (iter.Seq[model.WorktreeEntry], error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Query(pred), nil
}

// Query returns the entries of d that match pred, in document order.
// A nil pred matches everything.
func (d *Document) Query(pred func(*model.WorktreeEntry) bool) iter.Seq[model.WorktreeEntry] {
	entries := d.Worktrees
	return func(yield func(model.WorktreeEntry) bool) {
		for i := range entries {
			if pred != nil && !pred(&entries[i]) {
				continue
			}
			if !yield(entries[i].Clone()) {
				return
			}
		}
	}
}

// WithStatus is a Query predicate matching any of the given statuses.
func WithStatus(statuses ...model.EntryStatus) func(*model.WorktreeEntry) bool {
	return func(e *model.WorktreeEntry) bool {
		for _, st := range statuses {
			if e.Status == st {
				return true
			}
		}
		return false
	}
}

// CheckRevision verifies that entry id still exists in d at revision rev.
// Plans and findings call it inside Apply before acting on an entry they
// read earlier.
func CheckRevision(d *Document, id string, rev int64) error {
	e := d.Entry(id)
	if e == nil {
		return &model.ConflictError{
			Kind:     model.ConflictStalePlan,
			Expected: rev,
			Detail:   fmt.Sprintf("worktree %q was removed", id),
		}
	}
	if e.Revision != rev {
		return &model.ConflictError{
			Kind:     model.ConflictStalePlan,
			Expected: rev,
			Actual:   e.Revision,
			Detail:   fmt.Sprintf("worktree %q changed", id),
		}
	}
	return nil
}

// Watch calls fn with a fresh snapshot every time the document is
// replaced, until ctx is done. Bursts of events within debounce collapse
// into one call.
func (s *Store) Watch(ctx context.Context, debounce time.Duration, fn func(*Document)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	// the directory is watched because atomic replace swaps the inode
	if err := w.Add(s.opts.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.opts.Dir, err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != DocumentName || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			snap, err := s.Snapshot(ctx)
			if err != nil {
				s.log.Warn("registry watch: snapshot failed", "err", err)
				continue
			}
			fn(snap)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("registry watch error", "err", err)
		}
	}
}
