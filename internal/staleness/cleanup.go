package staleness

import (
	"context"
	"errors"

	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/shinji-kodama/worktree-registry/internal/registry"
)

// Action is what Cleanup did with one finding.
type Action string

const (
	ActionDeleted Action = "deleted"
	ActionMarked  Action = "marked_pending_removal"

	// ActionKept means the entry was already pending_removal and its grace
	// period has not expired.
	ActionKept Action = "kept"

	// ActionSkipped means the entry changed or vanished after the scan.
	ActionSkipped Action = "skipped"
)

// Outcome pairs a finding with the action taken.
type Outcome struct {
	Finding
	Action Action `json:"action"`
	Error  string `json:"error,omitempty"`
}

// Cleanup acts on the findings of report, one registry write per entry:
// directory_missing and grace_expired entries are deleted together with
// their port allocations; other stale entries move to pending_removal.
//
// A finding whose entry changed since the scan (its revision differs) is
// skipped. Cancellation is checked between entries; entries already
// processed keep their new state.
func (d *Detector) Cleanup(ctx context.Context, report *Report) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(report.Findings))
	for _, f := range report.Findings {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		action, err := d.apply(ctx, f)
		out := Outcome{Finding: f, Action: action}
		switch {
		case err == nil:
		case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrNotFound):
			out.Action = ActionSkipped
			out.Error = err.Error()
			d.log.Info("stale entry changed since scan, skipping", "worktree", f.Entry.ID, "err", err)
		default:
			return outcomes, err
		}

		if out.Action == ActionDeleted || out.Action == ActionMarked {
			d.log.Info("cleanup", "worktree", f.Entry.ID, "reason", f.Reason, "action", out.Action)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

func (d *Detector) apply(ctx context.Context, f Finding) (Action, error) {
	id := f.Entry.ID
	action := ActionKept

	_, err := d.store.Mutate(ctx, func(doc *registry.Document) error {
		if err := registry.CheckRevision(doc, id, f.Entry.Revision); err != nil {
			return err
		}

		switch f.Reason {
		case model.ReasonDirectoryMissing, model.ReasonGraceExpired:
			doc.RemoveEntry(id)
			action = ActionDeleted
			return nil
		}

		e := doc.Entry(id)
		if e.Status == model.StatusPendingRemoval {
			action = ActionKept
			return registry.ErrNoop
		}
		e.Status = model.StatusPendingRemoval
		e.StatusChangedAt = d.store.Now()
		action = ActionMarked
		return nil
	})
	if err != nil {
		return "", err
	}
	return action, nil
}
