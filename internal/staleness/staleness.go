// Package staleness finds registry entries whose backing resources no
// longer correspond to live work, and cleans them up in two phases.
//
// Scan is read-only. Cleanup deletes entries whose directory is gone or
// whose grace period expired, and moves every other stale entry to
// pending_removal so a later sweep can delete it once the grace period
// has passed.
package staleness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/shinji-kodama/worktree-registry/internal/oracle"
	"github.com/shinji-kodama/worktree-registry/internal/registry"
	"github.com/shinji-kodama/worktree-registry/internal/telemetry"
)

// Options configures a Detector.
type Options struct {
	// BaseDir is the directory entry paths are relative to.
	BaseDir string

	GracePeriod    time.Duration
	IdleThreshold  time.Duration
	RecentActivity time.Duration

	// Timeout bounds each VCS call; MaxElapsed bounds its retries.
	Timeout    time.Duration
	MaxElapsed time.Duration

	Logger *slog.Logger
}

// Finding is one stale entry. Entry is the snapshot the finding was made
// from; its Revision guards Cleanup.
type Finding struct {
	Entry  model.WorktreeEntry `json:"entry"`
	Reason model.StaleReason   `json:"reason"`
	Detail string              `json:"detail"`
}

// Report is the result of one scan.
type Report struct {
	// Version is the registry version the scan read.
	Version  int64     `json:"version"`
	Findings []Finding `json:"findings"`

	// Unchecked lists entries whose VCS queries kept failing.
	Unchecked map[string]string `json:"unchecked,omitempty"`
}

// Detector scans the registry for stale entries.
type Detector struct {
	store *registry.Store
	vcs   oracle.VCS
	opts  Options
	log   *slog.Logger
}

// NewDetector creates a Detector.
func NewDetector(store *registry.Store, vcs oracle.VCS, opts Options) *Detector {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Detector{store: store, vcs: vcs, opts: opts, log: log}
}

// Scan classifies every entry of a registry snapshot. Locked entries are
// only checked for a missing directory. An entry whose VCS queries keep failing is recorded as unchecked
// and does not abort the scan. Cancellation is checked between entries;
// the findings gathered so far are returned with the context error.
func (d *Detector) Scan(ctx context.Context) (*Report, error) {
	snap, err := d.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	now := d.store.Now()

	report := &Report{Version: snap.Version, Findings: []Finding{}}
	for e := range snap.Query(nil) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		reason, detail, err := d.classify(ctx, &e, now)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			d.log.Warn("staleness check failed", "worktree", e.ID, "err", err)
			if report.Unchecked == nil {
				report.Unchecked = map[string]string{}
			}
			report.Unchecked[e.ID] = err.Error()
			continue
		}
		if reason == "" {
			continue
		}

		d.log.Debug("stale entry", "worktree", e.ID, "reason", reason)
		telemetry.Get().StaleFound.Add(ctx, 1, telemetry.With("reason", string(reason)))
		report.Findings = append(report.Findings, Finding{Entry: e, Reason: reason, Detail: detail})
	}
	return report, nil
}

// classify returns the most severe stale reason of e, or "" when e is
// live. Severity: directory_missing, grace_expired, branch_missing, idle.
// A locked entry can only be directory_missing.
func (d *Detector) classify(ctx context.Context, e *model.WorktreeEntry, now time.Time) (model.StaleReason, string, error) {
	dir := filepath.Join(d.opts.BaseDir, e.Path)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return model.ReasonDirectoryMissing, fmt.Sprintf("%s does not exist", dir), nil
	}
	if e.Status == model.StatusLocked {
		return "", "", nil
	}

	if e.Status == model.StatusPendingRemoval {
		if age := now.Sub(e.PendingSince()); age > d.opts.GracePeriod {
			return model.ReasonGraceExpired, fmt.Sprintf("pending removal for %s (grace %s)", days(age), days(d.opts.GracePeriod)), nil
		}
	}

	var exists bool
	err := d.query(ctx, func(ctx context.Context) error {
		var err error
		exists, err = d.vcs.BranchExists(ctx, e.Branch)
		return err
	})
	if err != nil {
		return "", "", fmt.Errorf("branch check: %w", err)
	}
	if !exists {
		return model.ReasonBranchMissing, fmt.Sprintf("branch %s no longer exists", e.Branch), nil
	}

	age := now.Sub(e.CreatedAt)
	if age <= d.opts.IdleThreshold {
		return "", "", nil
	}
	var last time.Time
	err = d.query(ctx, func(ctx context.Context) error {
		var err error
		last, err = d.vcs.LastCommitTime(ctx, dir)
		return err
	})
	if err != nil {
		return "", "", fmt.Errorf("last commit: %w", err)
	}
	if quiet := now.Sub(last); quiet > d.opts.RecentActivity {
		return model.ReasonIdle, fmt.Sprintf("created %s ago, last commit %s ago", days(age), days(quiet)), nil
	}
	return "", "", nil
}

// query runs one VCS call under the per-call timeout with bounded retry.
func (d *Detector) query(ctx context.Context, fn func(context.Context) error) error {
	return oracle.Retry(ctx, d.opts.MaxElapsed, func() error {
		callCtx := ctx
		if d.opts.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
			defer cancel()
		}
		return fn(callCtx)
	})
}

func days(d time.Duration) string {
	if d < 48*time.Hour {
		return d.Round(time.Minute).String()
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
