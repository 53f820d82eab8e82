// Package merge computes merge readiness for registry worktrees: a status
// per branch, a pairwise file-conflict matrix and an integration order.
//
// Classification uses a trial rebase onto trunk. A branch zero commits
// behind trunk is clean; one behind by more than the diverged threshold is
// diverged without trying; anything in between is needs_rebase when the
// trial rebase applies and conflicts when it stops.
//
// Branches are ordered by the committer time of their oldest commit absent
// from trunk, oldest first, ties broken by worktree id. The planner never
// merges; it proposes an order and reports readiness. A plan records the
// revision of every entry it read, and CheckPlan refuses a plan whose
// entries changed since.
package merge

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/shinji-kodama/worktree-registry/internal/oracle"
	"github.com/shinji-kodama/worktree-registry/internal/registry"
	"golang.org/x/sync/errgroup"
)

// Options configures a Planner.
type Options struct {
	// BaseDir is the directory entry paths are relative to.
	BaseDir string

	Trunk  string
	Remote string

	// DivergedThreshold is the commits-behind count above which a branch
	// is diverged.
	DivergedThreshold int

	Concurrency int
	Timeout     time.Duration
	MaxElapsed  time.Duration

	Logger *slog.Logger
}

// Step is one branch in a merge plan.
type Step struct {
	Position   int               `json:"position"`
	WorktreeID string            `json:"worktree_id"`
	Revision   int64             `json:"revision"`
	Record     model.MergeRecord `json:"record"`

	// FirstUnique is the committer time of the oldest commit on the branch
	// absent from trunk.
	FirstUnique time.Time `json:"first_unique"`
}

// Plan is a proposed merge order with its conflict forecast.
type Plan struct {
	ID        uuid.UUID `json:"id"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Trunk     string    `json:"trunk"`

	Steps  []Step  `json:"steps"`
	Matrix *Matrix `json:"matrix"`

	// Idle lists worktrees with no commits absent from trunk.
	Idle []string `json:"idle,omitempty"`

	// Errors maps a worktree to the VCS failure that kept it out of the plan.
	Errors map[string]string `json:"errors,omitempty"`

	// Revisions records the revision of every entry the plan read.
	Revisions map[string]int64 `json:"revisions"`
}

// Planner analyses registry worktrees against trunk.
type Planner struct {
	store *registry.Store
	vcs   oracle.VCS
	opts  Options
	log   *slog.Logger
}

// NewPlanner creates a Planner.
func NewPlanner(store *registry.Store, vcs oracle.VCS, opts Options) *Planner {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Trunk == "" {
		opts.Trunk = "main"
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Planner{store: store, vcs: vcs, opts: opts, log: log}
}

// call runs one VCS query under the per-call timeout with bounded retry.
func (p *Planner) call(ctx context.Context, fn func(context.Context) error) error {
	return oracle.Retry(ctx, p.opts.MaxElapsed, func() error {
		callCtx := ctx
		if p.opts.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
			defer cancel()
		}
		return fn(callCtx)
	})
}

// Classify computes the merge record of one entry.
func (p *Planner) Classify(ctx context.Context, e *model.WorktreeEntry) (model.MergeRecord, error) {
	rec := model.MergeRecord{WorktreeID: e.ID, Branch: e.Branch}

	err := p.call(ctx, func(ctx context.Context) (err error) {
		rec.CommitsAhead, rec.CommitsBehind, err = p.vcs.CommitsAheadBehind(ctx, e.Branch, p.opts.Trunk)
		return err
	})
	if err != nil {
		return rec, fmt.Errorf("ahead/behind of %s: %w", e.Branch, err)
	}

	switch {
	case rec.CommitsBehind == 0:
		rec.Status = model.MergeClean
		return rec, nil
	case rec.CommitsBehind > p.opts.DivergedThreshold:
		rec.Status = model.MergeDiverged
		return rec, nil
	}

	var ok bool
	var files []string
	err = p.call(ctx, func(ctx context.Context) (err error) {
		ok, files, err = p.vcs.TrialRebase(ctx, e.Branch, p.opts.Trunk)
		return err
	})
	if err != nil {
		return rec, fmt.Errorf("trial rebase of %s: %w", e.Branch, err)
	}
	if ok {
		rec.Status = model.MergeNeedsRebase
	} else {
		rec.Status = model.MergeConflicts
		rec.ConflictingFiles = files
	}
	return rec, nil
}

// Plan analyses every active and locked entry of a registry snapshot.
// Entries are analysed concurrently. An entry whose VCS queries fail is
// reported in Errors and left out of the order.
func (p *Planner) Plan(ctx context.Context) (*Plan, error) {
	snap, err := p.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	entries := slices.Collect(snap.Query(registry.WithStatus(model.StatusActive, model.StatusLocked)))
	plan := &Plan{
		ID:        uuid.New(),
		Version:   snap.Version,
		CreatedAt: p.store.Now(),
		Trunk:     p.opts.Trunk,
		Steps:     []Step{},
		Revisions: make(map[string]int64, len(entries)),
	}

	var (
		mu      sync.Mutex
		changed = make(map[string][]string, len(entries))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, e := range entries {
		plan.Revisions[e.ID] = e.Revision
		g.Go(func() error {
			step, files, err := p.analyse(gctx, &e)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.log.Warn("merge analysis failed", "worktree", e.ID, "err", err)
				if plan.Errors == nil {
					plan.Errors = map[string]string{}
				}
				plan.Errors[e.ID] = err.Error()
				return nil
			}
			changed[e.ID] = files
			if step.Record.CommitsAhead == 0 {
				plan.Idle = append(plan.Idle, e.ID)
				return nil
			}
			plan.Steps = append(plan.Steps, step)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	Order(plan.Steps)
	slices.Sort(plan.Idle)
	plan.Matrix = NewMatrix(changed)
	return plan, nil
}

func (p *Planner) analyse(ctx context.Context, e *model.WorktreeEntry) (Step, []string, error) {
	step := Step{WorktreeID: e.ID, Revision: e.Revision}

	rec, err := p.Classify(ctx, e)
	if err != nil {
		return step, nil, err
	}
	step.Record = rec

	var files []string
	err = p.call(ctx, func(ctx context.Context) (err error) {
		files, err = p.vcs.ChangedFiles(ctx, e.Branch, p.opts.Trunk)
		return err
	})
	if err != nil {
		return step, nil, fmt.Errorf("changed files of %s: %w", e.Branch, err)
	}

	if rec.CommitsAhead > 0 {
		var ok bool
		err = p.call(ctx, func(ctx context.Context) (err error) {
			step.FirstUnique, ok, err = p.vcs.EarliestUniqueCommitTime(ctx, e.Branch, p.opts.Trunk)
			return err
		})
		if err != nil {
			return step, nil, fmt.Errorf("first unique commit of %s: %w", e.Branch, err)
		}
		if !ok {
			step.Record.CommitsAhead = 0
		}
	}
	return step, files, nil
}

// Order sorts steps oldest divergence first, ties broken by worktree id,
// and numbers them from 1.
func Order(steps []Step) {
	slices.SortStableFunc(steps, func(a, b Step) int {
		return cmp.Or(a.FirstUnique.Compare(b.FirstUnique), cmp.Compare(a.WorktreeID, b.WorktreeID))
	})
	for i := range steps {
		steps[i].Position = i + 1
	}
}

// CheckPlan reports a *model.ConflictError of kind stale_plan if any entry
// the plan read has changed or been removed since.
func (p *Planner) CheckPlan(ctx context.Context, plan *Plan) error {
	snap, err := p.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(plan.Revisions))
	for id := range plan.Revisions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if err := registry.CheckRevision(snap, id, plan.Revisions[id]); err != nil {
			return err
		}
	}
	return nil
}

// Check is one readiness precondition.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Readiness is the outcome of Validate.
type Readiness struct {
	WorktreeID string  `json:"worktree_id"`
	Ready      bool    `json:"ready"`
	Checks     []Check `json:"checks"`
}

// Validate checks that a worktree may advance to the next merge step: its
// working tree is clean, its branch matches the remote, and a trial rebase
// onto current trunk applies. Every check runs; Ready is their
// conjunction.
func (p *Planner) Validate(ctx context.Context, id string) (*Readiness, error) {
	snap, err := p.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	e := snap.Entry(id)
	if e == nil {
		return nil, &model.NotFoundError{Kind: "worktree", Key: id}
	}

	r := &Readiness{WorktreeID: id, Ready: true}
	add := func(name string, ok bool, detail string) {
		r.Checks = append(r.Checks, Check{Name: name, OK: ok, Detail: detail})
		r.Ready = r.Ready && ok
	}

	var clean bool
	err = p.call(ctx, func(ctx context.Context) (err error) {
		clean, err = p.vcs.WorkingTreeClean(ctx, filepath.Join(p.opts.BaseDir, e.Path))
		return err
	})
	switch {
	case err != nil:
		add("clean_working_tree", false, err.Error())
	case !clean:
		add("clean_working_tree", false, "uncommitted or untracked changes")
	default:
		add("clean_working_tree", true, "")
	}

	var pushed bool
	err = p.call(ctx, func(ctx context.Context) (err error) {
		pushed, err = p.vcs.UpToDateWithRemote(ctx, e.Branch, p.opts.Remote)
		return err
	})
	switch {
	case err != nil:
		add("up_to_date_with_remote", false, err.Error())
	case !pushed:
		add("up_to_date_with_remote", false, fmt.Sprintf("%s differs from %s/%s", e.Branch, p.opts.Remote, e.Branch))
	default:
		add("up_to_date_with_remote", true, "")
	}

	var ok bool
	var files []string
	err = p.call(ctx, func(ctx context.Context) (err error) {
		ok, files, err = p.vcs.TrialRebase(ctx, e.Branch, p.opts.Trunk)
		return err
	})
	switch {
	case err != nil:
		add("trial_rebase", false, err.Error())
	case !ok:
		add("trial_rebase", false, fmt.Sprintf("conflicts in %v", files))
	default:
		add("trial_rebase", true, "")
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return r, nil
}
