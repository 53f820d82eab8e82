// Package health probes allocated ports and records their health in the
// registry.
//
// Each allocation goes through three escalating tiers, each run only if
// the previous one passed:
//
//  1. bind check: the port is not free, so something listens on it
//  2. process check: a PID owns the listener
//  3. protocol check: an HTTP GET (web, api, test) or a TCP dial answers
//
// A failing tier 1 yields not_running; a failing tier 2 or 3 yields
// unhealthy; passing all three yields healthy. When the bind check itself
// keeps failing the status is unknown.
package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/shinji-kodama/worktree-registry/internal/oracle"
	"github.com/shinji-kodama/worktree-registry/internal/registry"
	"github.com/shinji-kodama/worktree-registry/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// recordAttempts bounds how often a sweep re-reads the registry when a
// concurrent writer commits first.
const recordAttempts = 3

// Options configures a Checker.
type Options struct {
	// Timeout bounds each probe; MaxElapsed bounds the retries of a
	// transiently failing one.
	Timeout    time.Duration
	MaxElapsed time.Duration

	// Concurrency is the number of allocations probed at once.
	Concurrency int

	// HTTPPath is requested by the protocol check of HTTP services.
	HTTPPath string

	Logger *slog.Logger
}

// Result is the outcome of probing one allocation.
type Result struct {
	Port       int                `json:"port"`
	WorktreeID string             `json:"worktree_id"`
	Service    model.Service      `json:"service"`
	Status     model.HealthStatus `json:"status"`

	// Tier is the first failing tier, 0 when healthy.
	Tier   int    `json:"tier,omitempty"`
	PID    int    `json:"pid,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Checker runs health sweeps.
type Checker struct {
	store  *registry.Store
	prober oracle.Prober
	opts   Options
	log    *slog.Logger
}

// NewChecker creates a Checker.
func NewChecker(store *registry.Store, prober oracle.Prober, opts Options) *Checker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.HTTPPath == "" {
		opts.HTTPPath = "/"
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Checker{store: store, prober: prober, opts: opts, log: log}
}

// Probe runs the three tiers against one allocation.
func (c *Checker) Probe(ctx context.Context, a model.PortAllocation) Result {
	res := Result{Port: a.Port, WorktreeID: a.WorktreeID, Service: a.Service}

	var free bool
	if err := c.retry(ctx, func(ctx context.Context) (err error) {
		free, err = c.prober.IsPortFree(ctx, a.Port)
		return err
	}); err != nil {
		res.Status, res.Tier, res.Detail = model.HealthUnknown, 1, "bind check failed: "+err.Error()
		return res
	}
	if free {
		res.Status, res.Tier, res.Detail = model.HealthNotRunning, 1, "nothing is listening"
		return res
	}

	var (
		pid int
		ok  bool
	)
	err := c.retry(ctx, func(ctx context.Context) (err error) {
		pid, ok, err = c.prober.ListeningPID(ctx, a.Port)
		return err
	})
	switch {
	case err != nil:
		res.Status, res.Tier, res.Detail = model.HealthUnhealthy, 2, "process check failed: "+err.Error()
		return res
	case !ok:
		res.Status, res.Tier, res.Detail = model.HealthUnhealthy, 2, "no owning process visible"
		return res
	}
	res.PID = pid

	var answered bool
	err = c.retry(ctx, func(ctx context.Context) (err error) {
		if a.Service.SpeaksHTTP() {
			answered, err = c.prober.HTTPProbe(ctx, a.Port, c.opts.HTTPPath)
		} else {
			answered, err = c.prober.Dial(ctx, a.Port)
		}
		return err
	})
	switch {
	case err != nil:
		res.Status, res.Tier, res.Detail = model.HealthUnhealthy, 3, "protocol check failed: "+err.Error()
	case !answered:
		res.Status, res.Tier, res.Detail = model.HealthUnhealthy, 3, "service did not answer"
	default:
		res.Status = model.HealthHealthy
	}
	return res
}

// retry runs one probe under the per-probe timeout with bounded retry.
func (c *Checker) retry(ctx context.Context, fn func(context.Context) error) error {
	return oracle.Retry(ctx, c.opts.MaxElapsed, func() error {
		probeCtx := ctx
		if c.opts.Timeout > 0 {
			var cancel context.CancelFunc
			probeCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()
		}
		return fn(probeCtx)
	})
}

// Sweep probes every allocation of the current snapshot concurrently and
// writes the results back in one registry write.
//
// When ctx is cancelled, allocations not yet probed are left alone, the
// results gathered so far are still written, and ctx's error is returned.
func (c *Checker) Sweep(ctx context.Context) ([]Result, error) {
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, len(snap.Allocations))
	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for i, a := range snap.Allocations {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res := c.Probe(ctx, a)
			if ctx.Err() != nil {
				// a probe cut short by cancellation says nothing about the port
				return nil
			}
			results[i] = &res
			return nil
		})
	}
	_ = g.Wait()

	done := make([]Result, 0, len(results))
	for _, r := range results {
		if r != nil {
			done = append(done, *r)
			telemetry.Get().HealthProbes.Add(ctx, 1, telemetry.With("status", string(r.Status)))
		}
	}

	if len(done) > 0 {
		if err := c.record(context.WithoutCancel(ctx), done); err != nil {
			return done, err
		}
	}
	c.log.Debug("health sweep finished", "probed", len(done), "allocations", len(snap.Allocations))
	return done, ctx.Err()
}

// record writes results to the allocations they were taken from. An
// allocation released or reassigned meanwhile is left alone.
func (c *Checker) record(ctx context.Context, results []Result) error {
	var err error
	for range recordAttempts {
		if err = c.recordOnce(ctx, results); !errors.Is(err, model.ErrConflict) {
			return err
		}
	}
	return err
}

func (c *Checker) recordOnce(ctx context.Context, results []Result) error {
	now := c.store.Now()
	_, err := c.store.Mutate(ctx, func(d *registry.Document) error {
		changed := false
		for _, r := range results {
			for i := range d.Allocations {
				a := &d.Allocations[i]
				if a.Port != r.Port || a.WorktreeID != r.WorktreeID {
					continue
				}
				a.HealthStatus = r.Status
				a.ProcessID = r.PID
				a.CheckedAt = now
				changed = true
			}
		}
		if !changed {
			return registry.ErrNoop
		}
		return nil
	})
	return err
}

// Run sweeps immediately and then every interval until ctx is done,
// passing each sweep's outcome to fn.
func (c *Checker) Run(ctx context.Context, interval time.Duration, fn func([]Result, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		results, err := c.Sweep(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if fn != nil {
			fn(results, err)
		}
		if err != nil {
			c.log.Warn("health sweep failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
