// Package deploy implements the update cycle: fetch the tracked branch,
// compare it with the deployed revision, fast-forward when it moved, and
// hand the outcome to the Reconciler that restarts the supervised service.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/wearable-pin/pindeploy/internal/observability"
)

// Cycle runs update cycles against one working copy. Run is safe to call
// repeatedly; concurrent calls are serialized.
type Cycle struct {
	wc         *WorkingCopy
	reconciler *Reconciler
	opts       options

	mu sync.Mutex
}

// NewCycle returns a Cycle for wc. A nil reconciler leaves the service
// alone, which is how "pindeploy once --no-restart" runs.
func NewCycle(wc *WorkingCopy, reconciler *Reconciler, opts ...Option) *Cycle {
	return &Cycle{
		wc:         wc,
		reconciler: reconciler,
		opts:       buildOptions("cycle", opts),
	}
}

// WorkingCopy returns the working copy the cycle advances.
func (c *Cycle) WorkingCopy() *WorkingCopy {
	return c.wc
}

// Run executes one update cycle and reconciles the service. Failures are
// reported in the Outcome, never returned or panicked.
func (c *Cycle) Run(ctx context.Context) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	cycleID := observability.GetCycleID(ctx)
	if cycleID == "" {
		cycleID = uuid.NewString()
		ctx = observability.AddCycleID(ctx, cycleID)
	}
	trigger := observability.GetTrigger(ctx)

	ctx, span := c.opts.tracer.TraceCycle(ctx, cycleID, trigger)
	defer span.End()

	started := c.opts.now()
	var outcome Outcome
	if unlock, err := c.acquire(ctx); err != nil {
		current := c.wc.Current()
		outcome = Outcome{Kind: FetchFailed, From: current, To: current, Err: fmt.Errorf("%w: %w: %w", ErrFetchFailed, ErrCycleLocked, err)}
	} else {
		defer unlock()
		outcome = c.update(ctx)
	}
	outcome.CycleID = cycleID
	outcome.Trigger = trigger
	outcome.Started = started
	outcome.Current = c.wc.Current()

	c.logOutcome(ctx, outcome)

	if c.reconciler != nil {
		outcome.Service = c.reconciler.Reconcile(ctx, outcome)
	}
	outcome.Duration = c.opts.now().Sub(started)

	c.opts.tracer.SetAttributes(span,
		"cycle.outcome", outcome.Kind.String(),
		"vcs.from", outcome.From.String(),
		"vcs.to", outcome.To.String(),
	)
	c.opts.tracer.RecordError(span, outcome.Err)
	c.opts.metrics.RecordCycle(outcome.Kind.String(), outcome.Duration.Seconds())
	c.opts.metrics.SetRevision(c.wc.Current().String())
	if !outcome.Kind.Failed() {
		c.opts.metrics.MarkSuccess(float64(c.opts.now().Unix()))
	}
	return outcome
}

// acquire takes the cross-process cycle lock, if one is configured.
func (c *Cycle) acquire(ctx context.Context) (func(), error) {
	if c.opts.lock == nil {
		return func() {}, nil
	}
	waitCtx, cancel := withOptionalTimeout(ctx, c.opts.lockWait)
	defer cancel()
	return c.opts.lock.Lock(waitCtx)
}

func (c *Cycle) update(ctx context.Context) Outcome {
	// Another process may have advanced the checkout since the last cycle.
	before, err := c.wc.Refresh(ctx)
	if err != nil {
		return Outcome{Kind: FetchFailed, From: before, To: before, Err: fmt.Errorf("%w: read working copy revision: %w", ErrFetchFailed, err)}
	}
	branch := c.wc.Branch()

	fetchCtx, fetchSpan := c.opts.tracer.TraceVCS(ctx, "fetch", branch)
	err = c.wc.Fetch(fetchCtx)
	c.opts.tracer.RecordError(fetchSpan, err)
	fetchSpan.End()
	if err != nil {
		return Outcome{Kind: FetchFailed, From: before, To: before, Err: fmt.Errorf("%w: %w", ErrFetchFailed, err)}
	}

	remote, err := c.wc.RemoteRevision(ctx)
	if err != nil {
		return Outcome{Kind: FetchFailed, From: before, To: before, Err: fmt.Errorf("%w: resolve remote revision: %w", ErrFetchFailed, err)}
	}
	if remote == before {
		return Outcome{Kind: NoChange, From: before, To: before}
	}

	pullCtx, pullSpan := c.opts.tracer.TraceVCS(ctx, "pull", branch)
	err = c.wc.Pull(pullCtx)
	c.opts.tracer.RecordError(pullSpan, err)
	pullSpan.End()

	after := c.wc.Current()
	if err != nil {
		switch {
		case errors.Is(err, ErrInconsistentTree):
			err = fmt.Errorf("%w: %w", ErrPullFailed, err)
		case after != before:
			err = fmt.Errorf("%w: %w: %w", ErrPullFailed, ErrInconsistentTree, err)
		default:
			// HEAD did not move, but a killed merge can still leave a
			// half-written tree or a stale index lock behind.
			if dirtyErr := c.wc.CheckClean(ctx); dirtyErr != nil {
				err = fmt.Errorf("%w: %w: %w (%v)", ErrPullFailed, ErrInconsistentTree, err, dirtyErr)
			} else {
				err = fmt.Errorf("%w: %w", ErrPullFailed, err)
			}
		}
		return Outcome{Kind: PullFailed, From: before, To: remote, Err: err}
	}
	if after != remote {
		err = fmt.Errorf("%w: %w: expected %s, working copy at %s", ErrPullFailed, ErrInconsistentTree, remote.Short(), after.Short())
		return Outcome{Kind: PullFailed, From: before, To: remote, Err: err}
	}
	return Outcome{Kind: Updated, From: before, To: after}
}

func (c *Cycle) logOutcome(ctx context.Context, outcome Outcome) {
	logger := c.opts.logger
	switch outcome.Kind {
	case NoChange:
		logger.Info(ctx, "no change", "revision", outcome.From.Short(), "branch", c.wc.Branch())
	case Updated:
		logger.Info(ctx, "updated", "from", outcome.From.Short(), "to", outcome.To.Short(), "branch", c.wc.Branch())
	case FetchFailed:
		if errors.Is(outcome.Err, ErrCycleLocked) {
			logger.Warn(ctx, "another update cycle is running; skipped",
				"revision", outcome.From.Short(), "branch", c.wc.Branch(), "error", outcome.Err)
			return
		}
		logger.Error(ctx, "fetch failed; keeping current revision",
			"revision", outcome.From.Short(), "branch", c.wc.Branch(), "error", outcome.Err)
	case PullFailed:
		if errors.Is(outcome.Err, ErrInconsistentTree) {
			logger.Error(ctx, "pull failed; working tree may be inconsistent",
				"from", outcome.From.Short(), "target", outcome.To.Short(),
				"current", c.wc.Current().Short(), "error", outcome.Err)
			return
		}
		logger.Error(ctx, "pull failed; keeping current revision",
			"revision", outcome.From.Short(), "target", outcome.To.Short(), "error", outcome.Err)
	}
}

