package deploy

import (
	"context"
	"fmt"

	"github.com/wearable-pin/pindeploy/internal/daemon"
)

// ReconcileAction is what the Reconciler did to the supervised service.
type ReconcileAction int

const (
	ActionNone ReconcileAction = iota
	ActionRestarted
	ActionStarted
	ActionSkippedDisabled
	ActionRestartFailed
	ActionStartFailed
	ActionQueryFailed
)

func (a ReconcileAction) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRestarted:
		return "restarted"
	case ActionStarted:
		return "started"
	case ActionSkippedDisabled:
		return "skipped_disabled"
	case ActionRestartFailed:
		return "restart_failed"
	case ActionStartFailed:
		return "start_failed"
	case ActionQueryFailed:
		return "query_failed"
	default:
		return "unknown"
	}
}

// ReconcileResult reports the action taken and, for failures, why.
type ReconcileResult struct {
	Action ReconcileAction
	State  daemon.ServiceState
	Err    error
}

// Reconciler maps an update outcome onto the supervised service. Only an
// Updated outcome ever touches the service, and then with exactly one start
// or restart. Nothing is retried.
type Reconciler struct {
	supervisor daemon.Supervisor
	unit       string
	opts       options
}

// NewReconciler returns a Reconciler driving supervisor. unit is used only
// for logs and spans.
func NewReconciler(supervisor daemon.Supervisor, unit string, opts ...Option) *Reconciler {
	return &Reconciler{
		supervisor: supervisor,
		unit:       unit,
		opts:       buildOptions("reconciler", opts),
	}
}

// Reconcile applies outcome to the service.
func (r *Reconciler) Reconcile(ctx context.Context, outcome Outcome) ReconcileResult {
	if outcome.Kind != Updated {
		return ReconcileResult{Action: ActionNone}
	}

	ctx, span := r.opts.tracer.TraceReconcile(ctx, r.unit)
	defer span.End()

	result := r.apply(ctx, outcome)
	r.opts.tracer.SetAttributes(span, "service.action", result.Action.String(), "service.state", result.State.String())
	r.opts.tracer.RecordError(span, result.Err)
	r.opts.metrics.RecordServiceAction(result.Action.String())
	return result
}

func (r *Reconciler) apply(ctx context.Context, outcome Outcome) ReconcileResult {
	logger := r.opts.logger
	state, err := r.supervisor.State(ctx)
	if err != nil {
		logger.Error(ctx, "service state query failed; service left as is",
			"unit", r.unit, "error", err)
		return ReconcileResult{Action: ActionQueryFailed, Err: err}
	}

	switch state {
	case daemon.Running:
		if err := r.supervisor.Restart(ctx); err != nil {
			err = fmt.Errorf("%w: %s: %w", ErrRestartFailed, r.unit, err)
			logger.Error(ctx, "service restart failed",
				"unit", r.unit, "revision", outcome.To.Short(), "error", err)
			return ReconcileResult{Action: ActionRestartFailed, State: state, Err: err}
		}
		logger.Info(ctx, "service restarted", "unit", r.unit, "revision", outcome.To.Short())
		return ReconcileResult{Action: ActionRestarted, State: state}

	case daemon.Stopped:
		if err := r.supervisor.Start(ctx); err != nil {
			err = fmt.Errorf("%w: %s: %w", ErrStartFailed, r.unit, err)
			logger.Error(ctx, "service start failed",
				"unit", r.unit, "revision", outcome.To.Short(), "error", err)
			return ReconcileResult{Action: ActionStartFailed, State: state, Err: err}
		}
		logger.Info(ctx, "service started", "unit", r.unit, "revision", outcome.To.Short())
		return ReconcileResult{Action: ActionStarted, State: state}

	default:
		logger.Info(ctx, "service disabled; not starting it", "unit", r.unit, "revision", outcome.To.Short())
		return ReconcileResult{Action: ActionSkippedDisabled, State: state}
	}
}
