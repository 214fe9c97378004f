package state

import (
	"context"

	"github.com/wearable-pin/pindeploy/internal/deploy"
	"github.com/wearable-pin/pindeploy/internal/observability"
	"github.com/wearable-pin/pindeploy/internal/scheduler"
)

// Recorder wraps a scheduler.Runner and persists every outcome. A failure
// to write is logged and never changes the outcome.
type Recorder struct {
	runner   scheduler.Runner
	dir      string
	logger   *observability.Logger
	lastGood string
}

// NewRecorder returns a Recorder writing to stateDir.
func NewRecorder(runner scheduler.Runner, stateDir string, logger *observability.Logger) *Recorder {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	r := &Recorder{runner: runner, dir: stateDir, logger: logger.WithFields("component", "state")}
	if prev, err := Read(stateDir); err == nil && prev != nil {
		r.lastGood = prev.LastGood
	}
	return r
}

// Run runs one cycle and records it.
func (r *Recorder) Run(ctx context.Context) deploy.Outcome {
	outcome := r.runner.Run(ctx)

	c := FromOutcome(outcome)
	if !outcome.Kind.Failed() {
		r.lastGood = c.Revision
	}
	c.LastGood = r.lastGood
	c.UpdatedAt = outcome.Started.Add(outcome.Duration)

	if err := Write(r.dir, c); err != nil {
		r.logger.Warn(ctx, "failed to record cycle", "error", err, "dir", r.dir)
	}
	return outcome
}
