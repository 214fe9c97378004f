// Package scheduler decides when update cycles run: on a periodic schedule
// and on demand. It guarantees that at most one cycle runs at a time and
// coalesces bursts of immediate triggers into a single follow-up cycle.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wearable-pin/pindeploy/internal/deploy"
	"github.com/wearable-pin/pindeploy/internal/observability"
)

// TriggerKind says why a cycle ran.
type TriggerKind int

const (
	Scheduled TriggerKind = iota
	Immediate
)

func (k TriggerKind) String() string {
	if k == Immediate {
		return "immediate"
	}
	return "scheduled"
}

// Trigger sources used in logs and metrics.
const (
	SourceSchedule = "schedule"
	SourceStartup  = "startup"
	SourceHTTP     = "http"
	SourceFile     = "file"
	SourceSignal   = "signal"
	SourceCLI      = "cli"
)

// Runner executes one update cycle. *deploy.Cycle implements it.
type Runner interface {
	Run(ctx context.Context) deploy.Outcome
}

// Status is a snapshot of the scheduler for the admin endpoint.
type Status struct {
	Running      bool      `json:"running"`
	Pending      bool      `json:"pending"`
	CyclesRun    int       `json:"cycles_run"`
	Revision     string    `json:"revision,omitempty"`
	LastOutcome  string    `json:"last_outcome,omitempty"`
	LastFrom     string    `json:"last_from,omitempty"`
	LastTo       string    `json:"last_to,omitempty"`
	LastService  string    `json:"last_service_action,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	LastTrigger  string    `json:"last_trigger,omitempty"`
	LastCycleID  string    `json:"last_cycle_id,omitempty"`
	LastRun      time.Time `json:"last_run,omitempty"`
	LastDuration string    `json:"last_duration,omitempty"`
	NextRun      time.Time `json:"next_run,omitempty"`
}

// Scheduler owns the cycle loop. Run is the only caller of the Runner.
type Scheduler struct {
	runner     Runner
	schedule   Schedule
	logger     *observability.Logger
	metrics    *observability.Metrics
	now        func() time.Time
	runOnStart bool

	// pending is the single coalescing slot for immediate triggers.
	pending chan string

	mu     sync.Mutex
	status Status
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *observability.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records trigger metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// WithNow overrides the clock used for status timestamps and the schedule.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRunOnStart controls the startup cycle. It is on by default.
func WithRunOnStart(enabled bool) Option {
	return func(s *Scheduler) {
		s.runOnStart = enabled
	}
}

// New returns a scheduler driving runner on schedule.
func New(runner Runner, schedule Schedule, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:     runner,
		schedule:   schedule,
		logger:     observability.NewNopLogger(),
		now:        time.Now,
		runOnStart: true,
		pending:    make(chan string, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithFields("component", "scheduler")
	return s
}

// Trigger requests an immediate cycle and never blocks. It returns true
// when a new run was queued and false when the request was coalesced into
// one already pending.
func (s *Scheduler) Trigger(source string) bool {
	queued := false
	select {
	case s.pending <- source:
		queued = true
	default:
	}
	s.metrics.RecordTrigger(source, !queued)
	if queued {
		s.logger.Info(context.Background(), "immediate update requested", "source", source)
	} else {
		s.logger.Debug(context.Background(), "immediate update already pending", "source", source)
	}
	return queued
}

// Run drives cycles until ctx is cancelled. A cycle in flight when ctx is
// cancelled runs to completion first; a pending trigger is dropped.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.runOnStart && ctx.Err() == nil {
		s.runCycle(ctx, Immediate, SourceStartup)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		now := s.now()
		next := s.schedule.Next(now)
		s.setNext(next)

		// A zero next time means the schedule never fires again; only
		// immediate triggers can start a cycle then.
		var tick <-chan time.Time
		var timer *time.Timer
		if next.IsZero() {
			s.logger.Warn(context.Background(), "schedule has no next run; waiting for triggers only")
		} else {
			timer = time.NewTimer(next.Sub(now))
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			s.logger.Info(context.Background(), "scheduler stopped")
			return nil
		case <-tick:
			if ctx.Err() != nil {
				return nil
			}
			s.runCycle(ctx, Scheduled, SourceSchedule)
		case source := <-s.pending:
			stopTimer(timer)
			if ctx.Err() != nil {
				return nil
			}
			s.runCycle(ctx, Immediate, source)
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// RunOnce runs a single cycle outside the loop, for "pindeploy once".
func (s *Scheduler) RunOnce(ctx context.Context, source string) deploy.Outcome {
	return s.runCycle(ctx, Immediate, source)
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.status
	status.Pending = len(s.pending) > 0
	return status
}

func (s *Scheduler) runCycle(parent context.Context, kind TriggerKind, source string) deploy.Outcome {
	// The cycle is not preemptible: shutdown must not abort a pull halfway.
	ctx := context.WithoutCancel(parent)
	cycleID := uuid.NewString()
	ctx = observability.AddCycleID(ctx, cycleID)
	ctx = observability.AddTrigger(ctx, source)

	s.mu.Lock()
	s.status.Running = true
	s.mu.Unlock()

	s.logger.Debug(ctx, "cycle starting", "kind", kind.String())
	outcome := s.runner.Run(ctx)

	s.mu.Lock()
	s.status.Running = false
	s.status.CyclesRun++
	s.status.LastOutcome = outcome.Kind.String()
	s.status.LastFrom = outcome.From.String()
	s.status.LastTo = outcome.To.String()
	s.status.LastService = outcome.Service.Action.String()
	s.status.LastTrigger = source
	s.status.LastCycleID = cycleID
	s.status.LastRun = s.now()
	s.status.LastDuration = outcome.Duration.String()
	s.status.LastError = ""
	if outcome.Err != nil {
		s.status.LastError = outcome.Err.Error()
	} else if outcome.Service.Err != nil {
		s.status.LastError = outcome.Service.Err.Error()
	}
	s.status.Revision = outcome.Current.String()
	s.mu.Unlock()
	return outcome
}

func (s *Scheduler) setNext(next time.Time) {
	s.mu.Lock()
	s.status.NextRun = next
	s.mu.Unlock()
}
