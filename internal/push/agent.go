// Package push publishes the operator's local changes to the shared
// repository and optionally asks the device to pick them up immediately.
package push

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/wearable-pin/pindeploy/internal/backoff"
	"github.com/wearable-pin/pindeploy/internal/observability"
	"github.com/wearable-pin/pindeploy/internal/vcs"
)

// Trigger modes.
const (
	TriggerAsk    = "ask"
	TriggerAlways = "always"
	TriggerNever  = "never"
)

// RemoteTrigger delivers the immediate-update request. *remote.Trigger
// implements it.
type RemoteTrigger interface {
	Run(ctx context.Context) (string, error)
}

// Result reports what Publish did.
type Result struct {
	Committed  bool
	Revision   vcs.Revision
	Pushed     bool
	Triggered  bool
	TriggerErr error
}

// Agent commits, pushes and triggers.
type Agent struct {
	src         vcs.Source
	branch      string
	prompter    Prompter
	trigger     RemoteTrigger
	mode        string
	attempts    int
	policy      backoff.Policy
	pushTimeout time.Duration
	logger      *observability.Logger
	now         func() time.Time
	hostname    func() (string, error)
}

// Option configures an Agent.
type Option func(*Agent)

// WithPrompter sets how the operator is asked questions.
func WithPrompter(p Prompter) Option {
	return func(a *Agent) { a.prompter = p }
}

// WithTrigger sets the remote trigger, its mode and the number of delivery
// attempts.
func WithTrigger(t RemoteTrigger, mode string, attempts int) Option {
	return func(a *Agent) {
		a.trigger = t
		a.mode = mode
		a.attempts = attempts
	}
}

// WithRetryPolicy overrides the backoff between trigger attempts.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(a *Agent) { a.policy = p }
}

// WithPushTimeout bounds the push.
func WithPushTimeout(d time.Duration) Option {
	return func(a *Agent) { a.pushTimeout = d }
}

func WithLogger(l *observability.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

func WithNow(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

func WithHostname(fn func() (string, error)) Option {
	return func(a *Agent) { a.hostname = fn }
}

// NewAgent returns an agent publishing branch from src.
func NewAgent(src vcs.Source, branch string, opts ...Option) *Agent {
	a := &Agent{
		src:         src,
		branch:      branch,
		prompter:    AutoPrompter{Answer: true},
		mode:        TriggerNever,
		attempts:    3,
		policy:      backoff.DefaultPolicy(),
		pushTimeout: 60 * time.Second,
		now:         time.Now,
		hostname:    os.Hostname,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = observability.NewNopLogger()
	}
	a.logger = a.logger.WithFields("component", "push")
	return a
}

// Publish commits pending changes with message (or a default), pushes the
// branch and runs the trigger step. Only a failed check, commit or push
// returns an error. A failed trigger is reported through Result.TriggerErr.
func (a *Agent) Publish(ctx context.Context, message string) (Result, error) {
	var res Result

	dirty, err := a.src.HasChanges(ctx)
	if err != nil {
		return res, fmt.Errorf("check working copy: %w", err)
	}

	if dirty {
		ok, err := a.prompter.Confirm("The working copy has uncommitted changes. Commit and push them?", true)
		if err != nil {
			return res, fmt.Errorf("prompt: %w", err)
		}
		if !ok {
			return res, ErrAborted
		}

		if message == "" {
			message = a.defaultMessage()
		}
		rev, err := a.src.Commit(ctx, message)
		if err != nil {
			return res, fmt.Errorf("commit: %w", err)
		}
		res.Committed = true
		res.Revision = rev
		a.logger.Info(ctx, "committed changes", "revision", rev.Short(), "message", message)
	} else {
		a.logger.Info(ctx, "nothing to commit")
		if rev, err := a.src.CurrentRevision(ctx); err == nil {
			res.Revision = rev
		}
	}

	if err := a.push(ctx); err != nil {
		return res, err
	}
	res.Pushed = true
	a.logger.Info(ctx, "pushed", "branch", a.branch, "revision", res.Revision.Short())

	res.Triggered, res.TriggerErr = a.runTrigger(ctx)
	return res, nil
}

func (a *Agent) push(ctx context.Context) error {
	pushCtx := ctx
	if a.pushTimeout > 0 {
		var cancel context.CancelFunc
		pushCtx, cancel = context.WithTimeout(ctx, a.pushTimeout)
		defer cancel()
	}
	if err := a.src.Push(pushCtx, a.branch); err != nil {
		if errors.Is(pushCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", a.pushTimeout, err)
		}
		a.logger.Error(ctx, "push failed", "branch", a.branch, "error", err)
		return fmt.Errorf("%w: %w; pull and resolve conflicts, then retry", ErrPushFailed, err)
	}
	return nil
}

func (a *Agent) runTrigger(ctx context.Context) (bool, error) {
	if a.mode == TriggerNever || a.mode == "" {
		return false, nil
	}
	if a.trigger == nil {
		err := fmt.Errorf("%w: no remote trigger configured", ErrTriggerFailed)
		a.logger.Warn(ctx, "trigger skipped", "error", err)
		return false, err
	}

	switch a.mode {
	case TriggerAsk:
		ok, err := a.prompter.Confirm("Trigger an immediate update on the device?", true)
		if err != nil {
			return false, fmt.Errorf("%w: prompt: %v", ErrTriggerFailed, err)
		}
		if !ok {
			return false, nil
		}
	case TriggerAlways:
	default:
		return false, fmt.Errorf("%w: unknown trigger mode %q", ErrTriggerFailed, a.mode)
	}

	_, attempts, err := backoff.Retry(ctx, a.policy, a.attempts,
		func(ctx context.Context, _ int) (string, error) {
			return a.trigger.Run(ctx)
		},
		func(attempt int, err error, delay time.Duration) {
			a.logger.Warn(ctx, "trigger attempt failed", "attempt", attempt, "retry_in", delay.String(), "error", err)
		},
	)
	if err != nil {
		a.logger.Warn(ctx, "trigger failed", "attempts", attempts, "error", err)
		return false, fmt.Errorf("%w: %w", ErrTriggerFailed, err)
	}
	a.logger.Info(ctx, "device triggered", "attempts", attempts)
	return true, nil
}

func (a *Agent) defaultMessage() string {
	host, err := a.hostname()
	if err != nil || host == "" {
		host = "unknown host"
	}
	return fmt.Sprintf("Update from %s at %s", host, a.now().Format(time.RFC3339))
}
