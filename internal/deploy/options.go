package deploy

import (
	"context"
	"time"

	"github.com/wearable-pin/pindeploy/internal/observability"
)

type options struct {
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time

	lock     Locker
	lockWait time.Duration
}

// Locker excludes update cycles run by other processes against the same
// working copy. *lock.File implements it.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// Option configures a Cycle or a Reconciler.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *observability.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records cycle and service metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// WithTracer wraps cycles and their steps in spans.
func WithTracer(tracer *observability.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithLock holds l for the whole of every cycle, fetch through service
// reconcile. A positive wait bounds how long a cycle queues behind another
// process before giving up.
func WithLock(l Locker, wait time.Duration) Option {
	return func(o *options) {
		o.lock = l
		o.lockWait = wait
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(component string, opts []Option) options {
	o := options{
		logger: observability.NewNopLogger(),
		tracer: observability.NewNopTracer(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.WithFields("component", component)
	return o
}
