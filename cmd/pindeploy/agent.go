package main

import (
	"context"
	"fmt"
	"io"

	"github.com/wearable-pin/pindeploy/internal/config"
	"github.com/wearable-pin/pindeploy/internal/daemon"
	"github.com/wearable-pin/pindeploy/internal/deploy"
	"github.com/wearable-pin/pindeploy/internal/lock"
	"github.com/wearable-pin/pindeploy/internal/observability"
	"github.com/wearable-pin/pindeploy/internal/scheduler"
	"github.com/wearable-pin/pindeploy/internal/state"
	"github.com/wearable-pin/pindeploy/internal/vcs"
)

// loadConfig resolves the configuration path and loads it.
func loadConfig(flag string) (*config.Config, string, error) {
	path := config.ResolvePath(flag)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, path, nil
}

// runtime holds the ambient services shared by the agent commands.
type runtime struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	shutdownTracer func(context.Context) error
	syslog         io.Closer
}

func newRuntime(cfg *config.Config, stderr io.Writer) *runtime {
	rt := &runtime{cfg: cfg, metrics: observability.NewMetrics()}

	logCfg := observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: stderr,
	}
	var syslogErr error
	if cfg.Logging.Syslog {
		w, err := observability.DialSyslog(cfg.Logging.Tag)
		if err != nil {
			syslogErr = err
		} else {
			logCfg.Syslog = w
			if closer, ok := w.(io.Closer); ok {
				rt.syslog = closer
			}
		}
	}
	rt.logger = observability.NewLogger(logCfg)
	if syslogErr != nil {
		rt.logger.Warn(context.Background(), "system log unavailable; logging to stderr only", "error", syslogErr)
	}

	rt.tracer, rt.shutdownTracer = observability.NewTracer(observability.TraceConfig{
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	return rt
}

func (rt *runtime) close(ctx context.Context) {
	if err := rt.shutdownTracer(ctx); err != nil {
		rt.logger.Warn(ctx, "tracer shutdown failed", "error", err)
	}
	if rt.syslog != nil {
		_ = rt.syslog.Close()
	}
}

func (rt *runtime) openSource() (vcs.Source, error) {
	return vcs.Open(rt.cfg.Repository.Backend, vcs.Options{
		Dir:    rt.cfg.Repository.Dir,
		Remote: rt.cfg.Repository.Remote,
		SSHKey: rt.cfg.Repository.SSHKey,
	})
}

func (rt *runtime) supervisor() *daemon.Systemd {
	return daemon.NewSystemd(rt.cfg.Service.Unit,
		daemon.WithUserScope(rt.cfg.Service.User),
		daemon.WithTimeout(rt.cfg.Service.Timeout),
	)
}

// buildCycle opens the working copy and assembles an update cycle. With
// restart false the cycle never touches the application unit.
func (rt *runtime) buildCycle(ctx context.Context, restart bool) (*deploy.Cycle, error) {
	src, err := rt.openSource()
	if err != nil {
		return nil, err
	}
	wc, err := deploy.NewWorkingCopy(ctx, src, rt.cfg.Repository.Branch,
		deploy.WithFetchTimeout(rt.cfg.Repository.FetchTimeout),
		deploy.WithPullTimeout(rt.cfg.Repository.PullTimeout),
	)
	if err != nil {
		return nil, err
	}

	opts := []deploy.Option{
		deploy.WithLogger(rt.logger),
		deploy.WithMetrics(rt.metrics),
		deploy.WithTracer(rt.tracer),
	}
	var reconciler *deploy.Reconciler
	if restart {
		reconciler = deploy.NewReconciler(rt.supervisor(), rt.cfg.Service.Unit, opts...)
	}
	// The agent and "pindeploy once" share the checkout; the state
	// directory lock keeps their cycles apart. A holder finishes within
	// its own fetch, pull and systemctl timeouts.
	repo := rt.cfg.Repository
	lockWait := repo.FetchTimeout + repo.PullTimeout + 3*rt.cfg.Service.Timeout
	cycleOpts := append(opts, deploy.WithLock(lock.InDir(rt.cfg.StateDir), lockWait))
	return deploy.NewCycle(wc, reconciler, cycleOpts...), nil
}

// buildScheduler schedules runner, recording every outcome in the state
// directory.
func (rt *runtime) buildScheduler(cycle *deploy.Cycle) (*scheduler.Scheduler, error) {
	schedule, err := scheduler.ParseSchedule(rt.cfg.Schedule.Interval, rt.cfg.Schedule.Cron, rt.cfg.Schedule.Timezone)
	if err != nil {
		return nil, err
	}
	runner := state.NewRecorder(cycle, rt.cfg.StateDir, rt.logger)
	return scheduler.New(runner, schedule,
		scheduler.WithLogger(rt.logger),
		scheduler.WithMetrics(rt.metrics),
		scheduler.WithRunOnStart(!rt.cfg.Schedule.SkipStartupRun),
	), nil
}
