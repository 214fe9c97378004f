package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wearable-pin/pindeploy/internal/config"
	"github.com/wearable-pin/pindeploy/internal/daemon"
	"github.com/wearable-pin/pindeploy/internal/deploy"
	"github.com/wearable-pin/pindeploy/internal/doctor"
	"github.com/wearable-pin/pindeploy/internal/scheduler"
	"github.com/wearable-pin/pindeploy/internal/state"
	"github.com/wearable-pin/pindeploy/internal/trigger"
	"github.com/wearable-pin/pindeploy/internal/vcs"
)

// =============================================================================
// Agent Command Handlers
// =============================================================================

// runAgent implements the run command. It wires the scheduler to the
// trigger surfaces and blocks until a shutdown signal.
func runAgent(cmd *cobra.Command, configPath string) error {
	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	rt := newRuntime(cfg, cmd.ErrOrStderr())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.close(ctx)
	}()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt.logger.Info(ctx, "starting pindeploy",
		"version", version,
		"commit", commit,
		"config", path,
		"repository", cfg.Repository.Dir,
		"branch", cfg.Repository.Branch,
		"unit", cfg.Service.Unit,
	)

	cycle, err := rt.buildCycle(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to open working copy: %w", err)
	}
	sched, err := rt.buildScheduler(cycle)
	if err != nil {
		return err
	}

	if cfg.Trigger.ListenEnabled() {
		srv := trigger.NewServer(cfg.Trigger.Listen, sched, rt.metrics, rt.logger, version)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				rt.logger.Warn(shutdownCtx, "admin server shutdown failed", "error", err)
			}
		}()
	}

	if cfg.Trigger.File != "" {
		watcher := trigger.NewFileWatcher(cfg.Trigger.File, sched, rt.logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				rt.logger.Error(ctx, "trigger file watcher stopped", "error", err)
			}
		}()
	}

	if !cfg.Trigger.DisableSignal {
		trigger.WatchSignal(ctx, sched)
	}

	err = sched.Run(ctx)
	rt.logger.Info(context.Background(), "pindeploy stopped")
	return err
}

// runOnce implements the once command.
func runOnce(cmd *cobra.Command, configPath string, noRestart bool) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	rt := newRuntime(cfg, cmd.ErrOrStderr())
	defer rt.close(context.Background())

	ctx := cmd.Context()
	cycle, err := rt.buildCycle(ctx, !noRestart)
	if err != nil {
		return fmt.Errorf("failed to open working copy: %w", err)
	}
	sched, err := rt.buildScheduler(cycle)
	if err != nil {
		return err
	}

	outcome := sched.RunOnce(ctx, scheduler.SourceCLI)
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, describeOutcome(outcome))
	if outcome.Kind.Failed() {
		return outcome.Err
	}
	if outcome.Service.Err != nil {
		return outcome.Service.Err
	}
	return nil
}

func describeOutcome(o deploy.Outcome) string {
	switch o.Kind {
	case deploy.NoChange:
		return fmt.Sprintf("no change: working copy is at %s", o.Current.Short())
	case deploy.Updated:
		line := fmt.Sprintf("updated %s -> %s", o.From.Short(), o.To.Short())
		if o.Service.Action != deploy.ActionNone {
			line += fmt.Sprintf(" (service %s)", o.Service.Action)
		}
		return line
	default:
		return fmt.Sprintf("%s: %v", o.Kind, o.Err)
	}
}

// runTrigger implements the trigger command.
func runTrigger(cmd *cobra.Command, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	res, err := trigger.NewClient(cfg.Trigger.Listen, cfg.Trigger.File).Request(ctx)
	if err != nil {
		return fmt.Errorf("trigger failed: %w", err)
	}
	state := "queued"
	if res.Coalesced {
		state = "already pending"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "update %s (via %s)\n", state, res.Via)
	return nil
}

// runStatus implements the status command. When the agent cannot be
// reached it falls back to the last recorded cycle.
func runStatus(cmd *cobra.Command, configPath string, asJSON bool) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	reachErr := errors.New("admin listener disabled (trigger.listen is off)")
	if cfg.Trigger.ListenEnabled() {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		status, err := trigger.NewClient(cfg.Trigger.Listen, "").Status(ctx)
		if err == nil {
			return printStatus(out, status, asJSON)
		}
		reachErr = fmt.Errorf("agent unreachable at %s: %w", cfg.Trigger.Listen, err)
	}

	last, err := state.Read(cfg.StateDir)
	if err != nil {
		return err
	}
	if last == nil {
		return fmt.Errorf("%w; no cycle recorded in %s", reachErr, cfg.StateDir)
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(last)
	}
	fmt.Fprintf(out, "Agent:        not reachable (%v)\n", reachErr)
	fmt.Fprintf(out, "Last cycle:   %s\n", state.Summarize(*last))
	fmt.Fprintf(out, "Recorded at:  %s\n", last.UpdatedAt.Local().Format(time.RFC3339))
	if last.LastGood != "" {
		fmt.Fprintf(out, "Last good:    %s\n", vcs.Revision(last.LastGood).Short())
	}
	return nil
}

func printStatus(out io.Writer, status scheduler.Status, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	fmt.Fprintf(out, "Revision:     %s\n", orDash(vcs.Revision(status.Revision).Short()))
	fmt.Fprintf(out, "Running:      %t (pending: %t)\n", status.Running, status.Pending)
	fmt.Fprintf(out, "Cycles run:   %d\n", status.CyclesRun)
	if status.CyclesRun > 0 {
		fmt.Fprintf(out, "Last outcome: %s (%s, trigger %s, took %s)\n",
			status.LastOutcome, status.LastRun.Local().Format(time.RFC3339), status.LastTrigger, status.LastDuration)
		if status.LastService != "" && status.LastService != deploy.ActionNone.String() {
			fmt.Fprintf(out, "Service:      %s\n", status.LastService)
		}
		if status.LastError != "" {
			fmt.Fprintf(out, "Last error:   %s\n", status.LastError)
		}
	}
	if !status.NextRun.IsZero() {
		fmt.Fprintf(out, "Next run:     %s\n", status.NextRun.Local().Format(time.RFC3339))
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// =============================================================================
// Setup Command Handlers
// =============================================================================

// runDoctor implements the doctor command.
func runDoctor(cmd *cobra.Command, configPath string) error {
	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	rt := newRuntime(cfg, cmd.ErrOrStderr())
	defer rt.close(context.Background())

	var inspector vcs.Inspector
	if src, err := rt.openSource(); err == nil {
		inspector, _ = src.(vcs.Inspector)
	}

	report := doctor.New(cfg, path, inspector, rt.supervisor()).Run(cmd.Context())
	if err := report.Write(cmd.OutOrStdout()); err != nil {
		return err
	}
	if report.Failed() {
		return errors.New("doctor found critical problems")
	}
	return nil
}

// runClone implements the clone command.
func runClone(cmd *cobra.Command, configPath, url string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if url == "" {
		url = cfg.Repository.URL
	}
	if url == "" {
		return errors.New("no repository URL: pass one or set repository.url")
	}

	err = vcs.Clone(cmd.Context(), cfg.Repository.Backend, url, cfg.Repository.Branch, vcs.Options{
		Dir:    cfg.Repository.Dir,
		Remote: cfg.Repository.Remote,
		SSHKey: cfg.Repository.SSHKey,
	})
	if err != nil {
		return fmt.Errorf("clone failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cloned %s (%s) into %s\n", url, cfg.Repository.Branch, cfg.Repository.Dir)
	return nil
}

// runServiceInstall implements the service install command.
func runServiceInstall(cmd *cobra.Command, configPath string, user bool, unitDir string) error {
	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	args := []string{exe, "run"}
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		args = append(args, "--config", abs)
	}

	opts := daemon.InstallOptions{
		UnitOptions: daemon.UnitOptions{
			ProgramArguments: args,
			WorkingDirectory: cfg.Repository.Dir,
			User:             user,
		},
		Name:    daemon.DefaultAgentUnitName,
		UnitDir: unitDir,
	}

	out := cmd.OutOrStdout()
	if existing := daemon.UnitPath(opts); fileExists(existing) {
		backup, err := doctor.BackupFile(existing)
		if err != nil {
			return fmt.Errorf("failed to back up %s: %w", existing, err)
		}
		fmt.Fprintf(out, "Backed up existing unit to %s\n", backup)
	}

	result, err := daemon.Install(cmd.Context(), opts, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Installed %s at %s\n", result.Unit, result.Path)
	return nil
}

// runServiceUninstall implements the service uninstall command.
func runServiceUninstall(cmd *cobra.Command, user bool, unitDir string) error {
	opts := daemon.InstallOptions{
		UnitOptions: daemon.UnitOptions{User: user},
		Name:        daemon.DefaultAgentUnitName,
		UnitDir:     unitDir,
	}
	if err := daemon.Uninstall(cmd.Context(), opts, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", daemon.UnitPath(opts))
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// runConfigSchema implements the config schema command.
func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

// runConfigShow implements the config show command.
func runConfigShow(cmd *cobra.Command, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
