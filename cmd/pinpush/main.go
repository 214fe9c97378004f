// Package main provides pinpush, the operator-side companion of pindeploy.
//
// pinpush commits the local working copy, pushes it to the branch the device
// tracks and, optionally, asks the device over SSH to update right away.
//
//	pinpush "tune exposure"
//	pinpush --yes --trigger
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wearable-pin/pindeploy/internal/config"
	"github.com/wearable-pin/pindeploy/internal/observability"
	"github.com/wearable-pin/pindeploy/internal/push"
	"github.com/wearable-pin/pindeploy/internal/remote"
	"github.com/wearable-pin/pindeploy/internal/vcs"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// pushFlags are the command-line switches of pinpush.
type pushFlags struct {
	configPath string
	yes        bool
	trigger    bool
	noTrigger  bool
	verbose    bool
}

// buildRootCmd creates the pinpush command. This is separated from main()
// to facilitate testing.
func buildRootCmd() *cobra.Command {
	var flags pushFlags

	cmd := &cobra.Command{
		Use:   "pinpush [message]",
		Short: "Commit, push and optionally trigger an update on the pin",
		Long: `pinpush commits any local changes (with the given message, or a default
naming this host and the time), pushes the tracked branch, and asks the
device to update immediately.

A failed push exits non-zero. A failed trigger is only a warning: the
device picks the change up on its next scheduled check.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			message := ""
			if len(args) == 1 {
				message = args[0]
			}
			return runPush(cmd, flags, message, nil)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVarP(&flags.yes, "yes", "y", false, "Answer yes to every question")
	cmd.Flags().BoolVar(&flags.trigger, "trigger", false, "Always trigger the device after pushing")
	cmd.Flags().BoolVar(&flags.noTrigger, "no-trigger", false, "Never trigger the device")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "Log every step")
	cmd.MarkFlagsMutuallyExclusive("trigger", "no-trigger")
	return cmd
}

// runPush loads configuration and publishes. prompter overrides the
// interactive prompter when non-nil.
func runPush(cmd *cobra.Command, flags pushFlags, message string, prompter push.Prompter) error {
	cfg, err := config.Load(config.ResolvePath(flags.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := "warn"
	if flags.verbose {
		level = "info"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: "text",
		Output: cmd.ErrOrStderr(),
		Source: "pinpush",
	})

	src, err := vcs.Open(cfg.Push.Backend, vcs.Options{
		Dir:         cfg.Push.Dir,
		Remote:      cfg.Push.Remote,
		SSHKey:      cfg.Push.SSHKey,
		AuthorName:  cfg.Push.AuthorName,
		AuthorEmail: cfg.Push.AuthorEmail,
	})
	if err != nil {
		return err
	}

	mode := cfg.Push.Trigger.Mode
	switch {
	case flags.trigger:
		mode = push.TriggerAlways
	case flags.noTrigger:
		mode = push.TriggerNever
	}

	if prompter == nil {
		prompter = push.DefaultPrompter(flags.yes)
	}

	var remoteTrigger push.RemoteTrigger
	rt := remote.New(remote.Config{
		Host:       cfg.Push.Trigger.Host,
		Port:       cfg.Push.Trigger.Port,
		User:       cfg.Push.Trigger.User,
		KeyFile:    cfg.Push.Trigger.KeyFile,
		KnownHosts: cfg.Push.Trigger.KnownHosts,
		Command:    cfg.Push.Trigger.Command,
		Timeout:    cfg.Push.Trigger.Timeout,
	})
	if err := rt.Configured(); err == nil {
		remoteTrigger = rt
	} else if mode != push.TriggerNever {
		logger.Info(cmd.Context(), "remote trigger unavailable", "error", err)
	}

	agent := push.NewAgent(src, cfg.Push.Branch,
		push.WithPrompter(prompter),
		push.WithTrigger(remoteTrigger, mode, cfg.Push.Trigger.Attempts),
		push.WithPushTimeout(cfg.Push.Timeout),
		push.WithLogger(logger),
	)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := agent.Publish(ctx, message)
	out := cmd.OutOrStdout()
	if err != nil {
		if errors.Is(err, push.ErrAborted) {
			fmt.Fprintln(out, "Aborted; nothing was pushed.")
		}
		return err
	}

	report(out, res, cfg.Push.Branch, cfg.Schedule)
	return nil
}

func report(out io.Writer, res push.Result, branch string, schedule config.ScheduleConfig) {
	if res.Committed {
		fmt.Fprintf(out, "Committed %s\n", res.Revision.Short())
	} else {
		fmt.Fprintln(out, "Nothing to commit")
	}
	fmt.Fprintf(out, "Pushed %s to %s\n", res.Revision.Short(), branch)

	switch {
	case res.Triggered:
		fmt.Fprintln(out, "Device asked to update now")
	case res.TriggerErr != nil:
		fmt.Fprintf(out, "Warning: %v\n", res.TriggerErr)
		fmt.Fprintf(out, "The device will pick up the change on its next scheduled check (%s).\n", describeSchedule(schedule))
	}
}

func describeSchedule(s config.ScheduleConfig) string {
	if s.Cron != "" {
		return "cron " + s.Cron
	}
	if s.Interval > 0 {
		return "every " + s.Interval.Round(time.Second).String()
	}
	return "per its schedule"
}
