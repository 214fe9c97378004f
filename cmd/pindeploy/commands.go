package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Agent Commands
// =============================================================================

// buildRunCmd creates the "run" command that runs the scheduler loop.
func buildRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the update agent",
		Long: `Run the update agent until SIGINT or SIGTERM.

The agent will:
1. Load configuration and open the working copy
2. Run one update cycle at startup (unless schedule.skip_startup_run)
3. Run a cycle on every schedule tick
4. Run a cycle on demand via POST /trigger, the trigger file or SIGUSR1

A cycle in progress always completes before the agent exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

// buildOnceCmd creates the "once" command that runs a single cycle.
func buildOnceCmd() *cobra.Command {
	var (
		configPath string
		noRestart  bool
	)

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single update cycle and exit",
		Example: `  # Update and restart the application if needed
  pindeploy once

  # Only update the working copy
  pindeploy once --no-restart`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, configPath, noRestart)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&noRestart, "no-restart", false, "Do not start or restart the application unit")
	return cmd
}

// buildTriggerCmd creates the "trigger" command, the client side of the
// immediate-update surfaces.
func buildTriggerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Ask the running agent for an immediate update cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrigger(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

// buildStatusCmd creates the "status" command.
func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running agent's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, asJSON)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	return cmd
}

// =============================================================================
// Setup Commands
// =============================================================================

// buildDoctorCmd creates the "doctor" command for device checks.
func buildDoctorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the device for problems that block updates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

// buildCloneCmd creates the "clone" command that creates the working copy.
func buildCloneCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "clone [url]",
		Short: "Create the working copy from the remote repository",
		Long: `Clone repository.url (or the given URL) into repository.dir with
repository.branch checked out. The target directory must be empty.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := ""
			if len(args) == 1 {
				url = args[0]
			}
			return runClone(cmd, configPath, url)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

// buildServiceCmd creates the "service" command group.
func buildServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the systemd unit that runs the agent",
	}
	cmd.AddCommand(buildServiceInstallCmd(), buildServiceUninstallCmd())
	return cmd
}

func buildServiceInstallCmd() *cobra.Command {
	var (
		configPath string
		user       bool
		unitDir    string
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Write, enable and start the agent unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceInstall(cmd, configPath, user, unitDir)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&user, "user", false, "Install a user unit instead of a system unit")
	cmd.Flags().StringVar(&unitDir, "unit-dir", "", "Override the unit directory")
	return cmd
}

func buildServiceUninstallCmd() *cobra.Command {
	var (
		user    bool
		unitDir string
	)
	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop, disable and remove the agent unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceUninstall(cmd, user, unitDir)
		},
	}
	cmd.Flags().BoolVar(&user, "user", false, "Remove the user unit instead of the system unit")
	cmd.Flags().StringVar(&unitDir, "unit-dir", "", "Override the unit directory")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigShowCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

func buildConfigShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after defaults and overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}
