package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SystemUnitDir is where system-scope units are installed.
const SystemUnitDir = "/etc/systemd/system"

// UnitOptions describe the unit file written for the agent.
type UnitOptions struct {
	Description      string
	ProgramArguments []string
	WorkingDirectory string
	Environment      map[string]string
	User             bool
}

// InstallOptions contains configuration for installing the agent unit.
type InstallOptions struct {
	UnitOptions
	Name string
	// UnitDir overrides the directory the unit file is written to.
	UnitDir string
	// Home is used to locate the user unit directory.
	Home string
}

// InstallResult contains the result of installing the agent unit.
type InstallResult struct {
	Path string
	Unit string
}

// BuildSystemdUnit builds a systemd unit file content.
func BuildSystemdUnit(opts UnitOptions) string {
	var lines []string

	lines = append(lines, "[Unit]")
	description := opts.Description
	if description == "" {
		description = "pindeploy update agent"
	}
	lines = append(lines, "Description="+description)
	lines = append(lines, "After=network-online.target")
	lines = append(lines, "Wants=network-online.target")
	lines = append(lines, "")

	lines = append(lines, "[Service]")
	lines = append(lines, "ExecStart="+systemdQuoteArgs(opts.ProgramArguments))
	lines = append(lines, "Restart=always")
	lines = append(lines, "RestartSec=5")
	// SIGTERM lets the in-flight cycle finish before exit.
	lines = append(lines, "KillSignal=SIGTERM")
	lines = append(lines, "TimeoutStopSec=180")

	if opts.WorkingDirectory != "" {
		lines = append(lines, "WorkingDirectory="+systemdEscapeArg(opts.WorkingDirectory))
	}

	keys := make([]string, 0, len(opts.Environment))
	for k, v := range opts.Environment {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, "Environment="+systemdEscapeArg(k+"="+opts.Environment[k]))
	}
	lines = append(lines, "")

	lines = append(lines, "[Install]")
	if opts.User {
		lines = append(lines, "WantedBy=default.target")
	} else {
		lines = append(lines, "WantedBy=multi-user.target")
	}
	lines = append(lines, "")

	return strings.Join(lines, "\n")
}

// systemdEscapeArg escapes a single argument for systemd unit files.
func systemdEscapeArg(value string) string {
	if !strings.ContainsAny(value, " \t\"\\") {
		return value
	}
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return "\"" + escaped + "\""
}

// systemdQuoteArgs joins arguments with proper escaping for ExecStart.
func systemdQuoteArgs(args []string) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, systemdEscapeArg(arg))
	}
	return strings.Join(parts, " ")
}

// ParseSystemdExecStart parses an ExecStart value into arguments.
func ParseSystemdExecStart(value string) []string {
	var args []string
	var current strings.Builder
	inQuotes := false
	escapeNext := false

	for _, char := range value {
		if escapeNext {
			current.WriteRune(char)
			escapeNext = false
			continue
		}
		if char == '\\' {
			escapeNext = true
			continue
		}
		if char == '"' {
			inQuotes = !inQuotes
			continue
		}
		if !inQuotes && (char == ' ' || char == '\t') {
			if current.Len() > 0 {
				args = append(args, current.String())
				current.Reset()
			}
			continue
		}
		current.WriteRune(char)
	}
	if current.Len() > 0 {
		args = append(args, current.String())
	}
	return args
}

// UnitPath returns where the unit file for opts is written.
func UnitPath(opts InstallOptions) string {
	name := normalizeUnitName(opts.Name)
	if name == "" {
		name = normalizeUnitName(DefaultAgentUnitName)
	}
	if opts.UnitDir != "" {
		return filepath.Join(opts.UnitDir, name)
	}
	if !opts.User {
		return filepath.Join(SystemUnitDir, name)
	}
	home := opts.Home
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	if home == "" {
		home = "."
	}
	return filepath.Join(home, ".config", "systemd", "user", name)
}

// Install writes the agent unit, reloads systemd, and enables and starts
// the unit.
func Install(ctx context.Context, opts InstallOptions, run CommandRunner) (*InstallResult, error) {
	manager := NewSystemd(opts.Name, WithUserScope(opts.User), WithRunner(run))
	if manager.unit == "" {
		manager.unit = normalizeUnitName(DefaultAgentUnitName)
	}
	if err := manager.Available(ctx); err != nil {
		return nil, err
	}

	unitPath := UnitPath(opts)
	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create unit directory: %w", err)
	}
	if err := os.WriteFile(unitPath, []byte(BuildSystemdUnit(opts.UnitOptions)), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write unit file: %w", err)
	}

	for _, args := range [][]string{
		{"daemon-reload"},
		{"enable", manager.unit},
		{"restart", manager.unit},
	} {
		stdout, stderr, code, err := manager.systemctl(ctx, args...)
		if err != nil {
			return nil, err
		}
		if code != 0 {
			return nil, fmt.Errorf("systemctl %s failed: %s", args[0], describe(stdout, stderr))
		}
	}

	return &InstallResult{Path: unitPath, Unit: manager.unit}, nil
}

// Uninstall disables and stops the agent unit and removes its file.
func Uninstall(ctx context.Context, opts InstallOptions, run CommandRunner) error {
	manager := NewSystemd(opts.Name, WithUserScope(opts.User), WithRunner(run))
	if manager.unit == "" {
		manager.unit = normalizeUnitName(DefaultAgentUnitName)
	}
	if err := manager.Available(ctx); err != nil {
		return err
	}

	// Best effort: the unit may already be stopped or unknown.
	_ = manager.Stop(ctx)
	_, _, _, _ = manager.systemctl(ctx, "disable", manager.unit)

	unitPath := UnitPath(opts)
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove unit file: %w", err)
	}
	_, _, _, _ = manager.systemctl(ctx, "daemon-reload")
	return nil
}
