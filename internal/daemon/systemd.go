package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds each systemctl invocation.
const DefaultTimeout = 30 * time.Second

// Systemd supervises one unit through systemctl. It implements Supervisor.
type Systemd struct {
	unit    string
	user    bool
	timeout time.Duration
	run     CommandRunner
}

// SystemdOption configures a Systemd supervisor.
type SystemdOption func(*Systemd)

// WithUserScope talks to the user manager (systemctl --user).
func WithUserScope(user bool) SystemdOption {
	return func(s *Systemd) {
		s.user = user
	}
}

// WithTimeout bounds each systemctl call.
func WithTimeout(timeout time.Duration) SystemdOption {
	return func(s *Systemd) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithRunner replaces the systemctl executor. Tests use it to script answers.
func WithRunner(run CommandRunner) SystemdOption {
	return func(s *Systemd) {
		if run != nil {
			s.run = run
		}
	}
}

// NewSystemd returns a supervisor for unit.
func NewSystemd(unit string, opts ...SystemdOption) *Systemd {
	s := &Systemd{
		unit:    normalizeUnitName(unit),
		timeout: DefaultTimeout,
		run:     execSystemctl,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Unit returns the full unit name.
func (s *Systemd) Unit() string {
	return s.unit
}

// IsEnabled reports whether the unit is enabled. Disabled, masked and
// unknown units all report false without an error.
func (s *Systemd) IsEnabled(ctx context.Context) (bool, error) {
	stdout, stderr, code, err := s.systemctl(ctx, "is-enabled", s.unit)
	if err != nil {
		return false, err
	}
	state := firstLine(stdout)
	if code == 0 {
		return true, nil
	}
	switch state {
	case "disabled", "masked", "masked-runtime", "not-found", "bad":
		return false, nil
	}
	if isMissingUnit(stderr) {
		return false, nil
	}
	return false, fmt.Errorf("systemctl is-enabled %s failed (exit %d): %s", s.unit, code, describe(stdout, stderr))
}

// IsActive reports whether the unit is currently active.
func (s *Systemd) IsActive(ctx context.Context) (bool, error) {
	stdout, stderr, code, err := s.systemctl(ctx, "is-active", s.unit)
	if err != nil {
		return false, err
	}
	if code == 0 {
		return true, nil
	}
	// is-active exits non-zero for every non-active state and prints it.
	if firstLine(stdout) != "" {
		return false, nil
	}
	return false, fmt.Errorf("systemctl is-active %s failed (exit %d): %s", s.unit, code, describe(stdout, stderr))
}

// State combines IsEnabled and IsActive.
func (s *Systemd) State(ctx context.Context) (ServiceState, error) {
	enabled, err := s.IsEnabled(ctx)
	if err != nil {
		return Disabled, err
	}
	if !enabled {
		return Disabled, nil
	}
	active, err := s.IsActive(ctx)
	if err != nil {
		return Disabled, err
	}
	if active {
		return Running, nil
	}
	return Stopped, nil
}

func (s *Systemd) Start(ctx context.Context) error {
	return s.mutate(ctx, "start")
}

func (s *Systemd) Restart(ctx context.Context) error {
	return s.mutate(ctx, "restart")
}

// Stop stops the unit. The update cycle never stops the supervised unit;
// Uninstall uses it for the agent's own unit.
func (s *Systemd) Stop(ctx context.Context) error {
	return s.mutate(ctx, "stop")
}

// Available checks that systemctl can reach the selected service manager.
func (s *Systemd) Available(ctx context.Context) error {
	_, stderr, code, err := s.systemctl(ctx, "show-environment")
	if err != nil {
		return err
	}
	if code != 0 {
		if s.user {
			return fmt.Errorf("systemctl --user unavailable: %s", strings.TrimSpace(stderr))
		}
		return fmt.Errorf("systemctl unavailable: %s", strings.TrimSpace(stderr))
	}
	return nil
}

// Runtime returns the unit's load and run state from "systemctl show".
// pindeploy doctor reports it for the supervised unit.
func (s *Systemd) Runtime(ctx context.Context) (*ServiceRuntime, error) {
	stdout, stderr, code, err := s.systemctl(ctx,
		"show", s.unit,
		"--no-pager",
		"--property", "LoadState,ActiveState,SubState,MainPID,ExecMainStatus,ExecMainCode",
	)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		detail := describe(stdout, stderr)
		return &ServiceRuntime{
			Status:      "unknown",
			Detail:      detail,
			MissingUnit: isMissingUnit(detail),
		}, nil
	}

	info := parseSystemdShow(stdout)
	status := "unknown"
	switch strings.ToLower(info.ActiveState) {
	case "active", "reloading":
		status = "running"
	case "":
	default:
		status = "stopped"
	}
	return &ServiceRuntime{
		Status:         status,
		LoadState:      info.LoadState,
		State:          info.ActiveState,
		SubState:       info.SubState,
		PID:            info.MainPID,
		LastExitStatus: info.ExecMainStatus,
		LastExitReason: info.ExecMainCode,
		MissingUnit:    info.LoadState == "not-found",
	}, nil
}

func (s *Systemd) mutate(ctx context.Context, verb string) error {
	stdout, stderr, code, err := s.systemctl(ctx, verb, s.unit)
	if err != nil {
		return fmt.Errorf("systemctl %s %s: %w", verb, s.unit, err)
	}
	if code != 0 {
		return fmt.Errorf("systemctl %s %s failed (exit %d): %s", verb, s.unit, code, describe(stdout, stderr))
	}
	return nil
}

func (s *Systemd) systemctl(ctx context.Context, args ...string) (string, string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if s.user {
		args = append([]string{"--user"}, args...)
	}
	stdout, stderr, code, err := s.run(ctx, args)
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("systemctl %s: %w", strings.Join(args, " "), ctx.Err())
	}
	return stdout, stderr, code, err
}

// execSystemctl runs systemctl with the given arguments.
func execSystemctl(ctx context.Context, args []string) (stdout, stderr string, code int, err error) {
	cmd := exec.CommandContext(ctx, "systemctl", args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout = outBuf.String()
	stderr = errBuf.String()
	if runErr == nil {
		return stdout, stderr, 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) && ctx.Err() == nil {
		return stdout, stderr, exitErr.ExitCode(), nil
	}
	return stdout, stderr, -1, runErr
}

// SystemdShowInfo contains parsed systemctl show output.
type SystemdShowInfo struct {
	LoadState      string
	ActiveState    string
	SubState       string
	MainPID        int
	ExecMainStatus int
	ExecMainCode   string
}

// parseSystemdShow parses the output of systemctl show.
func parseSystemdShow(output string) SystemdShowInfo {
	entries := parseKeyValueOutput(output, "=")
	info := SystemdShowInfo{
		LoadState:    entries["loadstate"],
		ActiveState:  entries["activestate"],
		SubState:     entries["substate"],
		ExecMainCode: entries["execmaincode"],
	}
	if pid, err := strconv.Atoi(entries["mainpid"]); err == nil && pid > 0 {
		info.MainPID = pid
	}
	if status, err := strconv.Atoi(entries["execmainstatus"]); err == nil {
		info.ExecMainStatus = status
	}
	return info
}

func isMissingUnit(detail string) bool {
	lower := strings.ToLower(detail)
	return strings.Contains(lower, "not found") ||
		strings.Contains(lower, "no such file or directory") ||
		strings.Contains(lower, "not loaded")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func describe(stdout, stderr string) string {
	if detail := strings.TrimSpace(stderr); detail != "" {
		return detail
	}
	if detail := strings.TrimSpace(stdout); detail != "" {
		return detail
	}
	return "no output"
}
