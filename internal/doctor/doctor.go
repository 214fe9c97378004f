// Package doctor inspects a device for the problems that stop update cycles
// from working: a missing git binary, a working copy on the wrong branch, an
// unknown unit, an unwritable trigger directory or an unreadable SSH key.
package doctor

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/wearable-pin/pindeploy/internal/config"
	"github.com/wearable-pin/pindeploy/internal/daemon"
	"github.com/wearable-pin/pindeploy/internal/vcs"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Finding is the result of one check.
type Finding struct {
	Check    string
	Severity Severity
	Message  string
}

// Report aggregates findings in the order they were checked.
type Report struct {
	Findings []Finding
}

// Failed reports whether any finding is critical.
func (r Report) Failed() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Write prints one line per finding.
func (r Report) Write(w io.Writer) error {
	for _, f := range r.Findings {
		if _, err := fmt.Fprintf(w, "[%s] %s: %s\n", f.Severity, f.Check, f.Message); err != nil {
			return err
		}
	}
	return nil
}

func (r *Report) add(check string, severity Severity, format string, args ...any) {
	r.Findings = append(r.Findings, Finding{Check: check, Severity: severity, Message: fmt.Sprintf(format, args...)})
}

// ServiceProbe is the part of the service supervisor doctor needs.
// *daemon.Systemd implements it.
type ServiceProbe interface {
	Available(ctx context.Context) error
	State(ctx context.Context) (daemon.ServiceState, error)
	Runtime(ctx context.Context) (*daemon.ServiceRuntime, error)
}

// Checker runs the device checks.
type Checker struct {
	cfg        *config.Config
	configPath string
	repo       vcs.Inspector
	service    ServiceProbe
	lookPath   func(string) (string, error)
	checkPort  func(addr string) PortStatus
}

// Option configures a Checker.
type Option func(*Checker)

// WithLookPath replaces exec.LookPath.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(c *Checker) { c.lookPath = fn }
}

// WithPortCheck replaces the admin port probe.
func WithPortCheck(fn func(addr string) PortStatus) Option {
	return func(c *Checker) { c.checkPort = fn }
}

// New returns a checker. repo and service may be nil when they could not
// be constructed; the matching checks then fail.
func New(cfg *config.Config, configPath string, repo vcs.Inspector, service ServiceProbe, opts ...Option) *Checker {
	c := &Checker{
		cfg:        cfg,
		configPath: configPath,
		repo:       repo,
		service:    service,
		lookPath:   exec.LookPath,
		checkPort:  CheckPort,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes every check.
func (c *Checker) Run(ctx context.Context) Report {
	var r Report
	c.checkConfig(&r)
	c.checkGit(&r)
	c.checkRepository(ctx, &r)
	c.checkService(ctx, &r)
	c.checkTriggerFile(&r)
	c.checkSSHKey(&r)
	c.checkAdmin(&r)
	return r
}

func (c *Checker) checkConfig(r *Report) {
	if c.configPath == "" {
		r.add("config", SeverityInfo, "no config file; using defaults and %s* environment", config.EnvPrefix)
		return
	}
	info, err := os.Stat(c.configPath)
	if err != nil {
		r.add("config", SeverityCritical, "cannot stat %s: %v", c.configPath, err)
		return
	}
	if info.Mode().Perm()&0o022 != 0 {
		r.add("config", SeverityCritical, "%s is group/world writable (%#o)", c.configPath, info.Mode().Perm())
		return
	}
	r.add("config", SeverityOK, "loaded %s", c.configPath)
}

func (c *Checker) checkGit(r *Report) {
	path, err := c.lookPath("git")
	if c.cfg.Repository.Backend == config.BackendNative {
		if err != nil {
			r.add("git", SeverityInfo, "git binary not found; not needed by the native backend")
			return
		}
		r.add("git", SeverityOK, "native backend; git binary also available at %s", path)
		return
	}
	if err != nil {
		r.add("git", SeverityCritical, "git binary not found in PATH (install git or set repository.backend: native)")
		return
	}
	r.add("git", SeverityOK, "found %s", path)
}

func (c *Checker) checkRepository(ctx context.Context, r *Report) {
	dir := c.cfg.Repository.Dir
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		r.add("repository", SeverityCritical, "%s does not exist (run pindeploy clone)", dir)
		return
	}
	if c.repo == nil {
		r.add("repository", SeverityCritical, "%s could not be opened", dir)
		return
	}

	branch, err := c.repo.CurrentBranch(ctx)
	if err != nil {
		r.add("repository", SeverityCritical, "%s is not a git working copy: %v", dir, err)
		return
	}
	if branch != c.cfg.Repository.Branch {
		r.add("repository", SeverityCritical, "%s is on branch %q, expected %q", dir, branch, c.cfg.Repository.Branch)
		return
	}

	url, err := c.repo.RemoteURL(ctx)
	if err != nil {
		r.add("repository", SeverityCritical, "remote %q is not configured: %v", c.cfg.Repository.Remote, err)
		return
	}
	if want := c.cfg.Repository.URL; want != "" && want != url {
		r.add("repository", SeverityWarning, "remote %q points at %s, config says %s", c.cfg.Repository.Remote, url, want)
		return
	}
	r.add("repository", SeverityOK, "%s on %s tracking %s (%s)", dir, branch, c.cfg.Repository.Remote, url)
}

func (c *Checker) checkService(ctx context.Context, r *Report) {
	if c.service == nil {
		r.add("systemd", SeverityCritical, "no service supervisor")
		return
	}
	if err := c.service.Available(ctx); err != nil {
		r.add("systemd", SeverityCritical, "systemctl unavailable: %v", err)
		return
	}
	r.add("systemd", SeverityOK, "systemctl reachable")

	unit := c.cfg.Service.Unit
	state, err := c.service.State(ctx)
	switch {
	case err != nil:
		r.add("unit", SeverityCritical, "%s: %v", unit, err)
	case state == daemon.Disabled:
		r.add("unit", SeverityWarning, "%s is disabled or unknown; updates will not restart it", unit)
	default:
		r.add("unit", SeverityOK, "%s is enabled and %s", unit, state)
	}
	c.checkRuntime(ctx, r)
}

// checkRuntime reports what systemd last saw of the supervised process.
func (c *Checker) checkRuntime(ctx context.Context, r *Report) {
	unit := c.cfg.Service.Unit
	rt, err := c.service.Runtime(ctx)
	switch {
	case err != nil:
		r.add("runtime", SeverityWarning, "%s: systemctl show failed: %v", unit, err)
	case rt.MissingUnit:
		r.add("runtime", SeverityWarning, "%s is not loaded; install its unit file", unit)
	case rt.State == "failed" || rt.SubState == "failed":
		r.add("runtime", SeverityWarning, "%s failed (%s, exit status %d); check journalctl -u %s",
			unit, runtimeReason(rt), rt.LastExitStatus, unit)
	case rt.Status == "running":
		r.add("runtime", SeverityOK, "%s %s/%s, pid %d", unit, rt.State, rt.SubState, rt.PID)
	case rt.LastExitStatus != 0:
		r.add("runtime", SeverityInfo, "%s %s/%s, last exit status %d (%s)",
			unit, rt.State, rt.SubState, rt.LastExitStatus, runtimeReason(rt))
	default:
		r.add("runtime", SeverityInfo, "%s %s/%s", unit, orUnknown(rt.State), orUnknown(rt.SubState))
	}
}

func runtimeReason(rt *daemon.ServiceRuntime) string {
	return orUnknown(rt.LastExitReason)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func (c *Checker) checkTriggerFile(r *Report) {
	dir := filepath.Dir(c.cfg.Trigger.File)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		r.add("trigger", SeverityWarning, "%s does not exist yet; the agent creates it on start", dir)
		return
	}
	f, err := os.CreateTemp(dir, ".pindeploy-doctor-*")
	if err != nil {
		r.add("trigger", SeverityCritical, "%s is not writable: %v", dir, err)
		return
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	r.add("trigger", SeverityOK, "%s is writable", dir)
}

func (c *Checker) checkSSHKey(r *Report) {
	key := c.cfg.Repository.SSHKey
	if key == "" {
		r.add("ssh key", SeverityInfo, "repository.ssh_key not set; git uses the default identity")
		return
	}
	f, err := os.Open(key)
	if err != nil {
		r.add("ssh key", SeverityCritical, "cannot read %s: %v", key, err)
		return
	}
	info, err := f.Stat()
	_ = f.Close()
	if err != nil {
		r.add("ssh key", SeverityCritical, "cannot stat %s: %v", key, err)
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		r.add("ssh key", SeverityCritical, "%s is accessible by other users (%#o); ssh will refuse it", key, perm)
		return
	}
	r.add("ssh key", SeverityOK, "%s is readable", key)
}

func (c *Checker) checkAdmin(r *Report) {
	addr := c.cfg.Trigger.Listen
	if !c.cfg.Trigger.ListenEnabled() {
		r.add("admin", SeverityInfo, "admin listener disabled")
		return
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		r.add("admin", SeverityCritical, "invalid trigger.listen %q: %v", addr, err)
		return
	}
	if isPublicBind(host) {
		r.add("admin", SeverityWarning, "trigger.listen %q is reachable from the network; anyone can trigger cycles", addr)
	}
	if status := c.checkPort(addr); status.InUse {
		r.add("admin", SeverityInfo, "%s is in use (agent running?)", addr)
		return
	}
	r.add("admin", SeverityOK, "%s is free", addr)
}

// PortStatus reports port availability.
type PortStatus struct {
	Addr  string
	InUse bool
	Error string
}

// CheckPort attempts to listen on addr to detect collisions.
func CheckPort(addr string) PortStatus {
	status := PortStatus{Addr: addr}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		status.InUse = true
		status.Error = err.Error()
		return status
	}
	_ = listener.Close()
	return status
}

func isPublicBind(host string) bool {
	trimmed := strings.TrimSpace(host)
	if trimmed == "" {
		return true
	}
	if strings.EqualFold(trimmed, "localhost") {
		return false
	}
	if ip := net.ParseIP(trimmed); ip != nil {
		return !ip.IsLoopback()
	}
	return true
}
