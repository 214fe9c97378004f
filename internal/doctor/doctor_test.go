package doctor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wearable-pin/pindeploy/internal/config"
	"github.com/wearable-pin/pindeploy/internal/daemon"
)

type fakeRepo struct {
	branch    string
	url       string
	branchErr error
	urlErr    error
}

func (f fakeRepo) CurrentBranch(context.Context) (string, error) { return f.branch, f.branchErr }
func (f fakeRepo) RemoteURL(context.Context) (string, error)     { return f.url, f.urlErr }

type fakeService struct {
	availableErr error
	state        daemon.ServiceState
	stateErr     error
	runtime      *daemon.ServiceRuntime
	runtimeErr   error
}

func (f fakeService) Available(context.Context) error { return f.availableErr }
func (f fakeService) State(context.Context) (daemon.ServiceState, error) {
	return f.state, f.stateErr
}

func (f fakeService) Runtime(context.Context) (*daemon.ServiceRuntime, error) {
	if f.runtimeErr != nil {
		return nil, f.runtimeErr
	}
	if f.runtime != nil {
		return f.runtime, nil
	}
	return &daemon.ServiceRuntime{Status: "running", LoadState: "loaded", State: "active", SubState: "running", PID: 812}, nil
}

func foundGit(string) (string, error)   { return "/usr/bin/git", nil }
func missingGit(string) (string, error) { return "", errors.New("not found") }
func freePort(addr string) PortStatus   { return PortStatus{Addr: addr} }

// healthyDevice returns a config whose filesystem checks all pass.
func healthyDevice(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Repository.Dir = filepath.Join(root, "app")
	cfg.Repository.URL = "git@example.com:pin/app.git"
	cfg.Trigger.File = filepath.Join(root, "run", "trigger")
	if err := os.MkdirAll(cfg.Repository.Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Trigger.File), 0o755); err != nil {
		t.Fatal(err)
	}
	return cfg
}

var severityRank = map[Severity]int{
	SeverityOK:       0,
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityCritical: 3,
}

// findingFor returns the most severe finding for check.
func findingFor(t *testing.T, r Report, check string) Finding {
	t.Helper()
	var worst Finding
	found := false
	for _, f := range r.Findings {
		if f.Check != check {
			continue
		}
		if !found || severityRank[f.Severity] > severityRank[worst.Severity] {
			worst, found = f, true
		}
	}
	if !found {
		t.Fatalf("no finding for %q in %+v", check, r.Findings)
	}
	return worst
}

func TestHealthyDevice(t *testing.T) {
	cfg := healthyDevice(t)
	c := New(cfg, "", fakeRepo{branch: "main", url: cfg.Repository.URL}, fakeService{state: daemon.Running},
		WithLookPath(foundGit), WithPortCheck(freePort))

	report := c.Run(context.Background())
	if report.Failed() {
		var buf bytes.Buffer
		_ = report.Write(&buf)
		t.Fatalf("healthy device failed:\n%s", buf.String())
	}
	for _, check := range []string{"git", "repository", "systemd", "unit", "runtime", "trigger", "admin"} {
		if f := findingFor(t, report, check); f.Severity != SeverityOK {
			t.Fatalf("%s = %+v, want ok", check, f)
		}
	}
}

func TestCheckFailures(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(cfg *config.Config)
		repo     *fakeRepo
		service  *fakeService
		lookPath func(string) (string, error)
		check    string
		want     Severity
		contains string
	}{
		{
			name:     "git missing on cli backend",
			lookPath: missingGit,
			check:    "git",
			want:     SeverityCritical,
			contains: "not found",
		},
		{
			name:     "git missing on native backend",
			mutate:   func(cfg *config.Config) { cfg.Repository.Backend = config.BackendNative },
			lookPath: missingGit,
			check:    "git",
			want:     SeverityInfo,
		},
		{
			name:     "wrong branch",
			repo:     &fakeRepo{branch: "dev", url: "git@example.com:pin/app.git"},
			check:    "repository",
			want:     SeverityCritical,
			contains: `expected "main"`,
		},
		{
			name:     "not a repository",
			repo:     &fakeRepo{branchErr: errors.New("fatal: not a git repository")},
			check:    "repository",
			want:     SeverityCritical,
			contains: "not a git working copy",
		},
		{
			name:     "missing remote",
			repo:     &fakeRepo{branch: "main", urlErr: errors.New("No such remote")},
			check:    "repository",
			want:     SeverityCritical,
			contains: "not configured",
		},
		{
			name:     "remote url mismatch",
			repo:     &fakeRepo{branch: "main", url: "git@example.com:other.git"},
			check:    "repository",
			want:     SeverityWarning,
			contains: "points at",
		},
		{
			name:     "missing working copy",
			mutate:   func(cfg *config.Config) { cfg.Repository.Dir = filepath.Join(cfg.Repository.Dir, "nope") },
			check:    "repository",
			want:     SeverityCritical,
			contains: "pindeploy clone",
		},
		{
			name:     "systemctl unavailable",
			service:  &fakeService{availableErr: errors.New("systemd not running")},
			check:    "systemd",
			want:     SeverityCritical,
		},
		{
			name:     "unit disabled",
			service:  &fakeService{state: daemon.Disabled},
			check:    "unit",
			want:     SeverityWarning,
			contains: "disabled",
		},
		{
			name:     "unit query fails",
			service:  &fakeService{stateErr: errors.New("Access denied")},
			check:    "unit",
			want:     SeverityCritical,
		},
		{
			name: "unit crashed",
			service: &fakeService{state: daemon.Stopped, runtime: &daemon.ServiceRuntime{
				Status: "stopped", LoadState: "loaded", State: "failed", SubState: "failed",
				LastExitStatus: 1, LastExitReason: "exited",
			}},
			check:    "runtime",
			want:     SeverityWarning,
			contains: "exit status 1",
		},
		{
			name:     "unit not loaded",
			service:  &fakeService{state: daemon.Disabled, runtime: &daemon.ServiceRuntime{Status: "unknown", LoadState: "not-found", MissingUnit: true}},
			check:    "runtime",
			want:     SeverityWarning,
			contains: "not loaded",
		},
		{
			name: "unit stopped after non-zero exit",
			service: &fakeService{state: daemon.Stopped, runtime: &daemon.ServiceRuntime{
				Status: "stopped", LoadState: "loaded", State: "inactive", SubState: "dead",
				LastExitStatus: 143, LastExitReason: "killed",
			}},
			check:    "runtime",
			want:     SeverityInfo,
			contains: "last exit status 143",
		},
		{
			name:     "systemctl show fails",
			service:  &fakeService{state: daemon.Running, runtimeErr: errors.New("Access denied")},
			check:    "runtime",
			want:     SeverityWarning,
			contains: "systemctl show failed",
		},
		{
			name:     "trigger dir missing",
			mutate:   func(cfg *config.Config) { cfg.Trigger.File = filepath.Join(cfg.Repository.Dir, "missing", "trigger") },
			check:    "trigger",
			want:     SeverityWarning,
		},
		{
			name:     "ssh key missing",
			mutate:   func(cfg *config.Config) { cfg.Repository.SSHKey = filepath.Join(cfg.Repository.Dir, "id_ed25519") },
			check:    "ssh key",
			want:     SeverityCritical,
			contains: "cannot read",
		},
		{
			name:     "public admin listener",
			mutate:   func(cfg *config.Config) { cfg.Trigger.Listen = "0.0.0.0:9470" },
			check:    "admin",
			want:     SeverityWarning,
			contains: "reachable from the network",
		},
		{
			name:     "admin disabled",
			mutate:   func(cfg *config.Config) { cfg.Trigger.Listen = config.ListenOff },
			check:    "admin",
			want:     SeverityInfo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := healthyDevice(t)
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			repo := fakeRepo{branch: "main", url: cfg.Repository.URL}
			if tt.repo != nil {
				repo = *tt.repo
			}
			service := fakeService{state: daemon.Running}
			if tt.service != nil {
				service = *tt.service
			}
			lookPath := tt.lookPath
			if lookPath == nil {
				lookPath = foundGit
			}

			report := New(cfg, "", repo, service, WithLookPath(lookPath), WithPortCheck(freePort)).Run(context.Background())
			f := findingFor(t, report, tt.check)
			if f.Severity != tt.want {
				t.Fatalf("%s severity = %s (%s), want %s", tt.check, f.Severity, f.Message, tt.want)
			}
			if tt.contains != "" && !strings.Contains(f.Message, tt.contains) {
				t.Fatalf("%s message = %q, want it to contain %q", tt.check, f.Message, tt.contains)
			}
			if report.Failed() != (tt.want == SeverityCritical) {
				t.Fatalf("Failed() = %v", report.Failed())
			}
		})
	}
}

func TestSSHKeyPermissions(t *testing.T) {
	cfg := healthyDevice(t)
	key := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(key, []byte("key"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(key, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Repository.SSHKey = key

	c := New(cfg, "", fakeRepo{branch: "main", url: cfg.Repository.URL}, fakeService{state: daemon.Running},
		WithLookPath(foundGit), WithPortCheck(freePort))
	if f := findingFor(t, c.Run(context.Background()), "ssh key"); f.Severity != SeverityCritical {
		t.Fatalf("open key = %+v, want critical", f)
	}

	if err := os.Chmod(key, 0o600); err != nil {
		t.Fatal(err)
	}
	if f := findingFor(t, c.Run(context.Background()), "ssh key"); f.Severity != SeverityOK {
		t.Fatalf("private key = %+v, want ok", f)
	}
}

func TestConfigFilePermissions(t *testing.T) {
	cfg := healthyDevice(t)
	path := filepath.Join(t.TempDir(), "pindeploy.yaml")
	if err := os.WriteFile(path, []byte("version: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatal(err)
	}
	c := New(cfg, path, fakeRepo{branch: "main", url: cfg.Repository.URL}, fakeService{state: daemon.Running},
		WithLookPath(foundGit), WithPortCheck(freePort))
	if f := findingFor(t, c.Run(context.Background()), "config"); f.Severity != SeverityCritical {
		t.Fatalf("writable config = %+v, want critical", f)
	}
}

func TestAdminPortInUse(t *testing.T) {
	cfg := healthyDevice(t)
	busy := func(addr string) PortStatus { return PortStatus{Addr: addr, InUse: true} }
	c := New(cfg, "", fakeRepo{branch: "main", url: cfg.Repository.URL}, fakeService{state: daemon.Running},
		WithLookPath(foundGit), WithPortCheck(busy))
	if f := findingFor(t, c.Run(context.Background()), "admin"); f.Severity != SeverityInfo {
		t.Fatalf("busy port = %+v, want info", f)
	}
}

func TestIsPublicBind(t *testing.T) {
	for host, want := range map[string]bool{
		"":          true,
		"0.0.0.0":   true,
		"127.0.0.1": false,
		"::1":       false,
		"localhost": false,
		"pin.local": true,
	} {
		if got := isPublicBind(host); got != want {
			t.Errorf("isPublicBind(%q) = %v, want %v", host, got, want)
		}
	}
}
