package daemon

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestBuildSystemdUnit(t *testing.T) {
	unit := BuildSystemdUnit(UnitOptions{
		ProgramArguments: []string{"/usr/local/bin/pindeploy", "run", "--config", "/etc/pindeploy/pin deploy.yaml"},
		WorkingDirectory: "/home/pi",
		Environment: map[string]string{
			"PINDEPLOY_LOGGING_LEVEL": "debug",
			"EMPTY":                   "",
			"A_FIRST":                 "1",
		},
	})

	for _, want := range []string{
		"Description=pindeploy update agent",
		"After=network-online.target",
		`ExecStart=/usr/local/bin/pindeploy run --config "/etc/pindeploy/pin deploy.yaml"`,
		"WorkingDirectory=/home/pi",
		"WantedBy=multi-user.target",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit missing %q:\n%s", want, unit)
		}
	}
	if strings.Contains(unit, "EMPTY") {
		t.Error("empty environment values should be skipped")
	}
	first := strings.Index(unit, "Environment=A_FIRST=1")
	second := strings.Index(unit, "Environment=PINDEPLOY_LOGGING_LEVEL=debug")
	if first < 0 || second < 0 || first > second {
		t.Errorf("environment not sorted:\n%s", unit)
	}

	user := BuildSystemdUnit(UnitOptions{ProgramArguments: []string{"pindeploy"}, User: true})
	if !strings.Contains(user, "WantedBy=default.target") {
		t.Errorf("user unit should be wanted by default.target:\n%s", user)
	}
}

func TestParseSystemdExecStartRoundTrip(t *testing.T) {
	args := []string{"/usr/bin/pindeploy", "run", "--config", `/etc/odd "name".yaml`}
	got := ParseSystemdExecStart(systemdQuoteArgs(args))
	if !reflect.DeepEqual(got, args) {
		t.Fatalf("ParseSystemdExecStart() = %q, want %q", got, args)
	}
}

func TestUnitPath(t *testing.T) {
	tests := []struct {
		name string
		opts InstallOptions
		want string
	}{
		{
			name: "system default",
			opts: InstallOptions{},
			want: "/etc/systemd/system/pindeploy.service",
		},
		{
			name: "user scope",
			opts: InstallOptions{Name: "pindeploy-dev", Home: "/home/pi", UnitOptions: UnitOptions{User: true}},
			want: "/home/pi/.config/systemd/user/pindeploy-dev.service",
		},
		{
			name: "explicit dir",
			opts: InstallOptions{UnitDir: "/tmp/units"},
			want: "/tmp/units/pindeploy.service",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UnitPath(tt.opts); got != tt.want {
				t.Errorf("UnitPath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInstallAndUninstall(t *testing.T) {
	dir := t.TempDir()
	runner := newScriptedRunner(nil)
	opts := InstallOptions{
		UnitDir: dir,
		UnitOptions: UnitOptions{
			ProgramArguments: []string{"/usr/local/bin/pindeploy", "run"},
		},
	}

	result, err := Install(context.Background(), opts, runner.run)
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if result.Path != filepath.Join(dir, "pindeploy.service") {
		t.Errorf("Path = %q", result.Path)
	}
	content, err := os.ReadFile(result.Path)
	if err != nil {
		t.Fatalf("read unit: %v", err)
	}
	if !strings.Contains(string(content), "ExecStart=/usr/local/bin/pindeploy run") {
		t.Errorf("unit content:\n%s", content)
	}
	for _, want := range []string{"daemon-reload", "enable pindeploy.service", "restart pindeploy.service"} {
		if !runner.called(want) {
			t.Errorf("missing systemctl %s; calls = %v", want, runner.calls)
		}
	}

	if err := Uninstall(context.Background(), opts, runner.run); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if _, err := os.Stat(result.Path); !os.IsNotExist(err) {
		t.Fatalf("unit file still present: %v", err)
	}
	for _, want := range []string{"stop pindeploy.service", "disable pindeploy.service"} {
		if !runner.called(want) {
			t.Errorf("missing systemctl %s; calls = %v", want, runner.calls)
		}
	}
}

func TestInstallFailsWithoutSystemd(t *testing.T) {
	runner := newScriptedRunner(map[string]reply{
		"show-environment": {stderr: "System has not been booted with systemd", code: 1},
	})
	_, err := Install(context.Background(), InstallOptions{UnitDir: t.TempDir()}, runner.run)
	if err == nil || !strings.Contains(err.Error(), "systemctl unavailable") {
		t.Fatalf("Install() error = %v, want unavailable", err)
	}
}
