// Package daemon controls systemd units: the supervised application unit
// that pindeploy restarts after an update, and the unit that runs the
// agent itself.
package daemon

import (
	"context"
	"strings"
)

// ServiceState is the supervised unit's state as reported by systemd.
type ServiceState int

const (
	// Disabled units are never started or restarted by the agent.
	Disabled ServiceState = iota
	// Stopped units are enabled but not active.
	Stopped
	// Running units are active.
	Running
)

func (s ServiceState) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// Supervisor is the narrow set of service-manager primitives the update
// cycle needs.
type Supervisor interface {
	IsEnabled(ctx context.Context) (bool, error)
	IsActive(ctx context.Context) (bool, error)
	Start(ctx context.Context) error
	Restart(ctx context.Context) error
	State(ctx context.Context) (ServiceState, error)
}

// CommandRunner runs systemctl with args. A non-nil err means the command
// could not be run at all; a non-zero code is a normal systemctl answer.
type CommandRunner func(ctx context.Context, args []string) (stdout, stderr string, code int, err error)

// DefaultAgentUnitName is the unit name used by "pindeploy service install".
const DefaultAgentUnitName = "pindeploy"

// ServiceRuntime contains runtime status information for a unit.
type ServiceRuntime struct {
	Status         string // "running", "stopped", "unknown"
	LoadState      string
	State          string
	SubState       string
	PID            int
	LastExitStatus int
	LastExitReason string
	Detail         string
	MissingUnit    bool
}

// parseKeyValueOutput parses key-value output with a separator.
func parseKeyValueOutput(output, separator string) map[string]string {
	entries := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.Index(line, separator)
		if idx <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		if key == "" {
			continue
		}
		entries[key] = strings.TrimSpace(line[idx+len(separator):])
	}
	return entries
}

// normalizeUnitName appends ".service" when no unit suffix is present.
func normalizeUnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return name
	}
	for _, suffix := range []string{".service", ".socket", ".timer", ".target", ".path"} {
		if strings.HasSuffix(name, suffix) {
			return name
		}
	}
	return name + ".service"
}
