// Package state persists the result of the last update cycle so that
// "pindeploy status" can report it while the agent is not running.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wearable-pin/pindeploy/internal/deploy"
)

// Filename is the name of the last-cycle record inside the state directory.
const Filename = "last-cycle.json"

const recordVersion = 1

// Cycle is the persisted summary of one update cycle.
type Cycle struct {
	CycleID   string    `json:"cycle_id"`
	Trigger   string    `json:"trigger,omitempty"`
	Outcome   string    `json:"outcome"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Revision  string    `json:"revision,omitempty"`
	Service   string    `json:"service_action,omitempty"`
	Error     string    `json:"error,omitempty"`
	Started   time.Time `json:"started"`
	Duration  string    `json:"duration"`
	LastGood  string    `json:"last_good,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record is the versioned wrapper written to disk.
type Record struct {
	Version int   `json:"version"`
	Cycle   Cycle `json:"cycle"`
}

// ResolvePath returns the full path of the record in stateDir.
func ResolvePath(stateDir string) string {
	return filepath.Join(stateDir, Filename)
}

// FromOutcome converts a cycle outcome.
func FromOutcome(o deploy.Outcome) Cycle {
	c := Cycle{
		CycleID:  o.CycleID,
		Trigger:  o.Trigger,
		Outcome:  o.Kind.String(),
		From:     o.From.String(),
		To:       o.To.String(),
		Revision: o.Current.String(),
		Started:  o.Started,
		Duration: o.Duration.String(),
	}
	if o.Service.Action != deploy.ActionNone {
		c.Service = o.Service.Action.String()
	}
	if o.Err != nil {
		c.Error = o.Err.Error()
	} else if o.Service.Err != nil {
		c.Error = o.Service.Err.Error()
	}
	return c
}

// Write stores c in stateDir, replacing the previous record atomically.
func Write(stateDir string, c Cycle) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.MarshalIndent(Record{Version: recordVersion, Cycle: c}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(stateDir, ".last-cycle-*")
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write record: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write record: %w", err)
	}
	if err := os.Rename(tmp.Name(), ResolvePath(stateDir)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Read returns the stored record, or nil when there is none. Unreadable
// or foreign records are deleted and treated as absent.
func Read(stateDir string) (*Cycle, error) {
	path := ResolvePath(stateDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil || rec.Version != recordVersion || rec.Cycle.Outcome == "" {
		_ = os.Remove(path)
		return nil, nil
	}
	return &rec.Cycle, nil
}

// Summarize returns a one-line description of c.
func Summarize(c Cycle) string {
	var line string
	switch c.Outcome {
	case deploy.Updated.String():
		line = fmt.Sprintf("updated %s -> %s", short(c.From), short(c.To))
	case deploy.NoChange.String():
		line = fmt.Sprintf("no change at %s", short(c.Revision))
	default:
		line = fmt.Sprintf("%s at %s", c.Outcome, short(c.Revision))
	}
	if c.Service != "" {
		line += fmt.Sprintf(", service %s", c.Service)
	}
	if c.Error != "" {
		line += ": " + c.Error
	}
	return line
}

func short(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	if rev == "" {
		return "-"
	}
	return rev
}
