package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wearable-pin/pindeploy/internal/deploy"
)

func TestResolvePath(t *testing.T) {
	if got, want := ResolvePath("/var/lib/pindeploy"), filepath.Join("/var/lib/pindeploy", Filename); got != want {
		t.Fatalf("ResolvePath() = %q, want %q", got, want)
	}
}

func TestWriteAndRead(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := Cycle{
		CycleID:  "c-1",
		Trigger:  "http",
		Outcome:  "updated",
		From:     "1111111aaaa",
		To:       "2222222bbbb",
		Revision: "2222222bbbb",
		Service:  "restarted",
		Started:  started,
		Duration: "1.5s",
	}
	if err := Write(dir, c); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := Read(dir)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got == nil || got.CycleID != "c-1" || got.To != "2222222bbbb" || !got.Started.Equal(started) {
		t.Fatalf("Read() = %+v", got)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected only the record in %s, found %d entries", dir, len(entries))
	}
}

func TestRecordFieldNames(t *testing.T) {
	dir := t.TempDir()
	if err := Write(dir, Cycle{CycleID: "c-2", Outcome: "no_change", Revision: "abc", LastGood: "abc"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	data, err := os.ReadFile(ResolvePath(dir))
	if err != nil {
		t.Fatal(err)
	}
	var raw struct {
		Version int            `json:"version"`
		Cycle   map[string]any `json:"cycle"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if raw.Cycle["last_good"] != "abc" {
		t.Errorf("last_good = %v in %s", raw.Cycle["last_good"], data)
	}
	for _, key := range []string{"cycle_id", "outcome", "revision", "started", "duration", "updated_at"} {
		if _, ok := raw.Cycle[key]; !ok {
			t.Errorf("record is missing %q: %s", key, data)
		}
	}
}

func TestReadMissing(t *testing.T) {
	got, err := Read(t.TempDir())
	if err != nil || got != nil {
		t.Fatalf("Read() = %+v, %v; want nil, nil", got, err)
	}
}

func TestReadDiscardsInvalidRecords(t *testing.T) {
	for name, content := range map[string]string{
		"invalid json":  "not json {{{",
		"wrong version": `{"version": 99, "cycle": {"outcome": "updated"}}`,
		"empty cycle":   `{"version": 1, "cycle": {}}`,
	} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			path := ResolvePath(dir)
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			got, err := Read(dir)
			if err != nil || got != nil {
				t.Fatalf("Read() = %+v, %v; want nil, nil", got, err)
			}
			if _, err := os.Stat(path); !os.IsNotExist(err) {
				t.Fatal("invalid record should be deleted")
			}
		})
	}
}

func TestFromOutcomeAndSummarize(t *testing.T) {
	tests := []struct {
		name    string
		outcome deploy.Outcome
		want    string
	}{
		{
			name:    "no change",
			outcome: deploy.Outcome{Kind: deploy.NoChange, From: "abcdef0123", To: "abcdef0123", Current: "abcdef0123"},
			want:    "no change at abcdef0",
		},
		{
			name: "updated with restart",
			outcome: deploy.Outcome{
				Kind: deploy.Updated, From: "1111111xx", To: "2222222yy", Current: "2222222yy",
				Service: deploy.ReconcileResult{Action: deploy.ActionRestarted},
			},
			want: "updated 1111111 -> 2222222, service restarted",
		},
		{
			name:    "fetch failed",
			outcome: deploy.Outcome{Kind: deploy.FetchFailed, Current: "1111111xx", Err: errors.New("network down")},
			want:    "fetch_failed at 1111111: network down",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(FromOutcome(tt.outcome)); got != tt.want {
				t.Fatalf("Summarize() = %q, want %q", got, tt.want)
			}
		})
	}
}

type stubRunner struct {
	outcomes []deploy.Outcome
}

func (s *stubRunner) Run(context.Context) deploy.Outcome {
	o := s.outcomes[0]
	s.outcomes = s.outcomes[1:]
	return o
}

func TestRecorderKeepsLastGoodRevision(t *testing.T) {
	dir := t.TempDir()
	runner := &stubRunner{outcomes: []deploy.Outcome{
		{Kind: deploy.Updated, From: "aaa", To: "bbb", Current: "bbb"},
		{Kind: deploy.FetchFailed, Current: "bbb", Err: errors.New("timeout")},
	}}
	rec := NewRecorder(runner, dir, nil)

	if got := rec.Run(context.Background()); got.Kind != deploy.Updated {
		t.Fatalf("first outcome = %v", got.Kind)
	}
	if got := rec.Run(context.Background()); got.Kind != deploy.FetchFailed {
		t.Fatalf("second outcome = %v", got.Kind)
	}

	stored, err := Read(dir)
	if err != nil || stored == nil {
		t.Fatalf("Read() = %+v, %v", stored, err)
	}
	if stored.Outcome != "fetch_failed" || stored.LastGood != "bbb" || !strings.Contains(stored.Error, "timeout") {
		t.Fatalf("stored = %+v", stored)
	}

	// A new recorder picks the last good revision up from disk.
	if again := NewRecorder(&stubRunner{}, dir, nil); again.lastGood != "bbb" {
		t.Fatalf("lastGood = %q", again.lastGood)
	}
}

func TestRecorderWriteFailureKeepsOutcome(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	runner := &stubRunner{outcomes: []deploy.Outcome{{Kind: deploy.NoChange, Current: "abc"}}}
	if got := NewRecorder(runner, file, nil).Run(context.Background()); got.Kind != deploy.NoChange {
		t.Fatalf("outcome = %v", got.Kind)
	}
}
