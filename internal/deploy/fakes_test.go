package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/wearable-pin/pindeploy/internal/daemon"
	"github.com/wearable-pin/pindeploy/internal/observability"
	"github.com/wearable-pin/pindeploy/internal/vcs"
)

// fakeSource is an in-memory vcs.Source. Pull moves current to remote
// unless pullLandsOn is set.
type fakeSource struct {
	mu sync.Mutex

	current vcs.Revision
	remote  vcs.Revision

	fetchErr    error
	fetchBlocks bool
	remoteErr   error
	pullErr     error
	pullLandsOn vcs.Revision
	currentErr  error

	dirty     bool
	statusErr error
	// pullLeavesDirty and currentErrAfterPull model a pull interrupted
	// halfway through the checkout.
	pullLeavesDirty     bool
	currentErrAfterPull error

	fetches int
	pulls   int

	active    int
	maxActive int
}

func (f *fakeSource) enter() {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()
}

func (f *fakeSource) leave() {
	f.mu.Lock()
	f.active--
	f.mu.Unlock()
}

func (f *fakeSource) Fetch(ctx context.Context, _ string) error {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	f.fetches++
	blocks, err := f.fetchBlocks, f.fetchErr
	f.mu.Unlock()
	if blocks {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeSource) RemoteRevision(context.Context, string) (vcs.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteErr != nil {
		return "", f.remoteErr
	}
	return f.remote, nil
}

func (f *fakeSource) CurrentRevision(context.Context) (vcs.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.currentErr != nil {
		return "", f.currentErr
	}
	return f.current, nil
}

func (f *fakeSource) Pull(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	if f.pullLeavesDirty {
		f.dirty = true
	}
	if f.currentErrAfterPull != nil {
		f.currentErr = f.currentErrAfterPull
	}
	if f.pullLandsOn != "" {
		f.current = f.pullLandsOn
	} else if f.pullErr == nil {
		f.current = f.remote
	}
	return f.pullErr
}

func (f *fakeSource) HasChanges(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty, f.statusErr
}

func (f *fakeSource) Commit(context.Context, string) (vcs.Revision, error) {
	return "", errors.New("not supported")
}

func (f *fakeSource) Push(context.Context, string) error { return nil }

func (f *fakeSource) setRemote(rev vcs.Revision) {
	f.mu.Lock()
	f.remote = rev
	f.mu.Unlock()
}

// fakeSupervisor records every call made to it.
type fakeSupervisor struct {
	mu sync.Mutex

	state      daemon.ServiceState
	stateErr   error
	restartErr error
	startErr   error

	calls []string
}

func (s *fakeSupervisor) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *fakeSupervisor) IsEnabled(context.Context) (bool, error) {
	s.record("is-enabled")
	return s.state != daemon.Disabled, s.stateErr
}

func (s *fakeSupervisor) IsActive(context.Context) (bool, error) {
	s.record("is-active")
	return s.state == daemon.Running, s.stateErr
}

func (s *fakeSupervisor) State(context.Context) (daemon.ServiceState, error) {
	s.record("state")
	return s.state, s.stateErr
}

func (s *fakeSupervisor) Start(context.Context) error {
	s.record("start")
	return s.startErr
}

func (s *fakeSupervisor) Restart(context.Context) error {
	s.record("restart")
	return s.restartErr
}

func (s *fakeSupervisor) count(call string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (s *fakeSupervisor) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// logBuffer captures JSON log records.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) records(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func (b *logBuffer) count(t *testing.T, level string) int {
	t.Helper()
	n := 0
	for _, rec := range b.records(t) {
		if rec["level"] == level {
			n++
		}
	}
	return n
}

func newTestLogger(buf *logBuffer) *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:  "debug",
		Format: "json",
		Output: buf,
	})
}

type harness struct {
	src  *fakeSource
	sup  *fakeSupervisor
	logs *logBuffer
	wc   *WorkingCopy
	c    *Cycle
}

func newHarness(t *testing.T, src *fakeSource, sup *fakeSupervisor, opts ...WorkingCopyOption) *harness {
	t.Helper()
	logs := &logBuffer{}
	logger := newTestLogger(logs)
	wc, err := NewWorkingCopy(context.Background(), src, "main", opts...)
	if err != nil {
		t.Fatalf("NewWorkingCopy() error = %v", err)
	}
	rec := NewReconciler(sup, "pin-camera.service", WithLogger(logger))
	return &harness{
		src:  src,
		sup:  sup,
		logs: logs,
		wc:   wc,
		c:    NewCycle(wc, rec, WithLogger(logger)),
	}
}
