//go:build darwin || linux

package deploy

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wearable-pin/pindeploy/internal/daemon"
	"github.com/wearable-pin/pindeploy/internal/lock"
)

func TestCyclesSharingLockFileNeverOverlap(t *testing.T) {
	src := &fakeSource{current: "a1", remote: "a1"}
	sup := &fakeSupervisor{state: daemon.Running}
	lockPath := filepath.Join(t.TempDir(), lock.Filename)

	// Two Cycles with their own WorkingCopy, as the agent and a separate
	// "pindeploy once" process would have.
	var cycles []*Cycle
	for i := 0; i < 2; i++ {
		wc, err := NewWorkingCopy(context.Background(), src, "main")
		if err != nil {
			t.Fatal(err)
		}
		cycles = append(cycles, NewCycle(wc, NewReconciler(sup, "pin-camera.service"),
			WithLock(lock.New(lockPath), 5*time.Second)))
	}
	src.setRemote("b2")

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(c *Cycle) {
			defer wg.Done()
			c.Run(context.Background())
		}(cycles[i%2])
	}
	wg.Wait()

	if src.maxActive != 1 {
		t.Fatalf("max concurrent fetches = %d, want 1", src.maxActive)
	}
	if got := sup.count("restart"); got != 1 {
		t.Fatalf("restarts = %d, want 1", got)
	}
	if src.pulls != 1 {
		t.Errorf("pulls = %d, want 1", src.pulls)
	}
}
