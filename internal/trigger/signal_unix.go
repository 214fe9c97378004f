//go:build !windows && !plan9

package trigger

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/wearable-pin/pindeploy/internal/scheduler"
)

// WatchSignal requests a cycle on every SIGUSR1 until ctx is cancelled.
// The handler is installed before WatchSignal returns. The returned channel
// closes once the handler has been removed.
func WatchSignal(ctx context.Context, ctrl Controller) <-chan struct{} {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer signal.Stop(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				ctrl.Trigger(scheduler.SourceSignal)
			}
		}
	}()
	return done
}
