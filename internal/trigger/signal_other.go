//go:build windows || plan9

package trigger

import "context"

// WatchSignal is a no-op where SIGUSR1 does not exist.
func WatchSignal(ctx context.Context, _ Controller) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(done)
	}()
	return done
}
