// Package lock provides the advisory file lock that keeps update cycles
// from different pindeploy processes off the same working copy.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Filename is the lock file created in the state directory.
const Filename = "cycle.lock"

// DefaultPollInterval is how often a waiting Lock retries.
const DefaultPollInterval = 100 * time.Millisecond

// File is an exclusive lock on a path. Each Lock call opens its own file
// description, so two File values on one path exclude each other even
// inside a single process.
type File struct {
	path string
	poll time.Duration
}

// New returns a lock on path.
func New(path string) *File {
	return &File{path: path, poll: DefaultPollInterval}
}

// InDir returns the cycle lock for a state directory.
func InDir(stateDir string) *File {
	return New(filepath.Join(stateDir, Filename))
}

// Path returns the lock file path.
func (f *File) Path() string {
	return f.path
}

// Lock blocks until the lock is held or ctx is done. The returned function
// releases it.
func (f *File) Lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", f.path, err)
	}

	for {
		held, err := tryLock(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("lock %s: %w", f.path, err)
		}
		if held {
			// Holder pid, for whoever finds the lock taken.
			if err := file.Truncate(0); err == nil {
				_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
			}
			return func() {
				_ = unlock(file)
				file.Close()
			}, nil
		}

		timer := time.NewTimer(f.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			file.Close()
			return nil, fmt.Errorf("wait for %s: %w", f.path, ctx.Err())
		case <-timer.C:
		}
	}
}
