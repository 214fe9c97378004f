package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wearable-pin/pindeploy/internal/vcs"
)

// WorkingCopy is the deployed checkout on the device. It is advanced only by
// Pull, and it remembers exactly one current revision.
type WorkingCopy struct {
	src          vcs.Source
	branch       string
	fetchTimeout time.Duration
	pullTimeout  time.Duration

	mu      sync.Mutex
	current vcs.Revision
}

// WorkingCopyOption configures a WorkingCopy.
type WorkingCopyOption func(*WorkingCopy)

// WithFetchTimeout bounds Fetch.
func WithFetchTimeout(d time.Duration) WorkingCopyOption {
	return func(w *WorkingCopy) {
		w.fetchTimeout = d
	}
}

// WithPullTimeout bounds Pull.
func WithPullTimeout(d time.Duration) WorkingCopyOption {
	return func(w *WorkingCopy) {
		w.pullTimeout = d
	}
}

// NewWorkingCopy wraps src and reads its current revision.
func NewWorkingCopy(ctx context.Context, src vcs.Source, branch string, opts ...WorkingCopyOption) (*WorkingCopy, error) {
	w := &WorkingCopy{
		src:          src,
		branch:       branch,
		fetchTimeout: 30 * time.Second,
		pullTimeout:  60 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	if _, err := w.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("read working copy revision: %w", err)
	}
	return w, nil
}

// Current returns the revision the working copy is known to be at.
func (w *WorkingCopy) Current() vcs.Revision {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Branch returns the tracked branch.
func (w *WorkingCopy) Branch() string {
	return w.branch
}

// Refresh re-reads HEAD from the source. On error the remembered revision
// is left untouched.
func (w *WorkingCopy) Refresh(ctx context.Context) (vcs.Revision, error) {
	rev, err := w.src.CurrentRevision(ctx)
	if err != nil {
		return w.Current(), err
	}
	w.mu.Lock()
	w.current = rev
	w.mu.Unlock()
	return rev, nil
}

// Fetch updates the remote-tracking ref, bounded by the fetch timeout.
func (w *WorkingCopy) Fetch(ctx context.Context) error {
	ctx, cancel := withOptionalTimeout(ctx, w.fetchTimeout)
	defer cancel()
	return w.src.Fetch(ctx, w.branch)
}

// RemoteRevision resolves the fetched tip of the tracked branch.
func (w *WorkingCopy) RemoteRevision(ctx context.Context) (vcs.Revision, error) {
	return w.src.RemoteRevision(ctx, w.branch)
}

// Pull fast-forwards to the fetched tip, bounded by the pull timeout, and
// re-reads the current revision whether or not the pull succeeded.
func (w *WorkingCopy) Pull(ctx context.Context) error {
	pullCtx, cancel := withOptionalTimeout(ctx, w.pullTimeout)
	err := w.src.Pull(pullCtx, w.branch)
	cancel()

	// Use the caller's context so an expired pull deadline does not prevent
	// learning where HEAD ended up.
	if _, refreshErr := w.Refresh(ctx); refreshErr != nil && err == nil {
		err = fmt.Errorf("%w: read revision after pull: %v", ErrInconsistentTree, refreshErr)
	}
	return err
}

// CheckClean reports an error when the working copy has uncommitted
// changes or its status cannot be read.
func (w *WorkingCopy) CheckClean(ctx context.Context) error {
	dirty, err := w.src.HasChanges(ctx)
	if err != nil {
		return fmt.Errorf("read working tree status: %w", err)
	}
	if dirty {
		return errors.New("working tree has uncommitted changes")
	}
	return nil
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
