package trigger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wearable-pin/pindeploy/internal/observability"
	"github.com/wearable-pin/pindeploy/internal/scheduler"
)

// DefaultDebounce folds the burst of events a single touch produces.
const DefaultDebounce = 100 * time.Millisecond

// FileWatcher requests a cycle whenever the trigger file is created or
// written. The parent directory is watched so the file need not exist.
type FileWatcher struct {
	path     string
	ctrl     Controller
	logger   *observability.Logger
	debounce time.Duration
}

// NewFileWatcher returns a watcher for path.
func NewFileWatcher(path string, ctrl Controller, logger *observability.Logger) *FileWatcher {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &FileWatcher{
		path:     filepath.Clean(path),
		ctrl:     ctrl,
		logger:   logger.WithFields("component", "trigger_file"),
		debounce: DefaultDebounce,
	}
}

// Run watches until ctx is cancelled.
func (fw *FileWatcher) Run(ctx context.Context) error {
	dir := filepath.Dir(fw.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create trigger directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	fw.logger.Info(ctx, "watching trigger file", "path", fw.path)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	fire := func() {
		fw.ctrl.Trigger(scheduler.SourceFile)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			// A shell touch on an existing file only changes its
			// timestamps, which inotify reports as Chmod.
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Chmod) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(fw.debounce, fire)
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fw.logger.Warn(ctx, "trigger file watch error", "error", err)
		}
	}
}

// Touch creates or updates the trigger file. "pindeploy trigger" uses it
// when the admin endpoint is unreachable.
func Touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%d\n", time.Now().Unix()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
