package vcs

import (
	"errors"
	"fmt"
	"os"
)

// ErrDirNotEmpty is returned by Clone when the target already has content.
var ErrDirNotEmpty = errors.New("target directory is not empty")

func ensureEmptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect %s: %w", dir, err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: %s", ErrDirNotEmpty, dir)
	}
	return nil
}
