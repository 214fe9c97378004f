package doctor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BackupFile writes a timestamped copy of path next to it and returns the
// copy's path. "pindeploy service install" uses it before replacing an
// existing unit file.
func BackupFile(path string) (string, error) {
	return backupFileAt(path, time.Now())
}

func backupFileAt(path string, now time.Time) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("backup path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	backupPath := fmt.Sprintf("%s.bak-%s", path, now.Format("20060102-150405"))
	if err := os.MkdirAll(filepath.Dir(backupPath), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(backupPath, data, info.Mode().Perm()); err != nil {
		return "", err
	}
	return backupPath, nil
}
