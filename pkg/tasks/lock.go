package tasks

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrWorkDirBusy is returned when another workflow holds the working directory.
var ErrWorkDirBusy = errors.New("working directory is in use by another workflow")

// WorkDirLock is an advisory lock on a repository working directory.
type WorkDirLock struct {
	flock *flock.Flock
	dir   string
}

// LockWorkDir takes an exclusive, non-blocking lock on dir. The lock file lives
// inside .git when present so it never shows up as a working-tree change.
func LockWorkDir(dir string) (*WorkDirLock, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	fl := flock.New(lockPath(abs))
	acquired, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", abs, err)
	}
	if !acquired {
		return nil, fmt.Errorf("%s: %w", abs, ErrWorkDirBusy)
	}
	return &WorkDirLock{flock: fl, dir: abs}, nil
}

// Unlock releases the lock.
func (l *WorkDirLock) Unlock() error {
	if l == nil {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", l.dir, err)
	}
	return nil
}

func lockPath(abs string) string {
	gitDir := filepath.Join(abs, ".git")
	if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
		return filepath.Join(gitDir, "foreman.lock")
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(os.TempDir(), "foreman-"+hex.EncodeToString(sum[:6])+".lock")
}
