package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const (
	lockFile         = "LOCK"
	lockPollInterval = 25 * time.Millisecond
)

// ErrDirLocked is returned when another process holds the data directory
var ErrDirLocked = errors.New("data directory is locked by another process")

// DirLock is an exclusive advisory lock on a data directory. While it is
// held no other process can load or write the files below it.
type DirLock struct {
	file *os.File
}

// LockDir takes the lock on dir. While another holder has it, LockDir
// polls until ctx is done and then returns ErrDirLocked.
func LockDir(ctx context.Context, dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(dir, lockFile), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	for {
		err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return &DirLock{file: file}, nil
		}
		if !errors.Is(err, syscall.EWOULDBLOCK) && !errors.Is(err, syscall.EINTR) {
			file.Close()
			return nil, fmt.Errorf("failed to lock %s: %w", dir, err)
		}

		select {
		case <-ctx.Done():
			file.Close()
			return nil, fmt.Errorf("%w: %s", ErrDirLocked, dir)
		case <-time.After(lockPollInterval):
		}
	}
}

// Release unlocks the directory
func (l *DirLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return fmt.Errorf("failed to unlock data directory: %w", unlockErr)
	}
	return closeErr
}
