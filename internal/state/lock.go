package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const lockPollInterval = 100 * time.Millisecond

// RunLock is an exclusive advisory lock on a file. The kernel drops it if the
// process dies, so a crashed cycle never wedges the next one.
type RunLock struct {
	f *os.File
}

// AcquireRunLock takes the lock at path, polling for up to wait. It returns
// ErrConcurrentRun if another holder keeps it for the whole wait.
func AcquireRunLock(path string, wait time.Duration) (*RunLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: mkdir lock dir: %v", ErrPersistence, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock: %v", ErrPersistence, err)
	}

	deadline := time.Now().Add(wait)
	for {
		locked, err := tryLock(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: lock %s: %v", ErrPersistence, path, err)
		}
		if locked {
			break
		}
		if !time.Now().Before(deadline) {
			f.Close()
			return nil, fmt.Errorf("%w: %s is held by another invocation", ErrConcurrentRun, path)
		}
		time.Sleep(lockPollInterval)
	}

	// Holder pid, for operators only.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &RunLock{f: f}, nil
}

// Release drops the lock. Safe to call more than once.
func (l *RunLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// WithRunLock runs fn while holding the lock and releases it on every exit
// path, including panics.
func WithRunLock(path string, wait time.Duration, fn func() error) error {
	lock, err := AcquireRunLock(path, wait)
	if err != nil {
		return err
	}
	defer lock.Release()
	return fn()
}
