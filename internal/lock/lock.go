// Package lock provides exclusive advisory file locks used to serialize
// vault mutations and ledger appends across independent processes.
//
// The lock file is created if missing; its content is never read. Only the
// kernel's flock(2) state matters, so a crashed holder never leaves a stale
// lock behind.
package lock

import (
	"os"
	"sync"

	"github.com/rbrinkke/Vault/pkg/schema"
)

const lockFileMode = 0o600

// FileLock is an exclusive advisory lock held on an open lock file.
// Release it with a deferred Release call on every path.
type FileLock struct {
	path string
	file *os.File
	once sync.Once
	err  error
}

// Exclusive blocks until the exclusive lock on path is granted.
// It fails only when the lock file cannot be opened or locked.
func Exclusive(path string) (*FileLock, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := flock(f, true); err != nil {
		f.Close()
		return nil, schema.IOError("acquire lock", path, err)
	}
	return &FileLock{path: path, file: f}, nil
}

// TryExclusive attempts the lock without blocking.
// It returns (nil, nil) when another holder already owns the lock.
func TryExclusive(path string) (*FileLock, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}
	acquired, err := flock(f, false)
	if err != nil {
		f.Close()
		return nil, schema.IOError("try lock", path, err)
	}
	if !acquired {
		f.Close()
		return nil, nil
	}
	return &FileLock{path: path, file: f}, nil
}

// With runs fn while holding the exclusive lock on path. The lock is
// released when fn returns or panics.
func With(path string, fn func() error) error {
	l, err := Exclusive(path)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Release drops the lock and closes the lock file. Safe to call more than once.
func (l *FileLock) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		unlockErr := funlock(l.file)
		closeErr := l.file.Close()
		if unlockErr != nil {
			l.err = schema.IOError("release lock", l.path, unlockErr)
		} else if closeErr != nil {
			l.err = schema.IOError("close lock", l.path, closeErr)
		}
	})
	return l.err
}

func openLockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, lockFileMode)
	if err != nil {
		return nil, schema.IOError("open lock file", path, err)
	}
	return f, nil
}
