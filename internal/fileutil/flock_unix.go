//go:build !windows

package fileutil

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrLocked is returned by TryLock when another process holds the lock.
var ErrLocked = errors.New("file is locked by another process")

// FlockExclusive acquires an exclusive (write) lock on the file.
// If nonBlocking is true, returns immediately with an error if the lock cannot be acquired.
func FlockExclusive(f *os.File, nonBlocking bool) error {
	return flock(f, syscall.LOCK_EX, nonBlocking)
}

// FlockShared acquires a shared (read) lock on the file.
func FlockShared(f *os.File, nonBlocking bool) error {
	return flock(f, syscall.LOCK_SH, nonBlocking)
}

// Funlock releases the lock on the file.
func Funlock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}

func flock(f *os.File, how int, nonBlocking bool) error {
	if nonBlocking {
		how |= syscall.LOCK_NB
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return ErrLocked
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	return nil
}

// Lock is an exclusive advisory lock held on a file for the lifetime of a
// process. The kernel drops it when the process dies.
type Lock struct {
	f *os.File
}

// TryLock opens (creating if needed) path and takes an exclusive lock
// without blocking. It returns ErrLocked if the lock is already held.
func TryLock(path string) (*Lock, error) {
	if err := EnsureParentDir(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := FlockExclusive(f, true); err != nil {
		f.Close()
		return nil, err
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the lock file. The file itself is left in place
// so the next holder locks the same inode.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := Funlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
