//go:build !windows

package vault

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// sessionLock is an exclusive advisory lock on the vault's lock file, held
// for the whole unlocked session. The kernel releases it when the descriptor
// closes, so a crashed process never leaves the vault permanently locked.
type sessionLock struct {
	f *os.File
}

// acquireSessionLock takes the lock without blocking. A second session gets
// ErrVaultBusy instead of an open handle.
func acquireSessionLock(path string) (*sessionLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, FileMode)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrVaultBusy
		}
		return nil, fmt.Errorf("vault: failed to lock vault: %w", err)
	}

	return &sessionLock{f: f}, nil
}

// release drops the lock. Safe to call multiple times.
func (l *sessionLock) release() {
	if l == nil || l.f == nil {
		return
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
	l.f = nil
}
