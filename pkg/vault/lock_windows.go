//go:build windows

package vault

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// sessionLock is an exclusive lock on the vault's lock file, held for the
// whole unlocked session. Windows releases the region lock when the handle
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

	ol := new(windows.Overlapped)
	err = windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, 1, 0, ol)
	if err != nil {
		f.Close()
		if err == windows.ERROR_LOCK_VIOLATION {
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
	ol := new(windows.Overlapped)
	_ = windows.UnlockFileEx(windows.Handle(l.f.Fd()), 0, 1, 0, ol)
	_ = l.f.Close()
	l.f = nil
}
