//go:build windows

package audit

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// checkDiskSpace verifies sufficient free space before appending events.
// A failed query never blocks the write.
func (l *Logger) checkDiskSpace() error {
	path, err := windows.UTF16PtrFromString(l.dir)
	if err != nil {
		return nil
	}
	var free, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(path, &free, &total, &totalFree); err != nil {
		return nil
	}
	if free < MinAuditDiskSpace {
		return fmt.Errorf("audit: insufficient disk space: only %d bytes available, need at least %d",
			free, uint64(MinAuditDiskSpace))
	}
	return nil
}
