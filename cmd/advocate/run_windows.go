//go:build windows

package main

// disableCoreDumps is a no-op on Windows, which handles crash dumps through
// Windows Error Reporting rather than RLIMIT_CORE.
func disableCoreDumps() error {
	return nil
}
