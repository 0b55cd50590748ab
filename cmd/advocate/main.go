// Package main provides the advocate CLI: a local, encrypted store for
// personal medical records.
package main

import (
	"fmt"
	"os"
)

func main() {
	// Key material lives in this process; a core dump must never carry it.
	if err := disableCoreDumps(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to disable core dumps: %v\n", err)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
