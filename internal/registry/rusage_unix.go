//go:build linux || darwin

package registry

import (
	"os"
	"runtime"
	"syscall"
)

// maxRSSKB extracts peak resident set size from the process rusage.
// Linux reports kilobytes; darwin reports bytes.
func maxRSSKB(ps *os.ProcessState) int64 {
	ru, ok := ps.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return 0
	}
	if runtime.GOOS == "darwin" {
		return ru.Maxrss / 1024
	}
	return ru.Maxrss
}
