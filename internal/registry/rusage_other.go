//go:build !linux && !darwin

package registry

import "os"

// maxRSSKB is unavailable without rusage support.
func maxRSSKB(_ *os.ProcessState) int64 { return 0 }
