// Package sysutil wraps the socket options and process level knobs the
// server tunes. Platforms lacking one of them get a stub reporting
// ErrUnsupported.
package sysutil

import (
	"errors"
	"runtime"
)

var ErrUnsupported = errors.New("sysutil: not supported on " + runtime.GOOS)

// NumCPU returns the number of CPUs this process may run on.
func NumCPU() int {
	if n := onlineCPUs(); n > 0 {
		return n
	}
	return runtime.NumCPU()
}
