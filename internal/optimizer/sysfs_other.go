//go:build !linux

package optimizer

import (
	"fmt"
	"runtime"
)

// DefaultIRQPattern is unused off Linux.
const DefaultIRQPattern = ""

// NewSysfsOps is only implemented on Linux.
func NewSysfsOps(string) (PrivilegedOps, error) {
	return nil, fmt.Errorf("unsupported OS: %s", runtime.GOOS)
}
