//go:build !linux

package traffic

import (
	"context"
	"fmt"
	"runtime"
)

// LinkCounters is only implemented on Linux.
type LinkCounters struct{}

func (LinkCounters) Counters(context.Context, string) (uint64, uint64, error) {
	return 0, 0, fmt.Errorf("unsupported OS: %s", runtime.GOOS)
}
