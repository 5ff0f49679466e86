//go:build !linux

package tunnel

import (
	"fmt"
	"runtime"

	"frameworks/api_tunnel/pkg/logging"
)

// NewHost is only implemented on Linux.
func NewHost(_ logging.Logger) (Host, error) {
	return nil, fmt.Errorf("unsupported OS: %s", runtime.GOOS)
}
