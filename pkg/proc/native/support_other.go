//go:build !linux || !amd64

package native

import (
	"errors"

	"github.com/go-delve/runctl/pkg/proc"
)

var ErrNativeBackendDisabled = errors.New("native backend not available on this platform")

// LaunchFlags modify the way a program is started.
type LaunchFlags uint8

const (
	LaunchDisableASLR LaunchFlags = 1 << iota
)

// Process is never instantiated on this platform.
type Process struct {
	proc.Process
}

// ExecutablePath returns the empty string.
func (*Process) ExecutablePath() string { return "" }

// Launch returns ErrNativeBackendDisabled.
func Launch(_ []string, _ string, _ LaunchFlags) (*Process, error) {
	return nil, ErrNativeBackendDisabled
}

// Attach returns ErrNativeBackendDisabled.
func Attach(_ int) (*Process, error) {
	return nil, ErrNativeBackendDisabled
}
