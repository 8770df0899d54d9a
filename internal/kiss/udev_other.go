//go:build !linux

package kiss

import (
	"context"
	"fmt"
)

// WaitForSerialDevice is unsupported outside Linux: udev hotplug monitoring
// is a Linux kernel/userspace facility with no portable equivalent. Callers
// that request serial_auto_detect on another platform get a clear error
// instead of a silently-never-firing detector.
func WaitForSerialDevice(ctx context.Context) (string, error) {
	return "", fmt.Errorf("kiss: serial auto-detection requires linux")
}
