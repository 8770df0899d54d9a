//go:build linux

package kiss

import (
	"context"
	"fmt"

	"github.com/jochenvg/go-udev"
)

// WaitForSerialDevice blocks until a tty device is plugged in (a udev "add"
// event on the tty subsystem) or ctx is cancelled, returning its device node
// path (e.g. "/dev/ttyUSB0"). cmd/meshnode's serial transport factory calls
// it when serial_auto_detect is set, so a USB-serial TNC can be plugged in
// after the node has already started.
func WaitForSerialDevice(ctx context.Context) (string, error) {
	u := udev.Udev{}
	mon := u.NewMonitorFromNetlink("udev")
	if err := mon.FilterAddMatchSubsystem("tty"); err != nil {
		return "", fmt.Errorf("kiss: udev filter: %w", err)
	}

	devices, err := mon.DeviceChan(ctx)
	if err != nil {
		return "", fmt.Errorf("kiss: udev monitor: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case dev, ok := <-devices:
			if !ok {
				return "", fmt.Errorf("kiss: udev monitor channel closed")
			}
			if dev.Action() != "add" {
				continue
			}
			node := dev.Devnode()
			if node == "" {
				continue
			}
			return node, nil
		}
	}
}
