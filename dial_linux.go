//go:build linux

package gontpc

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

func (d *dialer) control(network, address string, c syscall.RawConn) error {
	if d.iface == "" {
		return nil
	}
	var controlErr error
	err := c.Control(func(fd uintptr) {
		controlErr = unix.BindToDevice(int(fd), d.iface)
	})
	if err != nil {
		return fmt.Errorf("failed to set socket option: %w", err)
	}
	if controlErr != nil {
		return fmt.Errorf("bind to device %s: %w", d.iface, controlErr)
	}
	return nil
}
