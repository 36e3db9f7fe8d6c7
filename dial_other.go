//go:build !linux

package gontpc

import (
	"fmt"
	"syscall"
)

func (d *dialer) control(network, address string, c syscall.RawConn) error {
	if d.iface == "" {
		return nil
	}
	return fmt.Errorf("bind to device %s: not supported on this platform", d.iface)
}
