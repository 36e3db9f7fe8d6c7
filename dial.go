package gontpc

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Dialer opens the datagram connection of a transaction. *net.Dialer
// satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type dialer struct {
	local *net.UDPAddr
	iface string
	tos   int
	ttl   int
}

func newDialer(cfg *Config) (d *dialer, err error) {
	d = &dialer{
		iface: cfg.Interface,
		tos:   cfg.TOS,
		ttl:   cfg.TTL,
	}
	if cfg.LocalAddr != "" {
		d.local, err = net.ResolveUDPAddr("udp", cfg.LocalAddr)
		if err != nil {
			return nil, fmt.Errorf("local addr %q: %w", cfg.LocalAddr, err)
		}
	}
	return d, nil
}

func (d *dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	nd := net.Dialer{Control: d.control}
	if d.local != nil {
		nd.LocalAddr = d.local
	}
	conn, err := nd.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if err = d.setOptions(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (d *dialer) setOptions(conn net.Conn) error {
	if d.tos == 0 && d.ttl == 0 {
		return nil
	}

	if ra, ok := conn.RemoteAddr().(*net.UDPAddr); ok && ra.IP.To4() != nil {
		pc := ipv4.NewConn(conn)
		if d.tos > 0 {
			if err := pc.SetTOS(d.tos); err != nil {
				return fmt.Errorf("set tos: %w", err)
			}
		}
		if d.ttl > 0 {
			if err := pc.SetTTL(d.ttl); err != nil {
				return fmt.Errorf("set ttl: %w", err)
			}
		}
		return nil
	}

	pc := ipv6.NewConn(conn)
	if d.tos > 0 {
		if err := pc.SetTrafficClass(d.tos); err != nil {
			return fmt.Errorf("set traffic class: %w", err)
		}
	}
	if d.ttl > 0 {
		if err := pc.SetHopLimit(d.ttl); err != nil {
			return fmt.Errorf("set hop limit: %w", err)
		}
	}
	return nil
}
