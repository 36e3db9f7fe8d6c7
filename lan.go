package gontpc

import "net/netip"

var lanPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("fc00::/7"),
}

func isLan(ip netip.Addr) bool {
	ip = ip.Unmap()
	for _, n := range lanPrefixes {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
