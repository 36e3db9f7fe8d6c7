package gontpc

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

// prefixRange returns the first and last address covered by n.
func prefixRange(n netip.Prefix) (start, end netip.Addr) {
	n = n.Masked()
	start = n.Addr()
	b := start.AsSlice()
	ones := n.Bits()
	for i := range b {
		bit := i * 8
		switch {
		case bit >= ones:
			b[i] = 0xff
		case bit+8 > ones:
			b[i] |= 0xff >> uint(ones-bit)
		}
	}
	end, _ = netip.AddrFromSlice(b)
	return
}

// denyList holds the server ranges a client refuses to talk to.
type denyList struct {
	CIDR []string
	// sorted by first address, never overlapping
	prefixes []netip.Prefix
}

func newDenyList(cidr []string) (d *denyList, err error) {
	d = &denyList{CIDR: cidr}
	for _, c := range cidr {
		var n netip.Prefix
		n, err = netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return nil, err
		}
		d.prefixes = append(d.prefixes, n.Masked())
	}

	sort.Slice(d.prefixes, func(i, j int) bool {
		return d.prefixes[i].Addr().Less(d.prefixes[j].Addr())
	})

	for i := 0; i < len(d.prefixes)-1; i++ {
		if d.prefixes[i].Overlaps(d.prefixes[i+1]) {
			return nil, fmt.Errorf("cidr overlapped, %s and %s",
				d.prefixes[i], d.prefixes[i+1])
		}
	}
	return d, nil
}

func (d *denyList) contains(ip netip.Addr) bool {
	if d == nil || len(d.prefixes) == 0 {
		return false
	}
	ip = ip.Unmap()
	// the only candidate is the last range starting at or before ip
	i := sort.Search(len(d.prefixes), func(i int) bool {
		return ip.Less(d.prefixes[i].Addr())
	})
	if i == 0 {
		return false
	}
	return d.prefixes[i-1].Contains(ip)
}

func (d *denyList) String() string {
	var w strings.Builder
	for i, n := range d.prefixes {
		if i > 0 {
			w.WriteByte(',')
		}
		start, end := prefixRange(n)
		fmt.Fprintf(&w, "%s-%s", start, end)
	}
	return w.String()
}
