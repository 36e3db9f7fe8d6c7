package gontpc

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultPort is the NTP server port.
const DefaultPort = 123

const scheme = "ntp"

// Target is the server a transaction talks to.
type Target struct {
	Host string
	Port uint16
}

func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// ParseTarget accepts "ntp://host[:port]", "host[:port]" and bracketed IPv6
// literals. A missing port means DefaultPort; a port that is not in
// 1..65535 is an error.
func ParseTarget(raw string) (t Target, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return t, ErrNoURL
	}

	var host, port string
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return t, fmt.Errorf("%w: %v", ErrNoURL, err)
		}
		if !strings.EqualFold(u.Scheme, scheme) {
			return t, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
		}
		host, port = u.Hostname(), u.Port()
	} else if h, p, err := net.SplitHostPort(raw); err == nil {
		host, port = h, p
	} else {
		host = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	}

	if host == "" {
		return t, fmt.Errorf("%w: %q", ErrNoHost, raw)
	}
	t.Host = host
	t.Port = DefaultPort
	if port == "" {
		return t, nil
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return Target{}, fmt.Errorf("%w: invalid port %q in %q", ErrNoURL, port, raw)
	}
	t.Port = uint16(p)
	return t, nil
}
