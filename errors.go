package gontpc

import "errors"

var (
	// ErrNoURL is returned when a query names no target at all.
	ErrNoURL = errors.New("ntp: no target specified")

	// ErrNoHost is returned when the target has no host, or none of the
	// addresses it resolves to may be used.
	ErrNoHost = errors.New("ntp: no host")

	// ErrNoData is returned when the server answers with an empty datagram.
	ErrNoData = errors.New("ntp: no data received")

	// ErrMalformed is returned when a datagram is not a 48 byte NTP header.
	ErrMalformed = errors.New("ntp: malformed packet")

	// ErrCanceled is returned when a transaction is stopped before it
	// produced a result.
	ErrCanceled = errors.New("ntp: transaction canceled")

	ErrUnsupportedScheme = errors.New("ntp: unsupported scheme")
)
