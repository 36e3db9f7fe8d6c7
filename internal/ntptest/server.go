// Package ntptest provides a loopback NTP responder for tests.
package ntptest

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

const packetSize = 48

const (
	liVnModePos       = 0
	stratumPos        = 1
	pollPos           = 2
	precisionPos      = 3
	rootDelayPos      = 4
	rootDispersionPos = 8
	referIDPos        = 12
	referenceTimePos  = 16
	originTimePos     = 24
	receiveTimePos    = 32
	transmitTimePos   = 40
)

const (
	modeReserved = 0
	modeClient   = 3
	modeServer   = 4
)

const ntpEpochOffset = 2_208_988_800

// ReferenceID is the reference identifier of default replies, "LOCL".
const ReferenceID = 0x4c4f434c

// ReplyFunc builds the datagram sent back for req, which arrived at rcv.
// Returning nil sends nothing; an empty non-nil slice sends an empty
// datagram.
type ReplyFunc func(req []byte, rcv time.Time) []byte

// Server answers NTP client requests on a loopback UDP socket.
type Server struct {
	conn  *net.UDPConn
	clock clockwork.Clock
	log   *slog.Logger

	mu       sync.Mutex
	reply    ReplyFunc
	template []byte
	requests [][]byte

	wg sync.WaitGroup
}

// NewServer starts a responder stamping replies with clock. A nil clock
// means the real clock. The server is closed when tb finishes.
func NewServer(tb testing.TB, clock clockwork.Clock) *Server {
	tb.Helper()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		tb.Fatalf("ntptest: listen: %v", err)
	}
	s := &Server{
		conn:     conn,
		clock:    clock,
		log:      slog.Default().With("ntptest", conn.LocalAddr().String()),
		template: newTemplate(clock.Now()),
	}
	s.wg.Add(1)
	go s.serve()
	tb.Cleanup(s.Close)
	return s
}

// Addr returns the listening address.
func (s *Server) Addr() netip.AddrPort {
	ap := s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Target returns the address as an ntp URL.
func (s *Server) Target() string {
	return "ntp://" + s.Addr().String()
}

// SetReply replaces the reply builder. A nil fn restores the default.
func (s *Server) SetReply(fn ReplyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = fn
}

// SetStratum changes the stratum of default replies.
func (s *Server) SetStratum(stratum uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.template[stratumPos] = stratum
}

// Requests returns copies of every datagram received so far.
func (s *Server) Requests() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.requests))
	for i, r := range s.requests {
		out[i] = append([]byte(nil), r...)
	}
	return out
}

func (s *Server) Close() {
	s.conn.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()

	buf := make([]byte, 1500)
	for {
		n, remote, err := s.conn.ReadFromUDPAddrPort(buf)
		rcvTime := s.clock.Now()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn("read failed", "error", err)
			}
			return
		}

		req := append([]byte(nil), buf[:n]...)
		s.mu.Lock()
		s.requests = append(s.requests, req)
		fn := s.reply
		if fn == nil {
			fn = s.Reply
		}
		s.mu.Unlock()

		resp := fn(req, rcvTime)
		if resp == nil {
			s.log.Debug("no reply", "remote", remote, "n", n)
			continue
		}
		if _, err = s.conn.WriteToUDPAddrPort(resp, remote); err != nil {
			s.log.Warn("write failed", "remote", remote, "error", err)
		}
	}
}

// Reply is the default reply builder. It answers client mode requests
// with a server mode packet whose originate timestamp echoes the request
// transmit timestamp. Anything else is dropped.
func (s *Server) Reply(req []byte, rcv time.Time) []byte {
	if len(req) < packetSize {
		return nil
	}
	switch req[liVnModePos] &^ 0xf8 {
	case modeReserved, modeClient:
	default:
		return nil
	}

	p := make([]byte, packetSize)
	s.mu.Lock()
	copy(p[:originTimePos], s.template)
	s.mu.Unlock()
	copy(p[originTimePos:receiveTimePos], req[transmitTimePos:transmitTimePos+8])
	binary.BigEndian.PutUint64(p[receiveTimePos:], NTPTime(rcv))
	binary.BigEndian.PutUint64(p[transmitTimePos:], NTPTime(s.clock.Now()))
	return p
}

// Silent never answers.
func Silent([]byte, time.Time) []byte { return nil }

// Raw always answers with b, which may be empty or of any length.
func Raw(b []byte) ReplyFunc {
	b = append([]byte{}, b...)
	return func([]byte, time.Time) []byte { return b }
}

// NTPTime encodes t as a 64-bit NTP timestamp.
func NTPTime(t time.Time) uint64 {
	sec := uint64(t.Unix() + ntpEpochOffset)
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return sec<<32 | frac
}

func newTemplate(now time.Time) []byte {
	t := make([]byte, packetSize)
	t[liVnModePos] = 0<<6 | 4<<3 | modeServer
	t[stratumPos] = 1
	t[pollPos] = 4
	t[precisionPos] = 0xec // -20
	binary.BigEndian.PutUint32(t[rootDelayPos:], 0x00000010)
	binary.BigEndian.PutUint32(t[rootDispersionPos:], 0x00000020)
	binary.BigEndian.PutUint32(t[referIDPos:], ReferenceID)
	binary.BigEndian.PutUint64(t[referenceTimePos:], NTPTime(now))
	return t
}
