package gontpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// maxDatagram is large enough to notice oversized replies.
const maxDatagram = 1300

type State uint8

const (
	StateIdle State = iota
	StateResolving
	StateConnecting
	StateSending
	StateAwaitingResponse
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateSending:
		return "sending"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Resolver maps a host to addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Response is the result of a completed transaction.
type Response struct {
	// Time is the server receive timestamp as a calendar time.
	Time time.Time
	// Seconds is the same timestamp in seconds since the NTP epoch.
	Seconds float64
	Packet  *Packet
	Server  netip.AddrPort
	Elapsed time.Duration
}

// Transaction is a single request/response exchange with one server.
// It is not reusable.
type Transaction struct {
	id        uuid.UUID
	target    Target
	targetErr error

	resolver Resolver
	dialer   Dialer
	deny     *denyList
	denyLAN  bool
	clock    clockwork.Clock
	log      *slog.Logger
	stat     *statistic

	// mu guards everything below.
	mu        sync.Mutex
	state     State
	completed bool
	conn      net.Conn
	stop      func() bool
	cancel    context.CancelFunc
	server    netip.AddrPort
	start     time.Time
	resp      *Response
	err       error
	done      chan struct{}
}

func (t *Transaction) ID() uuid.UUID { return t.id }

func (t *Transaction) Target() Target { return t.target }

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed once the transaction reaches a terminal state and its
// connection has been closed.
func (t *Transaction) Done() <-chan struct{} {
	return t.done
}

// Result returns the outcome. It is nil, nil until Done is closed.
func (t *Transaction) Result() (*Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resp, t.err
}

// Start begins the exchange and returns immediately. Cancelling ctx stops
// the transaction; a ctx deadline is also applied to the connection. Once
// the transaction ends, any lookup or dial still running is cancelled.
// Calling Start more than once, or after Cancel, has no effect.
func (t *Transaction) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateIdle || t.completed {
		return
	}
	t.start = t.clock.Now()
	if t.targetErr != nil {
		t.finishLocked(StateFailed, nil, t.targetErr)
		return
	}
	t.setStateLocked(StateResolving)
	ctx, t.cancel = context.WithCancel(ctx)
	t.stop = context.AfterFunc(ctx, func() { t.abort(ctx.Err()) })
	go t.run(ctx)
}

// Cancel stops the transaction if it has not produced an outcome yet.
func (t *Transaction) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishLocked(StateCancelled, nil, ErrCanceled)
}

func (t *Transaction) run(ctx context.Context) {
	server, err := t.resolve(ctx)
	if err != nil {
		t.fail(ctx, err)
		return
	}

	if !t.advance(StateConnecting) {
		return
	}
	conn, err := t.dialer.DialContext(ctx, "udp", server.String())
	if err != nil {
		t.fail(ctx, err)
		return
	}
	if !t.attach(ctx, conn, server) {
		return
	}

	// armed before the request leaves so a fast reply is never missed
	go t.receive(conn)

	if !t.advance(StateSending) {
		return
	}
	if _, err = conn.Write(EncodeRequest()); err != nil {
		t.fail(ctx, err)
		return
	}
	t.advance(StateAwaitingResponse)
}

func (t *Transaction) resolve(ctx context.Context) (netip.AddrPort, error) {
	addrs, err := t.resolver.LookupNetIP(ctx, "ip", t.target.Host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	for _, addr := range addrs {
		addr = addr.Unmap()
		if t.deny.contains(addr) || (t.denyLAN && isLan(addr)) {
			t.log.Debug("skipping denied address", "addr", addr)
			continue
		}
		return netip.AddrPortFrom(addr, t.target.Port), nil
	}
	return netip.AddrPort{}, fmt.Errorf("%w: no usable address for %s", ErrNoHost, t.target.Host)
}

// attach hands conn to the transaction. It reports false, with conn
// closed, when the transaction already ended.
func (t *Transaction) attach(ctx context.Context, conn net.Conn, server netip.AddrPort) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed {
		conn.Close()
		return false
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			t.finishLocked(StateFailed, nil, err)
			return false
		}
	}
	t.conn = conn
	t.server = server
	return true
}

func (t *Transaction) receive(conn net.Conn) {
	buf := make([]byte, maxDatagram)
	n, err := conn.Read(buf)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed {
		t.log.Debug("discarding late receive", "server", t.server, "n", n, "error", err)
		return
	}
	if err != nil {
		t.finishLocked(StateFailed, nil, err)
		return
	}
	if n == 0 {
		t.finishLocked(StateFailed, nil, ErrNoData)
		return
	}
	p, err := Decode(buf[:n])
	if err != nil {
		t.finishLocked(StateFailed, nil, err)
		return
	}

	seconds := p.ReceiveTime.Seconds()
	t.finishLocked(StateCompleted, &Response{
		Time:    ToCalendarTime(seconds),
		Seconds: seconds,
		Packet:  p,
		Server:  t.server,
		Elapsed: t.clock.Since(t.start),
	}, nil)
}

func (t *Transaction) advance(s State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed {
		return false
	}
	t.setStateLocked(s)
	return true
}

// fail ends the transaction with err, unless ctx ended first; then the
// context outcome wins.
func (t *Transaction) fail(ctx context.Context, err error) {
	if cerr := ctx.Err(); cerr != nil {
		t.abort(cerr)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishLocked(StateFailed, nil, err)
}

// abort ends the transaction because its context is done. An expired
// deadline is a timeout, anything else a cancellation.
func (t *Transaction) abort(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if errors.Is(cause, context.DeadlineExceeded) {
		t.finishLocked(StateFailed, nil, cause)
		return
	}
	t.finishLocked(StateCancelled, nil, fmt.Errorf("%w: %w", ErrCanceled, cause))
}

func (t *Transaction) setStateLocked(s State) {
	t.log.Debug("transaction state", "from", t.state, "to", s)
	t.state = s
}

// finishLocked records the first terminal outcome and releases the
// connection. Later calls are ignored.
func (t *Transaction) finishLocked(s State, resp *Response, err error) bool {
	if t.completed {
		return false
	}
	t.completed = true
	t.setStateLocked(s)
	t.resp, t.err = resp, err

	if t.conn != nil {
		if cerr := t.conn.Close(); cerr != nil {
			t.log.Debug("close connection", "error", cerr)
		}
		t.conn = nil
	}
	if t.stop != nil {
		t.stop()
	}
	// unblocks a resolve or dial still in flight
	if t.cancel != nil {
		t.cancel()
	}

	elapsed := time.Duration(0)
	if !t.start.IsZero() {
		elapsed = t.clock.Since(t.start)
	}
	t.stat.observe(s, elapsed, resp)

	if err != nil {
		t.log.Debug("transaction ended", "state", s, "server", t.server, "elapsed", elapsed, "error", err)
	} else {
		t.log.Debug("transaction ended", "state", s, "server", t.server, "elapsed", elapsed,
			"time", resp.Time,
			"stratum", resp.Packet.Stratum,
			"poll", log2ToDuration(resp.Packet.Poll),
			"precision", log2ToDuration(resp.Packet.Precision),
			"root_delay", resp.Packet.RootDelay.Duration(),
			"root_dispersion", resp.Packet.RootDispersion.Duration(),
		)
	}
	close(t.done)
	return true
}
