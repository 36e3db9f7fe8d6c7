package gontpc

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

// Client queries NTP servers. Each query runs its own Transaction with its
// own socket; a Client holds no per-query state and is safe for
// concurrent use.
type Client struct {
	cfg      *Config
	resolver Resolver
	dialer   Dialer
	deny     *denyList
	clock    clockwork.Clock
	log      *slog.Logger
	stat     *statistic

	ownStat bool
}

type Option func(*Client)

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithResolver(r Resolver) Option {
	return func(c *Client) { c.resolver = r }
}

func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithRegisterer registers the client metrics with reg instead of the
// default registry. A nil reg disables metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.ownStat = true
		if reg != nil {
			c.stat = newStatistic(reg)
		}
	}
}

// NewClient builds a client from cfg. A nil cfg means DefaultConfig.
func NewClient(cfg *Config, opts ...Option) (c *Client, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	c = &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if !c.ownStat {
		c.stat = ensureRegistered()
	}
	if c.log == nil {
		c.log = defaultLogger()
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.resolver == nil {
		c.resolver = net.DefaultResolver
	}
	if c.dialer == nil {
		c.dialer, err = newDialer(cfg)
		if err != nil {
			return nil, err
		}
	}

	c.deny, err = newDenyList(cfg.Deny)
	if err != nil {
		return nil, err
	}
	if len(cfg.Deny) > 0 {
		c.log.Debug("deny list", "ranges", c.deny)
	}
	return c, nil
}

// NewTransaction prepares an exchange with target without starting it.
// A bad target is reported by the transaction once started, before any
// network I/O.
func (c *Client) NewTransaction(target string) *Transaction {
	id := uuid.New()
	t := &Transaction{
		id:       id,
		resolver: c.resolver,
		dialer:   c.dialer,
		deny:     c.deny,
		denyLAN:  c.cfg.DenyLAN,
		clock:    c.clock,
		log:      c.log.With("id", id, "target", target),
		stat:     c.stat,
		done:     make(chan struct{}),
	}
	t.target, t.targetErr = ParseTarget(target)
	return t
}

// Query returns the server time of target.
func (c *Client) Query(ctx context.Context, target string) (time.Time, error) {
	resp, err := c.QueryResponse(ctx, target)
	if err != nil {
		return time.Time{}, err
	}
	return resp.Time, nil
}

// QueryResponse runs one transaction to completion and returns its
// response.
func (c *Client) QueryResponse(ctx context.Context, target string) (*Response, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	t := c.NewTransaction(target)
	t.Start(ctx)
	<-t.Done()
	return t.Result()
}

// QueryFunc starts a transaction and calls fn with its outcome from
// another goroutine. fn is called exactly once. The returned transaction
// may be cancelled.
func (c *Client) QueryFunc(ctx context.Context, target string, fn func(*Response, error)) *Transaction {
	ctx, cancel := c.withTimeout(ctx)

	t := c.NewTransaction(target)
	t.Start(ctx)
	go func() {
		<-t.Done()
		cancel()
		fn(t.Result())
	}()
	return t
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
