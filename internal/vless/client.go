package vless

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/turbovpn/tunnelcore/internal/domain"
)

const (
	// MaxRelayRead bounds the single read performed per relay call.
	MaxRelayRead = 64 * 1024

	defaultRelayTimeout = 30 * time.Second
	eventBufferSize     = 16
)

// Client owns one tunnel connection.  Handshake and Relay calls are
// serialized; Disconnect may be called at any time and aborts an in-flight
// relay by closing the socket.
type Client struct {
	log          *slog.Logger
	dialer       Dialer
	relayTimeout time.Duration
	targetHost   string
	targetPort   int

	// opMu serializes handshake and relay so that a request and its read
	// are never interleaved with another caller's.
	opMu sync.Mutex

	mu      sync.Mutex
	state   State
	conn    net.Conn
	cfg     TunnelConfig
	subs    map[int]chan Event
	nextSub int
}

// Option customizes a [Client].
type Option func(*Client)

// WithDialer replaces the default [NetDialer].
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithTarget fixes the destination written into the request header.  By
// default the header names the tunnel endpoint itself.
func WithTarget(host string, port int) Option {
	return func(c *Client) {
		c.targetHost = host
		c.targetPort = port
	}
}

// WithRelayTimeout bounds each relay call that has no earlier context
// deadline.  Zero disables the bound.
func WithRelayTimeout(d time.Duration) Option {
	return func(c *Client) { c.relayTimeout = d }
}

// NewClient creates a disconnected client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		log:          slog.Default(),
		dialer:       NetDialer{},
		relayTimeout: defaultRelayTimeout,
		subs:         make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Config returns the configuration of the current or last session.
func (c *Client) Config() TunnelConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Subscribe registers for status events.  Slow subscribers miss events
// rather than block the client.  The returned func unsubscribes and closes
// the channel.
func (c *Client) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBufferSize)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

// publishLocked must be called with c.mu held.
func (c *Client) publishLocked(kind EventKind, err error) {
	ev := Event{Kind: kind, Err: err, At: time.Now()}
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Connect opens the transport to cfg's endpoint.  It is a no-op while a
// session is already open or being opened.
func (c *Client) Connect(ctx context.Context, cfg TunnelConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.cfg = cfg
	c.mu.Unlock()

	addr := cfg.Addr()
	conn, err := c.dialer.DialTunnel(ctx, cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateDisconnected
		terr := &domain.TransportError{Op: "connect", Addr: addr, Err: fmt.Errorf("%w: %w", domain.ErrConnectionFailed, err)}
		c.publishLocked(EventFailed, terr)
		c.log.Warn("tunnel connect failed", "addr", addr, "err", err)
		return terr
	}
	if c.state != StateConnecting {
		// Disconnect raced with the dial.
		_ = conn.Close()
		return &domain.TransportError{Op: "connect", Addr: addr, Err: domain.ErrNotConnected}
	}
	c.conn = conn
	c.state = StateConnected
	c.publishLocked(EventConnected, nil)
	c.log.Info("tunnel connected", "addr", addr, "network", cfg.Network)
	return nil
}

// Handshake sends the request header.  It must follow a successful Connect
// and precede any Relay, exactly once per session.
func (c *Client) Handshake(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	state, conn, cfg := c.state, c.conn, c.cfg
	c.mu.Unlock()

	switch state {
	case StateConnected:
	case StateHandshakeSent, StateRelaying:
		return &domain.TransportError{Op: "handshake", Err: fmt.Errorf("%w: header already sent", domain.ErrHandshakeFailed)}
	default:
		return &domain.TransportError{Op: "handshake", Err: domain.ErrNotConnected}
	}

	host, port := c.target(cfg)
	header, err := EncodeRequestHeader(cfg.ID, host, port)
	if err != nil {
		return &domain.TransportError{Op: "handshake", Err: fmt.Errorf("%w: %w", domain.ErrHandshakeFailed, err)}
	}

	stop := c.watch(ctx, conn, 0)
	_, err = conn.Write(header)
	stop()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		terr := &domain.TransportError{Op: "handshake", Addr: cfg.Addr(), Err: fmt.Errorf("%w: %w", domain.ErrHandshakeFailed, err)}
		c.fail(conn, terr)
		return terr
	}

	c.mu.Lock()
	if c.conn == conn {
		c.state = StateHandshakeSent
	}
	c.mu.Unlock()
	c.log.Debug("tunnel handshake sent", "target", host, "port", port)
	return nil
}

// Relay writes payload and performs exactly one bounded read of the reply.
// The result is whatever arrived in that read, possibly empty when the peer
// closed without answering; it is not a framed application response.
func (c *Client) Relay(ctx context.Context, payload []byte) ([]byte, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	state, conn, cfg := c.state, c.conn, c.cfg
	c.mu.Unlock()

	switch state {
	case StateHandshakeSent, StateRelaying:
	case StateConnected:
		return nil, &domain.TransportError{Op: "relay", Err: fmt.Errorf("%w: handshake not sent", domain.ErrNotConnected)}
	default:
		return nil, &domain.TransportError{Op: "relay", Err: domain.ErrNotConnected}
	}

	stop := c.watch(ctx, conn, c.relayTimeout)
	defer stop()

	if _, err := conn.Write(payload); err != nil {
		return nil, c.relayFailed(ctx, conn, cfg, err)
	}
	buf := make([]byte, MaxRelayRead)
	n, err := conn.Read(buf)
	if err != nil && !(errors.Is(err, io.EOF) && n == 0) {
		if n == 0 {
			return nil, c.relayFailed(ctx, conn, cfg, err)
		}
		err = nil
	}

	c.mu.Lock()
	if c.conn == conn {
		if errors.Is(err, io.EOF) {
			_ = c.closeLocked()
			c.publishLocked(EventDisconnected, nil)
		} else {
			c.state = StateRelaying
		}
	}
	c.mu.Unlock()
	return buf[:n], nil
}

func (c *Client) relayFailed(ctx context.Context, conn net.Conn, cfg TunnelConfig, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	} else if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		err = context.DeadlineExceeded
	}
	terr := &domain.TransportError{Op: "relay", Addr: cfg.Addr(), Err: err}
	c.fail(conn, terr)
	return terr
}

// Disconnect closes the session.  Calling it while disconnected is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected && c.conn == nil {
		return nil
	}
	err := c.closeLocked()
	c.publishLocked(EventDisconnected, nil)
	c.log.Info("tunnel disconnected", "addr", c.cfg.Addr())
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// fail drops the session after a transport error, if conn is still current.
func (c *Client) fail(conn net.Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	_ = c.closeLocked()
	c.publishLocked(EventFailed, err)
	c.log.Warn("tunnel session failed", "err", err)
}

func (c *Client) closeLocked() error {
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	return err
}

// watch applies ctx cancellation and an optional timeout to conn.  The
// returned func clears the deadline.
func (c *Client) watch(ctx context.Context, conn net.Conn, timeout time.Duration) func() {
	deadline, ok := ctx.Deadline()
	if timeout > 0 {
		if d := time.Now().Add(timeout); !ok || d.Before(deadline) {
			deadline, ok = d, true
		}
	}
	if !ok {
		deadline = time.Time{}
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}

func (c *Client) target(cfg TunnelConfig) (string, int) {
	host, port := c.targetHost, c.targetPort
	if host == "" {
		host = cfg.Host
	}
	if port == 0 {
		port = cfg.Port
	}
	return host, port
}
