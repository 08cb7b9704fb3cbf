// Package splitproxy implements the local split-tunnel listener.  Requests
// for blocked domains are forwarded through the tunnel; HTTP CONNECT
// requests for other hosts take the bypass path, and anything that is not a
// CONNECT request is relayed through the tunnel as opaque bytes.
package splitproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/turbovpn/tunnelcore/internal/domain"
	"github.com/turbovpn/tunnelcore/internal/netutil"
)

// Relayer forwards one payload through the tunnel and returns the reply.
type Relayer interface {
	Relay(ctx context.Context, payload []byte) ([]byte, error)
}

// BypassMode selects what happens to CONNECT requests for hosts no rule
// covers.
type BypassMode string

const (
	// BypassAcknowledge replies 200 and closes without forwarding.
	BypassAcknowledge BypassMode = "acknowledge"
	// BypassDial opens a direct connection and splices both directions.
	BypassDial BypassMode = "dial"
)

// ErrAlreadyStarted is returned by Start on a running proxy.
var ErrAlreadyStarted = errors.New("proxy already started")

const (
	firstReadSize      = 4096
	acceptRetryDelay   = 100 * time.Millisecond
	defaultMaxConns    = 256
	defaultReadTimeout = 30 * time.Second
	defaultDialTimeout = 10 * time.Second
)

// Options configures a [Proxy].
type Options struct {
	ListenAddr string
	// MaxConns caps concurrently handled connections.  Further clients wait
	// in the listen backlog until a slot frees up.
	MaxConns    int
	ReadTimeout time.Duration
	DialTimeout time.Duration
	Bypass      BypassMode
}

// Proxy is the local split-tunnel listener.
type Proxy struct {
	opts   Options
	rules  RuleSet
	tunnel Relayer
	log    *slog.Logger
	sem    *semaphore.Weighted

	mu     sync.Mutex
	ln     net.Listener
	cancel context.CancelFunc
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// New creates a stopped proxy.
func New(opts Options, rules RuleSet, tunnel Relayer, logger *slog.Logger) *Proxy {
	if opts.MaxConns <= 0 {
		opts.MaxConns = defaultMaxConns
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Bypass == "" {
		opts.Bypass = BypassAcknowledge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		opts:   opts,
		rules:  rules,
		tunnel: tunnel,
		log:    logger,
		sem:    semaphore.NewWeighted(int64(opts.MaxConns)),
	}
}

// Start binds the listener and serves in the background until Stop or ctx
// cancellation.  A taken port fails with [domain.ErrAddressInUse].
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln != nil {
		return ErrAlreadyStarted
	}
	ln, err := net.Listen("tcp", p.opts.ListenAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("listen %s: %w: %w", p.opts.ListenAddr, domain.ErrAddressInUse, err)
		}
		return fmt.Errorf("listen %s: %w", p.opts.ListenAddr, err)
	}
	serveCtx, cancel := context.WithCancel(ctx)
	p.ln = ln
	p.cancel = cancel
	p.conns = make(map[net.Conn]struct{})
	p.wg.Add(1)
	go p.acceptLoop(serveCtx, ln)
	context.AfterFunc(serveCtx, func() { _ = p.Stop() })
	p.log.Info("split proxy listening", "addr", ln.Addr().String(), "rules", p.rules.Len(), "max_conns", p.opts.MaxConns)
	return nil
}

// Run starts the proxy and blocks until ctx is done.
func (p *Proxy) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return p.Stop()
}

// Addr returns the bound address, or nil when stopped.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// Stop closes the listener and every tracked connection, cancels relays
// dispatched by them, and waits for handlers to return.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	if p.ln == nil {
		p.mu.Unlock()
		p.wg.Wait()
		return nil
	}
	p.cancel()
	err := p.ln.Close()
	for conn := range p.conns {
		_ = conn.Close()
	}
	p.ln = nil
	p.conns = nil
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("split proxy stopped")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (p *Proxy) acceptLoop(ctx context.Context, ln net.Listener) {
	defer p.wg.Done()
	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			p.sem.Release(1)
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			p.log.Warn("split proxy accept failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		if !p.track(conn) {
			_ = conn.Close()
			p.sem.Release(1)
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			defer p.untrack(conn)
			p.handle(ctx, conn)
		}()
	}
}

func (p *Proxy) track(conn net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns == nil {
		return false
	}
	p.conns[conn] = struct{}{}
	return true
}

func (p *Proxy) untrack(conn net.Conn) {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	_ = conn.Close()
}

func (p *Proxy) handle(ctx context.Context, conn net.Conn) {
	buf := make([]byte, firstReadSize)
	_ = conn.SetReadDeadline(time.Now().Add(p.opts.ReadTimeout))
	n, err := conn.Read(buf)
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			p.log.Debug("split proxy first read failed", "remote", conn.RemoteAddr().String(), "err", err)
		}
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	data := buf[:n]
	if isConnectRequest(data) {
		p.handleConnect(ctx, conn, data)
		return
	}
	p.pump(ctx, conn, bytes.Clone(data))
}

func (p *Proxy) handleConnect(ctx context.Context, conn net.Conn, data []byte) {
	host, port, err := parseConnectTarget(data)
	if err != nil {
		p.log.Debug("split proxy rejected request", "err", err)
		_, _ = io.WriteString(conn, replyBadRequest)
		return
	}
	rest := connectRemainder(data)
	if !p.rules.Match(host) {
		p.bypass(ctx, conn, host, port, rest)
		return
	}

	if _, err := p.tunnel.Relay(ctx, connectLine(host, port)); err != nil {
		p.log.Warn("tunnel CONNECT failed", "host", host, "port", port, "err", err)
		_, _ = io.WriteString(conn, replyBadGateway)
		return
	}
	if _, err := io.WriteString(conn, replyEstablished); err != nil {
		return
	}
	p.log.Debug("tunnel CONNECT established", "host", host, "port", port)
	p.pump(ctx, conn, rest)
}

// pump relays client bytes through the tunnel until either side fails.
// first, when non-nil, is sent before reading from conn.
func (p *Proxy) pump(ctx context.Context, conn net.Conn, first []byte) {
	payload := first
	buf := make([]byte, firstReadSize)
	for {
		if payload == nil {
			n, _ := conn.Read(buf)
			if n == 0 {
				return
			}
			payload = buf[:n]
		}
		resp, err := p.tunnel.Relay(ctx, payload)
		if err != nil {
			p.log.Debug("tunnel relay failed", "remote", conn.RemoteAddr().String(), "err", err)
			return
		}
		if len(resp) > 0 {
			if _, err := conn.Write(resp); err != nil {
				return
			}
		}
		payload = nil
	}
}

// bypass handles a CONNECT no rule covers.  rest holds bytes the client
// pipelined after the request head.
func (p *Proxy) bypass(ctx context.Context, conn net.Conn, host string, port int, rest []byte) {
	if p.opts.Bypass != BypassDial {
		// No direct path is opened in this mode.
		p.log.Debug("bypass acknowledged without forwarding", "host", host, "port", port)
		_, _ = io.WriteString(conn, replyEstablished)
		return
	}

	dialer := net.Dialer{Timeout: p.opts.DialTimeout}
	upstream, err := dialer.DialContext(ctx, "tcp", netutil.JoinHostPort(host, port))
	if err != nil {
		p.log.Warn("direct dial failed", "host", host, "port", port, "err", err)
		_, _ = io.WriteString(conn, replyBadGateway)
		return
	}
	defer upstream.Close()
	if _, err := io.WriteString(conn, replyEstablished); err != nil {
		return
	}
	if len(rest) > 0 {
		if _, err := upstream.Write(rest); err != nil {
			return
		}
	}
	splice(conn, upstream)
}

func splice(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
	_ = a.Close()
	_ = b.Close()
	<-done
}
