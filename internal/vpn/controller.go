// Package vpn composes the tunnel client and the split proxy into one
// connection that can be brought up from a tunnel URI and torn down again.
package vpn

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/turbovpn/tunnelcore/internal/domain"
	"github.com/turbovpn/tunnelcore/internal/splitproxy"
	"github.com/turbovpn/tunnelcore/internal/vless"
)

// Options configures a [Controller].
type Options struct {
	Proxy  splitproxy.Options
	Rules  splitproxy.RuleSet
	Client []vless.Option
}

// Status is a snapshot of the controller.
type Status struct {
	Up          bool
	TunnelState vless.State
	Endpoint    string
	Label       string
	ProxyAddr   string
}

// Controller owns at most one live tunnel and its local proxy.
type Controller struct {
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	client *vless.Client
	proxy  *splitproxy.Proxy
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a controller in the down state.
func New(opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{opts: opts, log: logger}
}

// Up parses uri, connects and handshakes the tunnel, and starts the local
// proxy.  It fails with [domain.ErrAlreadyConnected] while already up.
func (c *Controller) Up(ctx context.Context, uri string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return &domain.StateError{Op: "vpn up", Err: domain.ErrAlreadyConnected}
	}

	cfg, err := vless.Parse(uri)
	if err != nil {
		return err
	}
	opts := append([]vless.Option{vless.WithLogger(c.log)}, c.opts.Client...)
	client := vless.NewClient(opts...)
	if err := client.Connect(ctx, cfg); err != nil {
		return err
	}
	if err := client.Handshake(ctx); err != nil {
		_ = client.Disconnect()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	proxy := splitproxy.New(c.opts.Proxy, c.opts.Rules, client, c.log)
	if err := proxy.Start(runCtx); err != nil {
		cancel()
		_ = client.Disconnect()
		return err
	}

	events, unsubscribe := client.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unsubscribe()
		c.watch(runCtx, events)
	}()

	c.client = client
	c.proxy = proxy
	c.cancel = cancel
	c.done = done
	c.log.Info("vpn up", "endpoint", cfg.Addr(), "label", cfg.Label, "proxy", proxy.Addr().String())
	return nil
}

func (c *Controller) watch(ctx context.Context, events <-chan vless.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case vless.EventFailed:
				c.log.Warn("tunnel failed", "err", ev.Err)
			case vless.EventDisconnected:
				c.log.Info("tunnel disconnected")
			}
		}
	}
}

// Down stops the proxy and closes the tunnel.  It fails with
// [domain.ErrNotConnected] when nothing is up.
func (c *Controller) Down() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return &domain.StateError{Op: "vpn down", Err: domain.ErrNotConnected}
	}
	proxyErr := c.proxy.Stop()
	c.cancel()
	<-c.done
	clientErr := c.client.Disconnect()

	c.client = nil
	c.proxy = nil
	c.cancel = nil
	c.done = nil
	c.log.Info("vpn down")
	return errors.Join(proxyErr, clientErr)
}

// Status reports the current state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return Status{TunnelState: vless.StateDisconnected}
	}
	cfg := c.client.Config()
	st := Status{
		Up:          true,
		TunnelState: c.client.State(),
		Endpoint:    cfg.Addr(),
		Label:       cfg.Label,
	}
	if addr := c.proxy.Addr(); addr != nil {
		st.ProxyAddr = addr.String()
	}
	return st
}

// ProxyAddr returns the bound proxy address while up.
func (c *Controller) ProxyAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proxy == nil {
		return nil
	}
	return c.proxy.Addr()
}
