package vless

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Dialer opens the raw stream a tunnel session runs over.
type Dialer interface {
	DialTunnel(ctx context.Context, cfg TunnelConfig) (net.Conn, error)
}

// NetDialer dials plain TCP for network "tcp" (or empty) and carries the
// stream in binary websocket frames for network "ws".
type NetDialer struct {
	Timeout time.Duration
}

const defaultDialTimeout = 10 * time.Second

func (d NetDialer) DialTunnel(ctx context.Context, cfg TunnelConfig) (net.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Network)) {
	case "", "tcp", "raw":
		nd := net.Dialer{Timeout: timeout}
		return nd.DialContext(ctx, "tcp", cfg.Addr())
	case "ws", "websocket":
		return dialWebSocket(ctx, cfg, timeout)
	default:
		return nil, fmt.Errorf("unsupported transport network %q", cfg.Network)
	}
}

func dialWebSocket(ctx context.Context, cfg TunnelConfig, timeout time.Duration) (net.Conn, error) {
	target := url.URL{Scheme: "ws", Host: cfg.Addr(), Path: cfg.Path}
	if target.Path == "" {
		target.Path = "/"
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		NetDialContext:   (&net.Dialer{Timeout: timeout}).DialContext,
	}
	if strings.EqualFold(cfg.Security, "tls") {
		target.Scheme = "wss"
		serverName := cfg.ServerName
		if serverName == "" {
			serverName = cfg.Host
		}
		dialer.TLSClientConfig = &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}
	}
	ws, resp, err := dialer.DialContext(ctx, target.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket upgrade status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return newWSConn(ws), nil
}
