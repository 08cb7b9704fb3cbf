// Package vless implements a minimal client for the VLESS tunnel protocol:
// the tunnel URI codec, the fixed binary request header, and a client that
// owns one tunnel connection and relays opaque payloads over it.
package vless

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/turbovpn/tunnelcore/internal/domain"
	"github.com/turbovpn/tunnelcore/internal/netutil"
)

// Scheme is the URI scheme of tunnel links.
const Scheme = "vless"

// TunnelConfig describes one tunnel credential and endpoint.  Everything
// except ID and the endpoint is carried through unchanged.
type TunnelConfig struct {
	ID          string
	Host        string
	Port        int
	Network     string
	Security    string
	PublicKey   string
	Fingerprint string
	ServerName  string
	ShortID     string
	SpiderX     string
	// Path is the websocket path for Network "ws"; omitted from the URI
	// when empty.
	Path  string
	Label string
}

// Addr returns the dialable host:port of the tunnel endpoint.
func (c TunnelConfig) Addr() string {
	return netutil.JoinHostPort(c.Host, c.Port)
}

// Validate checks the fields the handshake and dialer depend on.
func (c TunnelConfig) Validate() error {
	if _, err := uuid.Parse(c.ID); err != nil {
		return &domain.URIError{Reason: "user id is not a valid uuid"}
	}
	if strings.TrimSpace(c.Host) == "" {
		return &domain.URIError{Reason: "missing host"}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return &domain.URIError{Reason: "port must be between 1 and 65535"}
	}
	return nil
}

// String formats the canonical tunnel URI:
//
//	vless://{id}@{host}:{port}/?type=&security=&pbk=&fp=&sni=&sid=&spx=#{label}
func (c TunnelConfig) String() string {
	var b strings.Builder
	b.WriteString(Scheme)
	b.WriteString("://")
	b.WriteString(url.PathEscape(c.ID))
	b.WriteByte('@')
	b.WriteString(c.Addr())
	b.WriteString("/?")
	writeParam(&b, "type", c.Network, false)
	writeParam(&b, "security", c.Security, true)
	writeParam(&b, "pbk", c.PublicKey, true)
	writeParam(&b, "fp", c.Fingerprint, true)
	writeParam(&b, "sni", c.ServerName, true)
	writeParam(&b, "sid", c.ShortID, true)
	writeParam(&b, "spx", c.SpiderX, true)
	if c.Path != "" {
		writeParam(&b, "path", c.Path, true)
	}
	if c.Label != "" {
		b.WriteByte('#')
		b.WriteString(url.PathEscape(c.Label))
	}
	return b.String()
}

func writeParam(b *strings.Builder, key, value string, sep bool) {
	if sep {
		b.WriteByte('&')
	}
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(url.QueryEscape(value))
}

// Parse decodes a tunnel URI.  It fails with a [domain.URIError] unless the
// scheme matches and host, port and a UUID user are present.
func Parse(raw string) (TunnelConfig, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return TunnelConfig{}, &domain.URIError{Reason: "unparseable uri"}
	}
	if !strings.EqualFold(u.Scheme, Scheme) {
		return TunnelConfig{}, &domain.URIError{Reason: "unsupported scheme " + strconv.Quote(u.Scheme)}
	}
	if u.User == nil || u.User.Username() == "" {
		return TunnelConfig{}, &domain.URIError{Reason: "missing user id"}
	}
	portText := u.Port()
	if portText == "" {
		return TunnelConfig{}, &domain.URIError{Reason: "missing port"}
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return TunnelConfig{}, &domain.URIError{Reason: "port is not numeric"}
	}

	q := u.Query()
	cfg := TunnelConfig{
		ID:          u.User.Username(),
		Host:        u.Hostname(),
		Port:        port,
		Network:     q.Get("type"),
		Security:    q.Get("security"),
		PublicKey:   q.Get("pbk"),
		Fingerprint: q.Get("fp"),
		ServerName:  q.Get("sni"),
		ShortID:     q.Get("sid"),
		SpiderX:     q.Get("spx"),
		Path:        q.Get("path"),
		Label:       u.Fragment,
	}
	if err := cfg.Validate(); err != nil {
		return TunnelConfig{}, err
	}
	return cfg, nil
}
