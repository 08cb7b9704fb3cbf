// Package netutil provides shared host and address normalization helpers.
package netutil

import (
	"net"
	"strconv"
	"strings"
)

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// SplitHostPortDefault splits "host[:port]" and falls back to defPort when
// no port is present.  The host is normalized with [NormalizeHost].
func SplitHostPortDefault(raw string, defPort int) (string, int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0, false
	}
	if h, p, err := net.SplitHostPort(raw); err == nil {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return "", 0, false
		}
		host := NormalizeHost(h)
		return host, port, host != ""
	}
	// Bare IPv6 literals carry colons but no port.
	if strings.Count(raw, ":") > 1 && !strings.HasPrefix(raw, "[") {
		return NormalizeHost(raw), defPort, true
	}
	if strings.Contains(raw, ":") {
		return "", 0, false
	}
	host := NormalizeHost(raw)
	return host, defPort, host != ""
}

// JoinHostPort formats host and port, bracketing IPv6 literals.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
