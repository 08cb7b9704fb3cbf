package splitproxy

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/turbovpn/tunnelcore/internal/netutil"
)

const defaultConnectPort = 443

var connectPrefix = []byte("CONNECT")

var errMalformedConnect = errors.New("malformed CONNECT request")

// Replies written to local clients.
const (
	replyEstablished = "HTTP/1.1 200 Connection established\r\n\r\n"
	replyBadGateway  = "HTTP/1.1 502 Bad Gateway\r\n\r\n"
	replyBadRequest  = "HTTP/1.1 400 Bad Request\r\n\r\n"
)

func isConnectRequest(data []byte) bool {
	return bytes.HasPrefix(data, connectPrefix)
}

// parseConnectTarget extracts host and port from the request line of an
// HTTP CONNECT request.  The port defaults to 443.
func parseConnectTarget(data []byte) (string, int, error) {
	line := data
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(string(line))
	if len(fields) < 2 || fields[0] != "CONNECT" {
		return "", 0, errMalformedConnect
	}
	host, port, ok := netutil.SplitHostPortDefault(fields[1], defaultConnectPort)
	if !ok {
		return "", 0, fmt.Errorf("%w: bad target %q", errMalformedConnect, fields[1])
	}
	return host, port, nil
}

// connectRemainder returns the bytes a client pipelined after the CONNECT
// request head in the same read, or nil.
func connectRemainder(data []byte) []byte {
	i := bytes.Index(data, []byte("\r\n\r\n"))
	if i < 0 || i+4 >= len(data) {
		return nil
	}
	return bytes.Clone(data[i+4:])
}

// connectLine is the request forwarded through the tunnel for host:port.
func connectLine(host string, port int) []byte {
	return []byte("CONNECT " + netutil.JoinHostPort(host, port) + " HTTP/1.1\r\n\r\n")
}
