package vless

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Request header constants.
const (
	protocolVersion  byte = 0
	commandTCP       byte = 1
	addrTypeDomain   byte = 2
	maxDomainLength       = 255
	headerFixedBytes      = 1 + 16 + 1 + 1 + 2 + 1 + 1
)

// EncodeRequestHeader builds the request header for a TCP stream to
// host:port.  A malformed id encodes as 16 zero bytes instead of failing.
//
//	ver(1) | uuid(16) | addons len(1)=0 | cmd(1)=tcp | port(2, BE) | atyp(1)=domain | len(1) | domain
func EncodeRequestHeader(id, host string, port int) ([]byte, error) {
	if len(host) == 0 || len(host) > maxDomainLength {
		return nil, fmt.Errorf("destination domain length %d out of range", len(host))
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("destination port %d out of range", port)
	}

	var idBytes [16]byte
	if parsed, err := uuid.Parse(id); err == nil {
		idBytes = parsed
	}

	buf := make([]byte, 0, headerFixedBytes+len(host))
	buf = append(buf, protocolVersion)
	buf = append(buf, idBytes[:]...)
	buf = append(buf, 0, commandTCP)
	buf = binary.BigEndian.AppendUint16(buf, uint16(port))
	buf = append(buf, addrTypeDomain, byte(len(host)))
	buf = append(buf, host...)
	return buf, nil
}
