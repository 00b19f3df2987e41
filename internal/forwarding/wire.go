package forwarding

import (
	"encoding/binary"
	"fmt"
)

// Wire encoding for the two global requests the facade issues directly
// (tcpip-forward, cancel-tcpip-forward). These follow the SSH connection
// protocol's primitive encodings (RFC 4251 §5: a string is a uint32
// length prefix followed by the bytes; a uint32 is 4 bytes big-endian) so
// the payload is ready to hand to any Session implementation's transport
// as an opaque byte slice — the core never imports an SSH library
// itself, consistent with treating the transport as interface-only.

func appendSSHString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func appendSSHUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// marshalTCPIPForward builds the payload for a "tcpip-forward" global
// request: string bindHost | uint32 bindPort.
func marshalTCPIPForward(bindHost string, bindPort int) []byte {
	buf := make([]byte, 0, 8+len(bindHost))
	buf = appendSSHString(buf, bindHost)
	buf = appendSSHUint32(buf, uint32(bindPort))
	return buf
}

// marshalCancelTCPIPForward builds the payload for a
// "cancel-tcpip-forward" global request: same shape as the forward
// request.
func marshalCancelTCPIPForward(bindHost string, bindPort int) []byte {
	return marshalTCPIPForward(bindHost, bindPort)
}

// parseAssignedPort extracts the uint32 assigned port from a
// tcpip-forward reply payload, sent only when the request used
// bindPort=0.
func parseAssignedPort(reply []byte) (int, error) {
	if len(reply) < 4 {
		return 0, fmt.Errorf("tcpip-forward reply too short: %d bytes", len(reply))
	}
	return int(binary.BigEndian.Uint32(reply[:4])), nil
}
