// Package sshconn adapts golang.org/x/crypto/ssh client and server
// connections to the forwarding package's Session/ChannelDialer/
// ConnectionService/ForwardingFilter interfaces.
package sshconn

const (
	directTCPIPChannelType    = "direct-tcpip"
	forwardedTCPIPChannelType = "forwarded-tcpip"
)

// directForwardChannelData is the direct-tcpip channel-open payload, per
// RFC 4254 §7.2.
type directForwardChannelData struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

// forwardedChannelData is the forwarded-tcpip channel-open payload
// delivered for an inbound connection on a remote-forwarded port.
type forwardedChannelData struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

type tcpipForwardRequest struct {
	BindAddr string
	BindPort uint32
}

type tcpipForwardReply struct {
	BoundPort uint32
}

type tcpipForwardCancelRequest struct {
	BindAddr string
	BindPort uint32
}
