package forwarding

import (
	"context"
	"io"
	"time"
)

// Session is the transport-level collaborator the forwarder issues SSH
// global requests against. Request performs a request with a reply
// (wantReply=true semantics); ok=false means the peer denied the request,
// distinct from a transport-level err. SendRequest is fire-and-forget
// (wantReply=false), used for cancel-tcpip-forward.
type Session interface {
	Request(ctx context.Context, name string, payload []byte, timeout time.Duration) (reply []byte, ok bool, err error)
	SendRequest(name string, payload []byte) error
}

// Channel is an opened SSH direct-tcpip or forwarded-tcpip channel.
type Channel interface {
	io.ReadWriteCloser
}

// ChannelDialer opens SSH channels on behalf of the bridge.
//
// DialDirect opens a direct-tcpip channel to dest on behalf of a locally
// accepted TCP connection from origin (local forwarding: this process is
// the SSH client, dest is the mapped remote endpoint).
//
// OpenForwarded opens a forwarded-tcpip channel announcing bound (the
// address this process accepted the peer's tcpip-forward request on) and
// origin (the locally accepted TCP client's address), delivering the
// connection to the peer so it can dial its own local target. Used when
// this process is acting as the SSH server side of a remote forward it
// agreed to host.
type ChannelDialer interface {
	DialDirect(ctx context.Context, dest, origin SocketEndpoint) (Channel, error)
	OpenForwarded(ctx context.Context, bound, origin SocketEndpoint) (Channel, error)
}

// ConnectionService tracks the set of live channels for a session. The
// bridge registers a channel when it attaches one to an accepted TCP
// session and unregisters it on teardown.
type ConnectionService interface {
	RegisterChannel(ch Channel)
	UnregisterChannel(ch Channel)
}

// ForwardingFilter is the policy hook consulted on a peer's tcpip-forward
// request before this process agrees to host it.
type ForwardingFilter interface {
	CanListen(local SocketEndpoint) (bool, error)
}
