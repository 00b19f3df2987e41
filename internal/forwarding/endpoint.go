// Package forwarding implements the TCP/IP port forwarding core: the
// binding registry, acceptor adapter, static bridge handler, forwarder
// facade, event broadcaster, and closeable shutdown path that sit above
// an established SSH session.
package forwarding

import (
	"fmt"
	"net"
	"strconv"
)

// SocketEndpoint is a logical (host, port) pair. Port 0 means "assign a
// free port"; an empty Host means "wildcard".
type SocketEndpoint struct {
	Host string
	Port int
}

func (e SocketEndpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// NetAddr renders the endpoint as a string suitable for net.Listen/net.Dial.
func (e SocketEndpoint) NetAddr() string {
	return e.String()
}

// endpointFromAddr converts a net.Addr (as returned by a Listener or Conn)
// back into a SocketEndpoint.
func endpointFromAddr(addr net.Addr) (SocketEndpoint, error) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return SocketEndpoint{}, fmt.Errorf("parsing address %q: %w", addr.String(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return SocketEndpoint{}, fmt.Errorf("parsing port in %q: %w", addr.String(), err)
	}
	return SocketEndpoint{Host: host, Port: port}, nil
}

// Mode selects which binding map and handler a forwarding entry uses.
type Mode int

const (
	ModeLocal Mode = iota
	ModeRemote
	ModeDynamic
)

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeRemote:
		return "remote"
	case ModeDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// LocalForwardingEntry records a server-side accepted local forward —
// a peer's tcpip-forward request this process agreed to host. boundHost
// is the address the acceptor actually bound; requestedHost is what the
// peer asked for (they differ when the peer requested a wildcard or
// wasn't resolved to the same literal the OS reports back). Lookups on
// cancellation match either field.
type LocalForwardingEntry struct {
	BoundHost     string
	RequestedHost string
	Port          int
}

func (e LocalForwardingEntry) matchesHost(host string) bool {
	return host == e.BoundHost || host == e.RequestedHost
}
