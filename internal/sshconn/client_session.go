package sshconn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/craigderington/lazytunnel/internal/forwarding"
)

// ClientSession adapts a golang.org/x/crypto/ssh.Client to the
// forwarding package's Session, ChannelDialer, ConnectionService, and
// SocksDialer interfaces. Grounded on the teacher's Session/
// MultiHopSession in internal/tunnel/session.go: dialing and the
// reconnect/backoff loop stay in internal/tunnel, this type is only the
// thin transport adapter the forwarding core needs.
type ClientSession struct {
	client *ssh.Client

	mu       sync.Mutex
	channels map[forwarding.Channel]struct{}
}

// Dial opens a fresh TCP connection to addr and completes the SSH
// handshake.
func Dial(ctx context.Context, addr string, config *ssh.ClientConfig) (*ClientSession, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return DialOverConn(addr, conn, config)
}

// DialOverConn completes the SSH handshake over an already-established
// net.Conn — used for multi-hop chaining, where conn is itself a channel
// dialed through a previous hop's ClientSession.
func DialOverConn(addr string, conn net.Conn, config *ssh.ClientConfig) (*ClientSession, error) {
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	return &ClientSession{client: client, channels: make(map[forwarding.Channel]struct{})}, nil
}

// DialNextHop opens a direct-tcpip channel through this session to the
// next hop's address, for use as the net.Conn passed to DialOverConn —
// the multi-hop chaining primitive.
func (s *ClientSession) DialNextHop(ctx context.Context, addr string) (net.Conn, error) {
	return s.client.Dial("tcp", addr)
}

func (s *ClientSession) Close() error {
	return s.client.Close()
}

// Request implements forwarding.Session: a synchronous global request
// bounded by timeout.
func (s *ClientSession) Request(ctx context.Context, name string, payload []byte, timeout time.Duration) ([]byte, bool, error) {
	type result struct {
		ok    bool
		reply []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		ok, reply, err := s.client.SendRequest(name, true, payload)
		done <- result{ok, reply, err}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case r := <-done:
		return r.reply, r.ok, r.err
	case <-ctx.Done():
		return nil, false, fmt.Errorf("%s request timed out after %s", name, timeout)
	}
}

// SendRequest implements forwarding.Session: fire-and-forget.
func (s *ClientSession) SendRequest(name string, payload []byte) error {
	_, _, err := s.client.SendRequest(name, false, payload)
	return err
}

// DialDirect implements forwarding.ChannelDialer. golang.org/x/crypto/ssh
// already performs the direct-tcpip channel open internally for Dial, so
// the returned net.Conn doubles as the forwarding.Channel (io.ReadWriteCloser).
func (s *ClientSession) DialDirect(ctx context.Context, dest, origin forwarding.SocketEndpoint) (forwarding.Channel, error) {
	conn, err := s.client.Dial("tcp", dest.NetAddr())
	if err != nil {
		return nil, fmt.Errorf("opening direct-tcpip channel to %s: %w", dest, err)
	}
	return conn, nil
}

// OpenForwarded implements forwarding.ChannelDialer for the server-role
// half of remote forwarding: this process accepted a TCP connection on a
// port a peer asked it to host (via localPortForwardingRequested) and
// must hand it to the peer over a forwarded-tcpip channel.
func (s *ClientSession) OpenForwarded(ctx context.Context, bound, origin forwarding.SocketEndpoint) (forwarding.Channel, error) {
	payload := ssh.Marshal(&forwardedChannelData{
		DestAddr:   bound.Host,
		DestPort:   uint32(bound.Port),
		OriginAddr: origin.Host,
		OriginPort: uint32(origin.Port),
	})
	ch, reqs, err := s.client.OpenChannel(forwardedTCPIPChannelType, payload)
	if err != nil {
		return nil, fmt.Errorf("opening forwarded-tcpip channel: %w", err)
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}

// DialSocksTarget implements forwarding.SocksDialer: dial the
// per-connection destination the SOCKS5 CONNECT request named, through
// this SSH session.
func (s *ClientSession) DialSocksTarget(network, addr string) (net.Conn, error) {
	return s.client.Dial(network, addr)
}

// RegisterChannel / UnregisterChannel implement forwarding.ConnectionService.
func (s *ClientSession) RegisterChannel(ch forwarding.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch] = struct{}{}
}

func (s *ClientSession) UnregisterChannel(ch forwarding.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, ch)
}

// OpenChannelCount reports the number of channels currently registered,
// for status/metrics reporting.
func (s *ClientSession) OpenChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// ServeForwardedChannels claims the forwarded-tcpip channel type on this
// session's underlying connection and feeds each inbound channel to
// fwd.HandleForwardedChannel, until ctx is done or the session closes.
// This is the delivery path for startRemote: once a tcpip-forward
// request succeeds, the peer later opens forwarded-tcpip channels that
// arrive here, not through any TCP acceptor.
func (s *ClientSession) ServeForwardedChannels(ctx context.Context, fwd *forwarding.Forwarder) error {
	chans := s.client.HandleChannelOpen(forwardedTCPIPChannelType)
	if chans == nil {
		return fmt.Errorf("forwarded-tcpip channel type already claimed on this connection")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case newChan, ok := <-chans:
			if !ok {
				return nil
			}
			go s.acceptForwardedChannel(ctx, fwd, newChan)
		}
	}
}

func (s *ClientSession) acceptForwardedChannel(ctx context.Context, fwd *forwarding.Forwarder, newChan ssh.NewChannel) {
	var data forwardedChannelData
	if err := ssh.Unmarshal(newChan.ExtraData(), &data); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "error parsing forwarded-tcpip data: "+err.Error())
		return
	}

	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	fwd.HandleForwardedChannel(ctx, int(data.DestPort), ch)
}
