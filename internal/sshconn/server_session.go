package sshconn

import (
	"context"
	"io"
	"net"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/craigderington/lazytunnel/internal/forwarding"
)

// ServerSession adapts a golang.org/x/crypto/ssh.ServerConn to the
// forwarding package's ForwardingFilter and to a registered Forwarder,
// dispatching the global requests and channel-open messages a peer sends
// when it asks this process to host its forwards. Grounded on the
// tachyon83 direct-tcpip/tcpip-forward handlers: the wire dispatch is the
// same shape, rebuilt here against forwarding.Forwarder instead of a
// bespoke listener map.
type ServerSession struct {
	conn   *ssh.ServerConn
	chans  <-chan ssh.NewChannel
	reqs   <-chan *ssh.Request
	fwd    *forwarding.Forwarder
	filter forwarding.ForwardingFilter
	log    zerolog.Logger
}

// NewServerSession wraps an already-handshaken server connection. fwd
// receives localPortForwardingRequested/Cancelled calls for tcpip-forward
// traffic; filter gates direct-tcpip destinations this process is asked
// to dial on the peer's behalf.
func NewServerSession(conn *ssh.ServerConn, chans <-chan ssh.NewChannel, reqs <-chan *ssh.Request, fwd *forwarding.Forwarder, filter forwarding.ForwardingFilter, log zerolog.Logger) *ServerSession {
	return &ServerSession{conn: conn, chans: chans, reqs: reqs, fwd: fwd, filter: filter, log: log}
}

// Serve dispatches global requests and channel-open messages until ctx is
// done or the underlying connection closes. It blocks; callers run it in
// its own goroutine per accepted connection.
func (s *ServerSession) Serve(ctx context.Context) {
	defer s.conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-s.reqs:
			if !ok {
				return
			}
			s.handleGlobalRequest(req)
		case newChan, ok := <-s.chans:
			if !ok {
				return
			}
			switch newChan.ChannelType() {
			case directTCPIPChannelType:
				go s.handleDirectTCPIP(ctx, newChan)
			default:
				newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			}
		}
	}
}

func (s *ServerSession) handleGlobalRequest(req *ssh.Request) {
	switch req.Type {
	case "tcpip-forward":
		s.handleTCPIPForward(req)
	case "cancel-tcpip-forward":
		s.handleCancelTCPIPForward(req)
	default:
		if req.WantReply {
			req.Reply(false, nil)
		}
	}
}

func (s *ServerSession) handleTCPIPForward(req *ssh.Request) {
	var payload tcpipForwardRequest
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		s.log.Warn().Err(err).Msg("malformed tcpip-forward payload")
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}

	requested := forwarding.SocketEndpoint{Host: payload.BindAddr, Port: int(payload.BindPort)}
	bound, err := s.fwd.LocalPortForwardingRequested(requested)
	if err != nil {
		s.log.Warn().Err(err).Str("addr", requested.String()).Msg("tcpip-forward rejected")
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}
	if bound == nil {
		// A nil result with no error means the forwarder denied the request.
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}

	if req.WantReply {
		reply := ssh.Marshal(&tcpipForwardReply{BoundPort: uint32(bound.Port)})
		req.Reply(true, reply)
	}
}

func (s *ServerSession) handleCancelTCPIPForward(req *ssh.Request) {
	var payload tcpipForwardCancelRequest
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		s.log.Warn().Err(err).Msg("malformed cancel-tcpip-forward payload")
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}

	addr := forwarding.SocketEndpoint{Host: payload.BindAddr, Port: int(payload.BindPort)}
	err := s.fwd.LocalPortForwardingCancelled(addr)
	if req.WantReply {
		req.Reply(err == nil, nil)
	}
}

func (s *ServerSession) handleDirectTCPIP(ctx context.Context, newChan ssh.NewChannel) {
	var data directForwardChannelData
	if err := ssh.Unmarshal(newChan.ExtraData(), &data); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "error parsing direct-tcpip data: "+err.Error())
		return
	}

	dest := forwarding.SocketEndpoint{Host: data.DestAddr, Port: int(data.DestPort)}
	if s.filter != nil {
		ok, err := s.filter.CanListen(dest)
		if err != nil || !ok {
			newChan.Reject(ssh.Prohibited, "destination not permitted")
			return
		}
	}

	var dialer net.Dialer
	target, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(data.DestAddr, strconv.Itoa(int(data.DestPort))))
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}

	ch, reqs, err := newChan.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	go pipeDirectChannel(ch, target)
}

func pipeDirectChannel(ch ssh.Channel, target net.Conn) {
	defer ch.Close()
	defer target.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(ch, target)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(target, ch)
		done <- struct{}{}
	}()
	<-done
}

// RemoteAddr exposes the peer's network address for logging/metrics.
func (s *ServerSession) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Close tears down the underlying connection.
func (s *ServerSession) Close() error { return s.conn.Close() }
