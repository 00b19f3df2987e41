package forwarding

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// channelState tracks where a bridgeHandler's channel-open attempt
// currently stands.
type channelState int

const (
	channelPending channelState = iota
	channelOpened
	channelClosed
)

// bridgeHandler is the Static Bridge Handler: a per-accepted-TCP-session
// state machine that opens an SSH channel — direct-tcpip when the local
// port maps to a client-side local-forwarding target, forwarded-tcpip
// when the port is a server-accepted remote-forward from a peer — and
// pumps bytes between the TCP session and the channel.
//
// Opening the channel is asynchronous while the TCP side may deliver
// data immediately; rather than block the acceptor's read loop on the
// channel's open result, each session owns a small pending buffer that
// accumulates bytes until the channel opens, then flushes them in order,
// or is discarded if the channel fails to open. This preserves the
// per-session byte-ordering guarantee without pinning a goroutine in a
// blocking wait.
type bridgeHandler struct {
	forwarder *Forwarder
	log       zerolog.Logger

	mu      sync.Mutex
	state   channelState
	pending [][]byte
	channel Channel
}

func newBridgeHandler(f *Forwarder) *bridgeHandler {
	return &bridgeHandler{forwarder: f, log: f.log}
}

func (h *bridgeHandler) SessionCreated(sess *TCPSession) {
	origin, err := sess.RemoteEndpoint()
	if err != nil {
		origin = SocketEndpoint{}
	}

	remote, isDirect := h.forwarder.registry.lookupLocalToRemote(sess.Local.Port)

	go func() {
		var ch Channel
		var openErr error
		if isDirect {
			ch, openErr = h.forwarder.dialer.DialDirect(context.Background(), remote, origin)
		} else {
			ch, openErr = h.forwarder.dialer.OpenForwarded(context.Background(), sess.Local, origin)
		}

		h.mu.Lock()
		if openErr != nil {
			h.state = channelClosed
			h.pending = nil
			h.mu.Unlock()
			h.log.Error().Err(openErr).Int("port", sess.Local.Port).Msg("failed to open forwarding channel")
			sess.Close()
			return
		}

		h.channel = ch
		h.forwarder.conns.RegisterChannel(ch)

		// Flush pending bytes and flip to channelOpened atomically: a
		// MessageReceived that acquires h.mu after us must never observe
		// channelOpened before the buffered bytes it would otherwise
		// overtake have already been written to the channel.
		for _, data := range h.pending {
			if n, werr := ch.Write(data); werr != nil {
				h.log.Error().Err(werr).Msg("writing buffered bytes to forwarding channel")
				break
			} else {
				h.forwarder.events.bytesSent(int64(n))
			}
		}
		h.pending = nil
		h.state = channelOpened
		h.mu.Unlock()

		buf := make([]byte, 32*1024)
		for {
			n, rerr := ch.Read(buf)
			if n > 0 {
				if _, werr := sess.Write(buf[:n]); werr != nil {
					break
				}
				h.forwarder.events.bytesReceived(int64(n))
			}
			if rerr != nil {
				break
			}
		}

		h.forwarder.conns.UnregisterChannel(ch)
		ch.Close()
		sess.Close()
	}()
}

func (h *bridgeHandler) MessageReceived(sess *TCPSession, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case channelOpened:
		if n, err := h.channel.Write(data); err != nil {
			h.log.Error().Err(err).Msg("writing to forwarding channel")
		} else {
			h.forwarder.events.bytesSent(int64(n))
		}
	case channelClosed:
		// Channel failed to open before this data arrived: drop it, as
		// there is no output sink.
	default:
		h.pending = append(h.pending, data)
	}
}

func (h *bridgeHandler) SessionClosed(sess *TCPSession) {
	h.mu.Lock()
	ch := h.channel
	h.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

func (h *bridgeHandler) ExceptionCaught(sess *TCPSession, err error) {
	h.log.Error().Err(err).Msg("TCP session error")
	sess.Close()
}
