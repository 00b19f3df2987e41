package forwarding

import (
	"context"
	"io"
	"net"
	"time"
)

// HandleForwardedChannel handles an inbound forwarded-tcpip channel: the
// peer has accepted a connection on a port this process previously bound
// via startRemote, and is delivering it back over the SSH channel layer.
// It is the channel-layer counterpart to the Static Bridge Handler's
// sessionCreated — driven by an SSH channel-open event instead of a TCP
// accept, so it lives outside the acceptor entirely.
//
// ch is already accepted; HandleForwardedChannel dials the mapped local
// endpoint and pipes bytes both ways until either side closes. If no
// local mapping exists for destPort (the bug documented in startRemote:
// the registry entry and the peer's first connection can race) the
// channel is closed immediately.
func (f *Forwarder) HandleForwardedChannel(ctx context.Context, destPort int, ch Channel) {
	local, ok := f.registry.lookupRemoteToLocal(destPort)
	if !ok {
		f.log.Warn().Int("port", destPort).Msg("forwarded-tcpip channel for port with no local mapping")
		ch.Close()
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", local.NetAddr())
	if err != nil {
		f.log.Error().Err(err).Str("local", local.String()).Msg("dialing local target for forwarded-tcpip channel")
		ch.Close()
		return
	}

	done := make(chan struct{}, 2)
	go func() {
		copyBytes(conn, ch)
		done <- struct{}{}
	}()
	go func() {
		copyBytes(ch, conn)
		done <- struct{}{}
	}()
	<-done

	ch.Close()
	conn.Close()
}

func copyBytes(dst io.Writer, src io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
