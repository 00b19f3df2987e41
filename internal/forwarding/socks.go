package forwarding

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// socksProxy is the SocksProxyHandle the registry owns for a dynamic
// bind: it tracks nothing beyond the ability to be told "stop accepting
// and drain" — the acceptor owns the actual listener lifecycle, this
// handle exists so Close() can signal in-flight SOCKS sessions to wind
// down during the Closeable Core's shutdown sequence.
type socksProxy struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newSocksProxy() *socksProxy {
	return &socksProxy{}
}

func (p *socksProxy) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

func (p *socksProxy) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// socksHandler is the per-accepted-TCP-session SOCKS5 handler: it runs
// the SOCKS5 handshake itself (delegated protocol decoding per spec —
// the core only instantiates and owns the proxy, the handshake lives
// here as the thinnest possible decoder grounded on the teacher's
// byte-for-byte implementation), dials the negotiated destination
// through the session's dialer, and pipes bytes bidirectionally.
type socksHandler struct {
	dialer SocksDialer
	proxy  *socksProxy
	log    zerolog.Logger
}

// SocksDialer dials a destination chosen per-connection by the SOCKS5
// CONNECT request, through the SSH session.
type SocksDialer interface {
	DialSocksTarget(network, addr string) (net.Conn, error)
}

func newSocksHandler(dialer SocksDialer, proxy *socksProxy, log zerolog.Logger) HandlerFactory {
	return func() Handler {
		return &socksHandler{dialer: dialer, proxy: proxy, log: log}
	}
}

func (h *socksHandler) SessionCreated(sess *TCPSession) {
	if h.proxy.isClosed() {
		sess.Close()
		return
	}
	h.proxy.wg.Add(1)
	go h.serve(sess)
}

func (h *socksHandler) serve(sess *TCPSession) {
	defer h.proxy.wg.Done()
	defer sess.Close()

	raw := sess.conn

	destAddr, err := socks5Handshake(raw)
	if err != nil {
		h.log.Debug().Err(err).Msg("SOCKS5 handshake failed")
		return
	}

	remote, err := h.dialer.DialSocksTarget("tcp", destAddr)
	if err != nil {
		h.log.Warn().Err(err).Str("dest", destAddr).Msg("dialing SOCKS5 target through session")
		socks5Error(raw, 0x04) // host unreachable
		return
	}
	defer remote.Close()

	if err := socks5Success(raw); err != nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(remote, raw)
	}()
	go func() {
		defer wg.Done()
		io.Copy(raw, remote)
	}()
	wg.Wait()
}

func (h *socksHandler) MessageReceived(sess *TCPSession, data []byte) {}
func (h *socksHandler) SessionClosed(sess *TCPSession)                {}
func (h *socksHandler) ExceptionCaught(sess *TCPSession, err error)   { sess.Close() }

// socks5Handshake performs the SOCKS5 handshake and returns the requested
// destination address. Grounded on the teacher's byte-for-byte RFC 1928
// decode (version/method negotiation, CONNECT-only, IPv4/domain/IPv6
// ATYP cases).
func socks5Handshake(conn net.Conn) (string, error) {
	buf := make([]byte, 257)
	n, err := io.ReadAtLeast(conn, buf, 2)
	if err != nil {
		return "", fmt.Errorf("reading SOCKS5 greeting: %w", err)
	}

	if buf[0] != 0x05 {
		return "", fmt.Errorf("unsupported SOCKS version: %d", buf[0])
	}

	nmethods := int(buf[1])
	if n < 2+nmethods {
		if _, err := io.ReadAtLeast(conn, buf[n:], 2+nmethods-n); err != nil {
			return "", fmt.Errorf("reading SOCKS5 methods: %w", err)
		}
	}

	if _, err := conn.Write([]byte{0x05, 0x00}); err != nil {
		return "", fmt.Errorf("writing SOCKS5 method selection: %w", err)
	}

	n, err = io.ReadAtLeast(conn, buf, 4)
	if err != nil {
		return "", fmt.Errorf("reading SOCKS5 request: %w", err)
	}

	if buf[0] != 0x05 {
		return "", fmt.Errorf("invalid SOCKS version in request: %d", buf[0])
	}

	if buf[1] != 0x01 { // CONNECT only
		socks5Error(conn, 0x07)
		return "", fmt.Errorf("unsupported SOCKS command: %d", buf[1])
	}

	atyp := buf[3]
	switch atyp {
	case 0x01: // IPv4
		if n < 10 {
			if _, err := io.ReadAtLeast(conn, buf[n:], 10-n); err != nil {
				return "", fmt.Errorf("reading SOCKS5 IPv4 address: %w", err)
			}
		}
		ip := net.IP(buf[4:8])
		port := int(buf[8])<<8 | int(buf[9])
		return fmt.Sprintf("%s:%d", ip.String(), port), nil

	case 0x03: // domain name
		if n < 5 {
			if _, err := io.ReadAtLeast(conn, buf[n:], 5-n); err != nil {
				return "", fmt.Errorf("reading SOCKS5 domain length: %w", err)
			}
		}
		domainLen := int(buf[4])
		if n < 5+domainLen+2 {
			if _, err := io.ReadAtLeast(conn, buf[n:], 5+domainLen+2-n); err != nil {
				return "", fmt.Errorf("reading SOCKS5 domain: %w", err)
			}
		}
		domain := string(buf[5 : 5+domainLen])
		port := int(buf[5+domainLen])<<8 | int(buf[5+domainLen+1])
		return fmt.Sprintf("%s:%d", domain, port), nil

	case 0x04: // IPv6
		if n < 22 {
			if _, err := io.ReadAtLeast(conn, buf[n:], 22-n); err != nil {
				return "", fmt.Errorf("reading SOCKS5 IPv6 address: %w", err)
			}
		}
		ip := net.IP(buf[4:20])
		port := int(buf[20])<<8 | int(buf[21])
		return fmt.Sprintf("[%s]:%d", ip.String(), port), nil

	default:
		socks5Error(conn, 0x08)
		return "", fmt.Errorf("unsupported SOCKS address type: %d", atyp)
	}
}

func socks5Success(conn net.Conn) error {
	_, err := conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	return err
}

func socks5Error(conn net.Conn, rep byte) error {
	_, err := conn.Write([]byte{0x05, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	return err
}
