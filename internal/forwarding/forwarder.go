package forwarding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ForwarderConfig configures a Forwarder. RequestTimeout bounds the
// synchronous tcpip-forward global request (spec property: the only
// operation with an explicit timeout).
type ForwarderConfig struct {
	RequestTimeout time.Duration
}

// DefaultForwarderConfig mirrors the documented default of 15 seconds for
// the tcpip-forward-request-timeout configuration property.
func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{RequestTimeout: 15 * time.Second}
}

// Forwarder is the Forwarder Facade: the single entry point for
// establishing and tearing down local, remote, and dynamic forwards over
// one SSH session, plus the server-side acceptance path for a peer's own
// tcpip-forward requests. All mutating operations are serialized by a
// single coarse monitor (mu) so the bind/mutate sequence is atomic and
// the acceptor's bound-address diffing in doBind is race-free; the
// registry's own per-map locks let callback-driven reads (from the
// acceptor and bridge) proceed without contending on this monitor.
type Forwarder struct {
	mu     sync.Mutex
	closed bool

	cfg      ForwarderConfig
	session  Session
	dialer   ChannelDialer
	conns    ConnectionService
	filter   ForwardingFilter
	registry *registry
	events   *broadcaster
	log      zerolog.Logger

	acceptor IoAcceptor
}

// NewForwarder builds a Forwarder over an established session. filter
// may be nil, in which case localPortForwardingRequested always denies.
func NewForwarder(session Session, dialer ChannelDialer, conns ConnectionService, filter ForwardingFilter, cfg ForwarderConfig, log zerolog.Logger) *Forwarder {
	return &Forwarder{
		cfg:      cfg,
		session:  session,
		dialer:   dialer,
		conns:    conns,
		filter:   filter,
		registry: newRegistry(),
		events:   newBroadcaster(log),
		log:      log,
	}
}

func (f *Forwarder) AddListener(l PortForwardingEventListener)    { f.events.addListener(l) }
func (f *Forwarder) RemoveListener(l PortForwardingEventListener) { f.events.removeListener(l) }

func (f *Forwarder) checkOpen(op string) error {
	if f.closed {
		return newErr(KindIllegalState, op, fmt.Errorf("forwarder is closed"))
	}
	return nil
}

func (f *Forwarder) ensureAcceptor() IoAcceptor {
	if f.acceptor == nil {
		f.acceptor = newNetAcceptor()
	}
	return f.acceptor
}

// startLocal binds local and, on each accepted connection, opens a
// direct-tcpip channel to remote.
func (f *Forwarder) StartLocal(local, remote SocketEndpoint) (bound SocketEndpoint, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkOpen("startLocal"); err != nil {
		return SocketEndpoint{}, err
	}
	if local.Port < 0 {
		return SocketEndpoint{}, newErr(KindInvalidArgument, "startLocal", fmt.Errorf("negative port"))
	}

	f.events.establishingExplicit(local, remote, true)

	if local.Port != 0 && f.registry.portInUse(local.Port) {
		dup := newErr(KindDuplicateBinding, "startLocal", fmt.Errorf("multiple bindings on port=%d", local.Port))
		f.events.establishedExplicit(local, remote, true, nil, dup)
		return SocketEndpoint{}, dup
	}

	bound, err = doBind(f.ensureAcceptor(), local, func() Handler { return newBridgeHandler(f) })
	if err != nil {
		// doBind failed before anything was bound on our behalf — in
		// particular, local.Port may already be held by a listener this
		// call did not create. Unwinding here would tear that listener
		// down instead of undoing our own (nonexistent) state.
		f.events.establishedExplicit(local, remote, true, nil, err)
		return SocketEndpoint{}, err
	}

	if err := f.registry.insertLocalToRemote(bound.Port, remote); err != nil {
		f.stopLocalDefensive(bound)
		f.events.establishedExplicit(local, remote, true, nil, err)
		return SocketEndpoint{}, err
	}

	f.events.establishedExplicit(local, remote, true, &bound, nil)
	return bound, nil
}

// stopLocalDefensive swallows errors from a best-effort unwind performed
// while another error is already in flight.
func (f *Forwarder) stopLocalDefensive(local SocketEndpoint) {
	if err := f.stopLocalLocked(local); err != nil {
		f.log.Debug().Err(err).Msg("defensive stopLocal during startLocal failure unwind")
	}
}

func (f *Forwarder) StopLocal(local SocketEndpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopLocalLocked(local)
}

func (f *Forwarder) stopLocalLocked(local SocketEndpoint) error {
	remote, existed := f.registry.removeLocalToRemote(local.Port)
	_ = remote
	if !existed || f.acceptor == nil {
		return nil
	}

	f.events.tearingDownExplicit(local, true)
	err := f.acceptor.Unbind(local)
	f.events.tornDownExplicit(local, true, err)
	return err
}

// startRemote sends a tcpip-forward global request and, on success,
// records the resolved port so inbound forwarded-tcpip channels can be
// dialed back to local.
func (f *Forwarder) StartRemote(ctx context.Context, remote, local SocketEndpoint) (bound SocketEndpoint, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkOpen("startRemote"); err != nil {
		return SocketEndpoint{}, err
	}

	f.events.establishingExplicit(local, remote, false)

	payload := marshalTCPIPForward(remote.Host, remote.Port)
	reply, ok, reqErr := f.session.Request(ctx, "tcpip-forward", payload, f.requestTimeout())
	if reqErr != nil {
		wrapped := newErr(KindIoFailure, "startRemote", reqErr)
		f.stopRemoteDefensive(remote)
		f.events.establishedExplicit(local, remote, false, nil, wrapped)
		return SocketEndpoint{}, wrapped
	}
	if !ok {
		denied := newErr(KindRequestDenied, "startRemote", fmt.Errorf("tcpip-forward request denied"))
		f.stopRemoteDefensive(remote)
		f.events.establishedExplicit(local, remote, false, nil, denied)
		return SocketEndpoint{}, denied
	}

	resolvedPort := remote.Port
	if remote.Port == 0 {
		resolvedPort, err = parseAssignedPort(reply)
		if err != nil {
			wrapped := newErr(KindIoFailure, "startRemote", err)
			f.stopRemoteDefensive(remote)
			f.events.establishedExplicit(local, remote, false, nil, wrapped)
			return SocketEndpoint{}, wrapped
		}
	}
	bound = SocketEndpoint{Host: remote.Host, Port: resolvedPort}

	// Carried behavior, not a bug to fix: the registry entry is inserted
	// only now, after the SSH reply is already in hand. A peer connection
	// that arrives between the server's reply and this insert is handled
	// by the channel layer (HandleForwardedChannel) with no mapping yet
	// present and is dropped. See design notes.
	if err := f.registry.insertRemoteToLocal(resolvedPort, local); err != nil {
		f.stopRemoteDefensive(remote)
		f.events.establishedExplicit(local, remote, false, nil, err)
		return SocketEndpoint{}, err
	}

	f.events.establishedExplicit(local, remote, false, &bound, nil)
	return bound, nil
}

func (f *Forwarder) stopRemoteDefensive(remote SocketEndpoint) {
	if err := f.stopRemoteLocked(remote); err != nil {
		f.log.Debug().Err(err).Msg("defensive stopRemote during startRemote failure unwind")
	}
}

func (f *Forwarder) StopRemote(remote SocketEndpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopRemoteLocked(remote)
}

func (f *Forwarder) stopRemoteLocked(remote SocketEndpoint) error {
	_, existed := f.registry.removeRemoteToLocal(remote.Port)
	if !existed {
		return nil
	}

	f.events.tearingDownExplicit(remote, false)
	payload := marshalCancelTCPIPForward(remote.Host, remote.Port)
	err := f.session.SendRequest("cancel-tcpip-forward", payload)
	var wrapped error
	if err != nil {
		wrapped = newErr(KindIoFailure, "stopRemote", err)
	}
	f.events.tornDownExplicit(remote, false, wrapped)
	return wrapped
}

// startDynamic binds local behind a SOCKS5 handler that dials its
// per-connection target through dialer.
func (f *Forwarder) StartDynamic(local SocketEndpoint, dialer SocksDialer) (bound SocketEndpoint, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkOpen("startDynamic"); err != nil {
		return SocketEndpoint{}, err
	}

	f.events.establishingDynamic(local)

	proxy := newSocksProxy()
	bound, err = doBind(f.ensureAcceptor(), local, newSocksHandler(dialer, proxy, f.log))
	if err != nil {
		f.events.establishedDynamic(local, nil, err)
		return SocketEndpoint{}, err
	}

	if err := f.registry.insertDynamic(bound.Port, proxy); err != nil {
		f.acceptor.Unbind(bound)
		f.events.establishedDynamic(local, nil, err)
		return SocketEndpoint{}, err
	}

	f.events.establishedDynamic(local, &bound, nil)
	return bound, nil
}

func (f *Forwarder) StopDynamic(local SocketEndpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	handle, existed := f.registry.removeDynamic(local.Port)
	if !existed {
		return nil
	}

	f.events.tearingDownDynamic(local)
	handle.Close()
	var err error
	if f.acceptor != nil {
		err = f.acceptor.Unbind(local)
	}
	f.events.tornDownDynamic(local, err)
	return err
}

// localPortForwardingRequested is the server-side acceptance path for a
// peer's tcpip-forward request.
func (f *Forwarder) LocalPortForwardingRequested(local SocketEndpoint) (*SocketEndpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkOpen("localPortForwardingRequested"); err != nil {
		return nil, err
	}

	if f.filter == nil {
		f.log.Info().Str("local", local.String()).Msg("tcpip-forward denied: no forwarding filter installed")
		return nil, nil
	}
	allowed, filterErr := f.filter.CanListen(local)
	if filterErr != nil {
		return nil, newErr(KindFilterFailure, "localPortForwardingRequested", filterErr)
	}
	if !allowed {
		f.log.Info().Str("local", local.String()).Msg("tcpip-forward denied by filter")
		return nil, nil
	}

	bound, err := doBind(f.ensureAcceptor(), local, func() Handler { return newBridgeHandler(f) })
	if err != nil {
		return nil, err
	}

	entry := LocalForwardingEntry{BoundHost: bound.Host, RequestedHost: local.Host, Port: bound.Port}
	if err := f.registry.insertLocalForward(entry); err != nil {
		// Fixed bug (documented in spec as carried in source, fixed here):
		// the secondary unbind error must be attached to the primary
		// DuplicateBinding error via errors.Join, not attached to itself.
		if unbindErr := f.acceptor.Unbind(bound); unbindErr != nil {
			err = errors.Join(err, unbindErr)
		}
		return nil, err
	}

	return &bound, nil
}

func (f *Forwarder) LocalPortForwardingCancelled(local SocketEndpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.registry.removeLocalForwardByHost(local.Host, local.Port)
	if !ok {
		return newErr(KindInvalidArgument, "localPortForwardingCancelled", fmt.Errorf("no local forward for %s", local))
	}
	if f.acceptor == nil {
		return nil
	}
	return f.acceptor.Unbind(SocketEndpoint{Host: entry.BoundHost, Port: entry.Port})
}

// getForwardedPort is a read-only lookup, consistent with spec's
// property that it needs no facade-wide serialization beyond the
// registry's own inner lock.
func (f *Forwarder) GetForwardedPort(remotePort int) (SocketEndpoint, bool) {
	return f.registry.lookupRemoteToLocal(remotePort)
}

// Close is the Closeable Core: close all dynamic SOCKS proxies in
// parallel, forcefully, then close the shared acceptor once all have
// drained. The registry is left in place; subsequent operations observe
// closed and reject via checkOpen.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	handles := f.registry.allDynamic()
	acceptor := f.acceptor
	f.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h SocksProxyHandle) {
			defer wg.Done()
			h.Close()
		}(h)
	}
	wg.Wait()

	if acceptor != nil {
		return acceptor.Close()
	}
	return nil
}

func (f *Forwarder) requestTimeout() time.Duration {
	if f.cfg.RequestTimeout <= 0 {
		return DefaultForwarderConfig().RequestTimeout
	}
	return f.cfg.RequestTimeout
}
