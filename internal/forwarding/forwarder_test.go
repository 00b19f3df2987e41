package forwarding

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeSession is a hand-rolled test double for Session, in the teacher's
// mock style (no testify/gomock).
type fakeSession struct {
	requestReply  []byte
	requestOK     bool
	requestErr    error
	sentRequests  []string
	sendRequestErr error
}

func (s *fakeSession) Request(ctx context.Context, name string, payload []byte, timeout time.Duration) ([]byte, bool, error) {
	s.sentRequests = append(s.sentRequests, name)
	return s.requestReply, s.requestOK, s.requestErr
}

func (s *fakeSession) SendRequest(name string, payload []byte) error {
	s.sentRequests = append(s.sentRequests, name)
	return s.sendRequestErr
}

type fakeChannel struct {
	closed bool
}

func (c *fakeChannel) Read(p []byte) (int, error)  { return 0, errors.New("eof") }
func (c *fakeChannel) Write(p []byte) (int, error) { return len(p), nil }
func (c *fakeChannel) Close() error                { c.closed = true; return nil }

type fakeDialer struct {
	openErr error
}

func (d *fakeDialer) DialDirect(ctx context.Context, dest, origin SocketEndpoint) (Channel, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	return &fakeChannel{}, nil
}

func (d *fakeDialer) OpenForwarded(ctx context.Context, bound, origin SocketEndpoint) (Channel, error) {
	return d.DialDirect(ctx, bound, origin)
}

type fakeConnService struct {
	registered int
}

func (s *fakeConnService) RegisterChannel(ch Channel)   { s.registered++ }
func (s *fakeConnService) UnregisterChannel(ch Channel) { s.registered-- }

type fakeFilter struct {
	allow bool
	err   error
}

func (f *fakeFilter) CanListen(local SocketEndpoint) (bool, error) { return f.allow, f.err }

func newTestForwarder(t *testing.T, session Session, filter ForwardingFilter) *Forwarder {
	t.Helper()
	return NewForwarder(session, &fakeDialer{}, &fakeConnService{}, filter, DefaultForwarderConfig(), zerolog.Nop())
}

// freePort asks the OS for an ephemeral port and immediately releases it.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// S1: startLocal on a fresh forwarder with port 0 resolves to a real
// port and records it in localToRemote.
func TestStartLocalResolvesPort(t *testing.T) {
	f := newTestForwarder(t, &fakeSession{}, nil)
	defer f.Close()

	remote := SocketEndpoint{Host: "db", Port: 5432}
	bound, err := f.StartLocal(SocketEndpoint{Host: "127.0.0.1", Port: 0}, remote)
	if err != nil {
		t.Fatalf("StartLocal: %v", err)
	}
	if bound.Port == 0 {
		t.Fatal("expected a resolved port, got 0")
	}

	got, ok := f.registry.lookupLocalToRemote(bound.Port)
	if !ok || got != remote {
		t.Fatalf("localToRemote[%d] = %v, %v; want %v, true", bound.Port, got, ok, remote)
	}

	found := false
	for _, addr := range f.acceptor.BoundAddresses() {
		if addr.Port == bound.Port {
			found = true
		}
	}
	if !found {
		t.Fatal("bound port not present in acceptor's bound addresses")
	}
}

// Universal property 2: startX followed by stopX is a round trip.
func TestStartStopLocalRoundTrip(t *testing.T) {
	f := newTestForwarder(t, &fakeSession{}, nil)
	defer f.Close()

	bound, err := f.StartLocal(SocketEndpoint{Host: "127.0.0.1", Port: 0}, SocketEndpoint{Host: "db", Port: 5432})
	if err != nil {
		t.Fatalf("StartLocal: %v", err)
	}

	if err := f.StopLocal(bound); err != nil {
		t.Fatalf("StopLocal: %v", err)
	}

	if _, ok := f.registry.lookupLocalToRemote(bound.Port); ok {
		t.Fatal("expected binding removed after StopLocal")
	}
	for _, addr := range f.acceptor.BoundAddresses() {
		if addr.Port == bound.Port {
			t.Fatal("expected port unbound from acceptor after StopLocal")
		}
	}
}

// S5 / universal property 3: two startLocal calls on the same port — one
// succeeds, one fails with DuplicateBinding, and the failed call leaves
// no trace.
func TestStartLocalDuplicatePort(t *testing.T) {
	f := newTestForwarder(t, &fakeSession{}, nil)
	defer f.Close()

	port := freePort(t)
	r1 := SocketEndpoint{Host: "a", Port: 1}
	r2 := SocketEndpoint{Host: "b", Port: 2}

	bound1, err := f.StartLocal(SocketEndpoint{Host: "127.0.0.1", Port: port}, r1)
	if err != nil {
		t.Fatalf("first StartLocal: %v", err)
	}

	_, err = f.StartLocal(SocketEndpoint{Host: "127.0.0.1", Port: port}, r2)
	if err == nil {
		t.Fatal("expected second StartLocal on same port to fail")
	}
	if !IsKind(err, KindDuplicateBinding) {
		t.Fatalf("expected DuplicateBinding, got %v", err)
	}

	got, ok := f.registry.lookupLocalToRemote(bound1.Port)
	if !ok || got != r1 {
		t.Fatalf("first binding disturbed by failed second StartLocal: got %v, %v", got, ok)
	}
}

// S2: startRemote with a session that assigns a port on reply.
func TestStartRemoteAssignedPort(t *testing.T) {
	reply := make([]byte, 4)
	reply[0], reply[1], reply[2], reply[3] = 0x00, 0x00, 0xC0, 0x00 // 49152
	session := &fakeSession{requestReply: reply, requestOK: true}
	f := newTestForwarder(t, session, nil)
	defer f.Close()

	local := SocketEndpoint{Host: "localhost", Port: 22}
	bound, err := f.StartRemote(context.Background(), SocketEndpoint{Host: "0.0.0.0", Port: 0}, local)
	if err != nil {
		t.Fatalf("StartRemote: %v", err)
	}
	if bound.Port != 49152 {
		t.Fatalf("bound.Port = %d, want 49152", bound.Port)
	}

	got, ok := f.GetForwardedPort(49152)
	if !ok || got != local {
		t.Fatalf("GetForwardedPort(49152) = %v, %v; want %v, true", got, ok, local)
	}
}

// S6 / universal property 6: a denied tcpip-forward request inserts
// nothing and reports RequestDenied.
func TestStartRemoteDenied(t *testing.T) {
	session := &fakeSession{requestOK: false}
	f := newTestForwarder(t, session, nil)
	defer f.Close()

	_, err := f.StartRemote(context.Background(), SocketEndpoint{Host: "0.0.0.0", Port: 2222}, SocketEndpoint{Host: "localhost", Port: 22})
	if err == nil {
		t.Fatal("expected RequestDenied error")
	}
	if !IsKind(err, KindRequestDenied) {
		t.Fatalf("expected KindRequestDenied, got %v", err)
	}
	if _, ok := f.GetForwardedPort(2222); ok {
		t.Fatal("expected no remoteToLocal entry after denial")
	}
}

// S4: localPortForwardingRequested with no filter installed returns nil,
// nil and creates no binding.
func TestLocalPortForwardingRequestedNoFilter(t *testing.T) {
	f := newTestForwarder(t, &fakeSession{}, nil)
	defer f.Close()

	bound, err := f.LocalPortForwardingRequested(SocketEndpoint{Host: "x", Port: 80})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bound != nil {
		t.Fatalf("expected nil bound, got %v", bound)
	}
}

func TestLocalPortForwardingRequestedFilterDenies(t *testing.T) {
	f := newTestForwarder(t, &fakeSession{}, &fakeFilter{allow: false})
	defer f.Close()

	bound, err := f.LocalPortForwardingRequested(SocketEndpoint{Host: "x", Port: 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bound != nil {
		t.Fatalf("expected nil bound when filter denies, got %v", bound)
	}
}

func TestLocalPortForwardingRequestedFilterErrorWraps(t *testing.T) {
	filterErr := errors.New("policy backend unreachable")
	f := newTestForwarder(t, &fakeSession{}, &fakeFilter{err: filterErr})
	defer f.Close()

	_, err := f.LocalPortForwardingRequested(SocketEndpoint{Host: "x", Port: 0})
	if !IsKind(err, KindFilterFailure) {
		t.Fatalf("expected KindFilterFailure, got %v", err)
	}
	if !errors.Is(err, filterErr) {
		t.Fatal("expected wrapped filter error to be unwrappable")
	}
}

func TestLocalPortForwardingRequestedAndCancelled(t *testing.T) {
	f := newTestForwarder(t, &fakeSession{}, &fakeFilter{allow: true})
	defer f.Close()

	bound, err := f.LocalPortForwardingRequested(SocketEndpoint{Host: "127.0.0.1", Port: 0})
	if err != nil || bound == nil {
		t.Fatalf("LocalPortForwardingRequested: bound=%v err=%v", bound, err)
	}

	if err := f.LocalPortForwardingCancelled(SocketEndpoint{Host: "127.0.0.1", Port: bound.Port}); err != nil {
		t.Fatalf("LocalPortForwardingCancelled: %v", err)
	}

	for _, addr := range f.acceptor.BoundAddresses() {
		if addr.Port == bound.Port {
			t.Fatal("expected port unbound after cancellation")
		}
	}
}

// S3: startDynamic binds; Close first closes the SOCKS proxy then the
// acceptor.
func TestStartDynamicAndClose(t *testing.T) {
	f := newTestForwarder(t, &fakeSession{}, nil)

	bound, err := f.StartDynamic(SocketEndpoint{Host: "127.0.0.1", Port: 0}, &stubSocksDialer{})
	if err != nil {
		t.Fatalf("StartDynamic: %v", err)
	}
	if bound.Port == 0 {
		t.Fatal("expected resolved port")
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A second Close must be a no-op, not a panic or a double-close error.
	if err := f.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := f.StartLocal(SocketEndpoint{Port: 0}, SocketEndpoint{}); !IsKind(err, KindIllegalState) {
		t.Fatalf("expected IllegalState after Close, got %v", err)
	}
}

type stubSocksDialer struct{}

func (stubSocksDialer) DialSocksTarget(network, addr string) (net.Conn, error) {
	return nil, errors.New("not implemented in test")
}

// Universal property 4: establishing precedes established, in order, per
// tunnel.
func TestEventOrdering(t *testing.T) {
	f := newTestForwarder(t, &fakeSession{}, nil)
	defer f.Close()

	var seq []string
	f.AddListener(&orderingListener{seq: &seq})

	_, err := f.StartLocal(SocketEndpoint{Host: "127.0.0.1", Port: 0}, SocketEndpoint{Host: "db", Port: 5432})
	if err != nil {
		t.Fatalf("StartLocal: %v", err)
	}

	if len(seq) != 2 || seq[0] != "establishing" || seq[1] != "established" {
		t.Fatalf("unexpected event order: %v", seq)
	}
}

type orderingListener struct {
	seq *[]string
}

func (l *orderingListener) EstablishingExplicitTunnel(local, remote SocketEndpoint, localSide bool) {
	*l.seq = append(*l.seq, "establishing")
}
func (l *orderingListener) EstablishedExplicitTunnel(local, remote SocketEndpoint, localSide bool, bound *SocketEndpoint, err error) {
	*l.seq = append(*l.seq, "established")
}
func (l *orderingListener) TearingDownExplicitTunnel(bound SocketEndpoint, localSide bool) {
	*l.seq = append(*l.seq, "tearingDown")
}
func (l *orderingListener) TornDownExplicitTunnel(bound SocketEndpoint, localSide bool, err error) {
	*l.seq = append(*l.seq, "tornDown")
}
func (l *orderingListener) EstablishingDynamicTunnel(local SocketEndpoint)                      {}
func (l *orderingListener) EstablishedDynamicTunnel(local SocketEndpoint, bound *SocketEndpoint, err error) {
}
func (l *orderingListener) TearingDownDynamicTunnel(bound SocketEndpoint) {}
func (l *orderingListener) TornDownDynamicTunnel(bound SocketEndpoint, err error) {}
func (l *orderingListener) BytesSent(n int64)                                     {}
func (l *orderingListener) BytesReceived(n int64)                                 {}

// A panicking listener must not prevent delivery to other listeners, and
// must not escape the broadcaster.
func TestBroadcasterSwallowsListenerPanic(t *testing.T) {
	f := newTestForwarder(t, &fakeSession{}, nil)
	defer f.Close()

	var seq []string
	f.AddListener(panicListener{})
	f.AddListener(&orderingListener{seq: &seq})
	f.events.dispatch("test", func(l PortForwardingEventListener) {
		l.EstablishingExplicitTunnel(SocketEndpoint{}, SocketEndpoint{}, true)
	})
	if len(seq) != 1 || seq[0] != "establishing" {
		t.Fatalf("expected second listener to still be invoked after first panicked, got %v", seq)
	}
}

type panicListener struct{}

func (panicListener) EstablishingExplicitTunnel(local, remote SocketEndpoint, localSide bool) {
	panic("boom")
}
func (panicListener) EstablishedExplicitTunnel(local, remote SocketEndpoint, localSide bool, bound *SocketEndpoint, err error) {
}
func (panicListener) TearingDownExplicitTunnel(bound SocketEndpoint, localSide bool)          {}
func (panicListener) TornDownExplicitTunnel(bound SocketEndpoint, localSide bool, err error)  {}
func (panicListener) EstablishingDynamicTunnel(local SocketEndpoint)                          {}
func (panicListener) EstablishedDynamicTunnel(local SocketEndpoint, bound *SocketEndpoint, err error) {
}
func (panicListener) TearingDownDynamicTunnel(bound SocketEndpoint)         {}
func (panicListener) TornDownDynamicTunnel(bound SocketEndpoint, err error) {}
func (panicListener) BytesSent(n int64)                                    {}
func (panicListener) BytesReceived(n int64)                                {}
