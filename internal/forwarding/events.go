package forwarding

import (
	"sync"

	"github.com/rs/zerolog"
)

// PortForwardingEventListener receives lifecycle callbacks for explicit
// (local/remote) and dynamic (SOCKS) tunnels. localSide indicates whether
// local is the bind side of the tunnel. bound and err are both nil/zero
// until the operation has a final outcome.
type PortForwardingEventListener interface {
	EstablishingExplicitTunnel(local, remote SocketEndpoint, localSide bool)
	EstablishedExplicitTunnel(local, remote SocketEndpoint, localSide bool, bound *SocketEndpoint, err error)
	TearingDownExplicitTunnel(bound SocketEndpoint, localSide bool)
	TornDownExplicitTunnel(bound SocketEndpoint, localSide bool, err error)

	EstablishingDynamicTunnel(local SocketEndpoint)
	EstablishedDynamicTunnel(local SocketEndpoint, bound *SocketEndpoint, err error)
	TearingDownDynamicTunnel(bound SocketEndpoint)
	TornDownDynamicTunnel(bound SocketEndpoint, err error)

	// BytesSent/BytesReceived report incremental byte counts as the Static
	// Bridge Handler pumps data, from the perspective of the bind side:
	// BytesSent is bytes written toward the remote/dialed side, BytesReceived
	// is bytes written back toward the accepted TCP session.
	BytesSent(n int64)
	BytesReceived(n int64)
}

// broadcaster fans lifecycle callbacks out to every registered listener,
// in insertion order, swallowing and logging per-listener panics/errors so
// one bad listener never blocks or corrupts delivery to the rest. It is
// reentrant-safe: a listener may add or remove listeners from within a
// callback.
type broadcaster struct {
	mu        sync.Mutex
	listeners []PortForwardingEventListener
	log       zerolog.Logger
}

func newBroadcaster(log zerolog.Logger) *broadcaster {
	return &broadcaster{log: log}
}

func (b *broadcaster) addListener(l PortForwardingEventListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *broadcaster) removeListener(l PortForwardingEventListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.listeners {
		if existing == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// snapshot copies the listener slice so dispatch never iterates a slice
// that a reentrant add/remove is simultaneously mutating.
func (b *broadcaster) snapshot() []PortForwardingEventListener {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PortForwardingEventListener, len(b.listeners))
	copy(out, b.listeners)
	return out
}

func (b *broadcaster) dispatch(name string, fn func(PortForwardingEventListener)) {
	for _, l := range b.snapshot() {
		b.safeCall(name, l, fn)
	}
}

func (b *broadcaster) safeCall(name string, l PortForwardingEventListener, fn func(PortForwardingEventListener)) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("event", name).Interface("panic", r).Msg("port forwarding event listener panicked")
		}
	}()
	fn(l)
}

func (b *broadcaster) establishingExplicit(local, remote SocketEndpoint, localSide bool) {
	b.dispatch("establishingExplicitTunnel", func(l PortForwardingEventListener) {
		l.EstablishingExplicitTunnel(local, remote, localSide)
	})
}

func (b *broadcaster) establishedExplicit(local, remote SocketEndpoint, localSide bool, bound *SocketEndpoint, err error) {
	b.dispatch("establishedExplicitTunnel", func(l PortForwardingEventListener) {
		l.EstablishedExplicitTunnel(local, remote, localSide, bound, err)
	})
}

func (b *broadcaster) tearingDownExplicit(bound SocketEndpoint, localSide bool) {
	b.dispatch("tearingDownExplicitTunnel", func(l PortForwardingEventListener) {
		l.TearingDownExplicitTunnel(bound, localSide)
	})
}

func (b *broadcaster) tornDownExplicit(bound SocketEndpoint, localSide bool, err error) {
	b.dispatch("tornDownExplicitTunnel", func(l PortForwardingEventListener) {
		l.TornDownExplicitTunnel(bound, localSide, err)
	})
}

func (b *broadcaster) establishingDynamic(local SocketEndpoint) {
	b.dispatch("establishingDynamicTunnel", func(l PortForwardingEventListener) {
		l.EstablishingDynamicTunnel(local)
	})
}

func (b *broadcaster) establishedDynamic(local SocketEndpoint, bound *SocketEndpoint, err error) {
	b.dispatch("establishedDynamicTunnel", func(l PortForwardingEventListener) {
		l.EstablishedDynamicTunnel(local, bound, err)
	})
}

func (b *broadcaster) tearingDownDynamic(bound SocketEndpoint) {
	b.dispatch("tearingDownDynamicTunnel", func(l PortForwardingEventListener) {
		l.TearingDownDynamicTunnel(bound)
	})
}

func (b *broadcaster) tornDownDynamic(bound SocketEndpoint, err error) {
	b.dispatch("tornDownDynamicTunnel", func(l PortForwardingEventListener) {
		l.TornDownDynamicTunnel(bound, err)
	})
}

func (b *broadcaster) bytesSent(n int64) {
	b.dispatch("bytesSent", func(l PortForwardingEventListener) {
		l.BytesSent(n)
	})
}

func (b *broadcaster) bytesReceived(n int64) {
	b.dispatch("bytesReceived", func(l PortForwardingEventListener) {
		l.BytesReceived(n)
	})
}
