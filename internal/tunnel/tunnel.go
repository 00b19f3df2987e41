package tunnel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/craigderington/lazytunnel/internal/forwarding"
	"github.com/craigderington/lazytunnel/internal/sshconn"
	"github.com/craigderington/lazytunnel/pkg/types"
)

// ForwarderStats mirrors the teacher's per-tunnel counters, now populated
// from a statsListener registered on the forwarding.Forwarder instead of
// being tracked inline by a bespoke forwarder implementation.
type ForwarderStats struct {
	BytesSent     int64
	BytesReceived int64
	Connections   int64
	ActiveConns   int64
	Errors        int64
	StartedAt     time.Time
	LastActivity  time.Time
}

// statsListener implements forwarding.PortForwardingEventListener purely
// for counting — it has no opinion on forwarding semantics.
type statsListener struct {
	connections   int64
	activeConns   int64
	errors        int64
	bytesSent     int64
	bytesReceived int64
	lastActive    atomic.Int64 // unix nanos
}

func (s *statsListener) touch() { s.lastActive.Store(time.Now().UnixNano()) }

func (s *statsListener) EstablishingExplicitTunnel(local, remote forwarding.SocketEndpoint, localSide bool) {
	s.touch()
}
func (s *statsListener) EstablishedExplicitTunnel(local, remote forwarding.SocketEndpoint, localSide bool, bound *forwarding.SocketEndpoint, err error) {
	s.touch()
	if err != nil {
		atomic.AddInt64(&s.errors, 1)
		return
	}
	atomic.AddInt64(&s.connections, 1)
	atomic.AddInt64(&s.activeConns, 1)
}
func (s *statsListener) TearingDownExplicitTunnel(bound forwarding.SocketEndpoint, localSide bool) {
	s.touch()
}
func (s *statsListener) TornDownExplicitTunnel(bound forwarding.SocketEndpoint, localSide bool, err error) {
	s.touch()
	atomic.AddInt64(&s.activeConns, -1)
	if err != nil {
		atomic.AddInt64(&s.errors, 1)
	}
}
func (s *statsListener) EstablishingDynamicTunnel(local forwarding.SocketEndpoint) { s.touch() }
func (s *statsListener) EstablishedDynamicTunnel(local forwarding.SocketEndpoint, bound *forwarding.SocketEndpoint, err error) {
	s.touch()
	if err != nil {
		atomic.AddInt64(&s.errors, 1)
		return
	}
	atomic.AddInt64(&s.connections, 1)
	atomic.AddInt64(&s.activeConns, 1)
}
func (s *statsListener) TearingDownDynamicTunnel(bound forwarding.SocketEndpoint) { s.touch() }
func (s *statsListener) TornDownDynamicTunnel(bound forwarding.SocketEndpoint, err error) {
	s.touch()
	atomic.AddInt64(&s.activeConns, -1)
	if err != nil {
		atomic.AddInt64(&s.errors, 1)
	}
}

func (s *statsListener) BytesSent(n int64) {
	s.touch()
	atomic.AddInt64(&s.bytesSent, n)
}
func (s *statsListener) BytesReceived(n int64) {
	s.touch()
	atomic.AddInt64(&s.bytesReceived, n)
}

// Tunnel binds one types.TunnelSpec to a live SSH session (single or
// multi-hop) and a forwarding.Forwarder riding on top of it. Grounded on
// the teacher's Tunnel, with LocalForwarder/RemoteForwarder/DynamicForwarder
// folded into the shared forwarding core instead of three parallel types.
type Tunnel struct {
	Spec      *types.TunnelSpec
	Status    *types.TunnelStatus
	CreatedAt time.Time

	session      *Session
	multiSession *MultiHopSession

	fwd   *forwarding.Forwarder
	bound forwarding.SocketEndpoint
	stats *statsListener

	ctx      context.Context
	mu       sync.RWMutex
	stopOnce sync.Once
}

func (t *Tunnel) clientSession() *sshconn.ClientSession {
	if t.multiSession != nil {
		return t.multiSession.LastHop().ClientSession()
	}
	return t.session.ClientSession()
}

func (t *Tunnel) connect() error {
	if t.session != nil {
		return t.session.ConnectWithRetry()
	}
	if t.multiSession != nil {
		return t.multiSession.Connect()
	}
	return fmt.Errorf("no session configured")
}

// startForwarding builds the forwarding.Forwarder for this tunnel's SSH
// transport and starts the forward named by Spec.Type.
func (t *Tunnel) startForwarding(ctx context.Context) error {
	client := t.clientSession()
	if client == nil {
		return fmt.Errorf("session has no client after connect")
	}

	t.stats = &statsListener{}
	logger := log.With().Str("tunnel_id", t.Spec.ID).Logger()
	t.fwd = forwarding.NewForwarder(client, client, client, nil, forwarding.DefaultForwarderConfig(), logger)
	t.fwd.AddListener(t.stats)

	switch t.Spec.Type {
	case types.TunnelTypeLocal:
		local := forwarding.SocketEndpoint{Host: "127.0.0.1", Port: t.Spec.LocalPort}
		remote := forwarding.SocketEndpoint{Host: t.Spec.RemoteHost, Port: t.Spec.RemotePort}
		bound, err := t.fwd.StartLocal(local, remote)
		if err != nil {
			return fmt.Errorf("starting local forward: %w", err)
		}
		t.bound = bound

	case types.TunnelTypeRemote:
		remote := forwarding.SocketEndpoint{Host: "0.0.0.0", Port: t.Spec.RemotePort}
		local := forwarding.SocketEndpoint{Host: "127.0.0.1", Port: t.Spec.LocalPort}
		bound, err := t.fwd.StartRemote(ctx, remote, local)
		if err != nil {
			return fmt.Errorf("starting remote forward: %w", err)
		}
		t.bound = bound
		go func() {
			if err := client.ServeForwardedChannels(t.ctx, t.fwd); err != nil {
				log.Debug().Err(err).Str("tunnel_id", t.Spec.ID).Msg("forwarded-channel server stopped")
			}
		}()

	case types.TunnelTypeDynamic:
		local := forwarding.SocketEndpoint{Host: "127.0.0.1", Port: t.Spec.LocalPort}
		bound, err := t.fwd.StartDynamic(local, client)
		if err != nil {
			return fmt.Errorf("starting dynamic forward: %w", err)
		}
		t.bound = bound

	default:
		return fmt.Errorf("unsupported tunnel type: %s", t.Spec.Type)
	}

	return nil
}

// Stop tears down the forwarder and closes the underlying SSH session(s).
func (t *Tunnel) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		if t.fwd != nil {
			if stopErr := t.fwd.Close(); stopErr != nil {
				err = stopErr
			}
		}
		if closeErr := t.cleanup(); closeErr != nil && err == nil {
			err = closeErr
		}
		t.updateStatus(types.TunnelStateStopped, "")
	})
	return err
}

func (t *Tunnel) cleanup() error {
	if t.session != nil {
		return t.session.Close()
	}
	if t.multiSession != nil {
		return t.multiSession.Close()
	}
	return nil
}

func (t *Tunnel) updateStatus(state types.TunnelState, errorMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if t.Status == nil {
		t.Status = &types.TunnelStatus{TunnelID: t.Spec.ID}
	}
	t.Status.State = state
	t.Status.LastError = errorMsg
	if state == types.TunnelStateActive && t.Status.ConnectedAt == nil {
		t.Status.ConnectedAt = &now
	}
}

// GetStatus returns a snapshot of the tunnel's current status.
func (t *Tunnel) GetStatus() *types.TunnelStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.Status == nil {
		return nil
	}
	statusCopy := *t.Status
	return &statusCopy
}

// Stats returns the tunnel's traffic counters, derived from forwarding
// lifecycle events rather than tracked by a forwarder implementation.
func (t *Tunnel) Stats() ForwarderStats {
	if t.stats == nil {
		return ForwarderStats{}
	}
	last := t.stats.lastActive.Load()
	var lastActivity time.Time
	if last != 0 {
		lastActivity = time.Unix(0, last)
	}
	return ForwarderStats{
		BytesSent:     atomic.LoadInt64(&t.stats.bytesSent),
		BytesReceived: atomic.LoadInt64(&t.stats.bytesReceived),
		Connections:   atomic.LoadInt64(&t.stats.connections),
		ActiveConns:   atomic.LoadInt64(&t.stats.activeConns),
		Errors:        atomic.LoadInt64(&t.stats.errors),
		LastActivity:  lastActivity,
	}
}

// BoundAddress returns the resolved local or remote bind address, useful
// when Spec requested an ephemeral port (0).
func (t *Tunnel) BoundAddress() forwarding.SocketEndpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bound
}
