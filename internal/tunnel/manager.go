package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/craigderington/lazytunnel/internal/sshconn"
	"github.com/craigderington/lazytunnel/pkg/types"
)

// Storage persists tunnel specs across restarts. Implemented by
// internal/storage.SQLiteStore.
type Storage interface {
	Save(ctx context.Context, spec *types.TunnelSpec) error
	UpdateStatus(ctx context.Context, tunnelID, status string) error
	Delete(ctx context.Context, tunnelID string) error
	Get(ctx context.Context, tunnelID string) (*types.TunnelSpec, error)
	List(ctx context.Context) ([]*types.TunnelSpec, error)
	Close() error
}

// StatusCallback is notified whenever a tunnel's status changes.
type StatusCallback func(tunnelID string, status *types.TunnelStatus)

// Manager handles the lifecycle of SSH tunnels
type Manager struct {
	tunnels  map[string]*Tunnel
	breakers *TunnelCircuitBreaker
	storage  Storage
	onStatus StatusCallback
	mu       sync.RWMutex
	ctx      context.Context
}

// NewManager creates a new tunnel manager
func NewManager(ctx context.Context) *Manager {
	return &Manager{
		tunnels:  make(map[string]*Tunnel),
		breakers: NewTunnelCircuitBreaker(DefaultCircuitBreakerConfig()),
		ctx:      ctx,
	}
}

// SetStorage attaches a persistence backend. Tunnels created after this
// call are saved; it does not retroactively persist already-running ones.
func (m *Manager) SetStorage(storage Storage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storage = storage
}

// SetStatusCallback registers a callback invoked whenever a managed
// tunnel's status changes, for bridging to internal/api's WebSocket
// broadcaster.
func (m *Manager) SetStatusCallback(cb StatusCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = cb
}

// LoadFromStorage recreates tunnels recorded by a previously attached
// Storage backend, reconnecting each one in the background.
func (m *Manager) LoadFromStorage(ctx context.Context) error {
	m.mu.RLock()
	storage := m.storage
	m.mu.RUnlock()
	if storage == nil {
		return fmt.Errorf("no storage backend configured")
	}

	specs, err := storage.List(ctx)
	if err != nil {
		return fmt.Errorf("listing persisted tunnels: %w", err)
	}

	var errs []error
	for _, spec := range specs {
		if err := m.Create(ctx, spec); err != nil {
			errs = append(errs, fmt.Errorf("tunnel %s: %w", spec.ID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors reloading tunnels: %v", errs)
	}
	return nil
}

func (m *Manager) notifyStatus(tunnelID string, status *types.TunnelStatus) {
	m.mu.RLock()
	cb, storage := m.onStatus, m.storage
	m.mu.RUnlock()

	if cb != nil {
		cb(tunnelID, status)
	}
	if storage != nil && status != nil {
		if err := storage.UpdateStatus(m.ctx, tunnelID, string(status.State)); err != nil {
			log.Error().Err(err).Str("tunnel_id", tunnelID).Msg("failed to persist tunnel status")
		}
	}
}

// Create creates and starts a new tunnel asynchronously
func (m *Manager) Create(ctx context.Context, spec *types.TunnelSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tunnels[spec.ID]; exists {
		return fmt.Errorf("tunnel %s already exists", spec.ID)
	}

	// Initialize tunnel with "pending" status
	tunnel := &Tunnel{
		Spec:      spec,
		CreatedAt: time.Now(),
		ctx:       ctx,
		Status: &types.TunnelStatus{
			TunnelID:  spec.ID,
			State:     types.TunnelStatePending,
			LastError: "",
		},
	}

	// Store the tunnel immediately
	m.tunnels[spec.ID] = tunnel

	if m.storage != nil {
		if err := m.storage.Save(ctx, spec); err != nil {
			log.Error().Err(err).Str("tunnel_id", spec.ID).Msg("failed to persist new tunnel")
		}
	}

	// Start connection in background
	go m.connectTunnel(tunnel)

	return nil
}

// connectTunnel establishes the SSH connection and starts forwarding in a goroutine
func (m *Manager) connectTunnel(tunnel *Tunnel) {
	// Create and connect the tunnel
	err := m.initializeTunnel(tunnel.ctx, tunnel)
	if err != nil {
		tunnel.updateStatus(types.TunnelStateFailed, fmt.Sprintf("Failed to connect: %v", err))
		m.notifyStatus(tunnel.Spec.ID, tunnel.GetStatus())
		return
	}

	// Success!
	tunnel.updateStatus(types.TunnelStateActive, "")
	m.notifyStatus(tunnel.Spec.ID, tunnel.GetStatus())
}

// initializeTunnel establishes the SSH session(s) and starts the forward
// named by the spec's type, for an existing tunnel record.
func (m *Manager) initializeTunnel(ctx context.Context, tunnel *Tunnel) error {
	spec := tunnel.Spec

	sessionConfig := SessionConfig{
		KeepAlive:     spec.KeepAlive,
		AutoReconnect: spec.AutoReconnect,
		MaxRetries:    spec.MaxRetries,
		Timeout:       10 * time.Second,
		BackoffConfig: DefaultBackoffConfig(),
		ClientConfig: sshconn.ClientConfigOptions{
			InsecureIgnoreHostKey: spec.Auth.HostKeyVerification == types.HostKeyVerifyInsecure,
		},
	}

	if len(spec.Hops) == 0 {
		return fmt.Errorf("at least one hop is required")
	} else if len(spec.Hops) == 1 {
		sessionConfig.Hop = &spec.Hops[0]
		sessionConfig.Auth = &spec.Auth
		singleSession, err := NewSession(ctx, sessionConfig)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		tunnel.session = singleSession
	} else {
		auths := make([]types.AuthConfig, len(spec.Hops))
		for i := range auths {
			auths[i] = spec.Auth
		}
		multiSession, err := NewMultiHopSession(ctx, spec.Hops, auths, sessionConfig)
		if err != nil {
			return fmt.Errorf("failed to create multi-hop session: %w", err)
		}
		tunnel.multiSession = multiSession
	}

	breaker := m.breakers.GetBreaker(spec.ID)
	if err := breaker.Execute(tunnel.connect); err != nil {
		return fmt.Errorf("failed to connect session: %w", err)
	}

	if err := tunnel.startForwarding(ctx); err != nil {
		tunnel.cleanup()
		return fmt.Errorf("failed to start forwarding: %w", err)
	}

	return nil
}

// Stop stops a running tunnel but keeps its record in the manager so it can
// be resumed later with Start.
func (m *Manager) Stop(ctx context.Context, tunnelID string) error {
	m.mu.RLock()
	tunnel, exists := m.tunnels[tunnelID]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("tunnel %s not found", tunnelID)
	}

	err := tunnel.Stop()
	m.notifyStatus(tunnelID, tunnel.GetStatus())
	return err
}

// Start (re)connects a tunnel that is currently stopped or failed, replacing
// its Tunnel record with a freshly initialized one carrying the same spec.
func (m *Manager) Start(ctx context.Context, tunnelID string) error {
	m.mu.Lock()
	existing, exists := m.tunnels[tunnelID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("tunnel %s not found", tunnelID)
	}

	tunnel := &Tunnel{
		Spec:      existing.Spec,
		CreatedAt: existing.CreatedAt,
		ctx:       ctx,
		Status: &types.TunnelStatus{
			TunnelID: existing.Spec.ID,
			State:    types.TunnelStatePending,
		},
	}
	m.tunnels[tunnelID] = tunnel
	m.mu.Unlock()

	go m.connectTunnel(tunnel)
	return nil
}

// Delete stops a tunnel if running and permanently removes it from the
// manager, the circuit breaker registry, and persistent storage.
func (m *Manager) Delete(ctx context.Context, tunnelID string) error {
	m.mu.Lock()
	tunnel, exists := m.tunnels[tunnelID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("tunnel %s not found", tunnelID)
	}
	delete(m.tunnels, tunnelID)
	m.mu.Unlock()

	stopErr := tunnel.Stop()
	m.breakers.RemoveBreaker(tunnelID)

	if m.storage != nil {
		if err := m.storage.Delete(ctx, tunnelID); err != nil {
			log.Error().Err(err).Str("tunnel_id", tunnelID).Msg("failed to remove persisted tunnel")
		}
	}

	if stopErr != nil {
		return fmt.Errorf("tunnel removed, but stop had errors: %w", stopErr)
	}
	return nil
}

// Get retrieves a tunnel by ID
func (m *Manager) Get(tunnelID string) (*Tunnel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tunnel, exists := m.tunnels[tunnelID]
	if !exists {
		return nil, fmt.Errorf("tunnel %s not found", tunnelID)
	}

	return tunnel, nil
}

// List returns all tunnels
func (m *Manager) List() []*Tunnel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tunnels := make([]*Tunnel, 0, len(m.tunnels))
	for _, tunnel := range m.tunnels {
		tunnels = append(tunnels, tunnel)
	}

	return tunnels
}

// Shutdown stops all tunnels and cleans up resources
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errors []error
	for id, tunnel := range m.tunnels {
		if err := tunnel.Stop(); err != nil {
			errors = append(errors, fmt.Errorf("failed to stop tunnel %s: %w", id, err))
		}
	}

	m.tunnels = make(map[string]*Tunnel)

	if len(errors) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errors)
	}

	return nil
}
