package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/craigderington/lazytunnel/internal/sshconn"
	"github.com/craigderington/lazytunnel/pkg/types"
)

// DisconnectCallback is called when a session disconnects.
type DisconnectCallback func(err error)

// ReconnectCallback is called when a session successfully reconnects.
type ReconnectCallback func()

// SessionConfig contains configuration for creating an SSH session.
type SessionConfig struct {
	Hop           *types.Hop
	Auth          *types.AuthConfig
	KeepAlive     time.Duration
	AutoReconnect bool
	MaxRetries    int
	Timeout       time.Duration
	BackoffConfig BackoffConfig
	ClientConfig  sshconn.ClientConfigOptions
	OnDisconnect  DisconnectCallback
	OnReconnect   ReconnectCallback
}

// Session manages one hop's SSH connection — building its ssh.ClientConfig
// through internal/sshconn and internal/auth, dialing or chaining through a
// previous hop, and keeping it alive with keepalive@openssh.com probes and
// exponential-backoff reconnect. It owns connection lifecycle; the actual
// forwarding semantics for whatever it carries live in internal/forwarding,
// driven through its *sshconn.ClientSession.
type Session struct {
	cfg SessionConfig

	mu          sync.RWMutex
	client      *sshconn.ClientSession
	connected   bool
	lastError   error
	retryCount  int
	connectedAt *time.Time

	stopKeepAlive chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession creates a new SSH session for a single hop. The connection is
// not established until Connect or ConnectWithRetry is called.
func NewSession(ctx context.Context, config SessionConfig) (*Session, error) {
	if config.Hop == nil {
		return nil, fmt.Errorf("hop configuration is required")
	}
	if config.Auth == nil {
		config.Auth = &types.AuthConfig{Method: config.Hop.AuthMethod, Username: config.Hop.User}
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = 30 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.BackoffConfig.Initial == 0 {
		config.BackoffConfig = DefaultBackoffConfig()
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	return &Session{
		cfg:           config,
		stopKeepAlive: make(chan struct{}),
		ctx:           sessionCtx,
		cancel:        cancel,
	}, nil
}

// Connect establishes the SSH connection directly over TCP.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}

	clientCfg, err := sshconn.BuildClientConfig(s.cfg.Hop, s.cfg.Auth, s.cfg.ClientConfig)
	if err != nil {
		s.lastError = fmt.Errorf("building SSH config: %w", err)
		return s.lastError
	}
	clientCfg.Timeout = s.cfg.Timeout

	client, err := sshconn.Dial(s.ctx, sshconn.HopAddr(s.cfg.Hop), clientCfg)
	if err != nil {
		s.lastError = err
		return err
	}

	s.adoptLocked(client)
	return nil
}

// connectOverConn establishes the SSH handshake over an already-dialed
// net.Conn — used when chaining hops through a previous session's tunnel.
func (s *Session) connectOverConn(conn net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}

	clientCfg, err := sshconn.BuildClientConfig(s.cfg.Hop, s.cfg.Auth, s.cfg.ClientConfig)
	if err != nil {
		s.lastError = fmt.Errorf("building SSH config: %w", err)
		return s.lastError
	}
	clientCfg.Timeout = s.cfg.Timeout

	client, err := sshconn.DialOverConn(sshconn.HopAddr(s.cfg.Hop), conn, clientCfg)
	if err != nil {
		s.lastError = err
		return err
	}

	s.adoptLocked(client)
	return nil
}

func (s *Session) adoptLocked(client *sshconn.ClientSession) {
	s.client = client
	s.connected = true
	now := time.Now()
	s.connectedAt = &now
	s.retryCount = 0
	s.lastError = nil
	go s.keepAliveLoop()
}

// ConnectWithRetry connects with exponential-backoff retry up to MaxRetries.
func (s *Session) ConnectWithRetry() error {
	backoff := s.cfg.BackoffConfig.Initial

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}

		if err := s.Connect(); err == nil {
			return nil
		}

		s.mu.Lock()
		s.retryCount = attempt + 1
		err := s.lastError
		s.mu.Unlock()

		if attempt < s.cfg.MaxRetries {
			select {
			case <-time.After(backoff):
				backoff = s.cfg.BackoffConfig.next(backoff)
			case <-s.ctx.Done():
				return s.ctx.Err()
			}
		} else {
			return fmt.Errorf("failed to connect after %d attempts: %w", s.cfg.MaxRetries+1, err)
		}
	}
	return fmt.Errorf("failed to connect after %d attempts", s.cfg.MaxRetries+1)
}

// Disconnect closes the SSH connection but leaves the session reusable.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}

	close(s.stopKeepAlive)
	s.stopKeepAlive = make(chan struct{})

	var err error
	if s.client != nil {
		err = s.client.Close()
		s.client = nil
	}
	s.connected = false
	s.connectedAt = nil
	return err
}

// Close closes the session permanently.
func (s *Session) Close() error {
	s.cancel()
	return s.Disconnect()
}

func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// ClientSession returns the underlying transport adapter, for wiring into
// a forwarding.Forwarder as its Session/ChannelDialer/ConnectionService.
func (s *Session) ClientSession() *sshconn.ClientSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// Dial creates a connection through this SSH session — used to chain the
// next hop in a multi-hop session.
func (s *Session) Dial(network, address string) (net.Conn, error) {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	if client == nil {
		return nil, fmt.Errorf("session not connected")
	}
	return client.DialNextHop(s.ctx, address)
}

func (s *Session) keepAliveLoop() {
	s.mu.RLock()
	stop := s.stopKeepAlive
	s.mu.RUnlock()

	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.sendKeepAlive(); err != nil {
				if s.cfg.OnDisconnect != nil {
					s.cfg.OnDisconnect(err)
				}
				if s.cfg.AutoReconnect {
					go s.reconnect()
				}
				return
			}
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) sendKeepAlive() error {
	client := s.ClientSession()
	if client == nil {
		return fmt.Errorf("client not connected")
	}
	_, _, err := client.Request(s.ctx, "keepalive@openssh.com", nil, 10*time.Second)
	if err != nil {
		s.mu.Lock()
		s.connected = false
		s.lastError = fmt.Errorf("keep-alive failed: %w", err)
		s.mu.Unlock()
	}
	return err
}

func (s *Session) reconnect() {
	s.mu.Lock()
	if s.connected || s.retryCount > 0 {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.ConnectWithRetry(); err != nil {
		s.mu.Lock()
		s.lastError = fmt.Errorf("reconnect failed: %w", err)
		err := s.lastError
		s.mu.Unlock()
		if s.cfg.OnDisconnect != nil {
			s.cfg.OnDisconnect(err)
		}
		return
	}
	if s.cfg.OnReconnect != nil {
		s.cfg.OnReconnect()
	}
}

// Status returns the current session status.
func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionStatus{
		Connected:   s.connected,
		ConnectedAt: s.connectedAt,
		LastError:   s.lastError,
		RetryCount:  s.retryCount,
		Host:        s.cfg.Hop.Host,
		Port:        s.cfg.Hop.Port,
		User:        s.cfg.Hop.User,
	}
}

// SessionStatus represents the current status of an SSH session.
type SessionStatus struct {
	Connected   bool
	ConnectedAt *time.Time
	LastError   error
	RetryCount  int
	Host        string
	Port        int
	User        string
}

// MultiHopSession chains Sessions so that each hop dials the next through
// the previous hop's tunnel, terminating in one usable transport for
// whatever forwarding.Forwarder rides on top.
type MultiHopSession struct {
	hops   []*Session
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewMultiHopSession creates a session chain for hops, sharing config
// across hops except for the per-hop Hop/Auth fields.
func NewMultiHopSession(ctx context.Context, hops []types.Hop, auths []types.AuthConfig, config SessionConfig) (*MultiHopSession, error) {
	if len(hops) == 0 {
		return nil, fmt.Errorf("at least one hop is required")
	}

	mhCtx, cancel := context.WithCancel(ctx)
	mhs := &MultiHopSession{hops: make([]*Session, 0, len(hops)), ctx: mhCtx, cancel: cancel}

	for i := range hops {
		hopConfig := config
		hopConfig.Hop = &hops[i]
		if i < len(auths) {
			hopConfig.Auth = &auths[i]
		}

		session, err := NewSession(mhCtx, hopConfig)
		if err != nil {
			mhs.Close()
			return nil, fmt.Errorf("creating session for hop %d: %w", i, err)
		}
		mhs.hops = append(mhs.hops, session)
	}

	return mhs, nil
}

// Connect establishes all hop connections in sequence, chaining each
// through the previous one.
func (mhs *MultiHopSession) Connect() error {
	mhs.mu.Lock()
	defer mhs.mu.Unlock()

	if err := mhs.hops[0].ConnectWithRetry(); err != nil {
		return fmt.Errorf("connecting hop 0 (%s): %w", mhs.hops[0].cfg.Hop.Host, err)
	}

	for i := 1; i < len(mhs.hops); i++ {
		prev, cur := mhs.hops[i-1], mhs.hops[i]
		conn, err := prev.Dial("tcp", sshconn.HopAddr(cur.cfg.Hop))
		if err != nil {
			return fmt.Errorf("dialing hop %d through hop %d: %w", i, i-1, err)
		}
		if err := cur.connectOverConn(conn); err != nil {
			conn.Close()
			return fmt.Errorf("connecting hop %d (%s): %w", i, cur.cfg.Hop.Host, err)
		}
	}
	return nil
}

// LastHop returns the terminal session in the chain — the one whose
// ClientSession should be wired into the forwarding core.
func (mhs *MultiHopSession) LastHop() *Session {
	mhs.mu.RLock()
	defer mhs.mu.RUnlock()
	return mhs.hops[len(mhs.hops)-1]
}

func (mhs *MultiHopSession) Close() error {
	mhs.cancel()
	mhs.mu.Lock()
	defer mhs.mu.Unlock()

	var errs []error
	for i, session := range mhs.hops {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("hop %d: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing sessions: %v", errs)
	}
	return nil
}

func (mhs *MultiHopSession) AllConnected() bool {
	mhs.mu.RLock()
	defer mhs.mu.RUnlock()
	for _, session := range mhs.hops {
		if !session.IsConnected() {
			return false
		}
	}
	return true
}

func (mhs *MultiHopSession) IsConnected() bool { return mhs.AllConnected() }

func (mhs *MultiHopSession) Status() []SessionStatus {
	mhs.mu.RLock()
	defer mhs.mu.RUnlock()
	statuses := make([]SessionStatus, len(mhs.hops))
	for i, session := range mhs.hops {
		statuses[i] = session.Status()
	}
	return statuses
}
