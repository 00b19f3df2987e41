package forwarding

import (
	"fmt"
	"sync"
)

// SocksProxyHandle is the registry's handle on a running dynamic/SOCKS
// proxy. The registry owns it exclusively while it lives in dynamicLocal;
// ownership transfers to the shutdown path on forwarder close.
type SocksProxyHandle interface {
	Close() error
}

// registry is the Binding Registry: three port-indexed mappings plus the
// set of server-accepted local-forward entries. Each port-indexed mapping
// has its own inner mutex so lookups from acceptor callbacks (which never
// hold the facade monitor) never block on the facade's coarse lock.
//
// Invariant: a port key is present in at most one of localToRemote,
// remoteToLocal, dynamicLocal at a time.
type registry struct {
	localMu    sync.RWMutex
	localToRemote map[int]SocketEndpoint

	remoteMu   sync.RWMutex
	remoteToLocal map[int]SocketEndpoint

	dynamicMu  sync.RWMutex
	dynamicLocal map[int]SocksProxyHandle

	forwardsMu sync.RWMutex
	localForwards map[int]LocalForwardingEntry
}

func newRegistry() *registry {
	return &registry{
		localToRemote: make(map[int]SocketEndpoint),
		remoteToLocal: make(map[int]SocketEndpoint),
		dynamicLocal:  make(map[int]SocksProxyHandle),
		localForwards: make(map[int]LocalForwardingEntry),
	}
}

// portInUse reports whether port already appears in any of the three
// port-indexed mappings. Callers must already hold the facade monitor so
// no insert races with this check.
func (r *registry) portInUse(port int) bool {
	r.localMu.RLock()
	_, inLocal := r.localToRemote[port]
	r.localMu.RUnlock()
	if inLocal {
		return true
	}

	r.remoteMu.RLock()
	_, inRemote := r.remoteToLocal[port]
	r.remoteMu.RUnlock()
	if inRemote {
		return true
	}

	r.dynamicMu.RLock()
	_, inDynamic := r.dynamicLocal[port]
	r.dynamicMu.RUnlock()
	return inDynamic
}

func (r *registry) insertLocalToRemote(port int, remote SocketEndpoint) error {
	if r.portInUse(port) {
		return newErr(KindDuplicateBinding, "insertLocalToRemote", fmt.Errorf("multiple bindings on port=%d", port))
	}
	r.localMu.Lock()
	r.localToRemote[port] = remote
	r.localMu.Unlock()
	return nil
}

func (r *registry) removeLocalToRemote(port int) (SocketEndpoint, bool) {
	r.localMu.Lock()
	defer r.localMu.Unlock()
	remote, ok := r.localToRemote[port]
	if ok {
		delete(r.localToRemote, port)
	}
	return remote, ok
}

func (r *registry) lookupLocalToRemote(port int) (SocketEndpoint, bool) {
	r.localMu.RLock()
	defer r.localMu.RUnlock()
	remote, ok := r.localToRemote[port]
	return remote, ok
}

func (r *registry) insertRemoteToLocal(port int, local SocketEndpoint) error {
	if r.portInUse(port) {
		return newErr(KindDuplicateBinding, "insertRemoteToLocal", fmt.Errorf("multiple bindings on port=%d", port))
	}
	r.remoteMu.Lock()
	r.remoteToLocal[port] = local
	r.remoteMu.Unlock()
	return nil
}

func (r *registry) removeRemoteToLocal(port int) (SocketEndpoint, bool) {
	r.remoteMu.Lock()
	defer r.remoteMu.Unlock()
	local, ok := r.remoteToLocal[port]
	if ok {
		delete(r.remoteToLocal, port)
	}
	return local, ok
}

func (r *registry) lookupRemoteToLocal(port int) (SocketEndpoint, bool) {
	r.remoteMu.RLock()
	defer r.remoteMu.RUnlock()
	local, ok := r.remoteToLocal[port]
	return local, ok
}

func (r *registry) insertDynamic(port int, handle SocksProxyHandle) error {
	if r.portInUse(port) {
		return newErr(KindDuplicateBinding, "insertDynamic", fmt.Errorf("multiple bindings on port=%d", port))
	}
	r.dynamicMu.Lock()
	r.dynamicLocal[port] = handle
	r.dynamicMu.Unlock()
	return nil
}

func (r *registry) removeDynamic(port int) (SocksProxyHandle, bool) {
	r.dynamicMu.Lock()
	defer r.dynamicMu.Unlock()
	handle, ok := r.dynamicLocal[port]
	if ok {
		delete(r.dynamicLocal, port)
	}
	return handle, ok
}

// allDynamic returns a snapshot of the currently owned SOCKS handles, for
// the Closeable Core's parallel-close shutdown sequence.
func (r *registry) allDynamic() []SocksProxyHandle {
	r.dynamicMu.RLock()
	defer r.dynamicMu.RUnlock()
	out := make([]SocksProxyHandle, 0, len(r.dynamicLocal))
	for _, h := range r.dynamicLocal {
		out = append(out, h)
	}
	return out
}

func (r *registry) insertLocalForward(entry LocalForwardingEntry) error {
	r.forwardsMu.Lock()
	defer r.forwardsMu.Unlock()
	if _, exists := r.localForwards[entry.Port]; exists {
		return newErr(KindDuplicateBinding, "insertLocalForward", fmt.Errorf("multiple bindings on port=%d", entry.Port))
	}
	r.localForwards[entry.Port] = entry
	return nil
}

// removeLocalForwardByHost finds the entry at the given port whose bound
// or requested host matches hostName, and removes it.
func (r *registry) removeLocalForwardByHost(hostName string, port int) (LocalForwardingEntry, bool) {
	r.forwardsMu.Lock()
	defer r.forwardsMu.Unlock()
	entry, ok := r.localForwards[port]
	if !ok || !entry.matchesHost(hostName) {
		return LocalForwardingEntry{}, false
	}
	delete(r.localForwards, port)
	return entry, true
}
