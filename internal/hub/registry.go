package hub

import (
	"errors"
	"sort"
	"sync"
)

// Send errors reported by Conn implementations.
var (
	ErrClosed     = errors.New("connection closed")
	ErrBufferFull = errors.New("send buffer full")
)

// Conn is the registry's view of a live transport connection.
type Conn interface {
	// ID identifies the connection in logs.
	ID() string
	// Send queues a frame without blocking.
	Send(data []byte) error
	// Open reports whether the connection still accepts frames.
	Open() bool
	// Close terminates the connection. Safe to call more than once.
	Close()
}

// Registry tracks device connections by identifier and the anonymous
// dashboard set.
type Registry struct {
	mu         sync.RWMutex
	devices    map[string]Conn
	dashboards map[Conn]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices:    make(map[string]Conn),
		dashboards: make(map[Conn]struct{}),
	}
}

// RegisterDevice maps id to conn, replacing any previous entry.
// The superseded connection, if any and distinct, is returned so the
// caller can close it.
func (r *Registry) RegisterDevice(id string, conn Conn) (replaced Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.devices[id]; ok && old != conn {
		replaced = old
	}
	r.devices[id] = conn
	return replaced
}

// UnregisterDevice removes id. No-op when absent.
func (r *Registry) UnregisterDevice(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, id)
}

// UnregisterDeviceConn removes id only while it still maps to conn.
// Returns true if the entry was removed.
func (r *Registry) UnregisterDeviceConn(id string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.devices[id]; ok && cur == conn {
		delete(r.devices, id)
		return true
	}
	return false
}

// LookupDevice returns the connection registered for id.
func (r *Registry) LookupDevice(id string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.devices[id]
	return conn, ok
}

// RegisterDashboard adds conn to the dashboard set.
func (r *Registry) RegisterDashboard(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dashboards[conn] = struct{}{}
}

// UnregisterDashboard removes conn from the dashboard set.
func (r *Registry) UnregisterDashboard(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dashboards, conn)
}

// ForEachDashboard calls fn for every registered dashboard that is open.
// The set is snapshotted first, so fn may register or unregister
// connections. Closed dashboards are skipped, not removed.
func (r *Registry) ForEachDashboard(fn func(Conn)) {
	r.mu.RLock()
	dashboards := make([]Conn, 0, len(r.dashboards))
	for conn := range r.dashboards {
		dashboards = append(dashboards, conn)
	}
	r.mu.RUnlock()

	for _, conn := range dashboards {
		if !conn.Open() {
			continue
		}
		fn(conn)
	}
}

// DeviceIDs returns the registered device identifiers, sorted.
func (r *Registry) DeviceIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// DeviceCount returns the number of registered devices.
func (r *Registry) DeviceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// DashboardCount returns the number of registered dashboards.
func (r *Registry) DashboardCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dashboards)
}
