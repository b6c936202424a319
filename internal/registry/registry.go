// Package registry tracks which member identities currently hold an open,
// identified connection, split by role.
package registry

import (
	"sync"
	"time"

	"github.com/openperimeter/sdpc/internal/wire"
)

// Role distinguishes the two member kinds tracked by the registry.
type Role string

const (
	RoleGateway Role = "gateway"
	RoleClient  Role = "client"
)

// Conn is the transport handle the registry routes messages through. It is
// owned by the session that registered it; the registry only references it.
type Conn interface {
	WriteMessage(*wire.Message) error
	Close() error
}

type entry struct {
	sdpID       uint32
	connID      uint64
	handle      Conn
	connectedAt time.Time
}

// Registry holds the live connection lists for gateways and clients. All
// methods are safe for concurrent use from session, fan-out, and monitor
// goroutines.
type Registry struct {
	mu       sync.RWMutex
	gateways []entry
	clients  []entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

func (r *Registry) list(role Role) *[]entry {
	if role == RoleGateway {
		return &r.gateways
	}
	return &r.clients
}

// Register records a newly identified connection. If an entry for the same
// SDP id already exists in the role's list, it is removed and its handle
// returned so the caller can notify and close it. At most one prior entry
// can exist; the scan stops at the first match.
func (r *Registry) Register(role Role, sdpID uint32, connID uint64, handle Conn) (evicted Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.list(role)
	for i, e := range *list {
		if e.sdpID == sdpID {
			evicted = e.handle
			*list = append((*list)[:i], (*list)[i+1:]...)
			break
		}
	}

	*list = append(*list, entry{
		sdpID:       sdpID,
		connID:      connID,
		handle:      handle,
		connectedAt: time.Now(),
	})
	return evicted
}

// Remove deletes the entry with the given connection id, if present.
// Matching on connection id rather than SDP id means a superseded
// connection tearing itself down cannot delete its replacement.
func (r *Registry) Remove(role Role, connID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.list(role)
	for i, e := range *list {
		if e.connID == connID {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

// Find returns the live handle for the given SDP id, if one is registered.
func (r *Registry) Find(role Role, sdpID uint32) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range *r.list(role) {
		if e.sdpID == sdpID {
			return e.handle, true
		}
	}
	return nil, false
}

// ListSDPIDs returns the SDP ids of all registered connections for a role.
func (r *Registry) ListSDPIDs(role Role) []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := *r.list(role)
	ids := make([]uint32, 0, len(list))
	for _, e := range list {
		ids = append(ids, e.sdpID)
	}
	return ids
}

// Count returns the number of registered connections for a role.
func (r *Registry) Count(role Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(*r.list(role))
}

// Snapshot describes one registered connection for status reporting.
type Snapshot struct {
	SDPID       uint32    `json:"sdp_id"`
	ConnID      uint64    `json:"conn_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Snapshots returns a copy of the role's current entries.
func (r *Registry) Snapshots(role Role) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := *r.list(role)
	out := make([]Snapshot, 0, len(list))
	for _, e := range list {
		out = append(out, Snapshot{SDPID: e.sdpID, ConnID: e.connID, ConnectedAt: e.connectedAt})
	}
	return out
}
