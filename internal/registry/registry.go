package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"screenrelay/pkg/interfaces"
	"screenrelay/pkg/types"
)

// Metadata is the registry-owned record kept for every live connection.
// Identity fields stay empty until the connection registers.
type Metadata struct {
	ConnectionID      string     `json:"connectionId"`
	RawIdentity       string     `json:"rawIdentity,omitempty"`
	CanonicalIdentity string     `json:"canonicalIdentity,omitempty"`
	Role              types.Role `json:"role,omitempty"`
	ConnectedAt       time.Time  `json:"connectedAt"`
	RegisteredAt      time.Time  `json:"registeredAt,omitempty"`
}

// Registered reports whether the connection has presented an identity.
func (m Metadata) Registered() bool {
	return m.CanonicalIdentity != ""
}

type entry struct {
	conn interfaces.Connection
	meta Metadata
}

// Registry tracks live connections by transport id and by canonical
// identity. Reads are safe from any goroutine; mutations are expected to be
// issued by a single owner so compound updates do not interleave.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*entry // connection id -> entry
	identities  map[string]string // canonical identity -> connection id
	displaced   int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*entry),
		identities:  make(map[string]string),
	}
}

// Attach starts tracking a transport connection that has not registered yet.
func (r *Registry) Attach(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.connections[conn.ID()] = &entry{
		conn: conn,
		meta: Metadata{ConnectionID: conn.ID(), ConnectedAt: time.Now()},
	}
	return nil
}

// Register binds an attached connection to an identity and role and returns
// the canonical identity. A prior mapping for the same canonical identity is
// overwritten; the connection it pointed at is neither closed nor notified.
func (r *Registry) Register(connID, rawIdentity string, role types.Role) (string, error) {
	canonical := types.Canonicalize(rawIdentity)
	if canonical == "" {
		return "", ErrEmptyIdentity
	}
	if !types.IsValidRole(role) {
		return "", ErrInvalidRole
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.connections[connID]
	if !exists {
		return "", ErrUnknownConnection
	}

	// A connection owns at most one identity.
	if old := e.meta.CanonicalIdentity; old != "" && old != canonical && r.identities[old] == connID {
		delete(r.identities, old)
	}

	if owner, taken := r.identities[canonical]; taken && owner != connID {
		r.displaced++
		log.Warn().Str("module", "registry").
			Str("user", canonical).
			Str("conn", connID).
			Str("displaced_conn", owner).
			Msg("identity displaced by newer registration")
	}

	r.identities[canonical] = connID
	e.meta.RawIdentity = rawIdentity
	e.meta.CanonicalIdentity = canonical
	e.meta.Role = role
	e.meta.RegisteredAt = time.Now()

	return canonical, nil
}

// Unregister stops tracking a connection and returns its final metadata.
// The identity mapping is removed only if it still points at this
// connection, so a newer registration under the same identity survives.
func (r *Registry) Unregister(connID string) (Metadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.connections[connID]
	if !exists {
		return Metadata{}, false
	}
	delete(r.connections, connID)

	if canonical := e.meta.CanonicalIdentity; canonical != "" && r.identities[canonical] == connID {
		delete(r.identities, canonical)
	}
	return e.meta, true
}

// Lookup returns the metadata record of a live connection.
func (r *Registry) Lookup(connID string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.connections[connID]
	if !exists {
		return Metadata{}, false
	}
	return e.meta, true
}

// Connection returns a live connection by transport id.
func (r *Registry) Connection(connID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.connections[connID]
	if !exists {
		return nil, false
	}
	return e.conn, true
}

// ByIdentity returns the connection currently owning a canonical identity.
func (r *Registry) ByIdentity(canonical string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connID, exists := r.identities[canonical]
	if !exists {
		return nil, false
	}
	e, exists := r.connections[connID]
	if !exists {
		return nil, false
	}
	return e.conn, true
}

// Resolve translates a client-supplied address into a live connection.
// Addresses are tried first as transport connection ids and then as
// identities (canonicalized), so viewers can be reached by either scheme.
func (r *Registry) Resolve(address string) (interfaces.Connection, bool) {
	if address == "" {
		return nil, false
	}
	if conn, ok := r.Connection(address); ok {
		return conn, true
	}
	return r.ByIdentity(types.Canonicalize(address))
}

// ByRole returns the current owner of every identity registered with the
// given role. Displaced connections are not included.
func (r *Registry) ByRole(role types.Role) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []interfaces.Connection
	for _, connID := range r.identities {
		if e, ok := r.connections[connID]; ok && e.meta.Role == role {
			conns = append(conns, e.conn)
		}
	}
	return conns
}

// All returns every attached connection, registered or not.
func (r *Registry) All() []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]interfaces.Connection, 0, len(r.connections))
	for _, e := range r.connections {
		conns = append(conns, e.conn)
	}
	return conns
}

// Identities returns the canonical identities with a live mapping, sorted.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.identities))
	for id := range r.identities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetStats returns registry counters for monitoring.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := map[string]int{
		"total_connections":     len(r.connections),
		"registered_identities": len(r.identities),
		"displaced_identities":  r.displaced,
	}
	for _, connID := range r.identities {
		if e, ok := r.connections[connID]; ok {
			stats[string(e.meta.Role)+"s"]++
		}
	}
	return stats
}
