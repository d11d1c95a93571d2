package gateway

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vasya00044/ev-server/server/errors"
	"github.com/vasya00044/ev-server/server/stationmgr"
)

// Close reasons used by the registry
const (
	ReasonSuperseded   = "superseded by new connection"
	ReasonDeadPeer     = "liveness lost"
	ReasonTokenExpired = "credential expired"
	ReasonRateLimited  = "rate limit exceeded"
	ReasonShutdown     = "server shutting down"
	ReasonReadError    = "read error"
)

// Registry holds at most one connection per (tenant, station). It never
// performs I/O while holding its lock.
type Registry struct {
	mu    sync.RWMutex
	conns map[stationmgr.Key]*stationmgr.Connection
}

// Swept is a connection closed by Sweep and why.
type Swept struct {
	Conn   *stationmgr.Connection
	Reason string
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[stationmgr.Key]*stationmgr.Connection)}
}

// Register inserts c. When another connection holds the same key it is
// replaced, closed (failing its pending calls) and returned.
func (r *Registry) Register(c *stationmgr.Connection) *stationmgr.Connection {
	key := c.Identity.Key()

	r.mu.Lock()
	old := r.conns[key]
	r.conns[key] = c
	r.mu.Unlock()

	if old != nil && old != c {
		old.Close(ReasonSuperseded)
		return old
	}
	return nil
}

// Lookup returns the live connection for a station.
func (r *Registry) Lookup(tenantID, stationID string) (*stationmgr.Connection, error) {
	r.mu.RLock()
	c, ok := r.conns[stationmgr.Key{TenantID: tenantID, StationID: stationID}]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", tenantID, stationID, errors.ErrNotFound)
	}
	return c, nil
}

// Remove deletes c only if it is still the registered connection for its key,
// so a late cleanup never evicts a newer connection.
func (r *Registry) Remove(c *stationmgr.Connection) bool {
	key := c.Identity.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.conns[key]; ok && current == c {
		delete(r.conns, key)
		return true
	}
	return false
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountByTenant returns connection counts keyed by tenant.
func (r *Registry) CountByTenant() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for key := range r.conns {
		counts[key.TenantID]++
	}
	return counts
}

// Connections returns a copy of the registered connections.
func (r *Registry) Connections() []*stationmgr.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*stationmgr.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Snapshot returns introspection data for every connection, sorted by
// tenant then station. An empty tenantID matches all tenants.
func (r *Registry) Snapshot(tenantID string) []stationmgr.Info {
	conns := r.Connections()

	infos := make([]stationmgr.Info, 0, len(conns))
	for _, c := range conns {
		if tenantID != "" && c.Identity.TenantID != tenantID {
			continue
		}
		infos = append(infos, c.Snapshot())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Identity.TenantID != infos[j].Identity.TenantID {
			return infos[i].Identity.TenantID < infos[j].Identity.TenantID
		}
		return infos[i].Identity.StationID < infos[j].Identity.StationID
	})
	return infos
}

// Sweep closes connections that have been dead for longer than deadAfter and
// connections whose credential has expired. Closed connections are removed
// by their own session cleanup.
func (r *Registry) Sweep(now time.Time, deadAfter time.Duration) []Swept {
	var swept []Swept
	for _, c := range r.Connections() {
		switch {
		case c.Identity.Expired(now):
			swept = append(swept, Swept{Conn: c, Reason: ReasonTokenExpired})
		case !c.IsAlive() && now.Sub(c.LastSeen()) > deadAfter:
			swept = append(swept, Swept{Conn: c, Reason: ReasonDeadPeer})
		}
	}

	for _, s := range swept {
		s.Conn.Close(s.Reason)
	}
	return swept
}
