package stationmgr

import (
	"time"

	"github.com/vasya00044/ev-server/protocol"
)

// TenantSettings is the per-tenant configuration resolved once when a
// station connects and carried with its identity.
type TenantSettings struct {
	CallTimeout       time.Duration `yaml:"call_timeout" json:"call_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	RateLimit         float64       `yaml:"rate_limit" json:"rate_limit"` // inbound frames per second, 0 = unlimited
	RateBurst         int           `yaml:"rate_burst" json:"rate_burst"`
}

// Key addresses one station inside one tenant.
type Key struct {
	TenantID  string
	StationID string
}

func (k Key) String() string {
	return k.TenantID + "/" + k.StationID
}

// Identity is fixed at handshake time and never changes for the lifetime
// of a connection.
type Identity struct {
	TenantID        string           `json:"tenant_id"`
	StationID       string           `json:"station_id"`
	ProtocolVersion protocol.Version `json:"protocol_version"`
	Subprotocol     string           `json:"subprotocol"`
	RemoteAddr      string           `json:"remote_addr"`
	Settings        TenantSettings   `json:"settings"`
	ExpiresAt       time.Time        `json:"expires_at,omitempty"` // zero = credential never expires
}

// Key returns the registry key for this identity.
func (i Identity) Key() Key {
	return Key{TenantID: i.TenantID, StationID: i.StationID}
}

// Expired reports whether the credential that admitted the station has expired.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// Credential is what identity resolution yields for an accepted station.
type Credential struct {
	TenantID  string
	StationID string
	ExpiresAt time.Time
}
