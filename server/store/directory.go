package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	gwerrors "github.com/vasya00044/ev-server/server/errors"
	"github.com/vasya00044/ev-server/server/stationmgr"
)

// HashToken returns the stored form of a station token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// AddStation provisions a station with its token. An existing entry for the
// same (tenant, station) gets the new token.
func (s *Store) AddStation(ctx context.Context, tenantID, stationID, token string, expiresAt time.Time) error {
	var exp int64
	if !expiresAt.IsZero() {
		exp = expiresAt.Unix()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stations (tenant_id, station_id, token_hash, token_expires_at, enabled, created_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT (tenant_id, station_id) DO UPDATE SET
			token_hash = excluded.token_hash,
			token_expires_at = excluded.token_expires_at,
			enabled = 1`,
		tenantID, stationID, HashToken(token), exp, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("adding station %s/%s: %w", tenantID, stationID, err)
	}
	return nil
}

// DisableStation stops a station from being admitted.
func (s *Store) DisableStation(ctx context.Context, tenantID, stationID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE stations SET enabled = 0 WHERE tenant_id = ? AND station_id = ?`, tenantID, stationID)
	if err != nil {
		return fmt.Errorf("disabling station %s/%s: %w", tenantID, stationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("disabling station %s/%s: %w", tenantID, stationID, gwerrors.ErrNotFound)
	}
	return nil
}

// ResolveIdentity admits a station whose token hash is provisioned for the
// station ID in the URL.
func (s *Store) ResolveIdentity(ctx context.Context, token, stationID string) (stationmgr.Credential, error) {
	var tenantID string
	var exp int64
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, token_expires_at FROM stations
		WHERE token_hash = ? AND station_id = ? AND enabled = 1`,
		HashToken(token), stationID).Scan(&tenantID, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return stationmgr.Credential{}, fmt.Errorf("%w: station %s not provisioned for this token", gwerrors.ErrDenied, stationID)
	}
	if err != nil {
		return stationmgr.Credential{}, fmt.Errorf("resolving station %s: %w", stationID, err)
	}

	cred := stationmgr.Credential{TenantID: tenantID, StationID: stationID}
	if exp > 0 {
		cred.ExpiresAt = time.Unix(exp, 0)
		if time.Now().After(cred.ExpiresAt) {
			return stationmgr.Credential{}, fmt.Errorf("%w: station token expired", gwerrors.ErrDenied)
		}
	}
	return cred, nil
}
