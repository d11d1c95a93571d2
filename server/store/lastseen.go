package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gwerrors "github.com/vasya00044/ev-server/server/errors"
)

// UpdateLastSeen records when a station was last heard from. Older
// timestamps never overwrite newer ones.
func (s *Store) UpdateLastSeen(ctx context.Context, tenantID, stationID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO station_last_seen (tenant_id, station_id, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT (tenant_id, station_id) DO UPDATE SET
			last_seen = MAX(last_seen, excluded.last_seen)`,
		tenantID, stationID, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("updating last-seen for %s/%s: %w", tenantID, stationID, err)
	}
	return nil
}

// LastSeen returns the persisted last-seen time of a station.
func (s *Store) LastSeen(ctx context.Context, tenantID, stationID string) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_seen FROM station_last_seen WHERE tenant_id = ? AND station_id = ?`,
		tenantID, stationID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("last-seen for %s/%s: %w", tenantID, stationID, gwerrors.ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading last-seen for %s/%s: %w", tenantID, stationID, err)
	}
	return time.UnixMilli(ms), nil
}
