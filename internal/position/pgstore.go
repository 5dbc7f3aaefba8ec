package position

import (
	"context"
	"database/sql"
	"fmt"
)

// PGStore is the Postgres-backed position Store.
//
// Schema:
//
//	CREATE TABLE playback_positions (
//	    account_id   UUID NOT NULL,
//	    profile_id   TEXT NOT NULL DEFAULT '',
//	    content_id   TEXT NOT NULL,
//	    content_type TEXT NOT NULL,
//	    series_id    TEXT NOT NULL DEFAULT '',
//	    season_id    TEXT NOT NULL DEFAULT '',
//	    device_id    TEXT NOT NULL DEFAULT '',
//	    watched_sec  INT NOT NULL DEFAULT 0,
//	    total_sec    INT NOT NULL DEFAULT 0,
//	    progress     INT NOT NULL DEFAULT 0,
//	    completed    BOOLEAN NOT NULL DEFAULT false,
//	    last_watched_at TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (account_id, profile_id, content_id, content_type)
//	);
//
// The primary key carries the ledger's uniqueness invariant — Put can
// never duplicate a row.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a Postgres-backed position store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Get(ctx context.Context, key Key) (*Position, error) {
	p := &Position{Key: key}
	err := s.db.QueryRowContext(ctx, `
		SELECT series_id, season_id, device_id, watched_sec, total_sec,
		       progress, completed, last_watched_at
		FROM playback_positions
		WHERE account_id = $1 AND profile_id = $2 AND content_id = $3 AND content_type = $4
	`, key.AccountID, key.ProfileID, key.ContentID, key.ContentType).Scan(
		&p.SeriesID, &p.SeasonID, &p.DeviceID, &p.WatchedDuration, &p.TotalDuration,
		&p.Progress, &p.Completed, &p.LastWatchedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("position: get: %w", err)
	}
	return p, nil
}

func (s *PGStore) Put(ctx context.Context, p *Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO playback_positions (
			account_id, profile_id, content_id, content_type,
			series_id, season_id, device_id,
			watched_sec, total_sec, progress, completed, last_watched_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (account_id, profile_id, content_id, content_type) DO UPDATE SET
			series_id = EXCLUDED.series_id,
			season_id = EXCLUDED.season_id,
			device_id = EXCLUDED.device_id,
			watched_sec = EXCLUDED.watched_sec,
			total_sec = EXCLUDED.total_sec,
			progress = EXCLUDED.progress,
			completed = EXCLUDED.completed,
			last_watched_at = EXCLUDED.last_watched_at
	`, p.AccountID, p.ProfileID, p.ContentID, p.ContentType,
		p.SeriesID, p.SeasonID, p.DeviceID,
		p.WatchedDuration, p.TotalDuration, p.Progress, p.Completed, p.LastWatchedAt)
	if err != nil {
		return fmt.Errorf("position: put: %w", err)
	}
	return nil
}
