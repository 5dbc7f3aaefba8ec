package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PGStore is the Postgres-backed Store. Registries are stored as JSONB
// columns on a single row per account; the revision column carries the
// optimistic-concurrency token.
//
// Schema:
//
//	CREATE TABLE account_registries (
//	    account_id UUID PRIMARY KEY,
//	    devices    JSONB NOT NULL DEFAULT '[]',
//	    streams    JSONB NOT NULL DEFAULT '[]',
//	    revision   BIGINT NOT NULL DEFAULT 0,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a Postgres-backed account store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*Account, error) {
	var devicesJSON, streamsJSON []byte
	a := &Account{ID: id}

	err := s.db.QueryRowContext(ctx, `
		SELECT devices, streams, revision
		FROM account_registries
		WHERE account_id = $1
	`, id).Scan(&devicesJSON, &streamsJSON, &a.Revision)
	if err == sql.ErrNoRows {
		// First contact with this account — empty registries at revision 0.
		return a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("account: get %s: %w", id, err)
	}

	if err := json.Unmarshal(devicesJSON, &a.Devices); err != nil {
		return nil, fmt.Errorf("account: decode devices for %s: %w", id, err)
	}
	if err := json.Unmarshal(streamsJSON, &a.Streams); err != nil {
		return nil, fmt.Errorf("account: decode streams for %s: %w", id, err)
	}
	return a, nil
}

func (s *PGStore) Save(ctx context.Context, a *Account) error {
	devices := a.Devices
	if devices == nil {
		devices = []Device{}
	}
	streams := a.Streams
	if streams == nil {
		streams = []Stream{}
	}

	devicesJSON, err := json.Marshal(devices)
	if err != nil {
		return fmt.Errorf("account: encode devices: %w", err)
	}
	streamsJSON, err := json.Marshal(streams)
	if err != nil {
		return fmt.Errorf("account: encode streams: %w", err)
	}

	if a.Revision == 0 {
		// First write races only with another first write — the primary
		// key rejects the loser.
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO account_registries (account_id, devices, streams, revision, updated_at)
			VALUES ($1, $2, $3, 1, now())
		`, a.ID, devicesJSON, streamsJSON)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrRevisionConflict
			}
			return fmt.Errorf("account: insert %s: %w", a.ID, err)
		}
		a.Revision = 1
		return nil
	}

	// Conditional write: succeeds only when nobody has bumped the revision
	// since we read it.
	res, err := s.db.ExecContext(ctx, `
		UPDATE account_registries
		SET devices = $2, streams = $3, revision = revision + 1, updated_at = now()
		WHERE account_id = $1 AND revision = $4
	`, a.ID, devicesJSON, streamsJSON, a.Revision)
	if err != nil {
		return fmt.Errorf("account: update %s: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("account: update %s: %w", a.ID, err)
	}
	if n == 0 {
		return ErrRevisionConflict
	}
	a.Revision++
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
