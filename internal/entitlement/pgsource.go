package entitlement

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// PGSource reads subscription rows from Postgres. The billing collaborator
// owns the table; this service only reads it.
type PGSource struct {
	db *sql.DB
}

// NewPGSource creates a Postgres-backed subscription source.
func NewPGSource(db *sql.DB) *PGSource {
	return &PGSource{db: db}
}

// Subscription returns the account's most recent subscription. Only one
// row matters for resolution: status and end time are re-validated by the
// resolver regardless of what the row claims.
func (s *PGSource) Subscription(ctx context.Context, accountID uuid.UUID) (*Subscription, error) {
	sub := &Subscription{AccountID: accountID}
	var status string

	err := s.db.QueryRowContext(ctx, `
		SELECT plan_slug, status, starts_at, ends_at, auto_renew
		FROM subscriptions
		WHERE account_id = $1
		ORDER BY ends_at DESC
		LIMIT 1
	`, accountID).Scan(&sub.PlanSlug, &status, &sub.StartsAt, &sub.EndsAt, &sub.AutoRenew)
	if err == sql.ErrNoRows {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("entitlement: query subscription for %s: %w", accountID, err)
	}

	sub.Status = Status(status)
	return sub, nil
}
