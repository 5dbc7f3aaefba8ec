// Package entitlement resolves an account's right to stream: the active
// subscription and the plan policy it references.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/perchtv/perch/internal/plan"
)

// Status is a subscription lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Subscription is the read-only view supplied by the billing collaborator.
// Payment confirmation transitions status to active out of band.
type Subscription struct {
	AccountID uuid.UUID
	PlanSlug  string
	Status    Status
	StartsAt  time.Time
	EndsAt    time.Time
	AutoRenew bool
}

// EffectivelyActive reports whether the subscription grants access at the
// given instant. A stale "active" status alone is not trusted: a
// subscription is logically expired the moment EndsAt passes, before any
// background process flips its status.
func (s *Subscription) EffectivelyActive(now time.Time) bool {
	return s.Status == StatusActive && s.EndsAt.After(now)
}

// ErrNoSubscription is returned by a Source when the account has no
// subscription on record.
var ErrNoSubscription = errors.New("entitlement: no subscription")

// Error is the typed entitlement failure. It is a hard stop: callers must
// not proceed to admission or credential issuance.
type Error struct {
	Reason string // "no-subscription", "not-active", "expired"
}

func (e *Error) Error() string {
	return "entitlement: " + e.Reason
}

// Source supplies subscription rows. Implemented by PGSource in production
// and by an in-memory fake in tests.
type Source interface {
	Subscription(ctx context.Context, accountID uuid.UUID) (*Subscription, error)
}

// Resolver resolves entitlements against a Source and the static plan
// policy table.
type Resolver struct {
	source Source
	now    func() time.Time
}

// NewResolver creates a Resolver. now may be nil (defaults to time.Now);
// tests inject a fixed clock.
func NewResolver(source Source, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{source: source, now: now}
}

// Resolve returns the account's plan and subscription, or *Error when no
// active, unexpired subscription exists. Fails closed: any uncertainty is
// a denial.
func (r *Resolver) Resolve(ctx context.Context, accountID uuid.UUID) (plan.Plan, *Subscription, error) {
	sub, err := r.source.Subscription(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNoSubscription) {
			return plan.Plan{}, nil, &Error{Reason: "no-subscription"}
		}
		return plan.Plan{}, nil, fmt.Errorf("entitlement: lookup %s: %w", accountID, err)
	}

	if sub.Status != StatusActive {
		return plan.Plan{}, nil, &Error{Reason: "not-active"}
	}
	if !sub.EndsAt.After(r.now()) {
		return plan.Plan{}, nil, &Error{Reason: "expired"}
	}

	p, ok := plan.BySlug(sub.PlanSlug)
	if !ok {
		// A subscription referencing an unknown plan grants nothing.
		return plan.Plan{}, nil, &Error{Reason: "no-subscription"}
	}
	return p, sub, nil
}
