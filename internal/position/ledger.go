// Package position maintains the playback-position ledger: one record per
// (account, profile, content) key, upserted on every progress report.
package position

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// CompletionThreshold is the progress percentage at which a title counts
// as watched.
const CompletionThreshold = 90

// ErrNotFound is returned when no position exists for the given key.
var ErrNotFound = errors.New("position: not found")

// Key identifies one ledger row. ProfileID may be empty — accounts without
// profiles share a single ledger.
type Key struct {
	AccountID   uuid.UUID
	ProfileID   string
	ContentID   string
	ContentType string
}

// Position is the ledger record. Progress and Completed are derived from
// the durations, never set directly by callers.
type Position struct {
	Key
	SeriesID        string
	SeasonID        string
	DeviceID        string
	WatchedDuration int // seconds
	TotalDuration   int // seconds
	Progress        int // 0..100
	Completed       bool
	LastWatchedAt   time.Time
}

// ResumeAt is the resume point returned to clients: always the watched
// duration of the latest record.
func (p *Position) ResumeAt() int { return p.WatchedDuration }

// Update carries the fields a progress report may supply. Nil means
// "leave the stored value alone".
type Update struct {
	WatchedDuration *int
	TotalDuration   *int
	SeriesID        string
	SeasonID        string
	DeviceID        string
}

// Store persists ledger rows. The (account, profile, content id, content
// type) key is unique — Put replaces, never duplicates.
type Store interface {
	Get(ctx context.Context, key Key) (*Position, error)
	Put(ctx context.Context, p *Position) error
}

// Ledger applies upsert semantics and the derived-field policy on top of
// a Store.
type Ledger struct {
	store Store
	now   func() time.Time
}

// NewLedger creates a Ledger. now may be nil (defaults to time.Now).
func NewLedger(store Store, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, now: now}
}

// Upsert records a progress report. An existing row is updated in place
// (only supplied fields overwrite), otherwise a new row is created.
// Progress is recomputed from the resulting durations; Completed flips to
// true at the threshold and stays true — a later partial rewatch does not
// un-complete a title.
func (l *Ledger) Upsert(ctx context.Context, key Key, u Update) (*Position, error) {
	p, err := l.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		p = &Position{Key: key}
	}

	if u.WatchedDuration != nil {
		p.WatchedDuration = *u.WatchedDuration
	}
	if u.TotalDuration != nil {
		p.TotalDuration = *u.TotalDuration
	}
	if u.SeriesID != "" {
		p.SeriesID = u.SeriesID
	}
	if u.SeasonID != "" {
		p.SeasonID = u.SeasonID
	}
	if u.DeviceID != "" {
		p.DeviceID = u.DeviceID
	}

	p.Progress = computeProgress(p.WatchedDuration, p.TotalDuration)
	if p.Progress >= CompletionThreshold {
		p.Completed = true
	}
	p.LastWatchedAt = l.now()

	if err := l.store.Put(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns the latest record for key, or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, key Key) (*Position, error) {
	return l.store.Get(ctx, key)
}

// computeProgress derives the clamped percentage. Zero total duration
// (still unknown to the player) yields zero progress.
func computeProgress(watched, total int) int {
	if total <= 0 {
		return 0
	}
	pct := int(math.Round(float64(watched) / float64(total) * 100))
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}
