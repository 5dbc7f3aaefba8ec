// Package account holds the per-account aggregate: the device registry and
// the active-stream registry, versioned by a revision counter.
//
// The aggregate is the only shared mutable state in the playback
// controller. It is mutated exclusively through the concurrency guard's
// admit/release operations; everything else reads it.
package account

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no account exists for the given id.
var ErrNotFound = errors.New("account: not found")

// ErrRevisionConflict is returned by Store.Save when the stored revision no
// longer matches the revision the aggregate was read at. Callers re-read
// and retry.
var ErrRevisionConflict = errors.New("account: revision conflict")

// Device is one entry in the device registry. Entries are created on first
// sign-in from an unseen device id and removed only by explicit user
// action.
type Device struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Class        string    `json:"class,omitempty"` // tv, mobile, web, ...
	LastActiveAt time.Time `json:"last_active_at"`
	LastIP       string    `json:"last_ip,omitempty"`
}

// Stream is one entry in the active-stream registry. Entries are created
// on stream-start and removed on stream-stop, device revocation, or lazy
// TTL expiry.
type Stream struct {
	ID          uuid.UUID `json:"id"`
	ContentID   string    `json:"content_id"`
	ContentType string    `json:"content_type"` // movie or episode
	DeviceID    string    `json:"device_id"`
	Quality     string    `json:"quality"`
	StartedAt   time.Time `json:"started_at"`
}

// Account is the aggregate root. Revision is the optimistic-concurrency
// token: Save only succeeds if the stored revision still equals Revision.
type Account struct {
	ID       uuid.UUID
	Devices  []Device
	Streams  []Stream
	Revision int64
}

// Device returns a pointer into the registry for the given device id, or
// nil if the device is unknown.
func (a *Account) Device(deviceID string) *Device {
	for i := range a.Devices {
		if a.Devices[i].ID == deviceID {
			return &a.Devices[i]
		}
	}
	return nil
}

// RemoveDevice drops a device from the registry along with any of its
// active streams. Reports whether the device was present.
func (a *Account) RemoveDevice(deviceID string) bool {
	found := false
	kept := a.Devices[:0]
	for _, d := range a.Devices {
		if d.ID == deviceID {
			found = true
			continue
		}
		kept = append(kept, d)
	}
	a.Devices = kept
	if found {
		a.removeStreamsWhere(func(s Stream) bool { return s.DeviceID == deviceID })
	}
	return found
}

// RemoveStream drops the stream matching (contentID, deviceID).
// Reports whether an entry was removed.
func (a *Account) RemoveStream(contentID, deviceID string) bool {
	n := len(a.Streams)
	a.removeStreamsWhere(func(s Stream) bool {
		return s.ContentID == contentID && s.DeviceID == deviceID
	})
	return len(a.Streams) != n
}

// EvictStaleStreams drops stream entries started before the cutoff.
// A crashed client never sends an explicit stop, so entries older than the
// credential TTL are treated as dead and evicted during the next
// admission. Returns the number of evicted entries.
func (a *Account) EvictStaleStreams(cutoff time.Time) int {
	n := len(a.Streams)
	a.removeStreamsWhere(func(s Stream) bool { return s.StartedAt.Before(cutoff) })
	return n - len(a.Streams)
}

func (a *Account) removeStreamsWhere(match func(Stream) bool) {
	kept := a.Streams[:0]
	for _, s := range a.Streams {
		if match(s) {
			continue
		}
		kept = append(kept, s)
	}
	a.Streams = kept
}

// Clone returns a deep copy of the aggregate. Stores hand out clones so
// concurrent readers never share registry slices.
func (a *Account) Clone() *Account {
	c := &Account{ID: a.ID, Revision: a.Revision}
	if len(a.Devices) > 0 {
		c.Devices = append([]Device(nil), a.Devices...)
	}
	if len(a.Streams) > 0 {
		c.Streams = append([]Stream(nil), a.Streams...)
	}
	return c
}

// Store persists account aggregates with compare-and-set semantics.
type Store interface {
	// Get returns a private copy of the aggregate, creating an empty one
	// if the account has no registries yet.
	Get(ctx context.Context, id uuid.UUID) (*Account, error)

	// Save writes the aggregate if the stored revision still matches
	// a.Revision, then bumps a.Revision. Returns ErrRevisionConflict when
	// another writer got there first.
	Save(ctx context.Context, a *Account) error
}
