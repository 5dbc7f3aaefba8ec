// Package guard enforces the per-account concurrency invariants: at most
// N registered devices and at most M simultaneous streams, where N and M
// come from the resolved plan.
//
// Admission is a read-check-append over the account aggregate made atomic
// by optimistic concurrency: the aggregate carries a revision counter and
// the store only accepts a write when the revision is unchanged since the
// read. On conflict the whole sequence re-reads and re-checks, so two
// simultaneous starts can never both observe count == max-1 and both be
// admitted. No lock is held across the store round trip.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/perchtv/perch/internal/account"
	"github.com/perchtv/perch/internal/metrics"
	"github.com/perchtv/perch/internal/plan"
)

// Limit kinds carried by LimitError.
const (
	KindDeviceLimit = "device-limit"
	KindStreamLimit = "stream-limit"
	KindConflict    = "conflict"
)

// LimitError is the typed admission rejection. Kind is machine-readable
// and stable.
type LimitError struct {
	Kind string
	Max  int
}

func (e *LimitError) Error() string {
	switch e.Kind {
	case KindDeviceLimit:
		return fmt.Sprintf("device limit reached (%d)", e.Max)
	case KindStreamLimit:
		return fmt.Sprintf("concurrent stream limit reached (%d)", e.Max)
	default:
		return "admission conflict, try again"
	}
}

// DeviceInfo describes the requesting device at admission time.
type DeviceInfo struct {
	ID    string
	Name  string
	Class string
	IP    string
}

// maxAttempts bounds the re-read/re-check/re-write loop. Conflicts beyond
// this budget mean sustained contention on one account; the request is
// rejected rather than spun.
const maxAttempts = 5

// Guard admits and releases streams against an account.Store.
type Guard struct {
	store     account.Store
	streamTTL time.Duration
	now       func() time.Time
}

// New creates a Guard. streamTTL is the age past which an active-stream
// entry is considered abandoned (a crashed client never sends a stop) and
// lazily evicted during the next admission; it should equal the streaming
// credential TTL. now may be nil (defaults to time.Now).
func New(store account.Store, streamTTL time.Duration, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{store: store, streamTTL: streamTTL, now: now}
}

// Admit registers the device (if capacity allows) and appends a new
// active-stream entry (if capacity allows), atomically with respect to
// concurrent admissions for the same account. Returns the admitted stream
// or a *LimitError.
func (g *Guard) Admit(ctx context.Context, accountID uuid.UUID, p plan.Plan, dev DeviceInfo, contentID, contentType string, quality plan.Quality) (*account.Stream, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		a, err := g.store.Get(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("guard: admit: %w", err)
		}

		now := g.now()
		evicted := a.EvictStaleStreams(now.Add(-g.streamTTL))

		if d := a.Device(dev.ID); d != nil {
			// Known device — refresh metadata, never append.
			d.LastActiveAt = now
			if dev.IP != "" {
				d.LastIP = dev.IP
			}
		} else {
			if len(a.Devices) >= p.MaxDevices {
				metrics.AdmissionRejections.WithLabelValues(KindDeviceLimit).Inc()
				return nil, &LimitError{Kind: KindDeviceLimit, Max: p.MaxDevices}
			}
			a.Devices = append(a.Devices, account.Device{
				ID:           dev.ID,
				Name:         dev.Name,
				Class:        dev.Class,
				LastActiveAt: now,
				LastIP:       dev.IP,
			})
		}

		if len(a.Streams) >= p.MaxConcurrentStreams {
			metrics.AdmissionRejections.WithLabelValues(KindStreamLimit).Inc()
			return nil, &LimitError{Kind: KindStreamLimit, Max: p.MaxConcurrentStreams}
		}

		stream := account.Stream{
			ID:          uuid.New(),
			ContentID:   contentID,
			ContentType: contentType,
			DeviceID:    dev.ID,
			Quality:     string(quality),
			StartedAt:   now,
		}
		a.Streams = append(a.Streams, stream)

		err = g.store.Save(ctx, a)
		if err == nil {
			// Metrics reflect persisted state only: evictions count once
			// the save that drops them lands.
			if evicted > 0 {
				metrics.StaleStreamsEvicted.Add(float64(evicted))
				metrics.ActiveStreams.Sub(float64(evicted))
			}
			metrics.ActiveStreams.Inc()
			return &stream, nil
		}
		if !errors.Is(err, account.ErrRevisionConflict) {
			return nil, fmt.Errorf("guard: admit: %w", err)
		}
		// Lost the race — re-read and re-check against the new state.
	}

	metrics.AdmissionRejections.WithLabelValues(KindConflict).Inc()
	return nil, &LimitError{Kind: KindConflict}
}

// RegisterDevice registers a device without starting a stream (explicit
// sign-in). Idempotent for known devices: metadata is refreshed, the
// registry never grows.
func (g *Guard) RegisterDevice(ctx context.Context, accountID uuid.UUID, p plan.Plan, dev DeviceInfo) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		a, err := g.store.Get(ctx, accountID)
		if err != nil {
			return fmt.Errorf("guard: register device: %w", err)
		}

		now := g.now()
		if d := a.Device(dev.ID); d != nil {
			d.LastActiveAt = now
			if dev.Name != "" {
				d.Name = dev.Name
			}
			if dev.IP != "" {
				d.LastIP = dev.IP
			}
		} else {
			if len(a.Devices) >= p.MaxDevices {
				metrics.AdmissionRejections.WithLabelValues(KindDeviceLimit).Inc()
				return &LimitError{Kind: KindDeviceLimit, Max: p.MaxDevices}
			}
			a.Devices = append(a.Devices, account.Device{
				ID:           dev.ID,
				Name:         dev.Name,
				Class:        dev.Class,
				LastActiveAt: now,
				LastIP:       dev.IP,
			})
		}

		err = g.store.Save(ctx, a)
		if err == nil {
			return nil
		}
		if !errors.Is(err, account.ErrRevisionConflict) {
			return fmt.Errorf("guard: register device: %w", err)
		}
	}
	metrics.AdmissionRejections.WithLabelValues(KindConflict).Inc()
	return &LimitError{Kind: KindConflict}
}

// Release removes the stream matching (contentID, deviceID). Removal is
// idempotent: releasing an unknown stream reports removed=false without
// error.
func (g *Guard) Release(ctx context.Context, accountID uuid.UUID, contentID, deviceID string) (bool, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		a, err := g.store.Get(ctx, accountID)
		if err != nil {
			return false, fmt.Errorf("guard: release: %w", err)
		}

		if !a.RemoveStream(contentID, deviceID) {
			return false, nil
		}

		err = g.store.Save(ctx, a)
		if err == nil {
			metrics.ActiveStreams.Dec()
			return true, nil
		}
		if !errors.Is(err, account.ErrRevisionConflict) {
			return false, fmt.Errorf("guard: release: %w", err)
		}
	}
	return false, &LimitError{Kind: KindConflict}
}

// RevokeDevice removes a device from the registry together with any of
// its active streams. Reports whether the device was present.
func (g *Guard) RevokeDevice(ctx context.Context, accountID uuid.UUID, deviceID string) (bool, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		a, err := g.store.Get(ctx, accountID)
		if err != nil {
			return false, fmt.Errorf("guard: revoke device: %w", err)
		}

		streamsBefore := len(a.Streams)
		if !a.RemoveDevice(deviceID) {
			return false, nil
		}

		err = g.store.Save(ctx, a)
		if err == nil {
			metrics.ActiveStreams.Sub(float64(streamsBefore - len(a.Streams)))
			return true, nil
		}
		if !errors.Is(err, account.ErrRevisionConflict) {
			return false, fmt.Errorf("guard: revoke device: %w", err)
		}
	}
	return false, &LimitError{Kind: KindConflict}
}

// RevokeOtherDevices removes every device except keepDeviceID, along with
// their streams. keepDeviceID may be empty, which revokes everything.
// Returns the number of devices removed.
func (g *Guard) RevokeOtherDevices(ctx context.Context, accountID uuid.UUID, keepDeviceID string) (int, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		a, err := g.store.Get(ctx, accountID)
		if err != nil {
			return 0, fmt.Errorf("guard: revoke devices: %w", err)
		}

		removed := 0
		streamsBefore := len(a.Streams)
		for _, d := range append([]account.Device(nil), a.Devices...) {
			if d.ID == keepDeviceID {
				continue
			}
			if a.RemoveDevice(d.ID) {
				removed++
			}
		}
		if removed == 0 {
			return 0, nil
		}

		err = g.store.Save(ctx, a)
		if err == nil {
			metrics.ActiveStreams.Sub(float64(streamsBefore - len(a.Streams)))
			return removed, nil
		}
		if !errors.Is(err, account.ErrRevisionConflict) {
			return 0, fmt.Errorf("guard: revoke devices: %w", err)
		}
	}
	return 0, &LimitError{Kind: KindConflict}
}

// RenameDevice sets a friendly display name on a registered device.
// Reports whether the device was present.
func (g *Guard) RenameDevice(ctx context.Context, accountID uuid.UUID, deviceID, name string) (bool, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		a, err := g.store.Get(ctx, accountID)
		if err != nil {
			return false, fmt.Errorf("guard: rename device: %w", err)
		}

		d := a.Device(deviceID)
		if d == nil {
			return false, nil
		}
		d.Name = name

		err = g.store.Save(ctx, a)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, account.ErrRevisionConflict) {
			return false, fmt.Errorf("guard: rename device: %w", err)
		}
	}
	return false, &LimitError{Kind: KindConflict}
}

// Snapshot returns a read-only copy of the account aggregate for listing
// devices and active streams. Stale streams older than the TTL are
// filtered from the view (but not written back — eviction happens on the
// next admission).
func (g *Guard) Snapshot(ctx context.Context, accountID uuid.UUID) (*account.Account, error) {
	a, err := g.store.Get(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("guard: snapshot: %w", err)
	}
	a.EvictStaleStreams(g.now().Add(-g.streamTTL))
	return a, nil
}
