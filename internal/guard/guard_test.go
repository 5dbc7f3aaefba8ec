package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/perchtv/perch/internal/account"
	"github.com/perchtv/perch/internal/metrics"
	"github.com/perchtv/perch/internal/plan"
)

var guardNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestGuard() (*Guard, *account.MemStore) {
	store := account.NewMemStore()
	return New(store, 2*time.Hour, func() time.Time { return guardNow }), store
}

func testPlan(maxDevices, maxStreams int) plan.Plan {
	return plan.Plan{
		Slug: "test", QualityCap: plan.Quality1080p,
		MaxDevices: maxDevices, MaxConcurrentStreams: maxStreams,
	}
}

func dev(id string) DeviceInfo {
	return DeviceInfo{ID: id, Class: "web", IP: "203.0.113.7"}
}

func TestAdmit_RegistersDeviceAndStream(t *testing.T) {
	g, store := newTestGuard()
	accountID := uuid.New()

	s, err := g.Admit(context.Background(), accountID, testPlan(2, 2), dev("tv-1"), "movie-42", "movie", plan.Quality720p)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if s.ID == uuid.Nil {
		t.Error("admitted stream must carry a stream id")
	}

	a, _ := store.Get(context.Background(), accountID)
	if len(a.Devices) != 1 || a.Devices[0].ID != "tv-1" {
		t.Errorf("device registry = %+v, want single tv-1", a.Devices)
	}
	if len(a.Streams) != 1 || a.Streams[0].ContentID != "movie-42" {
		t.Errorf("stream registry = %+v, want single movie-42", a.Streams)
	}
}

func TestAdmit_KnownDeviceRefreshesNotAppends(t *testing.T) {
	g, store := newTestGuard()
	accountID := uuid.New()
	ctx := context.Background()
	p := testPlan(1, 5)

	if _, err := g.Admit(ctx, accountID, p, dev("tv-1"), "movie-1", "movie", plan.Quality720p); err != nil {
		t.Fatalf("first Admit() error = %v", err)
	}
	// Same device again — registry is at the device cap, but the device is
	// already known so admission must not fail or grow the registry.
	second := DeviceInfo{ID: "tv-1", Class: "web", IP: "198.51.100.9"}
	if _, err := g.Admit(ctx, accountID, p, second, "movie-2", "movie", plan.Quality720p); err != nil {
		t.Fatalf("second Admit() error = %v", err)
	}

	a, _ := store.Get(ctx, accountID)
	if len(a.Devices) != 1 {
		t.Fatalf("device registry grew to %d on re-registration", len(a.Devices))
	}
	if a.Devices[0].LastIP != "198.51.100.9" {
		t.Errorf("network origin not refreshed: %q", a.Devices[0].LastIP)
	}
}

func TestAdmit_DeviceLimit(t *testing.T) {
	g, _ := newTestGuard()
	accountID := uuid.New()
	ctx := context.Background()
	p := testPlan(1, 5)

	if _, err := g.Admit(ctx, accountID, p, dev("tv-1"), "movie-1", "movie", plan.Quality720p); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	_, err := g.Admit(ctx, accountID, p, dev("phone-1"), "movie-2", "movie", plan.Quality720p)
	var limitErr *LimitError
	if !errors.As(err, &limitErr) || limitErr.Kind != KindDeviceLimit {
		t.Fatalf("Admit() error = %v, want device-limit", err)
	}
}

func TestAdmit_StreamLimit(t *testing.T) {
	g, _ := newTestGuard()
	accountID := uuid.New()
	ctx := context.Background()
	p := testPlan(10, 3)

	for i := 0; i < 3; i++ {
		if _, err := g.Admit(ctx, accountID, p, dev(fmt.Sprintf("dev-%d", i)),
			fmt.Sprintf("movie-%d", i), "movie", plan.Quality720p); err != nil {
			t.Fatalf("Admit(%d) error = %v", i, err)
		}
	}

	_, err := g.Admit(ctx, accountID, p, dev("dev-9"), "movie-9", "movie", plan.Quality720p)
	var limitErr *LimitError
	if !errors.As(err, &limitErr) || limitErr.Kind != KindStreamLimit {
		t.Fatalf("4th Admit() error = %v, want stream-limit", err)
	}
}

// TestAdmit_ConcurrentNeverExceedsLimit is the core invariant: N parallel
// admissions against a plan capped at k admit exactly k and reject the
// rest with stream-limit.
func TestAdmit_ConcurrentNeverExceedsLimit(t *testing.T) {
	const parallel = 32
	const streamCap = 3

	g, store := newTestGuard()
	accountID := uuid.New()
	p := testPlan(parallel, streamCap)

	var wg sync.WaitGroup
	errs := make([]error, parallel)
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.Admit(context.Background(), accountID, p,
				dev(fmt.Sprintf("dev-%d", i)), fmt.Sprintf("content-%d", i), "movie", plan.Quality480p)
		}(i)
	}
	wg.Wait()

	admitted, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			admitted++
		default:
			var limitErr *LimitError
			if !errors.As(err, &limitErr) {
				t.Fatalf("unexpected error type: %v", err)
			}
			if limitErr.Kind != KindStreamLimit && limitErr.Kind != KindConflict {
				t.Fatalf("unexpected rejection kind %q", limitErr.Kind)
			}
			rejected++
		}
	}

	// The registry must never exceed the cap, and admissions plus
	// rejections must account for every request.
	a, _ := store.Get(context.Background(), accountID)
	if len(a.Streams) > streamCap {
		t.Fatalf("registry holds %d streams, cap is %d — invariant violated", len(a.Streams), streamCap)
	}
	if admitted != len(a.Streams) {
		t.Errorf("admitted %d but registry holds %d", admitted, len(a.Streams))
	}
	if admitted+rejected != parallel {
		t.Errorf("admitted %d + rejected %d != %d requests", admitted, rejected, parallel)
	}
	if admitted > streamCap {
		t.Errorf("admitted %d streams, cap is %d", admitted, streamCap)
	}
}

func TestRelease_RemovesMatchingEntry(t *testing.T) {
	g, store := newTestGuard()
	accountID := uuid.New()
	ctx := context.Background()
	p := testPlan(5, 5)

	g.Admit(ctx, accountID, p, dev("tv-1"), "movie-1", "movie", plan.Quality720p)
	g.Admit(ctx, accountID, p, dev("tv-2"), "movie-2", "movie", plan.Quality720p)

	removed, err := g.Release(ctx, accountID, "movie-1", "tv-1")
	if err != nil || !removed {
		t.Fatalf("Release() = %v, %v — want removed", removed, err)
	}

	a, _ := store.Get(ctx, accountID)
	if len(a.Streams) != 1 || a.Streams[0].ContentID != "movie-2" {
		t.Errorf("registry after release = %+v", a.Streams)
	}

	// Releasing again is a harmless no-op.
	removed, err = g.Release(ctx, accountID, "movie-1", "tv-1")
	if err != nil || removed {
		t.Errorf("second Release() = %v, %v — want idempotent no-op", removed, err)
	}
}

func TestAdmit_EvictsStaleStreams(t *testing.T) {
	store := account.NewMemStore()
	now := guardNow
	g := New(store, 2*time.Hour, func() time.Time { return now })
	accountID := uuid.New()
	ctx := context.Background()
	p := testPlan(5, 1)

	if _, err := g.Admit(ctx, accountID, p, dev("tv-1"), "movie-1", "movie", plan.Quality720p); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	// At the cap — a fresh entry blocks admission.
	if _, err := g.Admit(ctx, accountID, p, dev("tv-2"), "movie-2", "movie", plan.Quality720p); err == nil {
		t.Fatal("expected stream-limit while slot is held")
	}

	// The client crashed; after the credential TTL passes the slot is
	// reclaimed during the next admission.
	now = now.Add(2*time.Hour + time.Minute)
	if _, err := g.Admit(ctx, accountID, p, dev("tv-2"), "movie-2", "movie", plan.Quality720p); err != nil {
		t.Fatalf("Admit() after TTL = %v, want stale slot reclaimed", err)
	}

	a, _ := store.Get(ctx, accountID)
	if len(a.Streams) != 1 || a.Streams[0].ContentID != "movie-2" {
		t.Errorf("registry after eviction = %+v", a.Streams)
	}
}

func TestRevokeDevice_DropsDeviceAndStreams(t *testing.T) {
	g, store := newTestGuard()
	accountID := uuid.New()
	ctx := context.Background()
	p := testPlan(5, 5)

	g.Admit(ctx, accountID, p, dev("tv-1"), "movie-1", "movie", plan.Quality720p)
	g.Admit(ctx, accountID, p, dev("tv-2"), "movie-2", "movie", plan.Quality720p)

	removed, err := g.RevokeDevice(ctx, accountID, "tv-1")
	if err != nil || !removed {
		t.Fatalf("RevokeDevice() = %v, %v", removed, err)
	}

	a, _ := store.Get(ctx, accountID)
	if a.Device("tv-1") != nil {
		t.Error("tv-1 still registered after revocation")
	}
	for _, s := range a.Streams {
		if s.DeviceID == "tv-1" {
			t.Error("tv-1 stream survived device revocation")
		}
	}
	if len(a.Devices) != 1 || len(a.Streams) != 1 {
		t.Errorf("registries after revoke = %d devices, %d streams", len(a.Devices), len(a.Streams))
	}
}

func TestRevokeOtherDevices_KeepsCurrent(t *testing.T) {
	g, store := newTestGuard()
	accountID := uuid.New()
	ctx := context.Background()
	p := testPlan(5, 5)

	g.Admit(ctx, accountID, p, dev("tv-1"), "movie-1", "movie", plan.Quality720p)
	g.Admit(ctx, accountID, p, dev("tv-2"), "movie-2", "movie", plan.Quality720p)
	g.Admit(ctx, accountID, p, dev("tv-3"), "movie-3", "movie", plan.Quality720p)

	n, err := g.RevokeOtherDevices(ctx, accountID, "tv-2")
	if err != nil || n != 2 {
		t.Fatalf("RevokeOtherDevices() = %d, %v — want 2 revoked", n, err)
	}

	a, _ := store.Get(ctx, accountID)
	if len(a.Devices) != 1 || a.Devices[0].ID != "tv-2" {
		t.Errorf("devices after revoke-others = %+v", a.Devices)
	}
	if len(a.Streams) != 1 || a.Streams[0].DeviceID != "tv-2" {
		t.Errorf("streams after revoke-others = %+v", a.Streams)
	}
}

func TestRenameDevice(t *testing.T) {
	g, store := newTestGuard()
	accountID := uuid.New()
	ctx := context.Background()

	g.Admit(ctx, accountID, testPlan(2, 2), dev("tv-1"), "movie-1", "movie", plan.Quality720p)

	ok, err := g.RenameDevice(ctx, accountID, "tv-1", "Living room TV")
	if err != nil || !ok {
		t.Fatalf("RenameDevice() = %v, %v", ok, err)
	}
	a, _ := store.Get(ctx, accountID)
	if a.Devices[0].Name != "Living room TV" {
		t.Errorf("device name = %q", a.Devices[0].Name)
	}

	ok, err = g.RenameDevice(ctx, accountID, "ghost", "x")
	if err != nil || ok {
		t.Errorf("RenameDevice(unknown) = %v, %v — want false, nil", ok, err)
	}
}

// The active-streams gauge must track the persisted registry: lazy TTL
// eviction and bulk revocation decrement it just like an explicit release.

func TestAdmit_EvictionAdjustsActiveStreamsGauge(t *testing.T) {
	store := account.NewMemStore()
	now := guardNow
	g := New(store, 2*time.Hour, func() time.Time { return now })
	accountID := uuid.New()
	ctx := context.Background()
	p := testPlan(5, 5)

	before := testutil.ToFloat64(metrics.ActiveStreams)

	g.Admit(ctx, accountID, p, dev("tv-1"), "movie-1", "movie", plan.Quality720p)
	g.Admit(ctx, accountID, p, dev("tv-2"), "movie-2", "movie", plan.Quality720p)

	// Both clients crashed; the next admission evicts both stale entries
	// and appends one fresh stream.
	now = now.Add(2*time.Hour + time.Minute)
	if _, err := g.Admit(ctx, accountID, p, dev("tv-3"), "movie-3", "movie", plan.Quality720p); err != nil {
		t.Fatalf("Admit() after TTL = %v", err)
	}

	a, _ := store.Get(ctx, accountID)
	delta := testutil.ToFloat64(metrics.ActiveStreams) - before
	if int(delta) != len(a.Streams) {
		t.Errorf("gauge delta = %v, want %d (registry size)", delta, len(a.Streams))
	}
}

func TestRevokeOtherDevices_AdjustsActiveStreamsGauge(t *testing.T) {
	g, store := newTestGuard()
	accountID := uuid.New()
	ctx := context.Background()
	p := testPlan(5, 5)

	before := testutil.ToFloat64(metrics.ActiveStreams)

	g.Admit(ctx, accountID, p, dev("tv-1"), "movie-1", "movie", plan.Quality720p)
	g.Admit(ctx, accountID, p, dev("tv-2"), "movie-2", "movie", plan.Quality720p)
	g.Admit(ctx, accountID, p, dev("tv-3"), "movie-3", "movie", plan.Quality720p)

	if _, err := g.RevokeOtherDevices(ctx, accountID, "tv-1"); err != nil {
		t.Fatalf("RevokeOtherDevices() error = %v", err)
	}

	a, _ := store.Get(ctx, accountID)
	delta := testutil.ToFloat64(metrics.ActiveStreams) - before
	if int(delta) != len(a.Streams) {
		t.Errorf("gauge delta = %v, want %d (registry size)", delta, len(a.Streams))
	}
}
