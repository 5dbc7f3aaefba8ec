package playback

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/perchtv/perch/internal/account"
	"github.com/perchtv/perch/internal/auth"
	"github.com/perchtv/perch/internal/catalog"
	"github.com/perchtv/perch/internal/credential"
	"github.com/perchtv/perch/internal/entitlement"
	"github.com/perchtv/perch/internal/guard"
	"github.com/perchtv/perch/internal/position"
	"github.com/perchtv/perch/internal/ratelimit"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type fakeSource struct {
	subs map[uuid.UUID]*entitlement.Subscription
}

func (f *fakeSource) Subscription(_ context.Context, accountID uuid.UUID) (*entitlement.Subscription, error) {
	sub, ok := f.subs[accountID]
	if !ok {
		return nil, entitlement.ErrNoSubscription
	}
	return sub, nil
}

type fakeCatalog struct {
	items map[string]*catalog.Content
}

func (f *fakeCatalog) Content(_ context.Context, contentType, id string) (*catalog.Content, error) {
	c, ok := f.items[contentType+"/"+id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return c, nil
}

type fakeBlob struct{}

func (fakeBlob) RequestDownloadURL(key string, _ time.Duration) (string, error) {
	return "https://media.test/" + key + "?sig=test", nil
}

// testEnv bundles a playback server wired to in-memory fakes with the
// handles tests need to arrange state.
type testEnv struct {
	server    *Server
	handler   http.Handler
	source    *fakeSource
	catalog   *fakeCatalog
	accounts  *account.MemStore
	positions *position.MemStore
	accountID uuid.UUID
	token     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("AUTH_JWT_SECRET", "test-auth-secret")

	accountID := uuid.New()
	source := &fakeSource{subs: map[uuid.UUID]*entitlement.Subscription{
		accountID: {
			AccountID: accountID,
			PlanSlug:  "standard",
			Status:    entitlement.StatusActive,
			StartsAt:  testNow.AddDate(0, -1, 0),
			EndsAt:    testNow.AddDate(0, 1, 0),
		},
	}}
	cat := &fakeCatalog{items: map[string]*catalog.Content{
		"movie/heron-lake": {
			ID: "heron-lake", Type: "movie", Title: "Heron Lake",
			Subtitles: []catalog.Subtitle{{Language: "en", Label: "English", Path: "subs/heron-lake/en.vtt"}},
		},
		"movie/old-river": {
			ID: "old-river", Type: "movie", Title: "Old River",
			FixedPath: "legacy/old-river/master.m3u8",
		},
		"episode/nest-s01e02": {
			ID: "nest-s01e02", Type: "episode", Title: "The Nest, Episode 2",
			SeriesID: "the-nest", SeasonID: "s01", EpisodeID: "e02",
		},
	}}

	accounts := account.NewMemStore()
	positions := position.NewMemStore()
	issuer, err := credential.NewIssuer("test-stream-secret", fixedClock)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	srv := &Server{
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		dev:          true,
		credTTL:      credential.DefaultTTL,
		entitlements: entitlement.NewResolver(source, fixedClock),
		guard:        guard.New(accounts, credential.DefaultTTL, fixedClock),
		issuer:       issuer,
		blob:         fakeBlob{},
		catalog:      cat,
		ledger:       position.NewLedger(positions, fixedClock),
		limiter:      ratelimit.New(nil),
	}

	token, err := auth.GenerateAccessToken(accountID)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	return &testEnv{
		server:    srv,
		handler:   srv.Routes(),
		source:    source,
		catalog:   cat,
		accounts:  accounts,
		positions: positions,
		accountID: accountID,
		token:     token,
	}
}

// do performs an authenticated request against the router. body may be
// nil; extra headers are applied as key/value pairs.
func (e *testEnv) do(t *testing.T, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, buf)
	req.Header.Set("Authorization", "Bearer "+e.token)
	if len(headers)%2 != 0 {
		t.Fatalf("headers must be key/value pairs")
	}
	for i := 0; i < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}
