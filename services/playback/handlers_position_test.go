package playback

import (
	"net/http"
	"testing"
)

func TestPlaybackPosition_CreateAndGet(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/stream/playback-position", map[string]any{
		"contentId":       "heron-lake",
		"contentType":     "movie",
		"deviceId":        "dev-1",
		"watchedDuration": 540,
		"totalDuration":   600,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp positionView
	decodeBody(t, rec, &resp)
	if resp.Progress != 90 {
		t.Errorf("progress = %d, want 90", resp.Progress)
	}
	if !resp.Completed {
		t.Error("completed should be true at 90%")
	}
	if resp.ResumeAt != 540 {
		t.Errorf("resumeAt = %d, want 540", resp.ResumeAt)
	}

	get := env.do(t, http.MethodGet, "/stream/playback-position?contentId=heron-lake&contentType=movie", nil)
	if get.Code != http.StatusOK {
		t.Fatalf("get: status = %d, body = %s", get.Code, get.Body.String())
	}
	decodeBody(t, get, &resp)
	if resp.WatchedDuration != 540 || !resp.Completed {
		t.Errorf("stored position = %+v", resp)
	}
}

func TestPlaybackPosition_PartialUpdateKeepsFields(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/stream/playback-position", map[string]any{
		"contentId":       "heron-lake",
		"contentType":     "movie",
		"watchedDuration": 100,
		"totalDuration":   3600,
	})
	rec := env.do(t, http.MethodPost, "/stream/playback-position", map[string]any{
		"contentId":       "heron-lake",
		"contentType":     "movie",
		"watchedDuration": 200,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp positionView
	decodeBody(t, rec, &resp)
	if resp.TotalDuration != 3600 {
		t.Errorf("totalDuration = %d, want preserved 3600", resp.TotalDuration)
	}
	if resp.WatchedDuration != 200 {
		t.Errorf("watchedDuration = %d, want 200", resp.WatchedDuration)
	}
}

func TestPlaybackPosition_CompletedNeverFlipsBack(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/stream/playback-position", map[string]any{
		"contentId":       "heron-lake",
		"contentType":     "movie",
		"watchedDuration": 3500,
		"totalDuration":   3600,
	})
	// Rewatching from the start must not clear the completed flag.
	rec := env.do(t, http.MethodPost, "/stream/playback-position", map[string]any{
		"contentId":       "heron-lake",
		"contentType":     "movie",
		"watchedDuration": 60,
	})
	var resp positionView
	decodeBody(t, rec, &resp)
	if !resp.Completed {
		t.Error("completed flipped back to false on rewatch")
	}
	if resp.ResumeAt != 60 {
		t.Errorf("resumeAt = %d, want 60", resp.ResumeAt)
	}
}

func TestPlaybackPosition_GetUnknownReturnsEmpty(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/stream/playback-position?contentId=never-seen&contentType=movie", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp positionView
	decodeBody(t, rec, &resp)
	if resp.WatchedDuration != 0 || resp.Completed {
		t.Errorf("expected zero position, got %+v", resp)
	}
}

func TestPlaybackPosition_Validation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing content id", map[string]any{"contentType": "movie", "watchedDuration": 10}},
		{"bad content type", map[string]any{"contentId": "x", "contentType": "series", "watchedDuration": 10}},
		{"negative duration", map[string]any{"contentId": "x", "contentType": "movie", "watchedDuration": -5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/stream/playback-position", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestPlaybackPosition_ProfilesAreSeparate(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/stream/playback-position", map[string]any{
		"contentId":       "heron-lake",
		"contentType":     "movie",
		"watchedDuration": 900,
		"totalDuration":   3600,
	}, "X-Profile-Id", "kids")

	rec := env.do(t, http.MethodGet, "/stream/playback-position?contentId=heron-lake&contentType=movie", nil)
	var resp positionView
	decodeBody(t, rec, &resp)
	if resp.WatchedDuration != 0 {
		t.Errorf("default profile sees kids profile position: %+v", resp)
	}

	rec = env.do(t, http.MethodGet, "/stream/playback-position?contentId=heron-lake&contentType=movie", nil,
		"X-Profile-Id", "kids")
	decodeBody(t, rec, &resp)
	if resp.WatchedDuration != 900 {
		t.Errorf("kids profile watchedDuration = %d, want 900", resp.WatchedDuration)
	}
}
