package playback

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/perchtv/perch/internal/auth"
	"github.com/perchtv/perch/internal/catalog"
	"github.com/perchtv/perch/internal/credential"
	"github.com/perchtv/perch/internal/guard"
	"github.com/perchtv/perch/internal/plan"
	"github.com/perchtv/perch/internal/position"
	"github.com/perchtv/perch/internal/ratelimit"
	"github.com/perchtv/perch/internal/validate"
)

// streamResponse is the stream-start payload. streamUrl is a pre-signed
// retrieval URL for the negotiated variant; token is the signed streaming
// credential the storage gateway verifies per segment request.
type streamResponse struct {
	StreamURL          string             `json:"streamUrl"`
	Token              string             `json:"token"`
	ExpiresAt          time.Time          `json:"expiresAt"`
	StreamID           string             `json:"streamId"`
	Quality            plan.Quality       `json:"quality"`
	MaxQuality         plan.Quality       `json:"maxQuality"`
	AvailableQualities []plan.Quality     `json:"availableQualities"`
	Subtitles          []catalog.Subtitle `json:"subtitles"`
	PlaybackPosition   *positionView      `json:"playbackPosition"`
	PlanFeatures       plan.Features      `json:"planFeatures"`
}

func (s *Server) handleStreamMovie(w http.ResponseWriter, r *http.Request) {
	s.startStream(w, r, "movie")
}

func (s *Server) handleStreamEpisode(w http.ResponseWriter, r *http.Request) {
	s.startStream(w, r, "episode")
}

// startStream runs the full admission pipeline: entitlement resolution,
// catalog lookup, concurrency admission, quality negotiation, media-key
// resolution, credential issuance.
func (s *Server) startStream(w http.ResponseWriter, r *http.Request, contentType string) {
	ctx := r.Context()
	accountID := auth.AccountIDFromContext(ctx)

	contentID := chi.URLParam(r, "id")
	if err := validate.IsContentID("id", contentID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	dev, err := deviceFromRequest(r, true)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	if ok, retryAfter := s.limiter.CheckStreamStart(ctx, accountID.String()); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "too many stream starts")
		return
	}

	// Entitlement first: an account with no active subscription never
	// touches the device registry.
	pl, _, err := s.entitlements.Resolve(ctx, accountID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	content, err := s.catalog.Content(ctx, contentType, contentID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	quality := pl.Negotiate(requestedQuality(r))

	stream, err := s.guard.Admit(ctx, accountID, pl, dev, content.ID, content.Type, quality)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	token, expiresAt, err := s.issuer.Issue(credential.Request{
		AccountID:   accountID,
		ContentID:   content.ID,
		ContentType: content.Type,
		SeriesID:    content.SeriesID,
		SeasonID:    content.SeasonID,
		StreamID:    stream.ID,
		DeviceID:    dev.ID,
		Quality:     quality,
		TTL:         s.credTTL,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	streamURL, err := s.blob.RequestDownloadURL(content.MediaKey().Resolve(quality), s.credTTL)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	resp := streamResponse{
		StreamURL:          streamURL,
		Token:              token,
		ExpiresAt:          expiresAt,
		StreamID:           stream.ID.String(),
		Quality:            quality,
		MaxQuality:         pl.QualityCap,
		AvailableQualities: pl.AllowedQualities(),
		Subtitles:          content.Subtitles,
		PlanFeatures:       pl.Features(),
	}
	if resp.Subtitles == nil {
		resp.Subtitles = []catalog.Subtitle{}
	}

	// Resume point is best-effort: a ledger miss or error never blocks
	// playback.
	key := position.Key{
		AccountID:   accountID,
		ProfileID:   profileID(r),
		ContentID:   content.ID,
		ContentType: content.Type,
	}
	if pos, err := s.ledger.Get(ctx, key); err == nil {
		resp.PlaybackPosition = newPositionView(pos)
	}

	s.logger.Info("stream admitted",
		"account_id", accountID.String(),
		"content_id", content.ID,
		"content_type", content.Type,
		"device_id", dev.ID,
		"quality", string(quality),
	)
	writeJSON(w, http.StatusOK, resp)
}

// handleQualities returns the plan's quality ladder without starting a
// stream, so clients can build their settings UI.
func (s *Server) handleQualities(w http.ResponseWriter, r *http.Request) {
	pl, sub, err := s.entitlements.Resolve(r.Context(), auth.AccountIDFromContext(r.Context()))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"planName":           pl.Name,
		"maxQuality":         pl.QualityCap,
		"availableQualities": pl.AllowedQualities(),
		"planFeatures":       pl.Features(),
		"expiresAt":          sub.EndsAt,
	})
}

// handleStreamStop releases a stream slot. Idempotent: stopping a stream
// that is already gone still succeeds. The issued credential stays valid
// until its expiry regardless.
func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := auth.AccountIDFromContext(ctx)

	var req struct {
		ContentID string `json:"contentId"`
		DeviceID  string `json:"deviceId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = requestDeviceID(r)
	}
	errs := &validate.MultiError{}
	errs.Add(validate.IsContentID("contentId", req.ContentID))
	errs.Add(validate.NonEmptyString("deviceId", req.DeviceID))
	if errs.HasErrors() {
		s.writeDomainError(w, r, errs)
		return
	}

	released, err := s.guard.Release(ctx, accountID, req.ContentID, req.DeviceID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": released})
}

// deviceFromRequest assembles the requesting device's identity. The
// device id is client-generated and stable per install, supplied as the
// X-Device-Id header or a deviceId query parameter; requireID is set on
// paths that must bind work to a device.
func deviceFromRequest(r *http.Request, requireID bool) (guard.DeviceInfo, error) {
	dev := guard.DeviceInfo{
		ID:    requestDeviceID(r),
		Name:  strings.TrimSpace(r.Header.Get("X-Device-Name")),
		Class: deviceClass(r),
		IP:    ratelimit.ClientIP(r),
	}
	if requireID && dev.ID == "" {
		return dev, &validate.ValidationError{Field: "deviceId", Message: "device id is required (X-Device-Id header or deviceId query parameter)"}
	}
	if err := validate.MaxLength("deviceId", dev.ID, 128); err != nil {
		return dev, err
	}
	if dev.Name == "" {
		dev.Name = summarizeUserAgent(r.UserAgent())
	}
	return dev, nil
}

// requestDeviceID resolves the requesting device id: the X-Device-Id
// header wins, the deviceId query parameter is the documented fallback.
func requestDeviceID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Device-Id")); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("deviceId"))
}

// requestedQuality reads the optional quality query parameter. Unknown
// values mean "best available" and are left for Negotiate to resolve.
func requestedQuality(r *http.Request) plan.Quality {
	q, _ := plan.ParseQuality(r.URL.Query().Get("quality"))
	return q
}

func profileID(r *http.Request) string {
	if p := r.Header.Get("X-Profile-Id"); p != "" {
		return p
	}
	return r.URL.Query().Get("profileId")
}

func deviceClass(r *http.Request) string {
	if c := r.Header.Get("X-Device-Class"); c != "" {
		return c
	}
	ua := strings.ToLower(r.UserAgent())
	switch {
	case strings.Contains(ua, "smarttv"), strings.Contains(ua, "tizen"), strings.Contains(ua, "webos"):
		return "tv"
	case strings.Contains(ua, "mobile"), strings.Contains(ua, "android"), strings.Contains(ua, "iphone"):
		return "mobile"
	case strings.Contains(ua, "ipad"), strings.Contains(ua, "tablet"):
		return "tablet"
	default:
		return "web"
	}
}

