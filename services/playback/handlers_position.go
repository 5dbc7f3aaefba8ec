package playback

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/perchtv/perch/internal/auth"
	"github.com/perchtv/perch/internal/position"
	"github.com/perchtv/perch/internal/validate"
)

// positionView is the client-facing ledger record.
type positionView struct {
	ContentID       string    `json:"contentId"`
	ContentType     string    `json:"contentType"`
	SeriesID        string    `json:"seriesId,omitempty"`
	SeasonID        string    `json:"seasonId,omitempty"`
	WatchedDuration int       `json:"watchedDuration"`
	TotalDuration   int       `json:"totalDuration"`
	Progress        int       `json:"progress"`
	Completed       bool      `json:"completed"`
	ResumeAt        int       `json:"resumeAt"`
	LastWatchedAt   time.Time `json:"lastWatchedAt"`
}

func newPositionView(p *position.Position) *positionView {
	return &positionView{
		ContentID:       p.ContentID,
		ContentType:     p.ContentType,
		SeriesID:        p.SeriesID,
		SeasonID:        p.SeasonID,
		WatchedDuration: p.WatchedDuration,
		TotalDuration:   p.TotalDuration,
		Progress:        p.Progress,
		Completed:       p.Completed,
		ResumeAt:        p.ResumeAt(),
		LastWatchedAt:   p.LastWatchedAt,
	}
}

// handleGetPosition returns the stored resume point for one title, or an
// empty position when the account has never watched it.
func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := auth.AccountIDFromContext(ctx)

	contentID := r.URL.Query().Get("contentId")
	contentType := r.URL.Query().Get("contentType")
	errs := &validate.MultiError{}
	errs.Add(validate.IsContentID("contentId", contentID))
	errs.Add(validate.IsContentType("contentType", contentType))
	if errs.HasErrors() {
		s.writeDomainError(w, r, errs)
		return
	}

	key := position.Key{
		AccountID:   accountID,
		ProfileID:   profileID(r),
		ContentID:   contentID,
		ContentType: contentType,
	}
	pos, err := s.ledger.Get(ctx, key)
	if err != nil {
		if errors.Is(err, position.ErrNotFound) {
			writeJSON(w, http.StatusOK, &positionView{
				ContentID:   contentID,
				ContentType: contentType,
			})
			return
		}
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(pos))
}

// handleUpdatePosition records a progress report. Omitted fields keep
// their stored values; progress and the completed flag are recomputed
// server-side.
func (s *Server) handleUpdatePosition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := auth.AccountIDFromContext(ctx)

	if ok, retryAfter := s.limiter.CheckPositionUpdate(ctx, accountID.String()); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "too many position updates")
		return
	}

	var req struct {
		ContentID       string `json:"contentId"`
		ContentType     string `json:"contentType"`
		SeriesID        string `json:"seriesId"`
		SeasonID        string `json:"seasonId"`
		DeviceID        string `json:"deviceId"`
		WatchedDuration *int   `json:"watchedDuration"`
		TotalDuration   *int   `json:"totalDuration"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	errs := &validate.MultiError{}
	errs.Add(validate.IsContentID("contentId", req.ContentID))
	errs.Add(validate.IsContentType("contentType", req.ContentType))
	if req.WatchedDuration != nil {
		errs.Add(validate.NonNegativeInt("watchedDuration", *req.WatchedDuration))
	}
	if req.TotalDuration != nil {
		errs.Add(validate.NonNegativeInt("totalDuration", *req.TotalDuration))
	}
	if errs.HasErrors() {
		s.writeDomainError(w, r, errs)
		return
	}

	key := position.Key{
		AccountID:   accountID,
		ProfileID:   profileID(r),
		ContentID:   req.ContentID,
		ContentType: req.ContentType,
	}
	pos, err := s.ledger.Upsert(ctx, key, position.Update{
		WatchedDuration: req.WatchedDuration,
		TotalDuration:   req.TotalDuration,
		SeriesID:        req.SeriesID,
		SeasonID:        req.SeasonID,
		DeviceID:        req.DeviceID,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(pos))
}
