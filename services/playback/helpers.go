package playback

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/perchtv/perch/internal/catalog"
	"github.com/perchtv/perch/internal/entitlement"
	"github.com/perchtv/perch/internal/guard"
	"github.com/perchtv/perch/internal/telemetry"
	"github.com/perchtv/perch/internal/validate"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeDomainError maps domain errors onto the HTTP surface. Entitlement
// refusals and concurrency-limit rejections are 403, missing or inactive
// content is 404, malformed input is 400. Anything else is a 500 that is
// reported but never leaks detail to production clients.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var entErr *entitlement.Error
	if errors.As(err, &entErr) {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error":  "subscription required",
			"reason": entErr.Reason,
		})
		return
	}

	var limitErr *guard.LimitError
	if errors.As(err, &limitErr) {
		body := map[string]any{"error": limitErr.Error(), "kind": limitErr.Kind}
		if limitErr.Max > 0 {
			body["max"] = limitErr.Max
		}
		writeJSON(w, http.StatusForbidden, body)
		return
	}

	if errors.Is(err, catalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "content not found")
		return
	}

	var valErr *validate.ValidationError
	if errors.As(err, &valErr) {
		writeError(w, http.StatusBadRequest, valErr.Error())
		return
	}
	var multiErr *validate.MultiError
	if errors.As(err, &multiErr) {
		writeError(w, http.StatusBadRequest, multiErr.Error())
		return
	}

	telemetry.CaptureError(err, map[string]string{
		"path":   r.URL.Path,
		"method": r.Method,
	})
	s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	if s.dev {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "internal server error")
}
