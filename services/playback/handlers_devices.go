package playback

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/perchtv/perch/internal/auth"
	"github.com/perchtv/perch/internal/validate"
)

// deviceView is the client-facing device record. The IP is truncated for
// privacy: clients get enough to recognize "my home network", not the
// full address.
type deviceView struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Class                string    `json:"class"`
	LastActiveAt         time.Time `json:"lastActiveAt"`
	LastIP               string    `json:"lastIp"`
	IsCurrentDevice      bool      `json:"isCurrentDevice"`
	IsCurrentlyStreaming bool      `json:"isCurrentlyStreaming"`
}

// handleListDevices returns the account's registered devices with their
// streaming state.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := auth.AccountIDFromContext(ctx)
	currentID := requestDeviceID(r)

	acct, err := s.guard.Snapshot(ctx, accountID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	streaming := make(map[string]bool, len(acct.Streams))
	for _, st := range acct.Streams {
		streaming[st.DeviceID] = true
	}

	views := make([]deviceView, 0, len(acct.Devices))
	for _, d := range acct.Devices {
		views = append(views, deviceView{
			ID:                   d.ID,
			Name:                 d.Name,
			Class:                d.Class,
			LastActiveAt:         d.LastActiveAt,
			LastIP:               truncateIP(d.LastIP),
			IsCurrentDevice:      currentID != "" && d.ID == currentID,
			IsCurrentlyStreaming: streaming[d.ID],
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": views,
		"count":   len(views),
	})
}

// handleRegisterDevice registers the requesting device against the
// account, counting it toward the plan's device limit. Registering an
// already-known device refreshes it instead.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := auth.AccountIDFromContext(ctx)

	var req struct {
		DeviceID string `json:"deviceId"`
		Name     string `json:"name"`
		Class    string `json:"class"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = requestDeviceID(r)
	}
	errs := &validate.MultiError{}
	errs.Add(validate.NonEmptyString("deviceId", req.DeviceID))
	errs.Add(validate.MaxLength("deviceId", req.DeviceID, 128))
	errs.Add(validate.MaxLength("name", req.Name, 100))
	errs.Add(validate.NoHTML("name", req.Name))
	if errs.HasErrors() {
		s.writeDomainError(w, r, errs)
		return
	}

	pl, _, err := s.entitlements.Resolve(ctx, accountID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	dev, err := deviceFromRequest(r, false)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	dev.ID = req.DeviceID
	if req.Name != "" {
		dev.Name = req.Name
	}
	if req.Class != "" {
		dev.Class = req.Class
	}

	if err := s.guard.RegisterDevice(ctx, accountID, pl, dev); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.logger.Info("device registered", "account_id", accountID.String(), "device_id", dev.ID)
	writeJSON(w, http.StatusCreated, map[string]string{"id": dev.ID, "name": dev.Name, "class": dev.Class})
}

// handleRenameDevice updates a device's display name.
func (s *Server) handleRenameDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := auth.AccountIDFromContext(ctx)
	deviceID := chi.URLParam(r, "id")

	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	errs := &validate.MultiError{}
	errs.Add(validate.NonEmptyString("name", req.Name))
	errs.Add(validate.MaxLength("name", req.Name, 100))
	errs.Add(validate.NoHTML("name", req.Name))
	if errs.HasErrors() {
		s.writeDomainError(w, r, errs)
		return
	}

	renamed, err := s.guard.RenameDevice(ctx, accountID, deviceID, req.Name)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if !renamed {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": deviceID, "name": req.Name})
}

// handleRevokeDevice removes one device and terminates its active
// streams. Its slots free up immediately.
func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := auth.AccountIDFromContext(ctx)
	deviceID := chi.URLParam(r, "id")

	revoked, err := s.guard.RevokeDevice(ctx, accountID, deviceID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if !revoked {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.logger.Info("device revoked", "account_id", accountID.String(), "device_id", deviceID)
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

// handleRevokeAllDevices removes every device except the requesting one.
// Used by "sign out everywhere else".
func (s *Server) handleRevokeAllDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := auth.AccountIDFromContext(ctx)

	keepID := requestDeviceID(r)
	if keepID == "" {
		writeError(w, http.StatusBadRequest, "device id is required (X-Device-Id header or deviceId query parameter)")
		return
	}

	removed, err := s.guard.RevokeOtherDevices(ctx, accountID, keepID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.logger.Info("devices revoked", "account_id", accountID.String(), "removed", removed)
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// truncateIP zeroes the host portion of an address: IPv4 keeps the /24,
// IPv6 the /48.
func truncateIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return parsed.Mask(net.CIDRMask(48, 128)).String() + "/48"
}

// summarizeUserAgent reduces a raw user-agent to a short display name.
func summarizeUserAgent(ua string) string {
	ua = strings.ToLower(ua)
	switch {
	case strings.Contains(ua, "tizen"):
		return "Samsung TV"
	case strings.Contains(ua, "webos"):
		return "LG TV"
	case strings.Contains(ua, "iphone"):
		return "iPhone"
	case strings.Contains(ua, "ipad"):
		return "iPad"
	case strings.Contains(ua, "android"):
		return "Android"
	case strings.Contains(ua, "macintosh"):
		return "Mac"
	case strings.Contains(ua, "windows"):
		return "Windows PC"
	case strings.Contains(ua, "linux"):
		return "Linux"
	case ua == "":
		return "Unknown device"
	default:
		return "Browser"
	}
}
