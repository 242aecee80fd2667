package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mediaposte/server/internal/auth"
	"github.com/mediaposte/server/internal/session"
	"github.com/mediaposte/server/internal/transition"
	"github.com/paulmach/orb"
	"go.uber.org/zap"
)

// maxBodyBytes bounds request bodies; imports carry whole code files.
const maxBodyBytes = 4 << 20

// SessionHandlers exposes targeting sessions over HTTP.
type SessionHandlers struct {
	manager   *session.Manager
	validator *validator.Validate
	log       *zap.Logger
}

// NewSessionHandlers creates the session handlers.
func NewSessionHandlers(manager *session.Manager, log *zap.Logger) *SessionHandlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionHandlers{
		manager:   manager,
		validator: validator.New(),
		log:       log.Named("api"),
	}
}

// session resolves the {id} path value for the authenticated host.
func (h *SessionHandlers) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	host, ok := auth.GetHostID(r)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "MissingToken", "Authentication required")
		return nil, false
	}
	s, err := h.manager.Get(r.PathValue("id"), host)
	if err != nil {
		respondWithErr(w, h.log, err)
		return nil, false
	}
	return s, true
}

// decode reads and validates a JSON body. An empty body decodes to the
// zero value.
func (h *SessionHandlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, "InvalidRequest", "Invalid request body")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			msgs := make([]string, 0, len(ve))
			for _, fe := range ve {
				msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field(), auth.ValidationMessage(fe)))
			}
			respondWithError(w, http.StatusBadRequest, "ValidationError", strings.Join(msgs, "; "))
			return false
		}
		respondWithError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return false
	}
	return true
}

// CreateSession handles POST /api/v1/sessions
func (h *SessionHandlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	host, ok := auth.GetHostID(r)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "MissingToken", "Authentication required")
		return
	}
	s := h.manager.Create(host)
	writeJSON(w, http.StatusCreated, s.Snapshot())
}

// GetSession handles GET /api/v1/sessions/{id}
func (h *SessionHandlers) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// DeleteSession handles DELETE /api/v1/sessions/{id}
func (h *SessionHandlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	host, ok := auth.GetHostID(r)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "MissingToken", "Authentication required")
		return
	}
	if err := h.manager.Delete(r.PathValue("id"), host); err != nil {
		respondWithErr(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetStore handles POST /api/v1/sessions/{id}/store
func (h *SessionHandlers) SetStore(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req storeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := s.SetStore(session.Location{Adresse: req.Adresse, Longitude: req.Longitude, Latitude: req.Latitude}); err != nil {
		respondWithErr(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// Viewport handles POST /api/v1/sessions/{id}/viewport
func (h *SessionHandlers) Viewport(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req viewportRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := s.Viewport(r.Context(), session.Viewport{View: req.Bounds, Zoom: req.Zoom}, req.Force)
	if err != nil {
		respondWithErr(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Zones handles POST /api/v1/sessions/{id}/zones: the cached zones of the
// active type in view, with their selection state.
func (h *SessionHandlers) Zones(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req zonesRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.Bounds.Valid() {
		respondWithError(w, http.StatusUnprocessableEntity, "InvalidBounds", "Invalid bounds")
		return
	}
	writeJSON(w, http.StatusOK, s.Visible(req.Bounds, req.Geometry))
}

// ChangeZoneType handles POST /api/v1/sessions/{id}/zone-type
func (h *SessionHandlers) ChangeZoneType(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req zoneTypeRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := s.ChangeZoneType(r.Context(), req.ZoneType)
	if err != nil {
		respondWithErr(w, h.log, err)
		return
	}
	status := http.StatusOK
	if d == transition.NeedsConfirmation {
		status = http.StatusAccepted
	}
	writeJSON(w, status, zoneTypeResponse{Decision: d.String(), Session: s.Snapshot()})
}

// ConfirmZoneType handles POST /api/v1/sessions/{id}/zone-type/confirm
func (h *SessionHandlers) ConfirmZoneType(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if _, err := s.ConfirmZoneType(r.Context()); err != nil {
		respondWithErr(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, zoneTypeResponse{Decision: "applied", Session: s.Snapshot()})
}

// CancelZoneType handles POST /api/v1/sessions/{id}/zone-type/cancel
func (h *SessionHandlers) CancelZoneType(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if !s.CancelZoneType() {
		respondWithError(w, http.StatusConflict, "NoPendingChange", "No zone type change awaiting confirmation")
		return
	}
	writeJSON(w, http.StatusOK, zoneTypeResponse{Decision: "cancelled", Session: s.Snapshot()})
}

// SetTool handles POST /api/v1/sessions/{id}/tool
func (h *SessionHandlers) SetTool(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req toolRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := s.SetTool(req.Tool); err != nil {
		respondWithErr(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]session.Tool{"tool": s.Tool()})
}

// Click handles POST /api/v1/sessions/{id}/click
func (h *SessionHandlers) Click(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req clickRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := s.Click(orb.Point{req.Longitude, req.Latitude})
	if err != nil {
		respondWithErr(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SelectBox handles POST /api/v1/sessions/{id}/box
func (h *SessionHandlers) SelectBox(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req boxRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := s.SelectBox(req.Bounds, req.Remove)
	if err != nil {
		respondWithErr(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SelectDrawing handles POST /api/v1/sessions/{id}/geometry
func (h *SessionHandlers) SelectDrawing(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req session.Drawing
	if !h.decode(w, r, &req) {
		return
	}
	n, err := s.SelectDrawing(req)
	if err != nil {
		respondWithErr(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, drawingResponse{Selected: n, Summary: s.Snapshot().Summary})
}

// EstimateDrawing handles POST /api/v1/sessions/{id}/geometry/estimate
func (h *SessionHandlers) EstimateDrawing(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req session.Drawing
	if !h.decode(w, r, &req) {
		return
	}
	est, err := s.EstimateDrawing(req)
	if err != nil {
		respondWithErr(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

// Convert handles POST /api/v1/sessions/{id}/convert. The conversion runs
// in the background; its progress and report arrive on the event stream.
func (h *SessionHandlers) Convert(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Convert(); err != nil {
		respondWithErr(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, convertResponse{Status: "started"})
}

// Import handles POST /api/v1/sessions/{id}/import
func (h *SessionHandlers) Import(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req importRequest
	if !h.decode(w, r, &req) {
		return
	}
	codes := req.Codes
	if len(codes) == 0 {
		codes = session.ParseCodes(req.Content)
	}
	report, err := s.Import(r.Context(), req.Mode, codes)
	if err != nil {
		respondWithErr(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Search handles POST /api/v1/sessions/{id}/search
func (h *SessionHandlers) Search(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req searchRequest
	if !h.decode(w, r, &req) {
		return
	}
	results, err := s.Search(r.Context(), req.Query)
	if err != nil {
		respondWithErr(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: results})
}

// Clear handles POST /api/v1/sessions/{id}/clear
func (h *SessionHandlers) Clear(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req clearRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := s.Clear(req.Scope); err != nil {
		respondWithErr(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// Reset handles POST /api/v1/sessions/{id}/reset
func (h *SessionHandlers) Reset(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req resetRequest
	if !h.decode(w, r, &req) {
		return
	}
	s.Reset(req.KeepStore)
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// SaveStudy handles GET /api/v1/sessions/{id}/study
func (h *SessionHandlers) SaveStudy(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	study, err := s.SaveStudy()
	if err != nil {
		respondWithErr(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, study)
}

// LoadStudy handles POST /api/v1/sessions/{id}/study
func (h *SessionHandlers) LoadStudy(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var study session.Study
	if !h.decode(w, r, &study) {
		return
	}
	report, err := s.LoadStudy(r.Context(), study)
	if err != nil {
		respondWithErr(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
