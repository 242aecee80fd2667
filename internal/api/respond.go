package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mediaposte/server/internal/conversion"
	"github.com/mediaposte/server/internal/geometry"
	"github.com/mediaposte/server/internal/loader"
	"github.com/mediaposte/server/internal/session"
	"github.com/mediaposte/server/internal/transition"
	"github.com/mediaposte/server/internal/zoneservice"
	"go.uber.org/zap"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorTable maps domain errors to HTTP answers. The first match wins.
var errorTable = []errorMapping{
	{session.ErrNotFound, http.StatusNotFound, "SessionNotFound"},
	{session.ErrClosed, http.StatusNotFound, "SessionClosed"},
	{session.ErrForbidden, http.StatusForbidden, "Forbidden"},

	{conversion.ErrRunning, http.StatusConflict, "ConversionRunning"},
	{session.ErrConverting, http.StatusConflict, "ConversionRunning"},
	{loader.ErrBusy, http.StatusConflict, "LoadInProgress"},
	{loader.ErrNoStore, http.StatusConflict, "NoStore"},
	{transition.ErrPending, http.StatusConflict, "ChangePending"},
	{transition.ErrNoPending, http.StatusConflict, "NoPendingChange"},
	{transition.ErrSameType, http.StatusConflict, "SameZoneType"},
	{session.ErrToolInactive, http.StatusConflict, "ToolInactive"},
	{session.ErrSuperseded, http.StatusConflict, "Superseded"},

	{conversion.ErrEmptySelection, http.StatusUnprocessableEntity, "EmptySelection"},
	{loader.ErrZoomTooLow, http.StatusUnprocessableEntity, "ZoomTooLow"},
	{loader.ErrInvalidView, http.StatusUnprocessableEntity, "InvalidBounds"},
	{loader.ErrUnknownKind, http.StatusUnprocessableEntity, "UnknownZoneType"},
	{transition.ErrUnknownKind, http.StatusUnprocessableEntity, "UnknownZoneType"},
	{geometry.ErrInvalidGeometry, http.StatusUnprocessableEntity, "InvalidGeometry"},
	{session.ErrInvalidLocation, http.StatusUnprocessableEntity, "InvalidLocation"},
	{session.ErrUnknownTool, http.StatusUnprocessableEntity, "UnknownTool"},
	{session.ErrNoValidCodes, http.StatusUnprocessableEntity, "NoValidCodes"},
	{session.ErrQueryTooShort, http.StatusUnprocessableEntity, "QueryTooShort"},
}

// statusFor returns the status and code for err.
func statusFor(err error) (int, string) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	var se *zoneservice.Error
	if errors.As(err, &se) {
		return http.StatusBadGateway, "ZoneServiceError"
	}
	return http.StatusInternalServerError, "InternalError"
}

// respondWithErr answers with the status mapped from err. Unmapped errors
// are logged and hidden from the client.
func respondWithErr(w http.ResponseWriter, log *zap.Logger, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		log.Error("request failed", zap.Error(err))
		msg = "Internal server error"
	case http.StatusBadGateway:
		msg = zoneservice.UserMessage(err)
	}
	respondWithError(w, status, code, msg)
}

func respondWithError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
