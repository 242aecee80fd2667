package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// AuthHandlers handles authentication HTTP endpoints
type AuthHandlers struct {
	jwtService *JWTService
	keys       *KeyService
	validator  *validator.Validate
	log        *zap.Logger
}

// NewAuthHandlers creates a new auth handlers instance
func NewAuthHandlers(jwtService *JWTService, keys *KeyService, log *zap.Logger) *AuthHandlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthHandlers{
		jwtService: jwtService,
		keys:       keys,
		validator:  validator.New(),
		log:        log.Named("auth"),
	}
}

// Token exchanges a host id and API key for an access token.
// POST /api/v1/auth/token
func (h *AuthHandlers) Token(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "InvalidRequest", "Invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.sendValidationError(w, err)
		return
	}

	if !h.keys.Verify(req.HostID, req.APIKey) {
		h.log.Info("rejected host credentials", zap.String("host", req.HostID))
		h.sendError(w, http.StatusUnauthorized, "InvalidCredentials", "Invalid host or key")
		return
	}

	token, expiresAt, err := h.jwtService.GenerateToken(req.HostID)
	if err != nil {
		h.log.Error("generating token failed", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "InternalError", "Failed to generate token")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(TokenResponse{
		AccessToken: token,
		ExpiresAt:   expiresAt,
		HostID:      req.HostID,
	}); err != nil {
		h.log.Debug("writing token response failed", zap.Error(err))
	}
}

func (h *AuthHandlers) sendError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   message,
		Message: message,
		Code:    code,
	})
}

func (h *AuthHandlers) sendValidationError(w http.ResponseWriter, err error) {
	var validationErrors []string
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			validationErrors = append(validationErrors, fmt.Sprintf("%s: %s", fe.Field(), ValidationMessage(fe)))
		}
	}
	h.sendError(w, http.StatusBadRequest, "ValidationError", strings.Join(validationErrors, "; "))
}

// ValidationMessage renders a validator field error for clients.
func ValidationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of %s", fe.Param())
	case "latitude":
		return "must be a valid latitude"
	case "longitude":
		return "must be a valid longitude"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
