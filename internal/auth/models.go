package auth

import (
	"time"
)

// TokenRequest exchanges a host API key for an access token
type TokenRequest struct {
	HostID string `json:"host_id" validate:"required,max=64"`
	APIKey string `json:"api_key" validate:"required,min=16"`
}

// TokenResponse represents a token response
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	HostID      string    `json:"host_id"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}
