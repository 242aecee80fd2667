package api

import (
	"net/http"

	"github.com/mediaposte/server/internal/auth"
	"github.com/mediaposte/server/internal/compression"
	"github.com/mediaposte/server/internal/config"
	"github.com/mediaposte/server/internal/metrics"
	"github.com/mediaposte/server/internal/session"
	"go.uber.org/zap"
)

// NewRouter builds the HTTP surface of the targeting server.
func NewRouter(cfg *config.Config, manager *session.Manager, log *zap.Logger) (http.Handler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()

	SetupHealthRoutes(mux, manager)
	if err := SetupAuthRoutes(mux, cfg, log); err != nil {
		return nil, err
	}
	if err := SetupSessionRoutes(mux, cfg, manager, log); err != nil {
		return nil, err
	}

	var handler http.Handler = mux
	handler = compression.Middleware(compression.DefaultMinSize)(handler)
	handler = CORSMiddleware(cfg.Server.AllowedOrigins)(handler)
	handler = auth.SecurityHeadersMiddleware(cfg.Server.IsProduction())(handler)
	return handler, nil
}

// SetupHealthRoutes registers the unauthenticated probes.
func SetupHealthRoutes(mux *http.ServeMux, manager *session.Manager) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"service":  "mediaposte-server",
			"sessions": manager.Len(),
		})
	})
	mux.Handle("GET /metrics", metrics.Handler())
}

// SetupAuthRoutes registers the token endpoint with per-IP rate limiting.
func SetupAuthRoutes(mux *http.ServeMux, cfg *config.Config, log *zap.Logger) error {
	authHandlers := auth.NewAuthHandlers(auth.NewJWTService(cfg), auth.NewKeyService(cfg), log)
	limit, err := RateLimitMiddleware(DefaultRateLimitConfig().Token, log)
	if err != nil {
		return err
	}
	mux.Handle("POST /api/v1/auth/token", limit(http.HandlerFunc(authHandlers.Token)))
	return nil
}

// SetupSessionRoutes registers the session routes behind authentication
// and per-host rate limiting.
func SetupSessionRoutes(mux *http.ServeMux, cfg *config.Config, manager *session.Manager, log *zap.Logger) error {
	authHandlers := auth.NewAuthHandlers(auth.NewJWTService(cfg), nil, log)
	rate := cfg.Server.RateLimit
	if rate == "" {
		rate = DefaultRateLimitConfig().Host
	}
	limit, err := HostRateLimitMiddleware(rate, log)
	if err != nil {
		return err
	}
	protect := func(h http.HandlerFunc) http.Handler {
		return authHandlers.AuthMiddleware(limit(h))
	}

	h := NewSessionHandlers(manager, log)
	ws := NewWebSocketHandlers(h, cfg.Server.AllowedOrigins, log)

	routes := map[string]http.HandlerFunc{
		"POST /api/v1/sessions":                        h.CreateSession,
		"GET /api/v1/sessions/{id}":                    h.GetSession,
		"DELETE /api/v1/sessions/{id}":                 h.DeleteSession,
		"POST /api/v1/sessions/{id}/store":             h.SetStore,
		"POST /api/v1/sessions/{id}/viewport":          h.Viewport,
		"POST /api/v1/sessions/{id}/zones":             h.Zones,
		"POST /api/v1/sessions/{id}/zone-type":         h.ChangeZoneType,
		"POST /api/v1/sessions/{id}/zone-type/confirm": h.ConfirmZoneType,
		"POST /api/v1/sessions/{id}/zone-type/cancel":  h.CancelZoneType,
		"POST /api/v1/sessions/{id}/tool":              h.SetTool,
		"POST /api/v1/sessions/{id}/click":             h.Click,
		"POST /api/v1/sessions/{id}/box":               h.SelectBox,
		"POST /api/v1/sessions/{id}/geometry":          h.SelectDrawing,
		"POST /api/v1/sessions/{id}/geometry/estimate": h.EstimateDrawing,
		"POST /api/v1/sessions/{id}/convert":           h.Convert,
		"POST /api/v1/sessions/{id}/import":            h.Import,
		"POST /api/v1/sessions/{id}/search":            h.Search,
		"POST /api/v1/sessions/{id}/clear":             h.Clear,
		"POST /api/v1/sessions/{id}/reset":             h.Reset,
		"GET /api/v1/sessions/{id}/study":              h.SaveStudy,
		"POST /api/v1/sessions/{id}/study":             h.LoadStudy,
		"GET /api/v1/sessions/{id}/ws":                 ws.HandleStream,
	}
	for pattern, handler := range routes {
		mux.Handle(pattern, protect(handler))
	}
	return nil
}
