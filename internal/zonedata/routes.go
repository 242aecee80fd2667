package zonedata

import (
	"net/http"

	"github.com/mediaposte/server/internal/compression"
	"github.com/mediaposte/server/internal/metrics"
	"github.com/mediaposte/server/internal/zoneservice"
)

// NewRouter registers the zone data endpoints and wraps the POST routes
// with the given middlewares, outermost first. Large responses are gzipped.
func NewRouter(h *Handlers, middlewares ...func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", metrics.Handler())

	wrap := func(fn http.HandlerFunc) http.Handler {
		var handler http.Handler = fn
		for i := len(middlewares) - 1; i >= 0; i-- {
			handler = middlewares[i](handler)
		}
		return handler
	}
	mux.Handle("POST "+zoneservice.PathAtomicRectangle, wrap(h.AtomicRectangle))
	mux.Handle("POST "+zoneservice.PathCoarseRectangle, wrap(h.CoarseRectangle))
	mux.Handle("POST "+zoneservice.PathCodes, wrap(h.ZonesByCodes))
	mux.Handle("POST "+zoneservice.PathSearch, wrap(h.Search))
	return compression.Middleware(compression.DefaultMinSize)(mux)
}
