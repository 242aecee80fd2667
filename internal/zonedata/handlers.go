// Package zonedata serves the zone data service over the PostGIS zone
// tables.
package zonedata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mediaposte/server/internal/auth"
	"github.com/mediaposte/server/internal/database"
	"github.com/mediaposte/server/internal/geometry"
	"github.com/mediaposte/server/internal/metrics"
	"github.com/mediaposte/server/internal/zone"
	"github.com/mediaposte/server/internal/zonekind"
	"github.com/mediaposte/server/internal/zoneservice"
	"go.uber.org/zap"
)

// Storage is the zone lookup the handlers serve from.
type Storage interface {
	AtomicRectangle(ctx context.Context, rect geometry.Rect, exclude []string, limit int) ([]zone.Record, error)
	CoarseRectangle(ctx context.Context, kind zonekind.ID, rect geometry.Rect, limit int) (zones, superior []zone.Record, err error)
	ByCodes(ctx context.Context, kind zonekind.ID, codes []string) (zones []zone.Record, notFound []string, err error)
	Search(ctx context.Context, kind zonekind.ID, text string, limit int) ([]database.SearchHit, error)
	Ping(ctx context.Context) error
}

// errBadRequest marks input errors answered with 400.
var errBadRequest = errors.New("bad request")

// Handlers answers the four zone data endpoints.
type Handlers struct {
	storage   Storage
	kinds     *zonekind.Registry
	cache     Cache
	validator *validator.Validate
	timeout   time.Duration
	log       *zap.Logger
}

// NewHandlers creates the handlers. cache may be nil.
func NewHandlers(storage Storage, kinds *zonekind.Registry, cache Cache, log *zap.Logger) *Handlers {
	if kinds == nil {
		kinds = zonekind.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handlers{
		storage:   storage,
		kinds:     kinds,
		cache:     cache,
		validator: v,
		timeout:   20 * time.Second,
		log:       log.Named("zonedata"),
	}
}

// AtomicRectangle handles POST /api/zones/rectangle.
func (h *Handlers) AtomicRectangle(w http.ResponseWriter, r *http.Request) {
	var req atomicRectangleRequest
	h.serve(w, r, zoneservice.PathAtomicRectangle, &req, true, func(ctx context.Context) (interface{}, error) {
		rect := req.rect()
		if !rect.Valid() {
			return nil, fmt.Errorf("%w: invalid rectangle", errBadRequest)
		}
		limit := h.kinds.Atomic().MaxZonesPerRequest
		zones, err := h.storage.AtomicRectangle(ctx, rect, req.ExcludeIDs, limit)
		if err != nil {
			return nil, err
		}
		return zoneservice.ZonesData{Zones: zones}, nil
	})
}

// CoarseRectangle handles POST /api/france/rectangle.
func (h *Handlers) CoarseRectangle(w http.ResponseWriter, r *http.Request) {
	var req coarseRectangleRequest
	h.serve(w, r, zoneservice.PathCoarseRectangle, &req, true, func(ctx context.Context) (interface{}, error) {
		rect := req.rect()
		if !rect.Valid() {
			return nil, fmt.Errorf("%w: invalid rectangle", errBadRequest)
		}
		k, ok := h.kinds.Lookup(req.TypeZone)
		if !ok || k.Atomic {
			return nil, fmt.Errorf("%w: %q", database.ErrUnknownKind, req.TypeZone)
		}
		zones, superior, err := h.storage.CoarseRectangle(ctx, k.ID, rect, k.MaxZonesPerRequest)
		if err != nil {
			return nil, err
		}
		return zoneservice.ZonesData{Zones: zones, Superior: superior}, nil
	})
}

// ZonesByCodes handles POST /api/france/zones/codes.
func (h *Handlers) ZonesByCodes(w http.ResponseWriter, r *http.Request) {
	var req codesRequest
	h.serve(w, r, zoneservice.PathCodes, &req, false, func(ctx context.Context) (interface{}, error) {
		if _, ok := h.kinds.Lookup(req.TypeZone); !ok {
			return nil, fmt.Errorf("%w: %q", database.ErrUnknownKind, req.TypeZone)
		}
		zones, notFound, err := h.storage.ByCodes(ctx, req.TypeZone, dedupe(req.Codes))
		if err != nil {
			return nil, err
		}
		return zoneservice.ZonesData{Zones: zones, NotFound: notFound}, nil
	})
}

// Search handles POST /api/france/recherche.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	h.serve(w, r, zoneservice.PathSearch, &req, false, func(ctx context.Context) (interface{}, error) {
		if _, ok := h.kinds.Lookup(req.TypeZone); !ok {
			return nil, fmt.Errorf("%w: %q", database.ErrUnknownKind, req.TypeZone)
		}
		limit := req.Limit
		if limit == 0 {
			limit = defaultSearchLimit
		}
		hits, err := h.storage.Search(ctx, req.TypeZone, req.Recherche, limit)
		if err != nil {
			return nil, err
		}
		results := make([]zoneservice.SearchResult, 0, len(hits))
		for _, hit := range hits {
			results = append(results, zoneservice.SearchResult{Code: hit.Code, Libelle: hit.Label})
		}
		return zoneservice.SearchData{Results: results}, nil
	})
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status, code := "ok", http.StatusOK
	if err := h.storage.Ping(ctx); err != nil {
		h.log.Warn("health check failed", zap.Error(err))
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	writeJSON(w, code, zoneservice.HealthResponse{Status: status, Service: "zonedata-server"})
}

// serve decodes and validates req, answers from the cache when allowed,
// and otherwise runs fn and wraps its payload in the envelope.
func (h *Handlers) serve(w http.ResponseWriter, r *http.Request, endpoint string, req interface{}, cacheable bool, fn func(ctx context.Context) (interface{}, error)) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		metrics.ZoneDataRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
		h.log.Debug("request served",
			zap.String("endpoint", endpoint),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)))
	}()

	r.Body = http.MaxBytesReader(w, r.Body, 4<<20)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		status = http.StatusBadRequest
		writeEnvelopeError(w, status, "Invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		status = http.StatusBadRequest
		writeEnvelopeError(w, status, validationMessage(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var key string
	if cacheable && h.cache != nil {
		key = cacheKey(endpoint, canonical(req))
		payload, ok, err := h.cache.Get(ctx, key)
		if err != nil {
			h.log.Warn("cache read failed", zap.Error(err))
		}
		if ok {
			metrics.ZoneDataCacheHitsTotal.Inc()
			writeJSON(w, status, zoneservice.Envelope{Success: true, Data: payload})
			return
		}
		metrics.ZoneDataCacheMissesTotal.Inc()
	}

	data, err := fn(ctx)
	if err != nil {
		status = statusFor(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			h.log.Error("zone query failed", zap.String("endpoint", endpoint), zap.Error(err))
			msg = "Internal server error"
		}
		writeEnvelopeError(w, status, msg)
		return
	}

	payload, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
		h.log.Error("failed to encode response", zap.Error(err))
		writeEnvelopeError(w, status, "Internal server error")
		return
	}
	if key != "" {
		if err := h.cache.Set(ctx, key, payload); err != nil {
			h.log.Warn("cache write failed", zap.Error(err))
		}
	}
	writeJSON(w, status, zoneservice.Envelope{Success: true, Data: payload})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrUnknownKind):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// canonical encodes a request so that equal requests share a cache key.
func canonical(req interface{}) []byte {
	if a, ok := req.(*atomicRectangleRequest); ok {
		sorted := *a
		sorted.ExcludeIDs = append([]string(nil), a.ExcludeIDs...)
		sort.Strings(sorted.ExcludeIDs)
		req = &sorted
	}
	if c, ok := req.(*coarseRectangleRequest); ok {
		// The session id does not change the answer.
		stripped := *c
		stripped.IDSession = ""
		req = &stripped
	}
	b, _ := json.Marshal(req)
	return b
}

func dedupe(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func validationMessage(err error) string {
	var errs validator.ValidationErrors
	if errors.As(err, &errs) && len(errs) > 0 {
		return errs[0].Field() + " " + auth.ValidationMessage(errs[0])
	}
	return "Validation failed"
}

func writeEnvelopeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, zoneservice.Envelope{Success: false, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
