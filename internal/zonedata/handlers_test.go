package zonedata

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mediaposte/server/internal/config"
	"github.com/mediaposte/server/internal/database"
	"github.com/mediaposte/server/internal/geometry"
	"github.com/mediaposte/server/internal/metrics"
	"github.com/mediaposte/server/internal/testutil"
	"github.com/mediaposte/server/internal/zone"
	"github.com/mediaposte/server/internal/zonekind"
	"github.com/mediaposte/server/internal/zoneservice"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeStorage serves a fixed set of zones and counts queries.
type fakeStorage struct {
	mu       sync.Mutex
	calls    map[string]int
	lastRect geometry.Rect
	exclude  []string
	fail     error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{calls: map[string]int{}}
}

func (f *fakeStorage) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	return f.fail
}

func (f *fakeStorage) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeStorage) AtomicRectangle(ctx context.Context, rect geometry.Rect, exclude []string, limit int) ([]zone.Record, error) {
	if err := f.record("atomic"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.lastRect, f.exclude = rect, exclude
	f.mu.Unlock()
	all := []zone.Record{
		atomicRecord("1001", 80, 2.30, 48.80, 2.33, 48.83),
		atomicRecord("1002", 70, 2.34, 48.84, 2.37, 48.87),
	}
	var out []zone.Record
	for _, r := range all {
		skip := false
		for _, id := range exclude {
			if strings.Contains(string(r.ID), id) {
				skip = true
			}
		}
		if !skip {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStorage) CoarseRectangle(ctx context.Context, kind zonekind.ID, rect geometry.Rect, limit int) ([]zone.Record, []zone.Record, error) {
	if err := f.record("coarse"); err != nil {
		return nil, nil, err
	}
	return []zone.Record{coarseRecord("75056", "Paris", 2.25, 48.80, 2.42, 48.90)},
		[]zone.Record{coarseRecord("75", "Paris", 2.25, 48.80, 2.42, 48.90)}, nil
}

func (f *fakeStorage) ByCodes(ctx context.Context, kind zonekind.ID, codes []string) ([]zone.Record, []string, error) {
	if err := f.record("codes"); err != nil {
		return nil, nil, err
	}
	var found []zone.Record
	var missing []string
	for _, c := range codes {
		if c == "75056" {
			found = append(found, coarseRecord("75056", "Paris", 2.25, 48.80, 2.42, 48.90))
			continue
		}
		missing = append(missing, c)
	}
	return found, missing, nil
}

func (f *fakeStorage) Search(ctx context.Context, kind zonekind.ID, text string, limit int) ([]database.SearchHit, error) {
	if err := f.record("search"); err != nil {
		return nil, err
	}
	if strings.HasPrefix(database.NormalizeName(text), "pa") {
		return []database.SearchHit{{Code: "75056", Label: "Paris"}}, nil
	}
	return []database.SearchHit{}, nil
}

func (f *fakeStorage) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

func atomicRecord(id string, foyers int, minX, minY, maxX, maxY float64) zone.Record {
	return zone.Record{
		ID:       json.RawMessage(strconv.Quote(id)),
		Foyers:   json.RawMessage(strconv.Itoa(foyers)),
		Geometry: testutil.SquareGeometry(minX, minY, maxX, maxY),
	}
}

func coarseRecord(code, nom string, minX, minY, maxX, maxY float64) zone.Record {
	return zone.Record{
		Code:     json.RawMessage(strconv.Quote(code)),
		Nom:      nom,
		Geometry: testutil.SquareGeometry(minX, minY, maxX, maxY),
	}
}

type testService struct {
	server  *httptest.Server
	storage *fakeStorage
	client  *zoneservice.Client
	redis   *miniredis.Miniredis
}

func newTestService(t *testing.T, withCache bool) *testService {
	t.Helper()
	ts := &testService{storage: newFakeStorage()}

	var cache Cache
	if withCache {
		ts.redis = miniredis.RunT(t)
		rc, err := NewRedisCache(context.Background(), config.RedisConfig{Addr: ts.redis.Addr(), TTL: time.Minute})
		if err != nil {
			t.Fatalf("NewRedisCache() error = %v", err)
		}
		t.Cleanup(func() { _ = rc.Close() })
		cache = rc
	}

	h := NewHandlers(ts.storage, nil, cache, nil)
	ts.server = httptest.NewServer(NewRouter(h))
	t.Cleanup(ts.server.Close)

	cfg := &config.Config{ZoneService: config.ZoneServiceConfig{
		BaseURL:     ts.server.URL,
		Timeout:     5 * time.Second,
		RetryCount:  0,
		SearchLimit: 20,
	}}
	ts.client = zoneservice.NewClient(cfg, nil)
	return ts
}

var parisRect = geometry.Rect{LatMin: 48.79, LatMax: 48.91, LngMin: 2.20, LngMax: 2.45}

func TestHandlers_AtomicRectangle(t *testing.T) {
	ts := newTestService(t, false)

	data, err := ts.client.AtomicRectangle(context.Background(), parisRect, []string{"1001"})
	if err != nil {
		t.Fatalf("AtomicRectangle() error = %v", err)
	}
	if len(data.Zones) != 1 {
		t.Fatalf("zones = %d, want 1", len(data.Zones))
	}
	z, err := zone.New(zonekind.Mediaposte, data.Zones[0])
	if err != nil {
		t.Fatalf("zone.New() error = %v", err)
	}
	if z.ID != "1002" || z.Foyers != 70 {
		t.Errorf("zone = %s/%d", z.ID, z.Foyers)
	}
	ts.storage.mu.Lock()
	defer ts.storage.mu.Unlock()
	if ts.storage.lastRect != parisRect || !reflect.DeepEqual(ts.storage.exclude, []string{"1001"}) {
		t.Errorf("storage got rect %+v exclude %v", ts.storage.lastRect, ts.storage.exclude)
	}
}

func TestHandlers_CoarseRectangle(t *testing.T) {
	ts := newTestService(t, false)

	data, err := ts.client.CoarseRectangle(context.Background(), parisRect, zonekind.Commune, "session-1")
	if err != nil {
		t.Fatalf("CoarseRectangle() error = %v", err)
	}
	if len(data.Zones) != 1 || len(data.Superior) != 1 {
		t.Errorf("zones = %d, superior = %d", len(data.Zones), len(data.Superior))
	}

	_, err = ts.client.CoarseRectangle(context.Background(), parisRect, zonekind.Mediaposte, "")
	var se *zoneservice.Error
	if !errors.As(err, &se) || se.Status != http.StatusUnprocessableEntity {
		t.Fatalf("CoarseRectangle(atomic) error = %v", err)
	}
	if !strings.Contains(se.Message, "unknown zone kind") {
		t.Errorf("message = %q", se.Message)
	}
}

func TestHandlers_ZonesByCodes(t *testing.T) {
	ts := newTestService(t, false)

	data, err := ts.client.ZonesByCodes(context.Background(), zonekind.Commune, []string{"75056", " 99999 ", "75056"})
	if err != nil {
		t.Fatalf("ZonesByCodes() error = %v", err)
	}
	if len(data.Zones) != 1 || !reflect.DeepEqual(data.NotFound, []string{"99999"}) {
		t.Errorf("data = %+v", data)
	}
}

func TestHandlers_Search(t *testing.T) {
	ts := newTestService(t, false)

	results, err := ts.client.Search(context.Background(), zonekind.Commune, "Pa", 0)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].Code != "75056" || results[0].Libelle != "Paris" {
		t.Errorf("results = %+v", results)
	}

	results, err = ts.client.Search(context.Background(), zonekind.Commune, "zz", 5)
	if err != nil || len(results) != 0 {
		t.Errorf("Search(zz) = %+v, %v", results, err)
	}
}

func TestHandlers_Validation(t *testing.T) {
	ts := newTestService(t, false)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantError  string
	}{
		{"malformed body", zoneservice.PathAtomicRectangle, `{`, http.StatusBadRequest, "Invalid request body"},
		{"latitude out of range", zoneservice.PathAtomicRectangle, `{"lat_min":-91,"lat_max":48,"lng_min":2,"lng_max":3}`, http.StatusBadRequest, "lat_min must be a valid latitude"},
		{"inverted rectangle", zoneservice.PathAtomicRectangle, `{"lat_min":49,"lat_max":48,"lng_min":2,"lng_max":3}`, http.StatusBadRequest, "invalid rectangle"},
		{"missing kind", zoneservice.PathCoarseRectangle, `{"lat_min":48,"lat_max":49,"lng_min":2,"lng_max":3}`, http.StatusBadRequest, "type_zone is required"},
		{"unknown kind", zoneservice.PathCodes, `{"type_zone":"canton","codes":["1"]}`, http.StatusUnprocessableEntity, "unknown zone kind"},
		{"empty codes", zoneservice.PathCodes, `{"type_zone":"commune","codes":[]}`, http.StatusOK, ""},
		{"missing query", zoneservice.PathSearch, `{"type_zone":"commune"}`, http.StatusBadRequest, "recherche is required"},
		{"limit too large", zoneservice.PathSearch, `{"type_zone":"commune","recherche":"pa","limit":500}`, http.StatusBadRequest, "limit failed validation: lte"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			ts.server.Config.Handler.ServeHTTP(rr, req)

			var env zoneservice.Envelope
			testutil.DecodeJSON(t, rr, &env)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%+v)", rr.Code, tt.wantStatus, env)
			}
			if tt.wantError != "" && !strings.Contains(env.Error, tt.wantError) {
				t.Errorf("error = %q, want it to contain %q", env.Error, tt.wantError)
			}
			if env.Success != (tt.wantStatus == http.StatusOK) {
				t.Errorf("success = %v", env.Success)
			}
		})
	}
}

func TestHandlers_StorageFailure(t *testing.T) {
	ts := newTestService(t, false)
	ts.storage.mu.Lock()
	ts.storage.fail = errors.New("connection refused")
	ts.storage.mu.Unlock()

	_, err := ts.client.AtomicRectangle(context.Background(), parisRect, nil)
	var se *zoneservice.Error
	if !errors.As(err, &se) || se.Status != http.StatusInternalServerError {
		t.Fatalf("error = %v", err)
	}

	if err := ts.client.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() succeeded with failing storage")
	}
}

func TestHandlers_Health(t *testing.T) {
	ts := newTestService(t, false)
	if err := ts.client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestHandlers_RedisCache(t *testing.T) {
	ts := newTestService(t, true)
	ctx := context.Background()
	hits := promtest.ToFloat64(metrics.ZoneDataCacheHitsTotal)

	for i := 0; i < 3; i++ {
		data, err := ts.client.CoarseRectangle(ctx, parisRect, zonekind.Commune, "session-"+string(rune('a'+i)))
		if err != nil || len(data.Zones) != 1 {
			t.Fatalf("CoarseRectangle() #%d = %+v, %v", i, data, err)
		}
	}
	if n := ts.storage.Calls("coarse"); n != 1 {
		t.Errorf("storage queried %d times, want 1", n)
	}
	if got := promtest.ToFloat64(metrics.ZoneDataCacheHitsTotal) - hits; got != 2 {
		t.Errorf("cache hits = %v, want 2", got)
	}

	// Exclusion lists in a different order share the entry.
	if _, err := ts.client.AtomicRectangle(ctx, parisRect, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if _, err := ts.client.AtomicRectangle(ctx, parisRect, []string{"b", "a"}); err != nil {
		t.Fatal(err)
	}
	if n := ts.storage.Calls("atomic"); n != 1 {
		t.Errorf("atomic storage queried %d times, want 1", n)
	}

	// Expired entries are fetched again.
	ts.redis.FastForward(2 * time.Minute)
	if _, err := ts.client.CoarseRectangle(ctx, parisRect, zonekind.Commune, ""); err != nil {
		t.Fatal(err)
	}
	if n := ts.storage.Calls("coarse"); n != 2 {
		t.Errorf("storage queried %d times after expiry, want 2", n)
	}

	// Searches are not cached.
	for i := 0; i < 2; i++ {
		if _, err := ts.client.Search(ctx, zonekind.Commune, "pa", 0); err != nil {
			t.Fatal(err)
		}
	}
	if n := ts.storage.Calls("search"); n != 2 {
		t.Errorf("search storage queried %d times, want 2", n)
	}
}

func TestNewRedisCache_Disabled(t *testing.T) {
	c, err := NewRedisCache(context.Background(), config.RedisConfig{})
	if err != nil || c != nil {
		t.Errorf("NewRedisCache(empty) = %v, %v", c, err)
	}
}

func TestRedisCache_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := NewRedisCache(context.Background(), config.RedisConfig{Addr: addr, TTL: time.Minute}); err == nil {
		t.Error("NewRedisCache() succeeded against a closed server")
	}
}
