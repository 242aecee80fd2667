package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mediaposte/server/internal/auth"
	"github.com/mediaposte/server/internal/config"
	"github.com/mediaposte/server/internal/session"
	"github.com/mediaposte/server/internal/testutil"
	"github.com/mediaposte/server/internal/zoneservice"
)

const (
	hostKeyA = "host-a-key-0123456789abcdef"
	hostKeyB = "host-b-key-0123456789abcdef"
)

type testServer struct {
	*httptest.Server
	fake    *testutil.FakeZoneService
	manager *session.Manager
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			Environment:    "test",
			AllowedOrigins: []string{"http://host.example"},
			RateLimit:      "1000-M",
		},
		Auth: config.AuthConfig{
			JWTSecret:     "test_jwt_secret_key_32_bytes_long!!",
			JWTExpiration: 15 * time.Minute,
			Issuer:        "mediaposte-test",
			BCryptCost:    4,
		},
		ZoneService: config.ZoneServiceConfig{BaseURL: baseURL, Timeout: 5 * time.Second, SearchLimit: 20},
		Loader: config.LoaderConfig{
			StudyLatSpan:     0.25,
			StudyLngSpan:     0.35,
			ValidationMargin: 0.005,
			ViewportMargin:   0.2,
		},
		Conversion: config.ConversionConfig{
			MinCoverageRatio:  0.4,
			EarlyAcceptFactor: 1.5,
			ExactBandFactor:   0.8,
			BoundsMargin:      0.001,
			BatchSize:         20,
		},
	}
	keys := auth.NewKeyService(cfg)
	cfg.Auth.HostKeys = map[string]string{}
	for host, key := range map[string]string{"host-a": hostKeyA, "host-b": hostKeyB} {
		hash, err := keys.HashKey(key)
		if err != nil {
			t.Fatalf("HashKey() failed: %v", err)
		}
		cfg.Auth.HostKeys[host] = hash
	}
	return cfg
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	fake := testutil.NewFakeZoneService(t)
	fake.AddAtomic(
		testutil.AtomicRecord("1001", 100, 2.31, 48.81, 2.32, 48.82),
		testutil.AtomicRecord("1002", 50, 2.35, 48.85, 2.36, 48.86),
		testutil.AtomicRecord("1003", 70, 2.50, 48.95, 2.51, 48.96),
	)
	fake.AddCoarse("commune",
		testutil.CoarseRecord("75056", "Paris", 2.30, 48.80, 2.40, 48.90),
		testutil.CoarseRecord("92012", "Issy-les-Moulineaux", 2.20, 48.80, 2.30, 48.90),
	)

	cfg := testConfig(t, fake.URL())
	manager := session.NewManager(session.Options{
		Config:  cfg,
		Service: zoneservice.NewClient(cfg, nil),
	}, time.Hour)
	router, err := NewRouter(cfg, manager, nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		manager.Close()
	})
	return &testServer{Server: srv, fake: fake, manager: manager}
}

// token exchanges a host key for a bearer token.
func (ts *testServer) token(t *testing.T, host, key string) string {
	t.Helper()
	rr := ts.do(t, "", http.MethodPost, "/api/v1/auth/token", map[string]string{"host_id": host, "api_key": key})
	testutil.ExpectStatus(t, rr, http.StatusOK)
	var resp auth.TokenResponse
	testutil.DecodeJSON(t, rr, &resp)
	return resp.AccessToken
}

func (ts *testServer) do(t *testing.T, token, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	helper := testutil.NewHTTPTestHelper(ts.Config.Handler)
	helper.Token = token
	return helper.MakeRequest(method, path, body)
}

func (ts *testServer) createSession(t *testing.T, token string) session.Snapshot {
	t.Helper()
	rr := ts.do(t, token, http.MethodPost, "/api/v1/sessions", nil)
	testutil.ExpectStatus(t, rr, http.StatusCreated)
	var snap session.Snapshot
	testutil.DecodeJSON(t, rr, &snap)
	return snap
}

var parisView = map[string]interface{}{
	"bounds": map[string]float64{"lat_min": 48.78, "lat_max": 48.92, "lng_min": 2.18, "lng_max": 2.42},
	"zoom":   14,
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, "", http.MethodGet, "/health", nil)
	testutil.ExpectStatus(t, rr, http.StatusOK)
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}

	rr = ts.do(t, "", http.MethodGet, "/metrics", nil)
	testutil.ExpectStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "mediaposte_active_sessions") {
		t.Error("metrics output lacks the session gauge")
	}
}

func TestSessionRoutes_RequireAuth(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, "", http.MethodPost, "/api/v1/sessions", nil)
	testutil.ExpectStatus(t, rr, http.StatusUnauthorized)

	rr = ts.do(t, "", http.MethodPost, "/api/v1/auth/token", map[string]string{"host_id": "host-a", "api_key": hostKeyB})
	testutil.ExpectStatus(t, rr, http.StatusUnauthorized)

	tokenA := ts.token(t, "host-a", hostKeyA)
	tokenB := ts.token(t, "host-b", hostKeyB)
	snap := ts.createSession(t, tokenA)

	rr = ts.do(t, tokenB, http.MethodGet, "/api/v1/sessions/"+snap.ID, nil)
	testutil.ExpectStatus(t, rr, http.StatusForbidden)

	rr = ts.do(t, tokenA, http.MethodGet, "/api/v1/sessions/unknown", nil)
	testutil.ExpectStatus(t, rr, http.StatusNotFound)
	var e errorResponse
	testutil.DecodeJSON(t, rr, &e)
	if e.Code != "SessionNotFound" || e.Error == "" {
		t.Errorf("error body = %+v", e)
	}

	rr = ts.do(t, tokenA, http.MethodDelete, "/api/v1/sessions/"+snap.ID, nil)
	testutil.ExpectStatus(t, rr, http.StatusNoContent)
	if ts.manager.Len() != 0 {
		t.Error("session not deleted")
	}
}

func TestSessionFlow_ConvertCommune(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "host-a", hostKeyA)
	id := ts.createSession(t, token).ID
	base := "/api/v1/sessions/" + id

	rr := ts.do(t, token, http.MethodPost, base+"/viewport", parisView)
	testutil.ExpectStatus(t, rr, http.StatusConflict)

	rr = ts.do(t, token, http.MethodPost, base+"/store", map[string]interface{}{
		"adresse": "1 rue de Rivoli, Paris", "longitude": 2.35, "latitude": 48.85,
	})
	testutil.ExpectStatus(t, rr, http.StatusOK)

	rr = ts.do(t, token, http.MethodPost, base+"/store", map[string]interface{}{
		"adresse": "nowhere", "longitude": 200, "latitude": 48.85,
	})
	testutil.ExpectStatus(t, rr, http.StatusBadRequest)

	rr = ts.do(t, token, http.MethodPost, base+"/viewport", parisView)
	testutil.ExpectStatus(t, rr, http.StatusOK)

	rr = ts.do(t, token, http.MethodPost, base+"/click", map[string]float64{"lng": 2.315, "lat": 48.815})
	testutil.ExpectStatus(t, rr, http.StatusOK)
	var click session.ClickResult
	testutil.DecodeJSON(t, rr, &click)
	if click.ZoneID != "1001" || !click.Selected || click.Summary.FinalCount != 1 {
		t.Fatalf("click = %+v", click)
	}

	rr = ts.do(t, token, http.MethodPost, base+"/zone-type", map[string]string{"type_zone": "commune"})
	testutil.ExpectStatus(t, rr, http.StatusAccepted)
	var change zoneTypeResponse
	testutil.DecodeJSON(t, rr, &change)
	if change.Decision != "needs_confirmation" || change.Session.Pending == nil {
		t.Fatalf("zone-type response = %+v", change)
	}

	rr = ts.do(t, token, http.MethodPost, base+"/zone-type/confirm", nil)
	testutil.ExpectStatus(t, rr, http.StatusOK)
	testutil.DecodeJSON(t, rr, &change)
	if change.Session.ZoneType != "commune" || len(change.Session.Final) != 0 {
		t.Fatalf("after confirm = %+v", change.Session)
	}

	rr = ts.do(t, token, http.MethodPost, base+"/convert", nil)
	testutil.ExpectStatus(t, rr, http.StatusUnprocessableEntity)

	rr = ts.do(t, token, http.MethodPost, base+"/click", map[string]float64{"lng": 2.35, "lat": 48.85})
	testutil.ExpectStatus(t, rr, http.StatusOK)

	rr = ts.do(t, token, http.MethodPost, base+"/convert", nil)
	testutil.ExpectStatus(t, rr, http.StatusAccepted)

	snap := waitIdle(t, ts, token, base)
	if snap.ZoneType != "mediaposte" {
		t.Errorf("zone type after conversion = %s", snap.ZoneType)
	}
	if snap.Summary.FinalCount != 2 || snap.Summary.TotalFoyers != 150 || len(snap.Temp) != 0 {
		t.Errorf("summary = %+v, temp = %v", snap.Summary, snap.Temp)
	}
	if snap.LastReport == nil || snap.LastReport.Selected != 2 {
		t.Errorf("last report = %+v", snap.LastReport)
	}

	rr = ts.do(t, token, http.MethodGet, base+"/study", nil)
	testutil.ExpectStatus(t, rr, http.StatusOK)
	var study session.Study
	testutil.DecodeJSON(t, rr, &study)
	if study.Selection.TotalFoyers != 150 || len(study.Selection.TabUsl) != 2 {
		t.Errorf("study = %+v", study)
	}
}

func waitIdle(t *testing.T, ts *testServer, token, base string) session.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rr := ts.do(t, token, http.MethodGet, base, nil)
		testutil.ExpectStatus(t, rr, http.StatusOK)
		var snap session.Snapshot
		testutil.DecodeJSON(t, rr, &snap)
		if !snap.Converting {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatal("conversion did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionRoutes_Validation(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "host-a", hostKeyA)
	base := "/api/v1/sessions/" + ts.createSession(t, token).ID

	tests := []struct {
		name       string
		path       string
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{"unknown tool", "/tool", map[string]string{"tool": "lasso"}, http.StatusBadRequest, "ValidationError"},
		{"unknown clear scope", "/clear", map[string]string{"scope": "some"}, http.StatusBadRequest, "ValidationError"},
		{"import mode", "/import", map[string]interface{}{"mode": "merge", "codes": []string{"1"}}, http.StatusBadRequest, "ValidationError"},
		{"import invalid codes", "/import", map[string]interface{}{"mode": "add", "content": "abc\nxyz"}, http.StatusUnprocessableEntity, "NoValidCodes"},
		{"short search", "/search", map[string]string{"recherche": "p"}, http.StatusUnprocessableEntity, "QueryTooShort"},
		{"unknown shape", "/geometry", map[string]string{"type": "triangle"}, http.StatusUnprocessableEntity, "InvalidGeometry"},
		{"bad zones bounds", "/zones", map[string]interface{}{"bounds": map[string]float64{"lat_min": 2, "lat_max": 1}}, http.StatusUnprocessableEntity, "InvalidBounds"},
		{"no pending change", "/zone-type/confirm", nil, http.StatusConflict, "NoPendingChange"},
		{"same zone type", "/zone-type", map[string]string{"type_zone": "mediaposte"}, http.StatusConflict, "SameZoneType"},
		{"unknown zone type", "/zone-type", map[string]string{"type_zone": "canton"}, http.StatusUnprocessableEntity, "UnknownZoneType"},
		{"save study without store", "", nil, http.StatusConflict, "NoStore"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method, path := http.MethodPost, base+tt.path
			if tt.name == "save study without store" {
				method, path = http.MethodGet, base+"/study"
			}
			rr := ts.do(t, token, method, path, tt.body)
			testutil.ExpectStatus(t, rr, tt.wantStatus)
			var e errorResponse
			testutil.DecodeJSON(t, rr, &e)
			if e.Code != tt.wantCode {
				t.Errorf("code = %q, want %q (%s)", e.Code, tt.wantCode, e.Error)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
	}{
		{session.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", session.ErrForbidden), http.StatusForbidden},
		{session.ErrConverting, http.StatusConflict},
		{session.ErrUnknownTool, http.StatusUnprocessableEntity},
		{&zoneservice.Error{Endpoint: zoneservice.PathSearch, Message: "down"}, http.StatusBadGateway},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := statusFor(tt.err); got != tt.wantStatus {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.wantStatus)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sessions", nil)
	req.Header.Set("Origin", "http://host.example")
	rr := httptest.NewRecorder()
	ts.Config.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "http://host.example" {
		t.Errorf("preflight = %d, %v", rr.Code, rr.Header())
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/sessions", nil)
	req.Header.Set("Origin", "http://evil.example")
	rr = httptest.NewRecorder()
	ts.Config.Handler.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unknown origin allowed")
	}
}

func TestEventStreamPayload(t *testing.T) {
	ev := session.Event{Type: session.EventNotice, Notice: &session.Notice{Level: session.LevelInfo, Message: "hi"}}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"type":"notice"`) || strings.Contains(string(b), "progress") {
		t.Errorf("event = %s", b)
	}
}
