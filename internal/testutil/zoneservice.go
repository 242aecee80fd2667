package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// FakeZoneService serves the zone data service endpoints from in-memory
// records and counts the calls it receives.
type FakeZoneService struct {
	Server *httptest.Server

	mu       sync.Mutex
	atomic   []ZoneRecord
	coarse   map[string][]ZoneRecord
	superior map[string][]ZoneRecord
	fail     bool
	hold     chan struct{}
	calls    map[string]int
	last     map[string]map[string]interface{}
}

// NewFakeZoneService starts a fake service that is closed when the test ends.
func NewFakeZoneService(t testing.TB) *FakeZoneService {
	t.Helper()
	f := &FakeZoneService{
		coarse:   make(map[string][]ZoneRecord),
		superior: make(map[string][]ZoneRecord),
		calls:    make(map[string]int),
		last:     make(map[string]map[string]interface{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/zones/rectangle", f.handleAtomicRectangle)
	mux.HandleFunc("/api/france/rectangle", f.handleCoarseRectangle)
	mux.HandleFunc("/api/france/zones/codes", f.handleCodes)
	mux.HandleFunc("/api/france/recherche", f.handleSearch)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeFakeJSON(w, map[string]string{"status": "ok", "service": "fake-zone-service"})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

// URL returns the base URL of the fake service.
func (f *FakeZoneService) URL() string { return f.Server.URL }

// Close stops the server and releases any held request.
func (f *FakeZoneService) Close() {
	f.Release()
	f.Server.Close()
}

// AddAtomic registers atomic unit records.
func (f *FakeZoneService) AddAtomic(records ...ZoneRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.atomic = append(f.atomic, records...)
}

// AddCoarse registers coarse zone records for a zone type.
func (f *FakeZoneService) AddCoarse(typeZone string, records ...ZoneRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coarse[typeZone] = append(f.coarse[typeZone], records...)
}

// AddSuperior registers superior outlines returned with a zone type.
func (f *FakeZoneService) AddSuperior(typeZone string, records ...ZoneRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.superior[typeZone] = append(f.superior[typeZone], records...)
}

// SetFail makes every endpoint answer with success=false.
func (f *FakeZoneService) SetFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

// Hold blocks every request until Release is called.
func (f *FakeZoneService) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hold == nil {
		f.hold = make(chan struct{})
	}
}

// Release unblocks held requests.
func (f *FakeZoneService) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hold != nil {
		close(f.hold)
		f.hold = nil
	}
}

// Calls returns how many requests reached path.
func (f *FakeZoneService) Calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

// LastRequest returns the decoded body of the last request to path.
func (f *FakeZoneService) LastRequest(path string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last[path]
}

func (f *FakeZoneService) begin(w http.ResponseWriter, r *http.Request) (map[string]interface{}, bool) {
	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.calls[r.URL.Path]++
	f.last[r.URL.Path] = body
	hold := f.hold
	fail := f.fail
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return nil, false
		}
	}
	if fail {
		writeFakeJSON(w, map[string]interface{}{"success": false, "error": "service unavailable"})
		return nil, false
	}
	return body, true
}

func (f *FakeZoneService) handleAtomicRectangle(w http.ResponseWriter, r *http.Request) {
	body, ok := f.begin(w, r)
	if !ok {
		return
	}
	excluded := make(map[string]bool)
	if ids, ok := body["exclude_ids"].([]interface{}); ok {
		for _, id := range ids {
			if s, ok := id.(string); ok {
				excluded[s] = true
			}
		}
	}
	rect := bodyRect(body)

	f.mu.Lock()
	zones := make([]ZoneRecord, 0)
	for _, rec := range f.atomic {
		if !excluded[rec.ID] && rect.overlaps(recordBox(rec)) {
			zones = append(zones, rec)
		}
	}
	f.mu.Unlock()

	writeFakeJSON(w, map[string]interface{}{"success": true, "data": map[string]interface{}{"zones": zones}})
}

func (f *FakeZoneService) handleCoarseRectangle(w http.ResponseWriter, r *http.Request) {
	body, ok := f.begin(w, r)
	if !ok {
		return
	}
	typeZone, _ := body["type_zone"].(string)
	rect := bodyRect(body)

	f.mu.Lock()
	zones := make([]ZoneRecord, 0)
	for _, rec := range f.coarse[typeZone] {
		if rect.overlaps(recordBox(rec)) {
			zones = append(zones, rec)
		}
	}
	superior := append([]ZoneRecord(nil), f.superior[typeZone]...)
	f.mu.Unlock()

	writeFakeJSON(w, map[string]interface{}{"success": true, "data": map[string]interface{}{
		"zones":           zones,
		"zones_superieur": superior,
	}})
}

func (f *FakeZoneService) handleCodes(w http.ResponseWriter, r *http.Request) {
	body, ok := f.begin(w, r)
	if !ok {
		return
	}
	typeZone, _ := body["type_zone"].(string)
	codes, _ := body["codes"].([]interface{})

	f.mu.Lock()
	byCode := make(map[string]ZoneRecord)
	for _, rec := range f.coarse[typeZone] {
		byCode[rec.Code] = rec
	}
	f.mu.Unlock()

	zones := make([]ZoneRecord, 0)
	missing := make([]string, 0)
	for _, c := range codes {
		code, _ := c.(string)
		if rec, ok := byCode[code]; ok {
			zones = append(zones, rec)
		} else {
			missing = append(missing, code)
		}
	}
	writeFakeJSON(w, map[string]interface{}{"success": true, "data": map[string]interface{}{
		"zones":             zones,
		"codes_non_trouves": missing,
	}})
}

func (f *FakeZoneService) handleSearch(w http.ResponseWriter, r *http.Request) {
	body, ok := f.begin(w, r)
	if !ok {
		return
	}
	typeZone, _ := body["type_zone"].(string)
	query, _ := body["recherche"].(string)
	limit := 20
	if l, ok := body["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	f.mu.Lock()
	results := make([]map[string]string, 0)
	for _, rec := range f.coarse[typeZone] {
		if len(results) >= limit {
			break
		}
		if strings.Contains(strings.ToLower(rec.Nom), strings.ToLower(query)) || strings.HasPrefix(rec.Code, query) {
			results = append(results, map[string]string{"code": rec.Code, "libelle": rec.Nom})
		}
	}
	f.mu.Unlock()

	writeFakeJSON(w, map[string]interface{}{"success": true, "data": map[string]interface{}{"resultats": results}})
}

type fakeBox struct{ minX, minY, maxX, maxY float64 }

func (b fakeBox) overlaps(o fakeBox) bool {
	return !(b.maxX < o.minX || o.maxX < b.minX || b.maxY < o.minY || o.maxY < b.minY)
}

func bodyRect(body map[string]interface{}) fakeBox {
	get := func(key string) float64 {
		v, _ := body[key].(float64)
		return v
	}
	return fakeBox{minX: get("lng_min"), minY: get("lat_min"), maxX: get("lng_max"), maxY: get("lat_max")}
}

func recordBox(rec ZoneRecord) fakeBox {
	var g struct {
		Coordinates [][][]float64 `json:"coordinates"`
	}
	if err := json.Unmarshal(rec.Geometry, &g); err != nil || len(g.Coordinates) == 0 {
		return fakeBox{minX: 1, maxX: -1}
	}
	b := fakeBox{minX: 181, minY: 91, maxX: -181, maxY: -91}
	for _, p := range g.Coordinates[0] {
		if len(p) < 2 {
			continue
		}
		if p[0] < b.minX {
			b.minX = p[0]
		}
		if p[0] > b.maxX {
			b.maxX = p[0]
		}
		if p[1] < b.minY {
			b.minY = p[1]
		}
		if p[1] > b.maxY {
			b.maxY = p[1]
		}
	}
	return b
}

func writeFakeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
