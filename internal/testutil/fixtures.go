package testutil

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mediaposte/server/internal/zone"
	"github.com/mediaposte/server/internal/zonekind"
)

// RandomCode generates a numeric code of the given length
func RandomCode(length int) string {
	const charset = "0123456789"
	b := make([]byte, length)
	seed := time.Now().UnixNano()
	for i := range b {
		seed = seed*1103515245 + 12345 // Simple LCG
		idx := int(seed % int64(len(charset)))
		if idx < 0 {
			idx = -idx
		}
		b[i] = charset[idx]
	}
	return string(b)
}

// SquareGeometry returns a closed GeoJSON polygon for the box.
func SquareGeometry(minX, minY, maxX, maxY float64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"type":"Polygon","coordinates":[[[%v,%v],[%v,%v],[%v,%v],[%v,%v],[%v,%v]]]}`,
		minX, minY, maxX, minY, maxX, maxY, minX, maxY, minX, minY))
}

// PolygonGeometry returns a closed GeoJSON polygon through the given
// [lng,lat] points. The ring is closed automatically.
func PolygonGeometry(points ...[2]float64) json.RawMessage {
	parts := make([]string, 0, len(points)+1)
	for _, p := range points {
		parts = append(parts, fmt.Sprintf("[%v,%v]", p[0], p[1]))
	}
	parts = append(parts, fmt.Sprintf("[%v,%v]", points[0][0], points[0][1]))
	return json.RawMessage(`{"type":"Polygon","coordinates":[[` + strings.Join(parts, ",") + `]]}`)
}

// ZoneRecord is the wire form of a zone served by FakeZoneService.
type ZoneRecord struct {
	ID       string          `json:"id,omitempty"`
	Code     string          `json:"code,omitempty"`
	Nom      string          `json:"nom,omitempty"`
	Foyers   interface{}     `json:"foyers,omitempty"`
	Geometry json.RawMessage `json:"geometry"`
}

// AtomicRecord builds an atomic unit record covering the box.
func AtomicRecord(id string, foyers int, minX, minY, maxX, maxY float64) ZoneRecord {
	return ZoneRecord{ID: id, Foyers: foyers, Geometry: SquareGeometry(minX, minY, maxX, maxY)}
}

// CoarseRecord builds a coarse zone record covering the box.
func CoarseRecord(code, nom string, minX, minY, maxX, maxY float64) ZoneRecord {
	return ZoneRecord{Code: code, Nom: nom, Geometry: SquareGeometry(minX, minY, maxX, maxY)}
}

// NewZone builds a zone with a square geometry or fails the test.
func NewZone(t testing.TB, kind zonekind.ID, id string, foyers int, minX, minY, maxX, maxY float64) *zone.Zone {
	t.Helper()
	return NewZoneFromGeometry(t, kind, id, foyers, SquareGeometry(minX, minY, maxX, maxY))
}

// NewZoneFromGeometry builds a zone from raw GeoJSON or fails the test.
func NewZoneFromGeometry(t testing.TB, kind zonekind.ID, id string, foyers int, geometry json.RawMessage) *zone.Zone {
	t.Helper()
	z, err := zone.New(kind, zone.Record{
		ID:       json.RawMessage(fmt.Sprintf("%q", id)),
		Foyers:   json.RawMessage(fmt.Sprintf("%d", foyers)),
		Geometry: geometry,
	})
	if err != nil {
		t.Fatalf("build zone %s: %v", id, err)
	}
	return z
}
