package geometry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/paulmach/orb"
)

func square(minX, minY, maxX, maxY float64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"type":"Polygon","coordinates":[[[%v,%v],[%v,%v],[%v,%v],[%v,%v],[%v,%v]]]}`,
		minX, minY, maxX, minY, maxX, maxY, minX, maxY, minX, minY))
}

func mustParse(t *testing.T, raw json.RawMessage) *Shape {
	t.Helper()
	s, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%s) failed: %v", raw, err)
	}
	return s
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"polygon", string(square(0, 0, 1, 1)), false},
		{"multipolygon", `{"type":"MultiPolygon","coordinates":[[[[0,0],[1,0],[1,1],[0,0]]],[[[2,2],[3,2],[3,3],[2,2]]]]}`, false},
		{"missing", ``, true},
		{"null", `null`, true},
		{"point", `{"type":"Point","coordinates":[1,2]}`, true},
		{"ring too short", `{"type":"Polygon","coordinates":[[[0,0],[1,0],[0,0]]]}`, true},
		{"open ring", `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1]]]}`, true},
		{"string coordinate", `{"type":"Polygon","coordinates":[[["0",0],[1,0],[1,1],["0",0]]]}`, true},
		{"longitude out of range", `{"type":"Polygon","coordinates":[[[0,0],[181,0],[1,1],[0,0]]]}`, true},
		{"latitude out of range", `{"type":"Polygon","coordinates":[[[0,0],[1,-91],[1,1],[0,0]]]}`, true},
		{"empty polygon", `{"type":"Polygon","coordinates":[]}`, true},
		{"empty multipolygon", `{"type":"MultiPolygon","coordinates":[]}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidGeometry) {
				t.Errorf("Expected ErrInvalidGeometry, got %v", err)
			}
		})
	}
}

func TestBoundingBox(t *testing.T) {
	s := mustParse(t, square(2, 48, 3, 49))
	want := Box{MinX: 2, MinY: 48, MaxX: 3, MaxY: 49}
	if s.Box() != want {
		t.Errorf("Box() = %+v, want %+v", s.Box(), want)
	}

	if _, ok := BoundingBox(nil); ok {
		t.Error("BoundingBox(nil) should fail softly")
	}
	if _, ok := BoundingBox(orb.Polygon{}); ok {
		t.Error("BoundingBox(empty polygon) should fail softly")
	}
}

func TestBoxesOverlap(t *testing.T) {
	a := Box{0, 0, 10, 10}
	tests := []struct {
		name string
		b    Box
		want bool
	}{
		{"inside", Box{2, 2, 3, 3}, true},
		{"partial", Box{5, 5, 15, 15}, true},
		{"touching edge", Box{10, 0, 20, 10}, true},
		{"touching corner", Box{10, 10, 11, 11}, true},
		{"disjoint x", Box{10.001, 0, 20, 10}, false},
		{"disjoint y", Box{0, -5, 10, -0.001}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BoxesOverlap(a, tt.b); got != tt.want {
				t.Errorf("BoxesOverlap() = %v, want %v", got, tt.want)
			}
			if got := BoxesOverlap(tt.b, a); got != tt.want {
				t.Errorf("BoxesOverlap() not symmetric")
			}
		})
	}
}

func TestIntersectionArea(t *testing.T) {
	coarse := mustParse(t, square(0, 0, 10, 10))

	tests := []struct {
		name string
		unit json.RawMessage
		want float64
	}{
		{"fully inside", square(2, 2, 4, 4), 4},
		{"partial", square(8, 0, 12, 10), 20},
		{"disjoint", square(20, 20, 30, 30), 0},
		{"touching edge", square(10, 0, 12, 10), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := IntersectionArea(coarse, mustParse(t, tt.unit))
			if !r.OK() {
				t.Fatalf("IntersectionArea failed: %v", r.Err)
			}
			if math.Abs(r.Area-tt.want) > 1e-9 {
				t.Errorf("IntersectionArea = %v, want %v", r.Area, tt.want)
			}
		})
	}
}

func TestUnionArea(t *testing.T) {
	unit := mustParse(t, square(0, 0, 10, 10))
	left := mustParse(t, square(-5, 0, 6, 10))
	right := mustParse(t, square(4, 0, 15, 10))

	var pieces []Piece
	for _, s := range []*Shape{left, right} {
		p, err := Intersect(s, unit)
		if err != nil {
			t.Fatalf("Intersect failed: %v", err)
		}
		pieces = append(pieces, p)
	}

	// The two pieces overlap on [4,6], the sum double counts it.
	sum := pieces[0].Area() + pieces[1].Area()
	if math.Abs(sum-120) > 1e-9 {
		t.Errorf("sum of pieces = %v, want 120", sum)
	}
	r := UnionArea(pieces)
	if !r.OK() {
		t.Fatalf("UnionArea failed: %v", r.Err)
	}
	if math.Abs(r.Area-100) > 1e-9 {
		t.Errorf("UnionArea = %v, want 100", r.Area)
	}

	if r := UnionArea(nil); !r.OK() || r.Area != 0 {
		t.Errorf("UnionArea(nil) = %+v, want zero", r)
	}
}

func TestIntersects(t *testing.T) {
	a := mustParse(t, square(0, 0, 10, 10))
	if !Intersects(a, mustParse(t, square(5, 5, 6, 6))) {
		t.Error("Expected overlapping squares to intersect")
	}
	if Intersects(a, mustParse(t, square(11, 11, 12, 12))) {
		t.Error("Expected disjoint squares not to intersect")
	}

	// Boxes overlap but the triangle stays away from the square.
	tri := mustParse(t, json.RawMessage(`{"type":"Polygon","coordinates":[[[10.5,0],[20,0],[20,9.5],[10.5,0]]]}`))
	small := mustParse(t, square(9, 8, 11, 10))
	if !BoxesOverlap(tri.Box(), small.Box()) {
		t.Fatal("test setup: boxes should overlap")
	}
	if Intersects(tri, small) {
		t.Error("Intersects must be exact, not box based")
	}
}

// Outlines with self-crossings or touching parts are common in real
// boundary data. They parse, and overlay on them never panics.
func TestParse_AcceptsNonSimpleOutlines(t *testing.T) {
	tests := []struct {
		name string
		raw  json.RawMessage
	}{
		{"bowtie", json.RawMessage(`{"type":"Polygon","coordinates":[[[0,0],[10,10],[10,0],[0,10],[0,0]]]}`)},
		{"spike", json.RawMessage(`{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[5,10],[5,15],[5,10],[0,10],[0,0]]]}`)},
		{"overlapping parts", json.RawMessage(`{"type":"MultiPolygon","coordinates":[` +
			`[[[0,0],[6,0],[6,10],[0,10],[0,0]]],[[[4,0],[10,0],[10,10],[4,10],[4,0]]]]}`)},
	}

	coarse := mustParse(t, square(0, 0, 10, 10))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.raw); err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			s, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got := s.Box(); got.MinX != 0 || got.MaxX != 10 {
				t.Errorf("Box() = %+v", got)
			}

			r := IntersectionArea(coarse, s)
			if !r.OK() && r.Area != 0 {
				t.Errorf("failed intersection carries area %v", r.Area)
			}
			_ = Intersects(coarse, s)
			_ = Contains(s, orb.Point{2, 5})
		})
	}
}

func TestContains(t *testing.T) {
	s := mustParse(t, json.RawMessage(`{"type":"MultiPolygon","coordinates":[[[[0,0],[1,0],[1,1],[0,1],[0,0]]],[[[5,5],[6,5],[6,6],[5,6],[5,5]]]]}`))
	if !Contains(s, orb.Point{0.5, 0.5}) || !Contains(s, orb.Point{5.5, 5.5}) {
		t.Error("Expected points inside both parts to be contained")
	}
	if Contains(s, orb.Point{3, 3}) {
		t.Error("Point between parts must not be contained")
	}
}

func TestFromOrbCircle(t *testing.T) {
	c := Circle(orb.Point{2.35, 48.85}, 1000, 64)
	s, err := FromOrb(c)
	if err != nil {
		t.Fatalf("FromOrb failed: %v", err)
	}
	if !Contains(s, orb.Point{2.35, 48.85}) {
		t.Error("Circle should contain its center")
	}
	km2 := GeodesicAreaKm2(s)
	if math.Abs(km2-math.Pi) > 0.2 {
		t.Errorf("Circle area = %v km2, want about %v", km2, math.Pi)
	}

	if _, err := FromOrb(orb.Point{1, 1}); err == nil {
		t.Error("FromOrb(point) should fail")
	}
}

func TestRectHelpers(t *testing.T) {
	outer := Rect{LatMin: 48, LatMax: 49, LngMin: 2, LngMax: 3}
	if !outer.Contains(Rect{LatMin: 48.2, LatMax: 48.8, LngMin: 2.1, LngMax: 3}) {
		t.Error("Expected inclusive containment")
	}
	if outer.Contains(Rect{LatMin: 47.9, LatMax: 48.8, LngMin: 2.1, LngMax: 2.9}) {
		t.Error("Partial overlap must not count as containment")
	}
	if !outer.Valid() || (Rect{LatMin: 2, LatMax: 1}).Valid() {
		t.Error("Valid() mismatch")
	}

	area := BoundsAreaKm2(Rect{LatMin: 0, LatMax: 1, LngMin: 0, LngMax: 1})
	if math.Abs(area-KmPerDegree*KmPerDegree*math.Cos(0.5*math.Pi/180)) > 1e-6 {
		t.Errorf("BoundsAreaKm2 = %v", area)
	}

	g := Box{0, 0, 10, 10}.ExpandRatio(0.2)
	if g != (Box{-2, -2, 12, 12}) {
		t.Errorf("ExpandRatio = %+v", g)
	}
	if u, ok := UnionBoxes([]Box{{0, 0, 1, 1}, {5, -1, 6, 0}}); !ok || u != (Box{0, -1, 6, 1}) {
		t.Errorf("UnionBoxes = %+v", u)
	}
	if got := RectPolygon(outer).Bound(); BoxFromBound(got) != outer.Box() {
		t.Errorf("RectPolygon bound = %+v", got)
	}
}

func TestFilterInViewport(t *testing.T) {
	view := Rect{LatMin: 0, LatMax: 10, LngMin: 0, LngMax: 10}
	boxes := []Box{
		{1, 1, 2, 2},
		{11, 11, 11.5, 11.5}, // inside the 20% margin
		{13, 13, 14, 14},
	}
	got := FilterInViewport(boxes, func(b Box) Box { return b }, view, 0.2)
	if len(got) != 2 || got[1] != boxes[1] {
		t.Errorf("FilterInViewport = %+v", got)
	}
	if InViewport(boxes[2], view, 0.2) || !InViewport(boxes[1], view, 0.2) {
		t.Error("InViewport mismatch")
	}
}
