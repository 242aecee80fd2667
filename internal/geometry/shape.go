package geometry

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/peterstace/simplefeatures/geom"
)

// Shape is a validated Polygon or MultiPolygon. The orb form serves
// bounds and containment, the simplefeatures form serves exact overlay
// operations. All areas are planar, in square degrees, so ratios between
// them are consistent.
type Shape struct {
	raw     json.RawMessage
	outline orb.Geometry
	exact   geom.Geometry
	box     Box
	area    float64
}

// Parse validates raw GeoJSON and builds a Shape from it.
func Parse(raw json.RawMessage) (*Shape, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	// Ring topology is not checked: real outlines carry small
	// self-crossings, and overlay failures on them count as zero area.
	exact, err := geom.UnmarshalGeoJSON(raw, geom.NoValidate{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	box, ok := BoundingBox(g.Geometry())
	if !ok {
		return nil, fmt.Errorf("%w: geometry has no extent", ErrInvalidGeometry)
	}
	return &Shape{
		raw:     append(json.RawMessage(nil), raw...),
		outline: g.Geometry(),
		exact:   exact,
		box:     box,
		area:    exact.Area(),
	}, nil
}

// FromOrb builds a Shape from an orb Polygon or MultiPolygon, such as a
// geometry drawn by the operator.
func FromOrb(g orb.Geometry) (*Shape, error) {
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon:
	default:
		return nil, fmt.Errorf("%w: unsupported geometry type %T", ErrInvalidGeometry, g)
	}
	raw, err := geojson.NewGeometry(g).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}
	return Parse(raw)
}

// Raw returns the GeoJSON the shape was built from.
func (s *Shape) Raw() json.RawMessage { return s.raw }

// Outline returns the orb geometry.
func (s *Shape) Outline() orb.Geometry { return s.outline }

// Box returns the cached bounding box.
func (s *Shape) Box() Box { return s.box }

// Area returns the planar area in square degrees.
func (s *Shape) Area() float64 { return s.area }

// Area returns the planar area of s. It is the single area function used
// for every coverage ratio.
func Area(s *Shape) float64 {
	if s == nil {
		return 0
	}
	return s.area
}

// GeodesicAreaKm2 returns the surface of s on the sphere, for reporting only.
func GeodesicAreaKm2(s *Shape) float64 {
	return geo.Area(s.outline) / 1e6
}

// Piece is the result of an exact overlay operation.
type Piece struct {
	g geom.Geometry
}

// Area returns the planar area of the piece.
func (p Piece) Area() float64 { return p.g.Area() }

// Empty reports whether the piece covers nothing.
func (p Piece) Empty() bool { return p.g.IsEmpty() }

// Result carries an area or the reason it could not be computed. A failed
// Result contributes zero area.
type Result struct {
	Area float64
	Err  error
}

// OK reports whether the computation succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Intersect returns the exact intersection of a and b. Shapes whose boxes
// do not overlap yield an empty piece without any overlay work.
func Intersect(a, b *Shape) (Piece, error) {
	if a == nil || b == nil || !BoxesOverlap(a.box, b.box) {
		return Piece{}, nil
	}
	g, err := overlay("intersection", func() (geom.Geometry, error) {
		return geom.Intersection(a.exact, b.exact)
	})
	if err != nil {
		return Piece{}, err
	}
	return Piece{g: g}, nil
}

// IntersectionArea returns the area of a ∩ b.
func IntersectionArea(a, b *Shape) Result {
	p, err := Intersect(a, b)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Area: p.Area()}
}

// Union merges pieces into one.
func Union(pieces []Piece) (Piece, error) {
	if len(pieces) == 0 {
		return Piece{}, nil
	}
	acc := pieces[0].g
	for _, p := range pieces[1:] {
		next := p.g
		merged, err := overlay("union", func() (geom.Geometry, error) {
			return geom.Union(acc, next)
		})
		if err != nil {
			return Piece{}, err
		}
		acc = merged
	}
	return Piece{g: acc}, nil
}

// UnionArea returns the area of the union of possibly overlapping pieces.
func UnionArea(pieces []Piece) Result {
	u, err := Union(pieces)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Area: u.Area()}
}

// Intersects is the exact intersection predicate used to decide selection.
// A panic on a malformed shape reports no intersection.
func Intersects(a, b *Shape) (ok bool) {
	if a == nil || b == nil || !BoxesOverlap(a.box, b.box) {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return geom.Intersects(a.exact, b.exact)
}

// Contains reports whether p lies inside s.
func Contains(s *Shape, p orb.Point) bool {
	if s == nil || !s.box.ContainsPoint(p) {
		return false
	}
	switch g := s.outline.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, p)
	}
	return false
}

// overlay runs an overlay operation and turns a panic inside the geometry
// library into an error.
func overlay(op string, fn func() (geom.Geometry, error)) (g geom.Geometry, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", op, r)
		}
	}()
	g, err = fn()
	if err != nil {
		return geom.Geometry{}, fmt.Errorf("%s: %w", op, err)
	}
	return g, nil
}

// Circle approximates a circle of radiusMeters around center with a closed
// ring of segments vertices. Longitude offsets are scaled by cos(lat).
func Circle(center orb.Point, radiusMeters float64, segments int) orb.Polygon {
	if segments < 8 {
		segments = 8
	}
	dLat := radiusMeters / (KmPerDegree * 1000)
	cosLat := math.Cos(center[1] * math.Pi / 180)
	if cosLat < 1e-6 {
		cosLat = 1e-6
	}
	dLng := dLat / cosLat

	ring := make(orb.Ring, 0, segments+1)
	for i := 0; i < segments; i++ {
		theta := 2 * math.Pi * float64(i) / float64(segments)
		ring = append(ring, orb.Point{center[0] + dLng*math.Cos(theta), center[1] + dLat*math.Sin(theta)})
	}
	ring = append(ring, ring[0])
	return orb.Polygon{ring}
}

// RectPolygon returns r as a closed counter-clockwise polygon.
func RectPolygon(r Rect) orb.Polygon {
	return orb.Polygon{orb.Ring{
		{r.LngMin, r.LatMin},
		{r.LngMax, r.LatMin},
		{r.LngMax, r.LatMax},
		{r.LngMin, r.LatMax},
		{r.LngMin, r.LatMin},
	}}
}
