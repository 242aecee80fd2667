package geometry

import (
	"math"

	"github.com/paulmach/orb"
)

// KmPerDegree is the length of one degree of latitude.
const KmPerDegree = 111.0

// Box is an axis-aligned bounding box in lng (X) / lat (Y) degrees.
type Box struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// BoundingBox returns the box enclosing every coordinate of g. ok is false
// for nil, empty or non-finite geometries; callers exclude such zones from
// spatial work.
func BoundingBox(g orb.Geometry) (Box, bool) {
	if g == nil {
		return Box{}, false
	}
	// orb reports empty geometries with Min > Max
	box := BoxFromBound(g.Bound())
	if !box.finite() || box.MinX > box.MaxX || box.MinY > box.MaxY {
		return Box{}, false
	}
	return box, true
}

// BoxFromBound converts an orb bound.
func BoxFromBound(b orb.Bound) Box {
	return Box{MinX: b.Min[0], MinY: b.Min[1], MaxX: b.Max[0], MaxY: b.Max[1]}
}

// Bound converts back to an orb bound.
func (b Box) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinX, b.MinY}, Max: orb.Point{b.MaxX, b.MaxY}}
}

// BoxesOverlap reports whether a and b share at least one point. Touching
// edges count as overlap.
func BoxesOverlap(a, b Box) bool {
	return !(a.MaxX < b.MinX || b.MaxX < a.MinX || a.MaxY < b.MinY || b.MaxY < a.MinY)
}

// Expand grows the box by margin degrees on every side.
func (b Box) Expand(margin float64) Box {
	return Box{MinX: b.MinX - margin, MinY: b.MinY - margin, MaxX: b.MaxX + margin, MaxY: b.MaxY + margin}
}

// ExpandRatio grows the box by ratio of its own width and height on every side.
func (b Box) ExpandRatio(ratio float64) Box {
	dx := (b.MaxX - b.MinX) * ratio
	dy := (b.MaxY - b.MinY) * ratio
	return Box{MinX: b.MinX - dx, MinY: b.MinY - dy, MaxX: b.MaxX + dx, MaxY: b.MaxY + dy}
}

// Union returns the smallest box containing b and o.
func (b Box) Union(o Box) Box {
	return Box{
		MinX: math.Min(b.MinX, o.MinX),
		MinY: math.Min(b.MinY, o.MinY),
		MaxX: math.Max(b.MaxX, o.MaxX),
		MaxY: math.Max(b.MaxY, o.MaxY),
	}
}

// ContainsPoint reports whether p lies inside or on the box.
func (b Box) ContainsPoint(p orb.Point) bool {
	return p[0] >= b.MinX && p[0] <= b.MaxX && p[1] >= b.MinY && p[1] <= b.MaxY
}

// Rect converts the box to lat/lng bounds.
func (b Box) Rect() Rect {
	return Rect{LatMin: b.MinY, LatMax: b.MaxY, LngMin: b.MinX, LngMax: b.MaxX}
}

func (b Box) finite() bool {
	return isFinite(b.MinX) && isFinite(b.MinY) && isFinite(b.MaxX) && isFinite(b.MaxY)
}

// UnionBoxes returns the box enclosing all boxes. ok is false when boxes is empty.
func UnionBoxes(boxes []Box) (Box, bool) {
	if len(boxes) == 0 {
		return Box{}, false
	}
	out := boxes[0]
	for _, b := range boxes[1:] {
		out = out.Union(b)
	}
	return out, true
}

// Rect is a geographic rectangle as exchanged with the zone data service.
type Rect struct {
	LatMin float64 `json:"lat_min"`
	LatMax float64 `json:"lat_max"`
	LngMin float64 `json:"lng_min"`
	LngMax float64 `json:"lng_max"`
}

// Box converts the rectangle to a bounding box.
func (r Rect) Box() Box {
	return Box{MinX: r.LngMin, MinY: r.LatMin, MaxX: r.LngMax, MaxY: r.LatMax}
}

// Contains reports full, inclusive containment of o.
func (r Rect) Contains(o Rect) bool {
	return r.LatMin <= o.LatMin && r.LatMax >= o.LatMax &&
		r.LngMin <= o.LngMin && r.LngMax >= o.LngMax
}

// Valid reports whether the rectangle has finite, ordered bounds inside
// the geographic range.
func (r Rect) Valid() bool {
	for _, v := range []float64{r.LatMin, r.LatMax, r.LngMin, r.LngMax} {
		if !isFinite(v) {
			return false
		}
	}
	return r.LatMin <= r.LatMax && r.LngMin <= r.LngMax &&
		r.LatMin >= -90 && r.LatMax <= 90 && r.LngMin >= -180 && r.LngMax <= 180
}

// InViewport reports whether b overlaps view grown by marginRatio of its
// size on every side.
func InViewport(b Box, view Rect, marginRatio float64) bool {
	return BoxesOverlap(b, view.Box().ExpandRatio(marginRatio))
}

// FilterInViewport keeps the items whose box lies in view grown by
// marginRatio.
func FilterInViewport[T any](items []T, box func(T) Box, view Rect, marginRatio float64) []T {
	area := view.Box().ExpandRatio(marginRatio)
	out := make([]T, 0, len(items))
	for _, it := range items {
		if BoxesOverlap(box(it), area) {
			out = append(out, it)
		}
	}
	return out
}

// Around returns the rectangle centered on p with the given half-extents.
func Around(p orb.Point, latSpan, lngSpan float64) Rect {
	return Rect{LatMin: p[1] - latSpan, LatMax: p[1] + latSpan, LngMin: p[0] - lngSpan, LngMax: p[0] + lngSpan}
}

// BoundsAreaKm2 approximates the surface of r using 111 km per degree and
// the cosine of the center latitude for longitude.
func BoundsAreaKm2(r Rect) float64 {
	midLat := (r.LatMin + r.LatMax) / 2
	width := (r.LngMax - r.LngMin) * KmPerDegree * math.Cos(midLat*math.Pi/180)
	height := (r.LatMax - r.LatMin) * KmPerDegree
	return math.Abs(width * height)
}
