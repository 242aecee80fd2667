package session

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/mediaposte/server/internal/geometry"
	"github.com/mediaposte/server/internal/selection"
	"github.com/mediaposte/server/internal/zone"
	"github.com/paulmach/orb"
	"go.uber.org/zap"
)

// Tool is the active selection tool.
type Tool string

const (
	ToolManual   Tool = "manual"
	ToolBox      Tool = "box"
	ToolGeometry Tool = "geometry"
)

// circleSegments is the vertex count of a drawn circle.
const circleSegments = 64

// SetTool changes the active selection tool.
func (s *Session) SetTool(t Tool) error {
	switch t {
	case ToolManual, ToolBox, ToolGeometry:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTool, t)
	}
	s.mu.Lock()
	s.tool = t
	s.mu.Unlock()
	return nil
}

// Tool returns the active selection tool.
func (s *Session) Tool() Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tool
}

// ClickResult reports what a click changed.
type ClickResult struct {
	ZoneID   string            `json:"zone_id,omitempty"`
	Selected bool              `json:"selected"`
	Summary  selection.Summary `json:"summary"`
}

// Click toggles the zone under p in the active selection: the final
// selection in atomic mode, the temporary one otherwise. A click that hits
// nothing changes nothing.
func (s *Session) Click(p orb.Point) (ClickResult, error) {
	if s.converting.Load() {
		s.notify(LevelWarning, "Conversion in progress, please wait")
		return ClickResult{}, ErrConverting
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tool != ToolManual {
		s.notify(LevelWarning, "Switch to the manual tool to select zones by clicking")
		return ClickResult{}, ErrToolInactive
	}

	cache := s.activeCache()
	var hits []*zone.Zone
	for _, z := range s.store.Search(cache, geometry.Box{MinX: p[0], MinY: p[1], MaxX: p[0], MaxY: p[1]}) {
		if geometry.Contains(z.Shape, p) {
			hits = append(hits, z)
		}
	}
	if len(hits) == 0 {
		return ClickResult{Summary: s.sel.Summary()}, nil
	}

	z := topmost(hits)
	var selected bool
	if s.ctrl.IsAtomic() {
		selected = s.sel.ToggleFinal(z)
	} else {
		selected = s.sel.ToggleTemp(z)
	}
	return ClickResult{ZoneID: z.ID, Selected: selected, Summary: s.sel.Summary()}, nil
}

// topmost picks the zone a click lands on when several contain the point:
// the smallest one, then the lowest id. Nested outlines and shared edges
// both resolve to a single zone. Areas within a relative 1e-9 are equal.
func topmost(hits []*zone.Zone) *zone.Zone {
	z := hits[0]
	for _, h := range hits[1:] {
		ha, za := geometry.Area(h.Shape), geometry.Area(z.Shape)
		same := math.Abs(ha-za) <= 1e-9*math.Max(ha, za)
		if (!same && ha < za) || (same && h.ID < z.ID) {
			z = h
		}
	}
	return z
}

// BoxResult reports what a box selection changed.
type BoxResult struct {
	Added   int               `json:"added"`
	Removed int               `json:"removed"`
	Summary selection.Summary `json:"summary"`
}

// SelectBox adds every cached zone of the active type that intersects r to
// the active selection, or removes the selected ones when remove is set.
func (s *Session) SelectBox(r geometry.Rect, remove bool) (BoxResult, error) {
	if s.converting.Load() {
		return BoxResult{}, ErrConverting
	}
	if !r.Valid() {
		return BoxResult{}, fmt.Errorf("%w: box", geometry.ErrInvalidGeometry)
	}
	shape, err := geometry.FromOrb(geometry.RectPolygon(r))
	if err != nil {
		return BoxResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	atomicMode := s.ctrl.IsAtomic()
	var res BoxResult
	if remove {
		members := s.sel.Temp()
		if atomicMode {
			members = s.sel.Final()
		}
		for _, z := range members {
			if !geometry.BoxesOverlap(z.Box(), shape.Box()) || !geometry.Intersects(shape, z.Shape) {
				continue
			}
			if atomicMode {
				s.sel.RemoveFinal(z.ID)
			} else {
				s.sel.RemoveTemp(z.ID)
			}
			res.Removed++
		}
	} else {
		for _, z := range s.store.Search(s.activeCache(), shape.Box()) {
			if !geometry.Intersects(shape, z.Shape) {
				continue
			}
			if atomicMode && !s.sel.HasFinal(z.ID) {
				s.sel.AddFinal(z)
				res.Added++
			} else if !atomicMode && !s.sel.HasTemp(z.ID) {
				s.sel.AddTemp(z)
				res.Added++
			}
		}
	}

	res.Summary = s.sel.Summary()
	switch {
	case res.Added > 0:
		s.notify(LevelSuccess, "%d zones added to the selection", res.Added)
	case res.Removed > 0:
		s.notify(LevelSuccess, "%d zones removed from the selection", res.Removed)
	}
	return res, nil
}

// Shape kinds accepted by the geometry tool.
const (
	ShapeCircle    = "circle"
	ShapePolygon   = "polygon"
	ShapeIsochrone = "isochrone"
)

// Drawing is a shape drawn with the geometry tool. Circles use Center and
// RadiusMeters; polygons and isochrones carry a GeoJSON geometry.
type Drawing struct {
	Type         string          `json:"type"`
	Center       orb.Point       `json:"center,omitempty"`
	RadiusMeters float64         `json:"radius_meters,omitempty"`
	Geometry     json.RawMessage `json:"geometry,omitempty"`
}

// Shape builds the drawn outline.
func (d Drawing) Shape() (*geometry.Shape, error) {
	switch d.Type {
	case ShapeCircle:
		if d.RadiusMeters <= 0 {
			return nil, fmt.Errorf("%w: radius must be positive", geometry.ErrInvalidGeometry)
		}
		return geometry.FromOrb(geometry.Circle(d.Center, d.RadiusMeters, circleSegments))
	case ShapePolygon, ShapeIsochrone:
		return geometry.Parse(d.Geometry)
	default:
		return nil, fmt.Errorf("%w: unknown shape %q", geometry.ErrInvalidGeometry, d.Type)
	}
}

// inside returns the cached zones of the active type that intersect shape.
func (s *Session) inside(shape *geometry.Shape) []*zone.Zone {
	var out []*zone.Zone
	for _, z := range s.store.Search(s.activeCache(), shape.Box()) {
		if geometry.Intersects(shape, z.Shape) {
			out = append(out, z)
		}
	}
	return out
}

// SelectDrawing replaces the active selection with the cached zones that
// intersect the drawn shape and returns how many were selected.
func (s *Session) SelectDrawing(d Drawing) (int, error) {
	if s.converting.Load() {
		return 0, ErrConverting
	}
	shape, err := d.Shape()
	if err != nil {
		s.notify(LevelWarning, "Invalid %s", d.Type)
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	zones := s.inside(shape)
	atomicMode := s.ctrl.IsAtomic()
	if atomicMode {
		s.sel.ClearFinal()
	} else {
		s.sel.ClearTemp()
	}
	for _, z := range zones {
		if atomicMode {
			s.sel.AddFinal(z)
		} else {
			s.sel.AddTemp(z)
		}
	}

	s.log.Debug("drawing selection",
		zap.String("shape", d.Type),
		zap.Int("selected", len(zones)),
		zap.Float64("area_km2", geometry.GeodesicAreaKm2(shape)),
	)
	s.notify(LevelSuccess, "%d %s selected in the %s", len(zones), s.ctrl.CurrentKind().Label, d.Type)
	return len(zones), nil
}

// Estimate is the precount of a drawn shape.
type Estimate struct {
	TotalFoyers int     `json:"totalFoyers"`
	ZonesCount  int     `json:"zonesCount"`
	AreaKm2     float64 `json:"area_km2"`
}

// EstimateDrawing counts what SelectDrawing would select without changing
// the selection. Households are only counted for atomic units.
func (s *Session) EstimateDrawing(d Drawing) (Estimate, error) {
	shape, err := d.Shape()
	if err != nil {
		return Estimate{}, err
	}
	zones := s.inside(shape)
	est := Estimate{ZonesCount: len(zones), AreaKm2: geometry.GeodesicAreaKm2(shape)}
	if s.ctrl.IsAtomic() {
		for _, z := range zones {
			est.TotalFoyers += z.Foyers
		}
	}
	return est, nil
}
