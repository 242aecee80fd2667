// Package zone defines the immutable zone value shared by caches,
// selections and the conversion engine.
package zone

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mediaposte/server/internal/geometry"
	"github.com/mediaposte/server/internal/zonekind"
)

// Zone is one geographic unit. A Zone is never modified after New returns;
// a re-fetched zone replaces the old value.
type Zone struct {
	ID     string
	Kind   zonekind.ID
	Label  string
	Foyers int
	Shape  *geometry.Shape
}

// Box returns the zone's bounding box.
func (z *Zone) Box() geometry.Box { return z.Shape.Box() }

// Record is a zone as returned by the zone data service. The service is
// loose about field names so every variant is accepted.
type Record struct {
	ID       json.RawMessage `json:"id,omitempty"`
	Code     json.RawMessage `json:"code,omitempty"`
	Nom      string          `json:"nom,omitempty"`
	Libelle  string          `json:"libelle,omitempty"`
	Label    string          `json:"label,omitempty"`
	Foyers   json.RawMessage `json:"foyers,omitempty"`
	Geometry json.RawMessage `json:"geometry"`
}

// New validates a record and builds the zone. Records without an id or
// with invalid geometry are rejected.
func New(kind zonekind.ID, r Record) (*Zone, error) {
	id := scalarString(r.Code)
	if id == "" {
		id = scalarString(r.ID)
	}
	if id == "" {
		return nil, fmt.Errorf("zone record has neither code nor id")
	}

	shape, err := geometry.Parse(r.Geometry)
	if err != nil {
		return nil, fmt.Errorf("zone %s: %w", id, err)
	}

	label := firstNonEmpty(r.Libelle, r.Label, r.Nom, id)
	return &Zone{
		ID:     id,
		Kind:   kind,
		Label:  label,
		Foyers: parseFoyers(r.Foyers),
		Shape:  shape,
	}, nil
}

// Info is the compact JSON view of a zone.
type Info struct {
	ID       string          `json:"id"`
	Kind     zonekind.ID     `json:"type_zone"`
	Label    string          `json:"nom"`
	Foyers   int             `json:"foyers"`
	Geometry json.RawMessage `json:"geometry,omitempty"`
}

// Info returns the JSON view, with geometry when requested.
func (z *Zone) Info(withGeometry bool) Info {
	info := Info{ID: z.ID, Kind: z.Kind, Label: z.Label, Foyers: z.Foyers}
	if withGeometry {
		info.Geometry = z.Shape.Raw()
	}
	return info
}

// scalarString accepts both JSON strings and numbers as identifiers.
func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// parseFoyers treats missing, non-numeric and negative counts as 0.
func parseFoyers(raw json.RawMessage) int {
	s := scalarString(raw)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return int(f)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
