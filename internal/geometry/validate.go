package geometry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidGeometry wraps every validation failure.
var ErrInvalidGeometry = errors.New("invalid geometry")

// Validate checks a raw GeoJSON geometry: Polygon or MultiPolygon, every
// ring closed with at least 4 positions, every coordinate a finite number
// inside [-180,180] x [-90,90].
func Validate(raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: geometry is missing", ErrInvalidGeometry)
	}
	var geo struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
	}
	if err := json.Unmarshal(raw, &geo); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	switch strings.ToLower(geo.Type) {
	case "polygon":
		return validatePolygonCoordinates(geo.Coordinates)
	case "multipolygon":
		return validateMultiPolygonCoordinates(geo.Coordinates)
	default:
		return fmt.Errorf("%w: unsupported geometry type %q (expected Polygon or MultiPolygon)", ErrInvalidGeometry, geo.Type)
	}
}

func validatePolygonCoordinates(raw json.RawMessage) error {
	// Decoding into float64 rejects strings, nulls and nested garbage.
	var rings [][][]float64
	if err := json.Unmarshal(raw, &rings); err != nil {
		return fmt.Errorf("%w: polygon coordinates: %v", ErrInvalidGeometry, err)
	}
	if len(rings) == 0 {
		return fmt.Errorf("%w: polygon must contain at least one ring", ErrInvalidGeometry)
	}
	for i, ring := range rings {
		if len(ring) < 4 {
			return fmt.Errorf("%w: ring %d must contain at least 4 points", ErrInvalidGeometry, i)
		}
		for _, vertex := range ring {
			if err := validatePosition(vertex); err != nil {
				return fmt.Errorf("ring %d: %w", i, err)
			}
		}
		if !pointsEqual(ring[0], ring[len(ring)-1]) {
			return fmt.Errorf("%w: ring %d must be closed", ErrInvalidGeometry, i)
		}
	}
	return nil
}

func validateMultiPolygonCoordinates(raw json.RawMessage) error {
	var polygons []json.RawMessage
	if err := json.Unmarshal(raw, &polygons); err != nil {
		return fmt.Errorf("%w: multipolygon coordinates: %v", ErrInvalidGeometry, err)
	}
	if len(polygons) == 0 {
		return fmt.Errorf("%w: multipolygon must contain at least one polygon", ErrInvalidGeometry)
	}
	for idx, polygon := range polygons {
		if err := validatePolygonCoordinates(polygon); err != nil {
			return fmt.Errorf("polygon %d: %w", idx, err)
		}
	}
	return nil
}

func validatePosition(vertex []float64) error {
	if len(vertex) < 2 {
		return fmt.Errorf("%w: position has insufficient coordinates", ErrInvalidGeometry)
	}
	lng, lat := vertex[0], vertex[1]
	if !isFinite(lng) || !isFinite(lat) {
		return fmt.Errorf("%w: coordinates must be finite numbers", ErrInvalidGeometry)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("%w: longitude out of range: %f", ErrInvalidGeometry, lng)
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude out of range: %f", ErrInvalidGeometry, lat)
	}
	return nil
}

func pointsEqual(a, b []float64) bool {
	if len(a) < 2 || len(b) < 2 {
		return false
	}
	return a[0] == b[0] && a[1] == b[1]
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
