package database

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/mediaposte/server/internal/zonekind"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
)

// ImportResult summarizes a GeoJSON import.
type ImportResult struct {
	Stored  int
	Skipped int
}

// ImportFeatures reads a GeoJSON FeatureCollection and stores its features
// as zones of kind. The code is read from the property named after the
// kind's code column (or the feature id), the label from its label column
// and foyers from "foyers". Features without a code or with an invalid
// geometry are skipped.
func (s *ZoneStorage) ImportFeatures(ctx context.Context, kind zonekind.ID, r io.Reader) (ImportResult, error) {
	k, err := s.kind(kind)
	if err != nil {
		return ImportResult{}, err
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return ImportResult{}, fmt.Errorf("read features: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return ImportResult{}, fmt.Errorf("decode feature collection: %w", err)
	}

	atomic, coarse, skipped := featuresToInputs(k, fc)
	var res ImportResult
	res.Skipped = skipped
	if k.Atomic {
		err = s.UpsertAtomic(ctx, atomic)
		res.Stored = len(atomic)
	} else {
		err = s.UpsertCoarse(ctx, kind, coarse)
		res.Stored = len(coarse)
	}
	if err != nil {
		return ImportResult{}, err
	}
	s.log.Info("features imported",
		zap.String("kind", string(kind)),
		zap.Int("stored", res.Stored),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

func featuresToInputs(k *zonekind.Kind, fc *geojson.FeatureCollection) (atomic []AtomicInput, coarse []CoarseInput, skipped int) {
	for _, f := range fc.Features {
		code := propertyString(f.Properties, k.CodeField)
		if code == "" && f.ID != nil {
			code = fmt.Sprint(f.ID)
		}
		if code == "" || f.Geometry == nil {
			skipped++
			continue
		}
		geom, err := geojson.NewGeometry(f.Geometry).MarshalJSON()
		if err != nil || !k.ValidCode(code) {
			skipped++
			continue
		}
		if k.Atomic {
			foyers := int(f.Properties.MustFloat64("foyers", 0))
			if foyers < 0 {
				skipped++
				continue
			}
			atomic = append(atomic, AtomicInput{ID: code, Foyers: foyers, Geometry: json.RawMessage(geom)})
			continue
		}
		coarse = append(coarse, CoarseInput{
			Code:     code,
			Label:    propertyString(f.Properties, k.LabelField),
			Geometry: json.RawMessage(geom),
		})
	}
	return atomic, coarse, skipped
}

// propertyString reads a property as a string; numeric codes are common in
// open data exports.
func propertyString(p geojson.Properties, key string) string {
	if key == "" {
		return ""
	}
	switch v := p[key].(type) {
	case string:
		return v
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
