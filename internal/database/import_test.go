package database

import (
	"testing"

	"github.com/mediaposte/server/internal/zonekind"
	"github.com/paulmach/orb/geojson"
)

const featuresJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"code_insee": "75056", "nom_commune": "Paris"},
     "geometry": {"type": "Polygon", "coordinates": [[[2.3,48.8],[2.4,48.8],[2.4,48.9],[2.3,48.9],[2.3,48.8]]]}},
    {"type": "Feature", "properties": {"code_insee": 92012, "nom_commune": "Boulogne-Billancourt"},
     "geometry": {"type": "Polygon", "coordinates": [[[2.2,48.8],[2.3,48.8],[2.3,48.9],[2.2,48.9],[2.2,48.8]]]}},
    {"type": "Feature", "properties": {"nom_commune": "Sans code"},
     "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,1],[0,0]]]}},
    {"type": "Feature", "properties": {"code_insee": "75101"}, "geometry": null}
  ]
}`

func TestFeaturesToInputs_Coarse(t *testing.T) {
	fc, err := geojson.UnmarshalFeatureCollection([]byte(featuresJSON))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	k := zonekind.Default().MustLookup(zonekind.Commune)

	atomic, coarse, skipped := featuresToInputs(k, fc)
	if len(atomic) != 0 {
		t.Errorf("atomic inputs = %d, want 0", len(atomic))
	}
	if skipped != 2 {
		t.Errorf("skipped = %d, want 2", skipped)
	}
	if len(coarse) != 2 {
		t.Fatalf("coarse inputs = %d, want 2", len(coarse))
	}
	if coarse[0].Code != "75056" || coarse[0].Label != "Paris" {
		t.Errorf("first = %+v", coarse[0])
	}
	if coarse[1].Code != "92012" {
		t.Errorf("numeric code read as %q", coarse[1].Code)
	}
}

func TestFeaturesToInputs_Atomic(t *testing.T) {
	raw := `{"type":"FeatureCollection","features":[
	  {"type":"Feature","id":1001,"properties":{"foyers":80},
	   "geometry":{"type":"Polygon","coordinates":[[[2.3,48.8],[2.4,48.8],[2.4,48.9],[2.3,48.9],[2.3,48.8]]]}},
	  {"type":"Feature","properties":{"id":"A12","foyers":3},
	   "geometry":{"type":"Polygon","coordinates":[[[2.3,48.8],[2.4,48.8],[2.4,48.9],[2.3,48.9],[2.3,48.8]]]}},
	  {"type":"Feature","properties":{"id":"1002","foyers":-1},
	   "geometry":{"type":"Polygon","coordinates":[[[2.3,48.8],[2.4,48.8],[2.4,48.9],[2.3,48.9],[2.3,48.8]]]}}
	]}`
	fc, err := geojson.UnmarshalFeatureCollection([]byte(raw))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	atomic, _, skipped := featuresToInputs(zonekind.Default().Atomic(), fc)
	if len(atomic) != 1 || atomic[0].ID != "1001" || atomic[0].Foyers != 80 {
		t.Errorf("atomic = %+v", atomic)
	}
	// A12 fails the code pattern, 1002 has negative foyers.
	if skipped != 2 {
		t.Errorf("skipped = %d, want 2", skipped)
	}
}
