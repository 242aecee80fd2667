package api

import (
	"github.com/mediaposte/server/internal/geometry"
	"github.com/mediaposte/server/internal/selection"
	"github.com/mediaposte/server/internal/session"
	"github.com/mediaposte/server/internal/zonekind"
)

type storeRequest struct {
	Adresse   string  `json:"adresse" validate:"required,max=512"`
	Longitude float64 `json:"longitude" validate:"longitude"`
	Latitude  float64 `json:"latitude" validate:"latitude"`
}

type viewportRequest struct {
	Bounds geometry.Rect `json:"bounds"`
	Zoom   float64       `json:"zoom" validate:"gte=0,lte=24"`
	Force  bool          `json:"force"`
}

type zonesRequest struct {
	Bounds   geometry.Rect `json:"bounds"`
	Geometry bool          `json:"geometry"`
}

type zoneTypeRequest struct {
	ZoneType zonekind.ID `json:"type_zone" validate:"required"`
}

type zoneTypeResponse struct {
	Decision string           `json:"decision"`
	Session  session.Snapshot `json:"session"`
}

type toolRequest struct {
	Tool session.Tool `json:"tool" validate:"required,oneof=manual box geometry"`
}

type clickRequest struct {
	Longitude float64 `json:"lng" validate:"longitude"`
	Latitude  float64 `json:"lat" validate:"latitude"`
}

type boxRequest struct {
	Bounds geometry.Rect `json:"bounds"`
	Remove bool          `json:"remove"`
}

type drawingResponse struct {
	Selected int               `json:"selected"`
	Summary  selection.Summary `json:"summary"`
}

type importRequest struct {
	Mode session.ImportMode `json:"mode" validate:"required,oneof=new add remove"`
	// Codes or the raw content of an uploaded file; Codes wins when both
	// are set.
	Codes   []string `json:"codes" validate:"max=20000"`
	Content string   `json:"content" validate:"max=1000000"`
}

type searchRequest struct {
	Query string `json:"recherche" validate:"required,max=128"`
}

type searchResponse struct {
	Results []session.SearchResult `json:"resultats"`
}

type clearRequest struct {
	Scope session.Scope `json:"scope" validate:"required,oneof=all current"`
}

type resetRequest struct {
	KeepStore bool `json:"keep_store"`
}

type convertResponse struct {
	Status string `json:"status"`
}
