package zonedata

import (
	"github.com/mediaposte/server/internal/geometry"
	"github.com/mediaposte/server/internal/zonekind"
)

const defaultSearchLimit = 20

type bounds struct {
	LatMin float64 `json:"lat_min" validate:"latitude"`
	LatMax float64 `json:"lat_max" validate:"latitude"`
	LngMin float64 `json:"lng_min" validate:"longitude"`
	LngMax float64 `json:"lng_max" validate:"longitude"`
}

func (b bounds) rect() geometry.Rect {
	return geometry.Rect{LatMin: b.LatMin, LatMax: b.LatMax, LngMin: b.LngMin, LngMax: b.LngMax}
}

type atomicRectangleRequest struct {
	bounds
	ExcludeIDs []string `json:"exclude_ids" validate:"max=50000,dive,required,max=64"`
}

type coarseRectangleRequest struct {
	bounds
	TypeZone  zonekind.ID `json:"type_zone" validate:"required"`
	IDSession string      `json:"id_session" validate:"max=64"`
}

type codesRequest struct {
	TypeZone zonekind.ID `json:"type_zone" validate:"required"`
	Codes    []string    `json:"codes" validate:"required,max=20000,dive,required,max=32"`
}

type searchRequest struct {
	TypeZone  zonekind.ID `json:"type_zone" validate:"required"`
	Recherche string      `json:"recherche" validate:"required,max=128"`
	Limit     int         `json:"limit" validate:"gte=0,lte=100"`
}
