package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mediaposte/server/internal/geometry"
	"github.com/mediaposte/server/internal/loader"
	"github.com/mediaposte/server/internal/zone"
	"github.com/mediaposte/server/internal/zonekind"
	"github.com/mediaposte/server/internal/zoneservice"
	"github.com/mediaposte/server/internal/zonestore"
	"go.uber.org/zap"
)

var ErrNoValidCodes = errors.New("no valid code to import")

// ImportMode says how imported codes combine with the active selection.
type ImportMode string

const (
	ImportNew    ImportMode = "new"
	ImportAdd    ImportMode = "add"
	ImportRemove ImportMode = "remove"
)

// Region is a named rectangle scanned when importing atomic units that are
// not cached.
type Region struct {
	Name string
	Rect geometry.Rect
}

// Regions covers metropolitan France and Corsica.
var Regions = []Region{
	{"Île-de-France", geometry.Rect{LatMin: 48.0, LatMax: 49.5, LngMin: 1.5, LngMax: 3.5}},
	{"Sud-Est", geometry.Rect{LatMin: 42.5, LatMax: 46.5, LngMin: 3.5, LngMax: 7.5}},
	{"Sud-Ouest", geometry.Rect{LatMin: 42.5, LatMax: 46.5, LngMin: -2.0, LngMax: 3.5}},
	{"Nord-Est", geometry.Rect{LatMin: 47.0, LatMax: 50.5, LngMin: 3.5, LngMax: 8.5}},
	{"Nord-Ouest", geometry.Rect{LatMin: 47.0, LatMax: 50.5, LngMin: -5.0, LngMax: 3.5}},
	{"Corse", geometry.Rect{LatMin: 41.3, LatMax: 43.1, LngMin: 8.5, LngMax: 9.6}},
}

// ImportReport summarizes an import.
type ImportReport struct {
	Mode     ImportMode `json:"mode"`
	Found    int        `json:"found"`
	NotFound []string   `json:"notFound"`
	Invalid  []string   `json:"invalid"`
	Added    int        `json:"added"`
	Removed  int        `json:"removed"`
}

// ParseCodes splits pasted text or file content into codes. Lines are
// split on newlines, or on ';', ',' or tabs when the content is a single
// line; only the first column of a multi-column line is kept. Duplicates
// are dropped, order is kept.
func ParseCodes(content string) []string {
	sep := "\n"
	switch {
	case strings.Contains(content, ";") && !strings.Contains(content, "\n"):
		sep = ";"
	case strings.Contains(content, ",") && !strings.Contains(content, "\n"):
		sep = ","
	case strings.Contains(content, "\t") && !strings.Contains(content, "\n"):
		sep = "\t"
	}

	var codes []string
	for _, line := range strings.Split(content, sep) {
		line = strings.TrimSpace(line)
		if i := strings.IndexAny(line, ",;\t"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line != "" {
			codes = append(codes, line)
		}
	}
	return dedupe(codes)
}

func dedupe(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Import adds, replaces or removes zones of the active type by code.
// Codes that do not match the type's code pattern are reported as invalid
// and never sent to the zone data service.
func (s *Session) Import(ctx context.Context, mode ImportMode, codes []string) (ImportReport, error) {
	report := ImportReport{Mode: mode, NotFound: []string{}, Invalid: []string{}}
	switch mode {
	case ImportNew, ImportAdd, ImportRemove:
	default:
		return report, fmt.Errorf("unknown import mode %q", mode)
	}
	if s.converting.Load() {
		s.notify(LevelWarning, "Conversion in progress, please wait")
		return report, ErrConverting
	}

	kind := s.ctrl.CurrentKind()
	var valid []string
	for _, c := range dedupe(codes) {
		if kind.ValidCode(c) {
			valid = append(valid, c)
		} else {
			report.Invalid = append(report.Invalid, c)
		}
	}
	if len(valid) == 0 {
		s.notify(LevelError, "No valid %s code found", kind.Label)
		return report, ErrNoValidCodes
	}

	if mode == ImportRemove {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, c := range valid {
			var removed bool
			if kind.Atomic {
				removed = s.sel.RemoveFinal(c)
			} else {
				removed = s.sel.RemoveTemp(c)
			}
			if removed {
				report.Removed++
				report.Found++
			} else {
				report.NotFound = append(report.NotFound, c)
			}
		}
		s.notify(LevelSuccess, "%d %s removed from the selection", report.Removed, kind.Label)
		return report, nil
	}

	if s.loader.Loading() || !s.importing.CompareAndSwap(false, true) {
		s.notify(LevelWarning, "Loading in progress, please wait")
		return report, loader.ErrBusy
	}
	defer s.importing.Store(false)

	var (
		zones []*zone.Zone
		err   error
	)
	if kind.Atomic {
		zones, err = s.importAtomic(ctx, valid)
	} else {
		zones, err = s.importCoarse(ctx, kind, valid)
	}
	if err != nil {
		s.notify(LevelError, "Import failed: %s", zoneservice.UserMessage(err))
		return report, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if mode == ImportNew {
		if kind.Atomic {
			s.sel.ClearFinal()
		} else {
			s.sel.ClearTemp()
		}
	}
	found := make(map[string]bool, len(zones))
	for _, z := range zones {
		found[z.ID] = true
		if kind.Atomic {
			if !s.sel.HasFinal(z.ID) {
				report.Added++
			}
			s.sel.AddFinal(z)
		} else {
			if !s.sel.HasTemp(z.ID) {
				report.Added++
			}
			s.sel.AddTemp(z)
		}
	}
	for _, c := range valid {
		if !found[c] {
			report.NotFound = append(report.NotFound, c)
		}
	}
	report.Found = len(found)

	s.log.Info("codes imported",
		zap.String("kind", string(kind.ID)),
		zap.String("mode", string(mode)),
		zap.Int("found", report.Found),
		zap.Int("not_found", len(report.NotFound)),
		zap.Int("invalid", len(report.Invalid)),
	)
	if report.Found == 0 {
		s.notify(LevelWarning, "No %s found", kind.Label)
		return report, nil
	}
	if kind.Atomic {
		s.notify(LevelSuccess, "Import done: %d %s imported (%d households)", report.Found, kind.Label, s.sel.AggregateFoyers())
	} else {
		s.notify(LevelSuccess, "Import done: %d %s imported, validate the selection to convert it", report.Found, kind.Label)
	}
	return report, nil
}

// importCoarse fetches coarse zones by code and caches them.
func (s *Session) importCoarse(ctx context.Context, kind *zonekind.Kind, codes []string) ([]*zone.Zone, error) {
	data, err := s.svc.ZonesByCodes(ctx, kind.ID, codes)
	if err != nil {
		return nil, err
	}
	zones := s.build(kind.ID, data.Zones)
	s.store.UpsertAll(zonestore.Coarse, zones)
	return zones, nil
}

// importAtomic takes cached units first and scans the regions for the rest.
// A failed region is skipped.
func (s *Session) importAtomic(ctx context.Context, codes []string) ([]*zone.Zone, error) {
	kind := s.kinds.Atomic().ID
	remaining := make(map[string]bool, len(codes))
	var zones []*zone.Zone
	for _, c := range codes {
		if z, ok := s.store.Get(zonestore.Atomic, c); ok {
			zones = append(zones, z)
		} else {
			remaining[c] = true
		}
	}

	var lastErr error
	scanned := 0
	for _, region := range Regions {
		if len(remaining) == 0 {
			break
		}
		scanned++
		data, err := s.svc.AtomicRectangle(ctx, region.Rect, nil)
		if err != nil {
			s.log.Warn("region scan failed", zap.String("region", region.Name), zap.Error(err))
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		var matched []zone.Record
		for _, rec := range data.Zones {
			if id := recordID(rec); remaining[id] {
				matched = append(matched, rec)
			}
		}
		for _, z := range s.build(kind, matched) {
			if remaining[z.ID] {
				delete(remaining, z.ID)
				zones = append(zones, z)
			}
		}
	}
	if len(zones) == 0 && lastErr != nil && scanned > 0 {
		return nil, lastErr
	}
	s.store.AddMissing(zonestore.Atomic, zones)
	return zones, nil
}

// build keeps the records that make valid zones.
func (s *Session) build(kind zonekind.ID, records []zone.Record) []*zone.Zone {
	zones := make([]*zone.Zone, 0, len(records))
	for _, rec := range records {
		z, err := zone.New(kind, rec)
		if err != nil {
			s.log.Debug("dropping imported zone", zap.Error(err))
			continue
		}
		zones = append(zones, z)
	}
	return zones
}

// recordID is the id a record will get once built.
func recordID(rec zone.Record) string {
	for _, raw := range [][]byte{rec.Code, rec.ID} {
		v := strings.Trim(strings.TrimSpace(string(raw)), `"`)
		if v != "" && v != "null" {
			return v
		}
	}
	return ""
}
