package session

import (
	"context"
	"errors"

	"github.com/mediaposte/server/internal/conversion"
	"github.com/mediaposte/server/internal/geometry"
	"github.com/mediaposte/server/internal/loader"
	"github.com/mediaposte/server/internal/zonestore"
	"github.com/paulmach/orb"
	"go.uber.org/zap"
)

// Study is the saved form of a targeting, as stored by the host.
type Study struct {
	Store     Location       `json:"store"`
	Selection StudySelection `json:"selection"`
}

// StudySelection lists the selected atomic units.
type StudySelection struct {
	TotalFoyers int      `json:"totalFoyers"`
	TabUsl      []string `json:"tabUsl"`
}

// RestoreReport says how much of a study came back.
type RestoreReport struct {
	Restored int      `json:"restored"`
	Total    int      `json:"total"`
	Missing  []string `json:"missing"`
}

// SaveStudy captures the store and the final selection.
func (s *Session) SaveStudy() (Study, error) {
	loc, ok := s.Location()
	if !ok {
		return Study{}, loader.ErrNoStore
	}
	if s.sel.FinalLen() == 0 {
		return Study{}, conversion.ErrEmptySelection
	}
	return Study{
		Store: loc,
		Selection: StudySelection{
			TotalFoyers: s.sel.AggregateFoyers(),
			TabUsl:      s.sel.FinalIDs(),
		},
	}, nil
}

// LoadStudy replaces the session state with a saved study: the session is
// reset, the store set, atomic mode forced, the units around the store
// loaded and the listed units reselected.
func (s *Session) LoadStudy(ctx context.Context, st Study) (RestoreReport, error) {
	report := RestoreReport{Total: len(st.Selection.TabUsl), Missing: []string{}}

	s.stopConversion()
	s.cancelSearch()
	s.loader.Wait()
	s.mu.Lock()
	s.resetLocked(false)
	s.mu.Unlock()

	if err := s.SetStore(st.Store); err != nil {
		return report, err
	}
	if len(st.Selection.TabUsl) == 0 {
		s.notify(LevelInfo, "Study loaded without selection")
		return report, nil
	}

	center := orb.Point{st.Store.Longitude, st.Store.Latitude}
	around := geometry.Around(center, s.cfg.Loader.StudyLatSpan, s.cfg.Loader.StudyLngSpan)
	_, err := s.loader.Load(ctx, loader.Request{
		View:        around,
		Zoom:        s.kinds.Atomic().DefaultZoom,
		Kind:        s.kinds.Atomic().ID,
		ForceReload: true,
		HasStore:    true,
		IgnoreZoom:  true,
	})
	if err != nil {
		s.loadNotice(s.kinds.Atomic().ID, err)
		return report, err
	}
	// The map may show more than the store surroundings.
	if _, err := s.load(ctx, s.kinds.Atomic().ID, true, false); err != nil &&
		!errors.Is(err, errNoViewport) && !errors.Is(err, loader.ErrZoomTooLow) {
		s.log.Warn("loading current view for study failed", zap.Error(err))
	}

	s.mu.Lock()
	for _, id := range st.Selection.TabUsl {
		if z, ok := s.store.Get(zonestore.Atomic, id); ok {
			s.sel.AddFinal(z)
			report.Restored++
		} else {
			report.Missing = append(report.Missing, id)
		}
	}
	s.mu.Unlock()

	s.log.Info("study restored",
		zap.Int("restored", report.Restored),
		zap.Int("total", report.Total),
	)
	if len(report.Missing) > 0 {
		s.notify(LevelWarning, "Study loaded: %d of %d units restored", report.Restored, report.Total)
	} else {
		s.notify(LevelSuccess, "Study loaded: %d units restored", report.Restored)
	}
	return report, nil
}
