package session

import (
	"context"
	"errors"

	"github.com/mediaposte/server/internal/conversion"
	"github.com/mediaposte/server/internal/geometry"
	"github.com/mediaposte/server/internal/loader"
	"github.com/mediaposte/server/internal/zonestore"
	"go.uber.org/zap"
)

// Convert starts converting the temporary selection into atomic units.
// It returns once the conversion runs in the background; progress and the
// final report are published as events. The atomic units under the
// selection are loaded first when the cache does not hold them.
func (s *Session) Convert() error {
	if s.closed() {
		return ErrClosed
	}
	if s.sel.TempLen() == 0 {
		s.notify(LevelWarning, "Select zones before validating")
		return conversion.ErrEmptySelection
	}
	if s.converting.Load() {
		s.notify(LevelWarning, "Conversion already in progress")
		return conversion.ErrRunning
	}
	if s.loader.Loading() || s.importing.Load() {
		s.notify(LevelWarning, "Loading in progress, please wait")
		return loader.ErrBusy
	}
	if !s.converting.CompareAndSwap(false, true) {
		s.notify(LevelWarning, "Conversion already in progress")
		return conversion.ErrRunning
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.convCancel = cancel
	s.mu.Unlock()

	s.convWG.Add(1)
	go func() {
		defer s.convWG.Done()
		defer s.converting.Store(false)
		defer cancel()
		s.runConversion(ctx)
	}()
	return nil
}

// Converting reports whether a conversion is running.
func (s *Session) Converting() bool { return s.converting.Load() }

func (s *Session) runConversion(ctx context.Context) {
	coarse := s.sel.Temp()

	boxes := make([]geometry.Box, 0, len(coarse))
	for _, z := range coarse {
		boxes = append(boxes, z.Box())
	}
	bounds, ok := geometry.UnionBoxes(boxes)
	if !ok {
		s.notify(LevelWarning, "Select zones before validating")
		return
	}
	rect := bounds.Expand(s.cfg.Loader.ValidationMargin).Rect()
	if _, err := s.loader.EnsureAtomicForBounds(ctx, rect); err != nil {
		s.log.Warn("loading units for conversion failed", zap.Error(err))
		s.loadNotice(s.kinds.Atomic().ID, err)
		return
	}

	units := s.store.Values(zonestore.Atomic)
	s.sel.ClearFinal()

	report, err := s.engine.Convert(ctx, coarse, units, s.sel)

	s.mu.Lock()
	s.lastReport = &report
	s.mu.Unlock()
	s.publish(Event{Type: EventConversion, Report: &report})

	if err != nil {
		// A stopped conversion leaves no partial final selection behind
		// next to the temporary one.
		s.sel.ClearFinal()
		if errors.Is(err, context.Canceled) {
			s.notify(LevelWarning, "Conversion stopped")
		} else {
			s.notify(LevelError, "Conversion failed")
		}
		return
	}

	s.sel.ClearTemp()
	if err := s.ctrl.EnterAtomicAfterConversion(ctx); err != nil {
		s.log.Warn("entering atomic mode after conversion failed", zap.Error(err))
	}
	s.notify(LevelSuccess, "%d units selected (%d households)", report.Selected, report.TotalFoyers)
}

// stopConversion cancels a running conversion and waits for it to end.
func (s *Session) stopConversion() {
	s.mu.Lock()
	cancel := s.convCancel
	s.convCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.convWG.Wait()
}

// LastReport returns the report of the last conversion.
func (s *Session) LastReport() (conversion.Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReport == nil {
		return conversion.Report{}, false
	}
	return *s.lastReport, true
}
