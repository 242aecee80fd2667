// Package loader keeps the zone caches filled for the area the operator is
// looking at, fetching only rectangles the ledger does not already cover.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mediaposte/server/internal/config"
	"github.com/mediaposte/server/internal/geometry"
	"github.com/mediaposte/server/internal/logging"
	"github.com/mediaposte/server/internal/metrics"
	"github.com/mediaposte/server/internal/performance"
	"github.com/mediaposte/server/internal/zone"
	"github.com/mediaposte/server/internal/zonekind"
	"github.com/mediaposte/server/internal/zoneservice"
	"github.com/mediaposte/server/internal/zonestore"
	"go.uber.org/zap"
)

var (
	ErrNoStore     = errors.New("no store location confirmed")
	ErrZoomTooLow  = errors.New("zoom below the minimum display zoom")
	ErrBusy        = errors.New("a load is already in progress")
	ErrUnknownKind = errors.New("unknown zone kind")
	ErrInvalidView = errors.New("invalid rectangle")
)

// Fetcher is the part of the zone data service the loader needs.
type Fetcher interface {
	AtomicRectangle(ctx context.Context, rect geometry.Rect, excludeIDs []string) (*zoneservice.ZonesData, error)
	CoarseRectangle(ctx context.Context, rect geometry.Rect, kind zonekind.ID, sessionID string) (*zoneservice.ZonesData, error)
}

// Request describes one viewport load.
type Request struct {
	View        geometry.Rect
	Zoom        float64
	Kind        zonekind.ID
	ForceReload bool
	SessionID   string
	// HasStore is false until the operator confirmed a store location.
	HasStore bool
	// IgnoreZoom lifts the minimum zoom check while a study is restored.
	IgnoreZoom bool
}

// Outcome reports what a load did. A skipped load has no side effects.
type Outcome struct {
	Kind     zonekind.ID   `json:"type_zone"`
	Skipped  bool          `json:"skipped"`
	Fetched  int           `json:"fetched"`
	Added    int           `json:"added"`
	Invalid  int           `json:"invalid"`
	Superior int           `json:"superior"`
	Duration time.Duration `json:"duration_ns"`
}

// Options configures a Loader. Zero values are usable.
type Options struct {
	Config   config.LoaderConfig
	Kinds    *zonekind.Registry
	Logger   *zap.Logger
	Profiler *performance.Profiler
	// OnLoaded runs once after every successful, non-skipped load.
	OnLoaded func(Request, Outcome)
}

// Loader fetches zones into a store. Only one load runs at a time.
type Loader struct {
	store    *zonestore.Store
	fetcher  Fetcher
	cfg      config.LoaderConfig
	kinds    *zonekind.Registry
	log      *zap.Logger
	profiler *performance.Profiler
	onLoaded func(Request, Outcome)

	loading    atomic.Bool
	preloading atomic.Bool
	background sync.WaitGroup
}

// New creates a loader filling store from fetcher.
func New(store *zonestore.Store, fetcher Fetcher, opts Options) *Loader {
	kinds := opts.Kinds
	if kinds == nil {
		kinds = zonekind.Default()
	}
	return &Loader{
		store:    store,
		fetcher:  fetcher,
		cfg:      opts.Config,
		kinds:    kinds,
		log:      logging.OrNop(opts.Logger).Named("loader"),
		profiler: opts.Profiler,
		onLoaded: opts.OnLoaded,
	}
}

// Loading reports whether a load is in flight.
func (l *Loader) Loading() bool { return l.loading.Load() }

// Wait blocks until background preloads have finished.
func (l *Loader) Wait() { l.background.Wait() }

// Load makes sure the cache of req.Kind holds the zones of req.View.
// Preconditions are checked before any network call; a rejected load
// returns one of the package errors and a zero Outcome. A failed fetch
// leaves every cache unchanged.
func (l *Loader) Load(ctx context.Context, req Request) (Outcome, error) {
	out := Outcome{Kind: req.Kind}

	if !req.HasStore {
		return out, ErrNoStore
	}
	if l.loading.Load() {
		return out, ErrBusy
	}
	kind, ok := l.kinds.Lookup(req.Kind)
	if !ok {
		return out, fmt.Errorf("%w: %s", ErrUnknownKind, req.Kind)
	}
	if !req.View.Valid() {
		return out, ErrInvalidView
	}
	if req.Zoom < kind.MinZoom && !req.IgnoreZoom {
		return out, fmt.Errorf("%w: %s needs zoom %.1f", ErrZoomTooLow, kind.Label, kind.MinZoom)
	}

	if !kind.Atomic && l.cfg.PreloadAtomic {
		l.preloadAtomic(ctx, req.View)
	}

	if !req.ForceReload && l.store.IsRectangleCovered(req.View, req.Kind) {
		out.Skipped = true
		return out, nil
	}

	if !l.loading.CompareAndSwap(false, true) {
		return Outcome{Kind: req.Kind}, ErrBusy
	}
	defer l.loading.Store(false)

	start := time.Now()
	op := l.profiler.Start("load.fetch")
	var (
		data *zoneservice.ZonesData
		err  error
	)
	if kind.Atomic {
		data, err = l.fetcher.AtomicRectangle(ctx, req.View, l.store.Keys(zonestore.Atomic))
	} else {
		data, err = l.fetcher.CoarseRectangle(ctx, req.View, req.Kind, req.SessionID)
	}
	op.End()
	if err != nil {
		metrics.LoadsTotal.WithLabelValues(string(req.Kind), "error").Inc()
		l.log.Warn("zone load failed", zap.String("kind", string(req.Kind)), zap.Error(err))
		return out, fmt.Errorf("load %s zones: %w", req.Kind, err)
	}

	op = l.profiler.Start("load.merge")
	zones, invalid := l.build(req.Kind, data.Zones)
	out.Fetched = len(data.Zones)
	out.Invalid = invalid

	var superior []*zone.Zone
	if kind.HasSuperior() && len(data.Superior) > 0 {
		var badSuperior int
		superior, badSuperior = l.build(kind.Superior, data.Superior)
		out.Invalid += badSuperior
	}

	if kind.Atomic {
		out.Added = l.store.UpsertAll(zonestore.Atomic, zones)
	} else {
		out.Added = l.store.UpsertAll(zonestore.Coarse, zones)
		l.store.UpsertAll(zonestore.Superior, superior)
		out.Superior = len(superior)
	}
	l.store.RecordLoadedRectangle(req.View, req.Kind)
	op.End()

	out.Duration = time.Since(start)
	metrics.LoadsTotal.WithLabelValues(string(req.Kind), "success").Inc()
	metrics.ZonesLoadedTotal.WithLabelValues(string(req.Kind)).Add(float64(out.Added))

	l.log.Debug("zones loaded",
		zap.String("kind", string(req.Kind)),
		zap.Int("fetched", out.Fetched),
		zap.Int("added", out.Added),
		zap.Int("invalid", out.Invalid),
		zap.Int("superior", out.Superior),
		zap.Duration("duration", out.Duration),
	)

	if l.onLoaded != nil {
		l.onLoaded(req, out)
	}
	return out, nil
}

// EnsureAtomicForBounds loads atomic units for rect unless the ledger
// already covers it and the atomic cache is not empty. Only ids missing
// from the cache are added. It shares the single in-flight guard with Load.
func (l *Loader) EnsureAtomicForBounds(ctx context.Context, rect geometry.Rect) (Outcome, error) {
	atomicKind := l.kinds.Atomic().ID
	out := Outcome{Kind: atomicKind}

	if !rect.Valid() {
		return out, ErrInvalidView
	}
	if l.store.Len(zonestore.Atomic) > 0 && l.store.IsRectangleCovered(rect, atomicKind) {
		out.Skipped = true
		return out, nil
	}
	if !l.loading.CompareAndSwap(false, true) {
		return out, ErrBusy
	}
	defer l.loading.Store(false)

	start := time.Now()
	op := l.profiler.Start("load.ensure_atomic")
	defer op.End()

	data, err := l.fetcher.AtomicRectangle(ctx, rect, nil)
	if err != nil {
		metrics.LoadsTotal.WithLabelValues(string(atomicKind), "error").Inc()
		return out, fmt.Errorf("load atomic units for bounds: %w", err)
	}

	zones, invalid := l.build(atomicKind, data.Zones)
	out.Fetched = len(data.Zones)
	out.Invalid = invalid
	out.Added = l.store.AddMissing(zonestore.Atomic, zones)
	l.store.RecordLoadedRectangle(rect, atomicKind)
	out.Duration = time.Since(start)

	metrics.LoadsTotal.WithLabelValues(string(atomicKind), "success").Inc()
	metrics.ZonesLoadedTotal.WithLabelValues(string(atomicKind)).Add(float64(out.Added))
	l.log.Info("atomic units ensured for bounds",
		zap.Int("added", out.Added),
		zap.Int("cached", l.store.Len(zonestore.Atomic)),
		zap.Duration("duration", out.Duration),
	)
	return out, nil
}

// preloadAtomic fetches atomic units for rect in the background. It never
// blocks the caller and at most one preload runs at a time.
func (l *Loader) preloadAtomic(ctx context.Context, rect geometry.Rect) {
	atomicKind := l.kinds.Atomic().ID
	if l.store.IsRectangleCovered(rect, atomicKind) {
		return
	}
	if !l.preloading.CompareAndSwap(false, true) {
		return
	}

	bg := context.WithoutCancel(ctx)
	l.background.Add(1)
	go func() {
		defer l.background.Done()
		defer l.preloading.Store(false)

		data, err := l.fetcher.AtomicRectangle(bg, rect, l.store.Keys(zonestore.Atomic))
		if err != nil {
			l.log.Debug("atomic preload failed", zap.Error(err))
			return
		}
		zones, _ := l.build(atomicKind, data.Zones)
		added := l.store.AddMissing(zonestore.Atomic, zones)
		if added > 0 {
			l.store.RecordLoadedRectangle(rect, atomicKind)
		}
		l.log.Debug("atomic preload done", zap.Int("added", added))
	}()
}

// build validates raw records. Invalid ones are dropped and counted.
func (l *Loader) build(kind zonekind.ID, records []zone.Record) ([]*zone.Zone, int) {
	zones := make([]*zone.Zone, 0, len(records))
	invalid := 0
	for _, rec := range records {
		z, err := zone.New(kind, rec)
		if err != nil {
			invalid++
			l.log.Debug("zone record dropped", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		zones = append(zones, z)
	}
	if invalid > 0 {
		metrics.ZonesInvalidTotal.WithLabelValues(string(kind)).Add(float64(invalid))
	}
	return zones, invalid
}
