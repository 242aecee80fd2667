// Package conversion turns a selection of coarse zones into the atomic
// units they cover.
//
// A unit is kept when the union of its intersections with the coarse
// zones covers at least MinCoverageRatio of its area. Units whose box
// misses the selection's box are never examined. For the rest, the sum of
// the individual intersection ratios serves as a cheap estimate: a high
// estimate accepts the unit at once, a low one rejects it, and only units
// in the band around the threshold pay for an exact union.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/mediaposte/server/internal/config"
	"github.com/mediaposte/server/internal/geometry"
	"github.com/mediaposte/server/internal/logging"
	"github.com/mediaposte/server/internal/metrics"
	"github.com/mediaposte/server/internal/performance"
	"github.com/mediaposte/server/internal/zone"
	"go.uber.org/zap"
)

var (
	ErrRunning        = errors.New("a conversion is already running")
	ErrEmptySelection = errors.New("no zone to convert")
)

// Sink receives every accepted unit.
type Sink interface {
	AddFinal(z *zone.Zone)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(z *zone.Zone)

func (f SinkFunc) AddFinal(z *zone.Zone) { f(z) }

// Report summarizes one conversion. Every candidate ends up in exactly one
// of Accepted, RejectedByEstimate, RejectedByExact or Skipped.
type Report struct {
	Selected    int           `json:"selected"`
	TotalFoyers int           `json:"total_foyers"`
	Duration    time.Duration `json:"duration_ns"`

	Units       int `json:"units"`
	Candidates  int `json:"candidates"`
	FilteredOut int `json:"filtered_out"`
	Processed   int `json:"processed"`
	Skipped     int `json:"skipped"`

	DirectValidations   int `json:"direct_validations"`
	PreciseCalculations int `json:"precise_calculations"`
	AcceptedByExact     int `json:"accepted_by_exact"`
	AcceptedByFallback  int `json:"accepted_by_fallback"`
	RejectedByEstimate  int `json:"rejected_by_estimate"`
	RejectedByExact     int `json:"rejected_by_exact"`

	IntersectionTests int  `json:"intersection_tests"`
	GeometryFailures  int  `json:"geometry_failures"`
	Cancelled         bool `json:"cancelled"`
}

// Accepted returns how many units were added to the sink.
func (r Report) Accepted() int {
	return r.DirectValidations + r.AcceptedByExact + r.AcceptedByFallback
}

// Ignored is the number of units that never reached the coverage test.
func (r Report) Ignored() int { return r.FilteredOut + r.Skipped }

// Progress is published after every batch but the last.
type Progress struct {
	Processed  int           `json:"processed"`
	Candidates int           `json:"candidates"`
	Selected   int           `json:"selected"`
	Ignored    int           `json:"ignored"`
	Percent    int           `json:"percent"`
	Rate       float64       `json:"units_per_second"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// Options configures an Engine. Zero values are usable.
type Options struct {
	Logger   *zap.Logger
	Profiler *performance.Profiler
	// Yield runs between batches. It returns a non-nil error to stop the
	// conversion. The default hands the processor to other goroutines and
	// reports context cancellation.
	Yield func(ctx context.Context) error
	// Progress runs between batches, before Yield.
	Progress func(Progress)
}

// Engine runs conversions one at a time.
type Engine struct {
	cfg      config.ConversionConfig
	log      *zap.Logger
	profiler *performance.Profiler
	yield    func(ctx context.Context) error
	progress func(Progress)

	// overlay operations, replaceable in tests
	intersect func(a, b *geometry.Shape) (geometry.Piece, error)
	union     func(pieces []geometry.Piece) (geometry.Piece, error)

	running atomic.Bool
}

// New creates an engine with the given parameters.
func New(cfg config.ConversionConfig, opts Options) *Engine {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	yield := opts.Yield
	if yield == nil {
		yield = func(ctx context.Context) error {
			runtime.Gosched()
			return ctx.Err()
		}
	}
	return &Engine{
		cfg:       cfg,
		log:       logging.OrNop(opts.Logger).Named("conversion"),
		profiler:  opts.Profiler,
		yield:     yield,
		progress:  opts.Progress,
		intersect: geometry.Intersect,
		union:     geometry.Union,
	}
}

// Running reports whether a conversion is in progress.
func (e *Engine) Running() bool { return e.running.Load() }

// Config returns the engine parameters.
func (e *Engine) Config() config.ConversionConfig { return e.cfg }

// Convert selects the units covered by coarse and hands them to sink.
//
// The context is checked between batches only. When it is cancelled the
// current batch completes, the partial report is returned with Cancelled
// set, and units accepted so far stay in the sink.
func (e *Engine) Convert(ctx context.Context, coarse, units []*zone.Zone, sink Sink) (Report, error) {
	var report Report
	if len(coarse) == 0 {
		return report, ErrEmptySelection
	}
	if !e.running.CompareAndSwap(false, true) {
		return report, ErrRunning
	}
	defer e.running.Store(false)

	start := time.Now()
	run := e.profiler.Start("conversion.run")
	defer run.End()

	e.log.Info("conversion started",
		zap.Int("coarse_zones", len(coarse)),
		zap.Int("cached_units", len(units)),
	)

	targets := make([]target, 0, len(coarse))
	boxes := make([]geometry.Box, 0, len(coarse))
	for _, c := range coarse {
		if c == nil || c.Shape == nil {
			continue
		}
		targets = append(targets, target{zone: c, box: c.Box()})
		boxes = append(boxes, c.Box())
	}
	global, ok := geometry.UnionBoxes(boxes)
	if !ok {
		return report, ErrEmptySelection
	}
	global = global.Expand(e.cfg.BoundsMargin)

	op := e.profiler.Start("conversion.prefilter")
	report.Units = len(units)
	candidates := make([]*zone.Zone, 0, len(units))
	for _, u := range units {
		if u == nil || u.Shape == nil || !geometry.BoxesOverlap(u.Box(), global) {
			report.FilteredOut++
			continue
		}
		candidates = append(candidates, u)
	}
	report.Candidates = len(candidates)
	op.End()

	var err error
	for offset := 0; offset < len(candidates); offset += e.cfg.BatchSize {
		end := offset + e.cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}

		op := e.profiler.Start("conversion.batch")
		for _, u := range candidates[offset:end] {
			if e.evaluate(u, targets, global, &report) {
				sink.AddFinal(u)
				report.Selected++
				report.TotalFoyers += u.Foyers
			}
		}
		op.End()
		report.Processed = end

		if end == len(candidates) {
			break
		}
		if e.progress != nil {
			e.progress(progressOf(report, start))
		}
		if err = e.yield(ctx); err != nil {
			report.Cancelled = true
			break
		}
	}

	report.Duration = time.Since(start)
	e.observe(report)

	if report.Cancelled {
		e.log.Warn("conversion cancelled",
			zap.Int("processed", report.Processed),
			zap.Int("candidates", report.Candidates),
			zap.Error(err),
		)
		return report, fmt.Errorf("conversion stopped after %d of %d candidates: %w", report.Processed, report.Candidates, err)
	}

	e.log.Info("conversion finished",
		zap.Int("selected", report.Selected),
		zap.Int("foyers", report.TotalFoyers),
		zap.Int("ignored", report.Ignored()),
		zap.Int("precise", report.PreciseCalculations),
		zap.Int("direct", report.DirectValidations),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

type target struct {
	zone *zone.Zone
	box  geometry.Box
}

// evaluate decides one candidate and updates the report counters.
func (e *Engine) evaluate(u *zone.Zone, targets []target, global geometry.Box, report *Report) bool {
	box := u.Box()
	if !geometry.BoxesOverlap(box, global) {
		report.Skipped++
		return false
	}

	area := geometry.Area(u.Shape)
	if area <= 0 {
		report.GeometryFailures++
		report.RejectedByEstimate++
		return false
	}

	ratio := e.cfg.MinCoverageRatio
	earlyAccept := ratio * e.cfg.EarlyAcceptFactor
	bandLow := ratio * e.cfg.ExactBandFactor

	var (
		estimate float64
		pieces   []geometry.Piece
	)
	for _, t := range targets {
		if !geometry.BoxesOverlap(box, t.box) {
			continue
		}
		report.IntersectionTests++
		piece, err := e.intersect(t.zone.Shape, u.Shape)
		if err != nil {
			report.GeometryFailures++
			e.log.Debug("intersection failed",
				zap.String("unit", u.ID), zap.String("zone", t.zone.ID), zap.Error(err))
			continue
		}
		if piece.Empty() {
			continue
		}
		estimate += piece.Area() / area
		pieces = append(pieces, piece)

		if estimate >= earlyAccept {
			report.DirectValidations++
			return true
		}
	}

	if estimate < bandLow || len(pieces) == 0 {
		report.RejectedByEstimate++
		return false
	}

	report.PreciseCalculations++
	op := e.profiler.Start("conversion.exact")
	merged, err := e.union(pieces)
	op.End()
	if err != nil {
		report.GeometryFailures++
		e.log.Debug("union failed, using estimate",
			zap.String("unit", u.ID), zap.Float64("estimate", estimate), zap.Error(err))
		if estimate >= ratio {
			report.AcceptedByFallback++
			return true
		}
		report.RejectedByExact++
		return false
	}

	if merged.Area()/area >= ratio {
		report.AcceptedByExact++
		return true
	}
	report.RejectedByExact++
	return false
}

func (e *Engine) observe(report Report) {
	outcome := "success"
	if report.Cancelled {
		outcome = "cancelled"
	}
	metrics.ConversionsTotal.WithLabelValues(outcome).Inc()
	metrics.ConversionDurationMs.Observe(metrics.Ms(report.Duration))
	metrics.ConversionExactTotal.Add(float64(report.PreciseCalculations))
}

func progressOf(r Report, start time.Time) Progress {
	elapsed := time.Since(start)
	p := Progress{
		Processed:  r.Processed,
		Candidates: r.Candidates,
		Selected:   r.Selected,
		Ignored:    r.Ignored(),
		Elapsed:    elapsed,
	}
	if r.Candidates > 0 {
		p.Percent = r.Processed * 100 / r.Candidates
	}
	if secs := elapsed.Seconds(); secs > 0 {
		p.Rate = float64(r.Processed) / secs
	}
	return p
}
