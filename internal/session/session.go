// Package session ties the zone store, the selections, the loader, the
// conversion engine and the zone-type controller into one owned targeting
// session, and exposes the operator actions on it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mediaposte/server/internal/config"
	"github.com/mediaposte/server/internal/conversion"
	"github.com/mediaposte/server/internal/geometry"
	"github.com/mediaposte/server/internal/loader"
	"github.com/mediaposte/server/internal/logging"
	"github.com/mediaposte/server/internal/performance"
	"github.com/mediaposte/server/internal/selection"
	"github.com/mediaposte/server/internal/transition"
	"github.com/mediaposte/server/internal/zone"
	"github.com/mediaposte/server/internal/zonekind"
	"github.com/mediaposte/server/internal/zoneservice"
	"github.com/mediaposte/server/internal/zonestore"
	"go.uber.org/zap"
)

var (
	ErrConverting      = errors.New("a conversion is in progress")
	ErrInvalidLocation = errors.New("invalid store location")
	ErrToolInactive    = errors.New("manual selection tool is not active")
	ErrUnknownTool     = errors.New("unknown selection tool")
	ErrClosed          = errors.New("session closed")
)

// Service is the part of the zone data service a session talks to.
type Service interface {
	loader.Fetcher
	ZonesByCodes(ctx context.Context, kind zonekind.ID, codes []string) (*zoneservice.ZonesData, error)
	Search(ctx context.Context, kind zonekind.ID, query string, limit int) ([]zoneservice.SearchResult, error)
}

// Options configures a Session. Config and Service are required.
type Options struct {
	Config  *config.Config
	Service Service
	Kinds   *zonekind.Registry
	Logger  *zap.Logger
	// Owner is the host the session belongs to.
	Owner string
	// Yield overrides the conversion engine's between-batch hook.
	Yield func(ctx context.Context) error
}

// Location is the confirmed store address.
type Location struct {
	Adresse   string  `json:"adresse"`
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// Viewport is the last map view reported by the operator.
type Viewport struct {
	View geometry.Rect `json:"bounds"`
	Zoom float64       `json:"zoom"`
}

// Session is one operator's targeting workspace. All methods are safe for
// concurrent use; compound selection changes are serialized.
type Session struct {
	ID        string
	Owner     string
	CreatedAt time.Time

	cfg      *config.Config
	kinds    *zonekind.Registry
	log      *zap.Logger
	profiler *performance.Profiler
	svc      Service

	store  *zonestore.Store
	sel    *selection.State
	loader *loader.Loader
	engine *conversion.Engine
	ctrl   *transition.Controller

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event

	mu         sync.Mutex
	location   *Location
	zoneSess   string
	tool       Tool
	view       *Viewport
	lastReport *conversion.Report

	lastSeen   atomic.Int64
	converting atomic.Bool
	importing  atomic.Bool
	convCancel context.CancelFunc
	convWG     sync.WaitGroup

	searchMu     sync.Mutex
	searchSeq    atomic.Uint64
	searchCancel context.CancelFunc
}

// New creates an empty session in the atomic zone type.
func New(opts Options) *Session {
	kinds := opts.Kinds
	if kinds == nil {
		kinds = zonekind.Default()
	}
	id := uuid.NewString()
	log := logging.OrNop(opts.Logger).With(zap.String("session", id))
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		ID:        id,
		Owner:     opts.Owner,
		CreatedAt: time.Now(),
		cfg:       opts.Config,
		kinds:     kinds,
		log:       log,
		profiler:  performance.NewProfiler(true),
		svc:       opts.Service,
		store:     zonestore.New(),
		sel:       selection.New(),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan Event, eventBuffer),
		tool:      ToolManual,
	}
	s.Touch()

	s.loader = loader.New(s.store, s.svc, loader.Options{
		Config:   s.cfg.Loader,
		Kinds:    kinds,
		Logger:   log,
		Profiler: s.profiler,
		OnLoaded: func(req loader.Request, out loader.Outcome) {
			s.publish(Event{Type: EventLoaded, Loaded: &out})
		},
	})
	s.engine = conversion.New(s.cfg.Conversion, conversion.Options{
		Logger:   log,
		Profiler: s.profiler,
		Yield:    opts.Yield,
		Progress: func(p conversion.Progress) {
			s.publish(Event{Type: EventProgress, Progress: &p})
		},
	})
	s.ctrl = transition.New(kinds, s.store, s.sel, s.reload, log)
	return s
}

// Touch marks the session as used now.
func (s *Session) Touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns when the session was last used.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// Profiler returns the session's timing metrics.
func (s *Session) Profiler() *performance.Profiler { return s.profiler }

// Close stops a running conversion and releases the session.
func (s *Session) Close() {
	s.cancel()
	s.convWG.Wait()
	s.loader.Wait()
}

// Wait blocks until the running conversion and background loads finish.
func (s *Session) Wait() {
	s.convWG.Wait()
	s.loader.Wait()
}

func (s *Session) closed() bool { return s.ctx.Err() != nil }

// SetStore confirms the store location. Loads are refused until a store is
// set; moving the store drops both selections.
func (s *Session) SetStore(loc Location) error {
	if !(geometry.Rect{LatMin: loc.Latitude, LatMax: loc.Latitude, LngMin: loc.Longitude, LngMax: loc.Longitude}).Valid() {
		return ErrInvalidLocation
	}
	if s.converting.Load() {
		s.notify(LevelWarning, "Conversion in progress, please wait")
		return ErrConverting
	}

	s.mu.Lock()
	moved := s.location != nil && (s.location.Longitude != loc.Longitude || s.location.Latitude != loc.Latitude)
	l := loc
	s.location = &l
	s.mu.Unlock()

	if moved {
		s.sel.ClearTemp()
		s.sel.ClearFinal()
	}
	s.log.Info("store location set",
		zap.String("adresse", loc.Adresse),
		zap.Float64("lng", loc.Longitude),
		zap.Float64("lat", loc.Latitude),
		zap.Bool("selections_cleared", moved),
	)
	s.notify(LevelSuccess, "Store location confirmed: %s", loc.Adresse)
	return nil
}

// Location returns the confirmed store location, if any.
func (s *Session) Location() (Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.location == nil {
		return Location{}, false
	}
	return *s.location, true
}

// ZoneSessionID returns the id sent to the zone data service with coarse
// rectangle requests.
func (s *Session) ZoneSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zoneSess
}

// ViewResult is the outcome of a viewport change.
type ViewResult struct {
	Outcome loader.Outcome `json:"outcome"`
	// Suppressed is set when a zone-type switch was in progress.
	Suppressed bool `json:"suppressed"`
}

// Viewport records the operator's view and loads the zones of the active
// type for it. Loads during a zone-type switch are suppressed; the switch
// issues its own reload.
func (s *Session) Viewport(ctx context.Context, v Viewport, force bool) (ViewResult, error) {
	if s.closed() {
		return ViewResult{}, ErrClosed
	}
	s.mu.Lock()
	vp := v
	s.view = &vp
	s.mu.Unlock()

	if s.ctrl.InTransition() {
		return ViewResult{Suppressed: true}, nil
	}
	out, err := s.load(ctx, s.ctrl.Current(), force, false)
	return ViewResult{Outcome: out}, err
}

// reload runs at the end of a zone-type switch.
func (s *Session) reload(ctx context.Context, kind zonekind.ID) error {
	_, err := s.load(ctx, kind, true, false)
	if errors.Is(err, loader.ErrNoStore) || errors.Is(err, loader.ErrZoomTooLow) || errors.Is(err, errNoViewport) {
		return nil
	}
	return err
}

var errNoViewport = errors.New("no viewport reported yet")

// load fills the cache of kind for the last reported view and turns the
// result into a notice.
func (s *Session) load(ctx context.Context, kind zonekind.ID, force, ignoreZoom bool) (loader.Outcome, error) {
	s.mu.Lock()
	if s.view == nil {
		s.mu.Unlock()
		return loader.Outcome{Kind: kind, Skipped: true}, errNoViewport
	}
	coarse := !s.kinds.IsAtomic(kind)
	if s.zoneSess == "" || (force && coarse) {
		s.zoneSess = uuid.NewString()
	}
	req := loader.Request{
		View:        s.view.View,
		Zoom:        s.view.Zoom,
		Kind:        kind,
		ForceReload: force,
		SessionID:   s.zoneSess,
		HasStore:    s.location != nil,
		IgnoreZoom:  ignoreZoom,
	}
	s.mu.Unlock()

	out, err := s.loader.Load(ctx, req)
	if err != nil {
		s.loadNotice(kind, err)
	}
	return out, err
}

func (s *Session) loadNotice(kind zonekind.ID, err error) {
	k, _ := s.kinds.Lookup(kind)
	label := string(kind)
	if k != nil {
		label = k.Label
	}
	switch {
	case errors.Is(err, loader.ErrNoStore):
		s.notify(LevelWarning, "Confirm the store location before loading zones")
	case errors.Is(err, loader.ErrZoomTooLow):
		s.notify(LevelInfo, "Zoom in to display %s (minimum zoom %.1f)", label, k.MinZoom)
	case errors.Is(err, loader.ErrBusy):
		s.notify(LevelWarning, "Loading in progress, please wait")
	case errors.Is(err, loader.ErrInvalidView):
		s.notify(LevelWarning, "Invalid map view")
	default:
		s.notify(LevelWarning, "Loading %s failed: %s", label, zoneservice.UserMessage(err))
	}
}

// Layers is what the map shows for a view.
type Layers struct {
	Kind     zonekind.ID `json:"type_zone"`
	Zones    []zone.Info `json:"zones"`
	Superior []zone.Info `json:"zones_superieur,omitempty"`
	Selected []string    `json:"selected"`
}

// Visible returns the cached zones of the active type that lie in view,
// grown by the configured viewport margin.
func (s *Session) Visible(view geometry.Rect, withGeometry bool) Layers {
	kind := s.ctrl.Current()
	margin := s.cfg.Loader.ViewportMargin
	area := view.Box().ExpandRatio(margin)

	out := Layers{Kind: kind, Zones: []zone.Info{}}
	if s.kinds.IsAtomic(kind) {
		for _, z := range s.store.Search(zonestore.Atomic, area) {
			out.Zones = append(out.Zones, z.Info(withGeometry))
		}
		out.Selected = s.sel.FinalIDs()
		return out
	}

	for _, z := range s.store.Search(zonestore.Coarse, area) {
		out.Zones = append(out.Zones, z.Info(withGeometry))
	}
	for _, z := range geometry.FilterInViewport(s.store.Values(zonestore.Superior), (*zone.Zone).Box, view, margin) {
		out.Superior = append(out.Superior, z.Info(withGeometry))
	}
	for _, z := range s.sel.Temp() {
		out.Selected = append(out.Selected, z.ID)
	}
	return out
}

// ChangeZoneType asks to switch the active zone type. A switch that would
// drop a selection waits for ConfirmZoneType or CancelZoneType.
func (s *Session) ChangeZoneType(ctx context.Context, to zonekind.ID) (transition.Decision, error) {
	if s.converting.Load() {
		s.notify(LevelWarning, "Conversion in progress, please wait")
		return transition.NoOp, ErrConverting
	}
	d, err := s.ctrl.Request(ctx, to)
	switch {
	case errors.Is(err, transition.ErrSameType):
		s.notify(LevelInfo, "%s already displayed", s.ctrl.CurrentKind().Label)
		return d, err
	case errors.Is(err, transition.ErrPending):
		s.notify(LevelWarning, "Confirm or cancel the pending zone type change first")
		return d, err
	case d == transition.NoOp && err != nil:
		return d, err
	}

	if d == transition.NeedsConfirmation {
		p, _ := s.ctrl.Pending()
		n := s.sel.TempLen()
		if p.Clears == "final" {
			n = s.sel.FinalLen()
		}
		s.notify(LevelWarning, "Switching to %s will clear the current selection (%d zones)", s.kinds.MustLookup(to).Label, n)
		return d, nil
	}
	s.switched(err)
	return d, err
}

// ConfirmZoneType carries out the pending switch.
func (s *Session) ConfirmZoneType(ctx context.Context) (zonekind.ID, error) {
	if s.converting.Load() {
		return "", ErrConverting
	}
	to, err := s.ctrl.Confirm(ctx)
	if errors.Is(err, transition.ErrNoPending) {
		return "", err
	}
	s.switched(err)
	return to, err
}

// CancelZoneType drops the pending switch.
func (s *Session) CancelZoneType() bool {
	if !s.ctrl.Cancel() {
		return false
	}
	s.notify(LevelInfo, "Zone type change cancelled")
	return true
}

func (s *Session) switched(reloadErr error) {
	label := s.ctrl.CurrentKind().Label
	if reloadErr != nil {
		s.log.Warn("reload after zone type change failed", zap.Error(reloadErr))
		return
	}
	s.notify(LevelInfo, "Zone type: %s", label)
}

// Scope names the selections Clear drops.
type Scope string

const (
	ScopeAll     Scope = "all"
	ScopeCurrent Scope = "current"
)

// Clear drops both selections, or only the active one.
func (s *Session) Clear(scope Scope) error {
	if s.converting.Load() {
		return ErrConverting
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch scope {
	case ScopeAll:
		s.sel.ClearTemp()
		s.sel.ClearFinal()
		s.notify(LevelWarning, "Selection cleared")
	case ScopeCurrent:
		if s.ctrl.IsAtomic() {
			s.sel.ClearFinal()
		} else {
			s.sel.ClearTemp()
		}
		s.notify(LevelWarning, "Selection cleared")
	default:
		return fmt.Errorf("unknown clear scope %q", scope)
	}
	return nil
}

// Reset stops any conversion and empties every cache and selection. The
// store location survives when keepStore is set.
func (s *Session) Reset(keepStore bool) {
	s.stopConversion()
	s.cancelSearch()
	s.loader.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(keepStore)
	s.notify(LevelInfo, "Session reset")
}

// resetLocked keeps the last viewport: the map has not moved.
func (s *Session) resetLocked(keepStore bool) {
	s.store.Reset()
	s.sel.ClearTemp()
	s.sel.ClearFinal()
	s.ctrl.Reset()
	s.tool = ToolManual
	s.lastReport = nil
	s.zoneSess = ""
	if !keepStore {
		s.location = nil
	}
	s.profiler.Reset()
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	ID         string              `json:"id"`
	ZoneType   zonekind.ID         `json:"type_zone"`
	Label      string              `json:"label"`
	Tool       Tool                `json:"tool"`
	Store      *Location           `json:"store,omitempty"`
	Viewport   *Viewport           `json:"viewport,omitempty"`
	Temp       []string            `json:"temp_selection"`
	Final      []string            `json:"final_selection"`
	Summary    selection.Summary   `json:"summary"`
	Pending    *transition.Pending `json:"pending_change,omitempty"`
	Loading    bool                `json:"loading"`
	Converting bool                `json:"converting"`
	LastReport *conversion.Report  `json:"last_conversion,omitempty"`
	Cache      zonestore.Stats     `json:"cache"`
	Timings    []performance.Stat  `json:"timings,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	LastSeen   time.Time           `json:"last_seen"`
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	kind := s.ctrl.CurrentKind()
	snap := Snapshot{
		ID:         s.ID,
		ZoneType:   kind.ID,
		Label:      kind.Label,
		Temp:       []string{},
		Final:      s.sel.FinalIDs(),
		Summary:    s.sel.Summary(),
		Loading:    s.loader.Loading(),
		Converting: s.converting.Load(),
		Cache:      s.store.Stats(),
		Timings:    s.profiler.Snapshot(),
		CreatedAt:  s.CreatedAt,
		LastSeen:   s.LastSeen(),
	}
	for _, z := range s.sel.Temp() {
		snap.Temp = append(snap.Temp, z.ID)
	}
	if p, ok := s.ctrl.Pending(); ok {
		snap.Pending = &p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Tool = s.tool
	if s.location != nil {
		l := *s.location
		snap.Store = &l
	}
	if s.view != nil {
		v := *s.view
		snap.Viewport = &v
	}
	if s.lastReport != nil {
		r := *s.lastReport
		snap.LastReport = &r
	}
	return snap
}

// activeCache is the cache the selection tools work on.
func (s *Session) activeCache() zonestore.Cache {
	if s.ctrl.IsAtomic() {
		return zonestore.Atomic
	}
	return zonestore.Coarse
}
