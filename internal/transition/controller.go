// Package transition switches a session between zone kinds and applies
// the cache and selection policy that goes with each switch.
package transition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mediaposte/server/internal/logging"
	"github.com/mediaposte/server/internal/zonekind"
	"github.com/mediaposte/server/internal/zonestore"
	"go.uber.org/zap"
)

var (
	ErrSameType    = errors.New("zone type already active")
	ErrUnknownKind = errors.New("unknown zone kind")
	ErrNoPending   = errors.New("no zone type change awaiting confirmation")
	ErrPending     = errors.New("a zone type change is awaiting confirmation")
)

// Decision is the result of a change request.
type Decision int

const (
	// NoOp means nothing changed.
	NoOp Decision = iota
	// Applied means the switch happened.
	Applied
	// NeedsConfirmation means the switch would drop a selection and waits
	// for Confirm or Cancel.
	NeedsConfirmation
)

func (d Decision) String() string {
	switch d {
	case Applied:
		return "applied"
	case NeedsConfirmation:
		return "needs_confirmation"
	default:
		return "noop"
	}
}

// Selections is the part of the selection state a switch may clear.
type Selections interface {
	TempLen() int
	FinalLen() int
	ClearTemp()
	ClearFinal()
}

// Reloader performs the forced load that ends a switch.
type Reloader func(ctx context.Context, kind zonekind.ID) error

// Pending describes a change awaiting confirmation.
type Pending struct {
	To zonekind.ID `json:"type_zone"`
	// Clears names the selection the change will drop: "temp" or "final".
	Clears string `json:"clears"`
}

// Controller is safe for concurrent use.
type Controller struct {
	mu            sync.Mutex
	kinds         *zonekind.Registry
	store         *zonestore.Store
	sel           Selections
	reload        Reloader
	log           *zap.Logger
	current       zonekind.ID
	previous      zonekind.ID
	lastNonAtomic zonekind.ID
	pending       *Pending

	inTransition atomic.Bool
}

// New returns a controller starting in the atomic kind.
func New(kinds *zonekind.Registry, store *zonestore.Store, sel Selections, reload Reloader, log *zap.Logger) *Controller {
	if kinds == nil {
		kinds = zonekind.Default()
	}
	return &Controller{
		kinds:   kinds,
		store:   store,
		sel:     sel,
		reload:  reload,
		log:     logging.OrNop(log).Named("transition"),
		current: kinds.Atomic().ID,
	}
}

// Current returns the active zone kind.
func (c *Controller) Current() zonekind.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// CurrentKind returns the configuration of the active zone kind.
func (c *Controller) CurrentKind() *zonekind.Kind {
	return c.kinds.MustLookup(c.Current())
}

// IsAtomic reports whether the atomic kind is active.
func (c *Controller) IsAtomic() bool {
	return c.kinds.IsAtomic(c.Current())
}

// Previous returns the kind active before the last switch.
func (c *Controller) Previous() zonekind.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previous
}

// LastNonAtomic returns the coarse kind used before the last switch to
// the atomic kind.
func (c *Controller) LastNonAtomic() zonekind.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastNonAtomic
}

// Pending returns the change awaiting confirmation, if any.
func (c *Controller) Pending() (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Pending{}, false
	}
	return *c.pending, true
}

// InTransition reports whether a switch is in progress. Viewport loads are
// suppressed meanwhile; the switch issues its own reload.
func (c *Controller) InTransition() bool { return c.inTransition.Load() }

// Request asks to switch to kind to. A switch that would drop a non-empty
// selection is parked and NeedsConfirmation is returned with no state
// changed.
func (c *Controller) Request(ctx context.Context, to zonekind.ID) (Decision, error) {
	c.mu.Lock()
	if _, ok := c.kinds.Lookup(to); !ok {
		c.mu.Unlock()
		return NoOp, fmt.Errorf("%w: %s", ErrUnknownKind, to)
	}
	if to == c.current {
		c.mu.Unlock()
		return NoOp, ErrSameType
	}
	if c.pending != nil {
		c.mu.Unlock()
		return NoOp, ErrPending
	}

	leavingAtomic := c.kinds.IsAtomic(c.current)
	switch {
	case leavingAtomic && c.sel.FinalLen() > 0:
		c.pending = &Pending{To: to, Clears: "final"}
	case !leavingAtomic && c.sel.TempLen() > 0:
		c.pending = &Pending{To: to, Clears: "temp"}
	}
	if c.pending != nil {
		c.log.Debug("zone type change needs confirmation",
			zap.String("from", string(c.current)), zap.String("to", string(to)))
		c.mu.Unlock()
		return NeedsConfirmation, nil
	}
	c.mu.Unlock()

	return Applied, c.apply(ctx, to, false)
}

// Confirm carries out the parked change, dropping the selection it named.
func (c *Controller) Confirm(ctx context.Context) (zonekind.ID, error) {
	c.mu.Lock()
	p := c.pending
	c.pending = nil
	c.mu.Unlock()
	if p == nil {
		return "", ErrNoPending
	}
	return p.To, c.apply(ctx, p.To, false)
}

// Cancel drops the parked change. Nothing else is touched.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	had := c.pending != nil
	c.pending = nil
	return had
}

// EnterAtomicAfterConversion switches to the atomic kind once a conversion
// has filled the final selection. Nothing is reloaded and the coarse cache
// is kept so that returning to the same coarse kind reuses it.
func (c *Controller) EnterAtomicAfterConversion(ctx context.Context) error {
	atomicID := c.kinds.Atomic().ID
	if c.Current() == atomicID {
		return nil
	}
	c.Cancel()
	return c.apply(ctx, atomicID, true)
}

// Reset returns to the atomic kind and forgets the switch history.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.kinds.Atomic().ID
	c.previous = ""
	c.lastNonAtomic = ""
	c.pending = nil
	c.inTransition.Store(false)
}

func (c *Controller) apply(ctx context.Context, to zonekind.ID, fromConversion bool) error {
	c.inTransition.Store(true)
	defer c.inTransition.Store(false)

	c.mu.Lock()
	from := c.current
	wasAtomic := c.kinds.IsAtomic(from)
	goingAtomic := c.kinds.IsAtomic(to)

	if !fromConversion {
		if wasAtomic {
			c.sel.ClearFinal()
		} else {
			c.sel.ClearTemp()
		}
	}

	if !wasAtomic {
		c.lastNonAtomic = from
	}
	c.previous = from
	c.current = to

	kept := c.applyCachePolicy(to, wasAtomic, goingAtomic, fromConversion)
	c.mu.Unlock()

	c.log.Info("zone type changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Bool("coarse_cache_kept", kept),
		zap.Bool("after_conversion", fromConversion),
	)

	if fromConversion || c.reload == nil {
		return nil
	}
	if err := c.reload(ctx, to); err != nil {
		return fmt.Errorf("reload %s zones: %w", to, err)
	}
	return nil
}

// applyCachePolicy clears what the new kind cannot use and reports whether
// the coarse cache survived. Callers hold c.mu.
func (c *Controller) applyCachePolicy(to zonekind.ID, wasAtomic, goingAtomic, fromConversion bool) bool {
	atomicID := c.kinds.Atomic().ID
	isAtomicEntry := func(e zonestore.Entry) bool { return e.Kind == atomicID }

	if goingAtomic {
		if fromConversion {
			return true
		}
		c.store.Clear(zonestore.Coarse)
		c.store.Clear(zonestore.Superior)
		c.store.RetainLedger(isAtomicEntry)
		return false
	}

	// Coarse kinds never share the map with atomic units.
	c.store.Clear(zonestore.Atomic)
	c.store.ClearLedger(atomicID)

	if wasAtomic && to == c.lastNonAtomic {
		c.store.RetainLedger(func(e zonestore.Entry) bool { return e.Kind == to })
		return true
	}
	c.store.Clear(zonestore.Coarse)
	c.store.Clear(zonestore.Superior)
	c.store.RetainLedger(func(zonestore.Entry) bool { return false })
	return false
}
