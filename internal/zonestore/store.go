// Package zonestore holds the zone caches of a session and the ledger of
// geographic rectangles already fetched per zone kind.
package zonestore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mediaposte/server/internal/geometry"
	"github.com/mediaposte/server/internal/zone"
	"github.com/mediaposte/server/internal/zonekind"
	"github.com/tidwall/rtree"
)

// Cache names one of the three zone caches.
type Cache int

const (
	// Atomic holds atomic units (USL) by id.
	Atomic Cache = iota
	// Coarse holds zones of the current coarse kind by id.
	Coarse
	// Superior holds read-only outlines of the coarse kind's superior kind, by code.
	Superior
)

var cacheNames = [...]string{"atomic", "coarse", "superior"}

func (c Cache) String() string {
	if c < 0 || int(c) >= len(cacheNames) {
		return fmt.Sprintf("cache(%d)", int(c))
	}
	return cacheNames[c]
}

// Entry is one ledger record: a rectangle loaded for a zone kind.
type Entry struct {
	geometry.Rect
	Kind zonekind.ID `json:"type_zone"`
}

type cache struct {
	zones map[string]*zone.Zone
	index rtree.RTree
}

func newCache() *cache {
	return &cache{zones: make(map[string]*zone.Zone)}
}

func (c *cache) put(z *zone.Zone) {
	if old, ok := c.zones[z.ID]; ok {
		c.index.Delete(boxMin(old.Box()), boxMax(old.Box()), old)
	}
	c.zones[z.ID] = z
	c.index.Insert(boxMin(z.Box()), boxMax(z.Box()), z)
}

// Store is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	caches [3]*cache
	ledger []Entry
}

// New returns an empty store.
func New() *Store {
	s := &Store{}
	for i := range s.caches {
		s.caches[i] = newCache()
	}
	return s
}

// Upsert inserts z, replacing any zone with the same id.
func (s *Store) Upsert(c Cache, z *zone.Zone) {
	if z == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caches[c].put(z)
}

// UpsertAll inserts every zone and returns how many ids were new.
func (s *Store) UpsertAll(c Cache, zones []*zone.Zone) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, z := range zones {
		if z == nil {
			continue
		}
		if _, ok := s.caches[c].zones[z.ID]; !ok {
			added++
		}
		s.caches[c].put(z)
	}
	return added
}

// AddMissing inserts only the zones whose id is not cached yet and returns
// how many were added.
func (s *Store) AddMissing(c Cache, zones []*zone.Zone) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, z := range zones {
		if z == nil {
			continue
		}
		if _, ok := s.caches[c].zones[z.ID]; ok {
			continue
		}
		s.caches[c].put(z)
		added++
	}
	return added
}

// Get returns the cached zone for id.
func (s *Store) Get(c Cache, id string) (*zone.Zone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.caches[c].zones[id]
	return z, ok
}

// Has reports whether id is cached.
func (s *Store) Has(c Cache, id string) bool {
	_, ok := s.Get(c, id)
	return ok
}

// Values returns a snapshot of the cached zones, ordered by id.
func (s *Store) Values(c Cache) []*zone.Zone {
	s.mu.RLock()
	out := make([]*zone.Zone, 0, len(s.caches[c].zones))
	for _, z := range s.caches[c].zones {
		out = append(out, z)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Keys returns the cached ids, sorted.
func (s *Store) Keys(c Cache) []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.caches[c].zones))
	for id := range s.caches[c].zones {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of cached zones.
func (s *Store) Len(c Cache) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.caches[c].zones)
}

// Clear empties one cache.
func (s *Store) Clear(c Cache) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caches[c] = newCache()
}

// Search returns the cached zones whose bounding box overlaps box.
func (s *Store) Search(c Cache, box geometry.Box) []*zone.Zone {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*zone.Zone
	s.caches[c].index.Search(boxMin(box), boxMax(box), func(_, _ [2]float64, data interface{}) bool {
		out = append(out, data.(*zone.Zone))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordLoadedRectangle appends r to the ledger for kind.
func (s *Store) RecordLoadedRectangle(r geometry.Rect, kind zonekind.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = append(s.ledger, Entry{Rect: r, Kind: kind})
}

// IsRectangleCovered reports whether a single ledger entry of kind fully
// contains r. Partial overlaps, even when several together would cover r,
// do not count.
func (s *Store) IsRectangleCovered(r geometry.Rect, kind zonekind.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.ledger {
		if e.Kind == kind && e.Rect.Contains(r) {
			return true
		}
	}
	return false
}

// ClearLedger drops every ledger entry of kind.
func (s *Store) ClearLedger(kind zonekind.ID) {
	s.RetainLedger(func(e Entry) bool { return e.Kind != kind })
}

// RetainLedger keeps only the entries for which keep returns true.
func (s *Store) RetainLedger(keep func(Entry) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.ledger[:0]
	for _, e := range s.ledger {
		if keep(e) {
			kept = append(kept, e)
		}
	}
	s.ledger = kept
}

// Ledger returns a copy of the ledger in insertion order.
func (s *Store) Ledger() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.ledger...)
}

// Reset empties every cache and the ledger.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.caches {
		s.caches[i] = newCache()
	}
	s.ledger = nil
}

// Stats is a point-in-time view of the store sizes.
type Stats struct {
	Atomic   int `json:"atomic"`
	Coarse   int `json:"coarse"`
	Superior int `json:"superior"`
	Ledger   int `json:"ledger"`
}

// Stats returns the current cache sizes.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Atomic:   len(s.caches[Atomic].zones),
		Coarse:   len(s.caches[Coarse].zones),
		Superior: len(s.caches[Superior].zones),
		Ledger:   len(s.ledger),
	}
}

func boxMin(b geometry.Box) [2]float64 { return [2]float64{b.MinX, b.MinY} }
func boxMax(b geometry.Box) [2]float64 { return [2]float64{b.MaxX, b.MaxY} }
