// Package selection holds the two selections of a session: the temporary
// selection of coarse zones drawn before conversion, and the final
// selection of atomic units with its running household total.
package selection

import (
	"sort"
	"sync"

	"github.com/mediaposte/server/internal/zone"
)

// State is safe for concurrent use. The foyers aggregate is updated under
// the same lock as the final selection, so it always equals the sum over
// its members.
type State struct {
	mu     sync.RWMutex
	temp   map[string]*zone.Zone
	final  map[string]*zone.Zone
	foyers int
}

// New returns empty selections.
func New() *State {
	return &State{
		temp:  make(map[string]*zone.Zone),
		final: make(map[string]*zone.Zone),
	}
}

// AddTemp adds a coarse zone to the temporary selection.
func (s *State) AddTemp(z *zone.Zone) {
	if z == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temp[z.ID] = z
}

// RemoveTemp removes a coarse zone and reports whether it was selected.
func (s *State) RemoveTemp(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.temp[id]; !ok {
		return false
	}
	delete(s.temp, id)
	return true
}

// ToggleTemp removes z if selected, adds it otherwise, and reports whether
// z is selected afterwards.
func (s *State) ToggleTemp(z *zone.Zone) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.temp[z.ID]; ok {
		delete(s.temp, z.ID)
		return false
	}
	s.temp[z.ID] = z
	return true
}

// AddFinal adds an atomic unit to the final selection. Re-adding an id
// replaces the zone and corrects the aggregate by the difference.
func (s *State) AddFinal(z *zone.Zone) {
	if z == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addFinalLocked(z)
}

func (s *State) addFinalLocked(z *zone.Zone) {
	if old, ok := s.final[z.ID]; ok {
		s.foyers -= old.Foyers
	}
	s.final[z.ID] = z
	s.foyers += z.Foyers
}

// RemoveFinal removes an atomic unit and reports whether it was selected.
func (s *State) RemoveFinal(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.final[id]
	if !ok {
		return false
	}
	delete(s.final, id)
	s.foyers -= old.Foyers
	return true
}

// ToggleFinal removes z if selected, adds it otherwise, and reports whether
// z is selected afterwards.
func (s *State) ToggleFinal(z *zone.Zone) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.final[z.ID]; ok {
		delete(s.final, z.ID)
		s.foyers -= old.Foyers
		return false
	}
	s.addFinalLocked(z)
	return true
}

// ClearTemp empties the temporary selection.
func (s *State) ClearTemp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temp = make(map[string]*zone.Zone)
}

// ClearFinal empties the final selection and resets the aggregate.
func (s *State) ClearFinal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.final = make(map[string]*zone.Zone)
	s.foyers = 0
}

// AggregateFoyers returns the household total of the final selection.
func (s *State) AggregateFoyers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.foyers
}

// HasTemp reports whether id is in the temporary selection.
func (s *State) HasTemp(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.temp[id]
	return ok
}

// HasFinal reports whether id is in the final selection.
func (s *State) HasFinal(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.final[id]
	return ok
}

// TempLen returns the size of the temporary selection.
func (s *State) TempLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.temp)
}

// FinalLen returns the size of the final selection.
func (s *State) FinalLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.final)
}

// Temp returns the temporary selection ordered by id.
func (s *State) Temp() []*zone.Zone {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sorted(s.temp)
}

// Final returns the final selection ordered by id.
func (s *State) Final() []*zone.Zone {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sorted(s.final)
}

// FinalIDs returns the ids of the final selection, sorted.
func (s *State) FinalIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.final))
	for id := range s.final {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TempFoyers sums the households of the temporary selection. Coarse zones
// usually carry none, so this is informational.
func (s *State) TempFoyers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, z := range s.temp {
		total += z.Foyers
	}
	return total
}

// Summary is a point-in-time view of both selections.
type Summary struct {
	TempCount   int `json:"temp_count"`
	FinalCount  int `json:"final_count"`
	TotalFoyers int `json:"total_foyers"`
}

// Summary returns the current counts.
func (s *State) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Summary{TempCount: len(s.temp), FinalCount: len(s.final), TotalFoyers: s.foyers}
}

func sorted(m map[string]*zone.Zone) []*zone.Zone {
	out := make([]*zone.Zone, 0, len(m))
	for _, z := range m {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
