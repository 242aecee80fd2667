package selection

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/mediaposte/server/internal/testutil"
	"github.com/mediaposte/server/internal/zone"
	"github.com/mediaposte/server/internal/zonekind"
)

func TestFinalAggregate(t *testing.T) {
	s := New()
	a := testutil.NewZone(t, zonekind.Mediaposte, "a", 100, 0, 0, 1, 1)
	b := testutil.NewZone(t, zonekind.Mediaposte, "b", 50, 1, 0, 2, 1)

	s.AddFinal(a)
	s.AddFinal(b)
	if got := s.AggregateFoyers(); got != 150 {
		t.Errorf("AggregateFoyers() = %d, want 150", got)
	}

	// Re-adding the same id does not double count.
	s.AddFinal(a)
	if got := s.AggregateFoyers(); got != 150 {
		t.Errorf("AggregateFoyers() after re-add = %d, want 150", got)
	}

	if !s.RemoveFinal("a") {
		t.Error("RemoveFinal(a) = false")
	}
	if s.RemoveFinal("a") {
		t.Error("RemoveFinal(a) twice = true")
	}
	if got := s.AggregateFoyers(); got != 50 {
		t.Errorf("AggregateFoyers() = %d, want 50", got)
	}

	s.ClearFinal()
	if s.FinalLen() != 0 || s.AggregateFoyers() != 0 {
		t.Error("ClearFinal() left state behind")
	}
}

func TestToggle(t *testing.T) {
	s := New()
	u := testutil.NewZone(t, zonekind.Mediaposte, "u", 7, 0, 0, 1, 1)
	c := testutil.NewZone(t, zonekind.Commune, "75056", 0, 0, 0, 1, 1)

	if !s.ToggleFinal(u) || s.AggregateFoyers() != 7 {
		t.Error("first ToggleFinal should add")
	}
	if s.ToggleFinal(u) || s.AggregateFoyers() != 0 || s.HasFinal("u") {
		t.Error("second ToggleFinal should remove")
	}

	if !s.ToggleTemp(c) || !s.HasTemp("75056") {
		t.Error("first ToggleTemp should add")
	}
	if s.ToggleTemp(c) || s.TempLen() != 0 {
		t.Error("second ToggleTemp should remove")
	}

	s.AddTemp(c)
	s.ClearTemp()
	if s.TempLen() != 0 {
		t.Error("ClearTemp() left zones behind")
	}
}

// The aggregate must equal the sum over the members after any sequence of
// operations.
func TestAggregateConsistency_Randomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	pool := make([]*zone.Zone, 30)
	for i := range pool {
		pool[i] = testutil.NewZone(t, zonekind.Mediaposte, strconv.Itoa(i), rng.Intn(500), float64(i), 0, float64(i)+1, 1)
	}

	s := New()
	for step := 0; step < 2000; step++ {
		z := pool[rng.Intn(len(pool))]
		switch rng.Intn(5) {
		case 0, 1:
			s.AddFinal(z)
		case 2:
			s.RemoveFinal(z.ID)
		case 3:
			s.ToggleFinal(z)
		case 4:
			if rng.Intn(50) == 0 {
				s.ClearFinal()
			}
		}

		sum := 0
		for _, m := range s.Final() {
			sum += m.Foyers
		}
		if got := s.AggregateFoyers(); got != sum {
			t.Fatalf("step %d: AggregateFoyers() = %d, sum over members = %d", step, got, sum)
		}
	}
}

func TestSnapshotsAreSorted(t *testing.T) {
	s := New()
	for _, id := range []string{"c", "a", "b"} {
		s.AddFinal(testutil.NewZone(t, zonekind.Mediaposte, id, 1, 0, 0, 1, 1))
	}
	ids := s.FinalIDs()
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Errorf("FinalIDs() = %v", ids)
	}
	if sum := s.Summary(); sum.FinalCount != 3 || sum.TotalFoyers != 3 {
		t.Errorf("Summary() = %+v", sum)
	}
}
