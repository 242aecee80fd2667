package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mediaposte/server/internal/zoneservice"
)

func TestSearch(t *testing.T) {
	fake := newFakeService(t)
	s := newTestSession(t, fake, Options{})
	switchToCommune(t, s)

	if _, err := s.Search(context.Background(), " p "); !errors.Is(err, ErrQueryTooShort) {
		t.Errorf("Search(p) error = %v", err)
	}
	if fake.Calls(zoneservice.PathSearch) != 0 {
		t.Error("short query reached the service")
	}

	results, err := s.Search(context.Background(), "pa")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].Code != "75056" {
		t.Errorf("results = %+v", results)
	}
	req := fake.LastRequest(zoneservice.PathSearch)
	if req["type_zone"] != "commune" || req["limit"] != float64(20) {
		t.Errorf("request = %v", req)
	}

	results, err = s.Search(context.Background(), "zz")
	if err != nil || results == nil || len(results) != 0 {
		t.Errorf("Search(no match) = %v, %v", results, err)
	}
}

func TestSearch_NewerSearchSupersedes(t *testing.T) {
	fake := newFakeService(t)
	s := newTestSession(t, fake, Options{})
	switchToCommune(t, s)
	fake.Hold()

	type answer struct {
		results []SearchResult
		err     error
	}
	first := make(chan answer, 1)
	go func() {
		r, err := s.Search(context.Background(), "paris")
		first <- answer{r, err}
	}()
	waitFor(t, func() bool { return fake.Calls(zoneservice.PathSearch) == 1 })

	second := make(chan answer, 1)
	go func() {
		r, err := s.Search(context.Background(), "issy")
		second <- answer{r, err}
	}()

	select {
	case a := <-first:
		if !errors.Is(a.err, ErrSuperseded) {
			t.Errorf("first search error = %v, want ErrSuperseded", a.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("superseded search did not return")
	}

	waitFor(t, func() bool { return fake.Calls(zoneservice.PathSearch) >= 2 })
	fake.Release()
	a := <-second
	if a.err != nil || len(a.results) != 1 || a.results[0].Code != "92012" {
		t.Errorf("second search = %+v, %v", a.results, a.err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
