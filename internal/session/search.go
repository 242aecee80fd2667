package session

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/mediaposte/server/internal/zoneservice"
	"go.uber.org/zap"
)

var (
	ErrQueryTooShort = errors.New("search query too short")
	ErrSuperseded    = errors.New("search superseded by a newer one")
)

// MinQueryLength is the shortest query sent to the zone data service.
const MinQueryLength = 2

// SearchResult is one match of a free-text search.
type SearchResult = zoneservice.SearchResult

// Search looks up zones of the active type by name or code. A new search
// cancels the one in flight; a late answer to a superseded search is
// discarded with ErrSuperseded.
func (s *Session) Search(ctx context.Context, query string) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < MinQueryLength {
		return nil, ErrQueryTooShort
	}

	seq := s.searchSeq.Add(1)
	ctx, cancel := context.WithCancel(ctx)
	s.searchMu.Lock()
	if s.searchCancel != nil {
		s.searchCancel()
	}
	s.searchCancel = cancel
	s.searchMu.Unlock()

	defer func() {
		s.searchMu.Lock()
		if s.searchSeq.Load() == seq {
			s.searchCancel = nil
		}
		s.searchMu.Unlock()
		cancel()
	}()

	kind := s.ctrl.Current()
	results, err := s.svc.Search(ctx, kind, query, s.cfg.ZoneService.SearchLimit)
	if s.searchSeq.Load() != seq {
		s.log.Debug("stale search response discarded", zap.String("query", query))
		return nil, ErrSuperseded
	}
	if err != nil {
		s.notify(LevelWarning, "Search failed: %s", zoneservice.UserMessage(err))
		return nil, err
	}
	if results == nil {
		results = []SearchResult{}
	}
	return results, nil
}

func (s *Session) cancelSearch() {
	s.searchSeq.Add(1)
	s.searchMu.Lock()
	defer s.searchMu.Unlock()
	if s.searchCancel != nil {
		s.searchCancel()
		s.searchCancel = nil
	}
}
