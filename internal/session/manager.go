package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mediaposte/server/internal/logging"
	"github.com/mediaposte/server/internal/metrics"
	"go.uber.org/zap"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrForbidden = errors.New("session belongs to another host")
)

// Manager keeps the live sessions and expires idle ones.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	opts     Options
	ttl      time.Duration
	log      *zap.Logger
}

// NewManager builds a registry creating sessions with opts. Sessions idle
// for longer than ttl are closed by Sweep; a zero ttl keeps them forever.
func NewManager(opts Options, ttl time.Duration) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		opts:     opts,
		ttl:      ttl,
		log:      logging.OrNop(opts.Logger).Named("sessions"),
	}
}

// Create opens a session for owner.
func (m *Manager) Create(owner string) *Session {
	opts := m.opts
	opts.Owner = owner
	s := New(opts)

	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	m.log.Info("session created", zap.String("session", s.ID), zap.String("owner", owner))
	return s
}

// Get returns the session id of owner and marks it used.
func (m *Manager) Get(id, owner string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if s.Owner != owner {
		return nil, ErrForbidden
	}
	s.Touch()
	return s, nil
}

// Delete closes and forgets the session id of owner.
func (m *Manager) Delete(id, owner string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if s.Owner != owner {
		m.mu.Unlock()
		return ErrForbidden
	}
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()

	s.Close()
	metrics.ActiveSessions.Set(float64(n))
	m.log.Info("session closed", zap.String("session", id))
	return nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep closes the sessions idle since before now-ttl and returns how many
// were closed. Converting sessions are kept.
func (m *Manager) Sweep(now time.Time) int {
	if m.ttl <= 0 {
		return 0
	}
	var expired []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastSeen()) > m.ttl && !s.Converting() {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()

	for _, s := range expired {
		s.Close()
		m.log.Info("session expired", zap.String("session", s.ID), zap.Time("last_seen", s.LastSeen()))
	}
	metrics.ActiveSessions.Set(float64(n))
	return len(expired)
}

// Run sweeps periodically until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.ttl <= 0 {
		return
	}
	interval := m.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Close closes every session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	metrics.ActiveSessions.Set(0)
}
