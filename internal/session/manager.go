package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/pagecomposer/internal/document"
	"github.com/local/pagecomposer/internal/metrics"
)

// Manager owns the live sessions, addressed by UUID.
type Manager struct {
	deps    Deps
	cfg     Config
	idleTTL time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(deps Deps, cfg Config, idleTTL time.Duration) *Manager {
	return &Manager{deps: deps, cfg: cfg, idleTTL: idleTTL, sessions: make(map[string]*Session)}
}

func (m *Manager) Create(mode Mode, opts *document.OutputOptions) *Session {
	s := New(uuid.NewString(), mode, m.deps, m.cfg, opts)
	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.SetSessions(n)
	log.Info().Str("session_id", s.ID).Str("mode", string(mode)).Msg("session created")
	return s
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, document.ErrSessionNotFound
	}
	return s, nil
}

// Delete closes and forgets a session.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return document.ErrSessionNotFound
	}
	metrics.SetSessions(n)
	s.Close()
	return nil
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep closes sessions idle since before now minus the idle TTL and
// returns how many were closed.
func (m *Manager) Sweep(now time.Time) int {
	if m.idleTTL <= 0 {
		return 0
	}
	var idle []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastUsed()) > m.idleTTL {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()

	if len(idle) == 0 {
		return 0
	}
	metrics.SetSessions(n)
	for _, s := range idle {
		log.Info().Str("session_id", s.ID).Time("last_used", s.LastUsed()).Msg("closing idle session")
		s.Close()
	}
	return len(idle)
}

// Run sweeps idle sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.Sweep(now)
		}
	}
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	metrics.SetSessions(0)
	for _, s := range all {
		s.Close()
	}
}
