package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-assessment/internal/model"
)

// Manager is the in-process registry of live sessions. Terminal sessions
// stay reachable for the retention period, then are evicted. A session that
// is never started is evicted once the same period passes after Create.
type Manager struct {
	deps      Deps
	retention time.Duration
	log       zerolog.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	timers   map[uuid.UUID]*time.Timer
}

// NewManager creates a registry. deps.OnTerminal is chained after eviction
// scheduling.
func NewManager(deps Deps, retention time.Duration, log zerolog.Logger) *Manager {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Manager{
		deps:      deps,
		retention: retention,
		log:       log.With().Str("component", "session_manager").Logger(),
		sessions:  make(map[uuid.UUID]*Session),
		timers:    make(map[uuid.UUID]*time.Timer),
	}
}

// Create registers a new session in the CREATED state.
func (m *Manager) Create(id uuid.UUID, userID string, def model.TestDefinition) *Session {
	deps := m.deps
	next := deps.OnTerminal
	deps.OnTerminal = func(s *Session) {
		m.scheduleEviction(s.ID())
		if next != nil {
			next(s)
		}
	}

	s := New(id, userID, def, deps)

	m.mu.Lock()
	m.sessions[id] = s
	m.timers[id] = time.AfterFunc(m.retention, func() { m.evictUnstarted(s) })
	m.mu.Unlock()
	return s
}

// evictUnstarted drops s if it is still waiting for Start.
func (m *Manager) evictUnstarted(s *Session) {
	if !s.abandon() {
		return
	}
	if err := s.Release(context.Background()); err != nil {
		m.log.Warn().Err(err).Str("session_id", s.ID().String()).Msg("Failed to release unstarted session")
	}
	m.Evict(s.ID())
	m.log.Info().Str("session_id", s.ID().String()).Msg("Evicted session that was never started")
}

// Get returns a live or recently finished session.
func (m *Manager) Get(id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return s, nil
}

// Recorded forwards a background-recorded result to its session, if it is
// still held. It matches the retrier's notify hook.
func (m *Manager) Recorded(result model.SessionResult) {
	s, err := m.Get(result.SessionID)
	if err != nil {
		return
	}
	s.Recorded(result)
}

// Len returns the number of held sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Evict drops a session from the registry.
func (m *Manager) Evict(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) scheduleEviction(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return
	}
	if t, ok := m.timers[id]; ok {
		t.Stop()
	}
	m.timers[id] = time.AfterFunc(m.retention, func() { m.Evict(id) })
}

// Shutdown releases every session still in progress so pending answers get
// a final flush. Sessions that are not finished stay IN_PROGRESS durably.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	released := 0
	for _, s := range live {
		if s.State().Terminal() {
			continue
		}
		released++
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Release(ctx); err != nil {
				m.log.Warn().Err(err).Str("session_id", s.ID().String()).Msg("Session released with unflushed answers")
			}
		}(s)
	}
	wg.Wait()
	m.log.Info().Int("released", released).Msg("Session manager stopped")
}
