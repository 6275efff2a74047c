package cliproc

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nimbridge/nimbridge/internal/infrastructure/config"
)

// ErrSessionLimit is returned when the session cap is reached and no idle
// session could be evicted.
var ErrSessionLimit = errors.New("session_limit_reached: too many concurrent CLI sessions")

const maxEvictionsPerCall = 3

// Manager pools CLI sessions. Sessions start under a temporary id until
// the CLI reports its real session id, at which point they are rebound.
type Manager struct {
	cfg    config.CLIConfig
	logger *zap.Logger

	mu         sync.Mutex
	sessions   map[string]*Session // real id -> session
	pending    map[string]*Session // temp id -> session
	tempToReal map[string]string
}

func NewManager(cfg config.CLIConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		sessions:   make(map[string]*Session),
		pending:    make(map[string]*Session),
		tempToReal: make(map[string]string),
	}
}

func newTempID() string {
	return "pending_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// GetOrCreate resolves sessionID to an existing session or creates a new
// one. Returns the session, the id it is reachable under, and whether it
// was created by this call.
func (m *Manager) GetOrCreate(sessionID string) (*Session, string, bool, error) {
	m.mu.Lock()

	if sessionID != "" {
		id := sessionID
		if real, ok := m.tempToReal[id]; ok {
			id = real
		}
		if s, ok := m.sessions[id]; ok {
			m.mu.Unlock()
			return s, id, false, nil
		}
		if s, ok := m.pending[sessionID]; ok {
			m.mu.Unlock()
			return s, sessionID, false, nil
		}
	}

	var evictees []*Session
	if len(m.sessions)+len(m.pending) >= m.cfg.MaxSessions {
		for id, s := range m.sessions {
			if len(evictees) >= maxEvictionsPerCall {
				break
			}
			if !s.Busy() {
				delete(m.sessions, id)
				evictees = append(evictees, s)
			}
		}
	}
	m.mu.Unlock()

	for _, s := range evictees {
		if _, err := s.Stop(); err != nil {
			m.logger.Warn("Failed to stop evicted session", zap.Error(err))
		}
	}
	if len(evictees) > 0 {
		m.logger.Info("Evicted idle CLI sessions", zap.Int("count", len(evictees)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions)+len(m.pending) >= m.cfg.MaxSessions {
		return nil, "", false, ErrSessionLimit
	}

	tempID := sessionID
	if tempID == "" {
		tempID = newTempID()
	}
	s := NewSession(m.cfg, m.logger)
	m.pending[tempID] = s
	return s, tempID, true, nil
}

// RegisterRealSessionID rebinds a pending session to the id the CLI
// reported. Later lookups by either id resolve to the same session.
func (m *Manager) RegisterRealSessionID(tempID, realID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.pending[tempID]
	if !ok {
		return
	}
	delete(m.pending, tempID)
	m.sessions[realID] = s
	m.tempToReal[tempID] = realID
	m.logger.Debug("CLI session id registered",
		zap.String("temp_id", tempID),
		zap.String("session_id", realID),
	)
}

// StopAll stops every live session and clears the pool. Returns how many
// sessions were stopped.
func (m *Manager) StopAll() int {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions)+len(m.pending))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	for _, s := range m.pending {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.pending = make(map[string]*Session)
	m.tempToReal = make(map[string]string)
	m.mu.Unlock()

	stopped := 0
	for _, s := range all {
		if acted, _ := s.Stop(); acted {
			stopped++
		}
	}
	return stopped
}

// Stats reports pool occupancy.
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	busy := 0
	for _, s := range m.sessions {
		if s.Busy() {
			busy++
		}
	}
	for _, s := range m.pending {
		if s.Busy() {
			busy++
		}
	}
	return map[string]any{
		"active_sessions":  len(m.sessions),
		"pending_sessions": len(m.pending),
		"busy_sessions":    busy,
		"max_sessions":     m.cfg.MaxSessions,
	}
}
