package agent

import (
	"log/slog"
	"sort"
	"sync"

	"grandmaster/internal/metrics"
	"grandmaster/internal/transcript"
)

// Session is one chat's transcript plus its persona selection. Runs on a
// session are serialized by Lock/Unlock; reads of the transcript and the
// persona selection do not need that lock.
type Session struct {
	Key        string
	Transcript *transcript.Transcript

	mu sync.Mutex // held for a whole run

	stateMu sync.RWMutex
	persona string // selected persona id; empty means Team Mode
}

func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// Persona returns the selected persona id.
func (s *Session) Persona() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.persona
}

// SetPersona selects a persona; an empty id switches to Team Mode.
func (s *Session) SetPersona(id string) {
	s.stateMu.Lock()
	s.persona = id
	s.stateMu.Unlock()
}

// SessionManager keeps the in-memory sessions for the process lifetime.
type SessionManager struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionManager(logger *slog.Logger) *SessionManager {
	return &SessionManager{
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for key, creating it on first use.
func (sm *SessionManager) Get(key string) *Session {
	sm.mu.RLock()
	s, ok := sm.sessions[key]
	sm.mu.RUnlock()
	if ok {
		return s
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sessions[key]; ok {
		return s
	}
	s = &Session{Key: key, Transcript: transcript.New()}
	sm.sessions[key] = s
	metrics.ActiveSessions.Set(int64(len(sm.sessions)))
	sm.logger.Info("created new session", "session", key)
	return s
}

// Lookup returns the session for key without creating it.
func (sm *SessionManager) Lookup(key string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[key]
	return s, ok
}

// Snapshot returns a copy of the session transcript. Unknown sessions yield
// an empty transcript.
func (sm *SessionManager) Snapshot(key string) []transcript.Message {
	if s, ok := sm.Lookup(key); ok {
		return s.Transcript.Snapshot()
	}
	return []transcript.Message{}
}

func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Keys returns the session keys in sorted order.
func (sm *SessionManager) Keys() []string {
	sm.mu.RLock()
	keys := make([]string, 0, len(sm.sessions))
	for k := range sm.sessions {
		keys = append(keys, k)
	}
	sm.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
