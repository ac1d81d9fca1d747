package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"study-game-service/internal/app"
	"study-game-service/internal/domain"
)

// SessionStore is an in-memory implementation of app.SessionRepository. Saved snapshots
// live in the same process, so they only outlive a dropped session, not a restart.
type SessionStore struct {
	mu        sync.RWMutex
	sessions  map[string]*app.Session
	snapshots map[string]domain.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:  make(map[string]*app.Session),
		snapshots: make(map[string]domain.Session),
	}
}

func (s *SessionStore) Put(session *app.Session) *app.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[session.ID()]; ok {
		return existing
	}
	s.sessions[session.ID()] = session
	return session
}

func (s *SessionStore) Get(sessionID string) (*app.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	return session, ok
}

func (s *SessionStore) All() []*app.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*app.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out
}

// Delete drops the live session; its last snapshot stays loadable.
func (s *SessionStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *SessionStore) SessionIDs(_ context.Context, groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, snap := range s.snapshots {
		if snap.GroupID == groupID && !snap.Phase.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *SessionStore) Save(_ context.Context, snapshot domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.snapshots[snapshot.ID]; ok && cur.Version >= snapshot.Version {
		return nil
	}
	s.snapshots[snapshot.ID] = snapshot.Clone()
	return nil
}

func (s *SessionStore) Load(_ context.Context, sessionID string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[sessionID]
	if !ok {
		return domain.Session{}, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	return snap.Clone(), nil
}
