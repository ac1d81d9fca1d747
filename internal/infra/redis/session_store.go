package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"study-game-service/internal/app"
	"study-game-service/internal/domain"
)

// SessionStore is a Redis-backed implementation of app.SessionRepository.
//   - Live sessions stay in a local map so broadcast remains in-process.
//   - Every mutation saves the snapshot under game:session:{id} (hash of version and data)
//     so a restarted instance can rehydrate it on lookup.
//   - game:group:{gid}:active indexes the unfinished sessions of a group.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration

	mu       sync.RWMutex
	sessions map[string]*app.Session
}

// saveScript writes the snapshot only if it is newer than the stored one, so saves that
// race each other cannot roll the session back.
var saveScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{
		client:   client,
		ttl:      ttl,
		sessions: make(map[string]*app.Session),
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

func (s *SessionStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *SessionStore) SessionIDs(ctx context.Context, groupID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.groupKey(groupID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list group sessions: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *SessionStore) Save(ctx context.Context, snapshot domain.Session) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	written, err := saveScript.Run(ctx, s.client, []string{s.key(snapshot.ID)},
		snapshot.Version, raw, s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if written == 0 {
		return nil
	}

	groupKey := s.groupKey(snapshot.GroupID)
	if snapshot.Phase.Terminal() {
		return s.client.SRem(ctx, groupKey, snapshot.ID).Err()
	}
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, groupKey, snapshot.ID)
	if s.ttl > 0 {
		pipe.Expire(ctx, groupKey, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *SessionStore) Load(ctx context.Context, sessionID string) (domain.Session, error) {
	raw, err := s.client.HGet(ctx, s.key(sessionID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("load session: %w", err)
	}
	var snap domain.Session
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.Session{}, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return snap, nil
}

func (s *SessionStore) key(sessionID string) string {
	return "game:session:" + sessionID
}

func (s *SessionStore) groupKey(groupID string) string {
	return "game:group:" + groupID + ":active"
}
