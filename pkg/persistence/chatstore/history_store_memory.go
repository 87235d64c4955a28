package chatstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryHistoryStore keeps encoded transcripts in a map. It stores the
// encoded form so that callers never share slices with the store.
type InMemoryHistoryStore struct {
	mu       sync.Mutex
	sessions map[string]inMemSession
}

type inMemSession struct {
	raw       []byte
	count     int
	updatedAt time.Time
}

var _ HistoryStore = &InMemoryHistoryStore{}

func NewInMemoryHistoryStore() *InMemoryHistoryStore {
	return &InMemoryHistoryStore{sessions: map[string]inMemSession{}}
}

func (s *InMemoryHistoryStore) Load(_ context.Context, sessionID string) ([]ChatMessage, error) {
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return decodeHistory(s.sessions[id].raw), nil
}

func (s *InMemoryHistoryStore) Save(_ context.Context, sessionID string, msgs []ChatMessage) error {
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return err
	}
	raw, err := encodeHistory(msgs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = inMemSession{raw: raw, count: min(len(msgs), MaxHistory), updatedAt: time.Now()}
	return nil
}

// setRaw stores bytes as-is; tests use it to simulate corrupt state.
func (s *InMemoryHistoryStore) setRaw(sessionID string, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = inMemSession{raw: raw, updatedAt: time.Now()}
}

func (s *InMemoryHistoryStore) Delete(_ context.Context, sessionID string) error {
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *InMemoryHistoryStore) List(_ context.Context) ([]SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for id, sess := range s.sessions {
		out = append(out, SessionInfo{SessionID: id, Messages: sess.count, UpdatedAt: sess.updatedAt})
	}
	sortSessions(out)
	return out, nil
}

func (s *InMemoryHistoryStore) Close() error { return nil }

// sortSessions orders by most recent update, then id.
func sortSessions(infos []SessionInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
		}
		return infos[i].SessionID < infos[j].SessionID
	})
}
