package collab

import (
	"context"
	"sync"

	"tripCollabServer/backend/internal/itinerary"
)

// MemoryStore 是 SessionStore/SnapshotStore 的内存参考实现，
// 供测试和单机部署使用。引擎把 Session 当不可变快照写入，
// 这里直接按值保存即可。
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]Session
	snapshots map[string]memorySnapshot
}

type memorySnapshot struct {
	Version  uint64
	Document itinerary.Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]Session),
		snapshots: make(map[string]memorySnapshot),
	}
}

func (m *MemoryStore) SaveSession(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) LoadSession(ctx context.Context, sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *MemoryStore) SaveSessionSnapshot(ctx context.Context, sessionID string, version uint64, doc itinerary.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[sessionID] = memorySnapshot{Version: version, Document: doc}
	return nil
}

// Snapshot 供测试读取最近一次快照。
func (m *MemoryStore) Snapshot(sessionID string) (uint64, itinerary.Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[sessionID]
	return snap.Version, snap.Document, ok
}
