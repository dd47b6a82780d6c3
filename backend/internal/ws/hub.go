package ws

import (
	"context"
	"sync"

	"tripCollabServer/backend/internal/cache"
	"tripCollabServer/backend/internal/collab"
)

// Hub 维护 sessionID → 连接集合 的房间表，并把引擎事件扇出到房间。
// 实现 collab.Broadcaster，和 kafka 分发器并列挂在引擎的广播链上。
type Hub struct {
	presence cache.PresenceCache
	mu       sync.RWMutex
	// sessionID -> set of connections
	// 房间里存连接而不是 userID：同一用户可开多个标签页/设备，
	// 广播要逐连接发。
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定会话房间
func (h *Hub) Join(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[sessionID] == nil {
		h.rooms[sessionID] = make(map[*Conn]struct{})
	}
	h.rooms[sessionID][c] = struct{}{}
}

// Leave 将连接从指定会话房间移除
func (h *Hub) Leave(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[sessionID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, sessionID)
		}
	}
}

// Broadcast 实现 collab.Broadcaster：把引擎事件推给房间内所有连接。
// 入队失败（连接写队列满）直接丢，慢连接自己追平。
func (h *Hub) Broadcast(ctx context.Context, evt collab.SessionEvent) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[evt.SessionID]))
	for c := range h.rooms[evt.SessionID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var msgType string
	switch evt.EventType {
	case collab.EventChangeMerged:
		msgType = "change_merged"
	case collab.EventSessionClosed:
		msgType = "session_closed"
	case collab.EventParticipantInvited:
		msgType = "participant_invited"
	case collab.EventRoleChanged:
		msgType = "role_changed"
	default:
		return
	}
	msg := EventMessage{
		Type:      msgType,
		SessionID: evt.SessionID,
		Version:   evt.NewVersion,
		ActorID:   evt.ActorID,
		TargetID:  evt.TargetID,
		Role:      evt.Role,
		Ops:       evt.Applied,
		Timestamp: evt.Timestamp,
	}
	for _, c := range conns {
		c.SendMessage_Enqueue(msg)
	}

	// 会话关闭后房间没有存在意义，顺手拆掉
	if evt.EventType == collab.EventSessionClosed {
		h.mu.Lock()
		delete(h.rooms, evt.SessionID)
		h.mu.Unlock()
	}
}

func (h *Hub) BroadcastPresence(sessionID string, members []PresenceMember) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[sessionID]))
	for c := range h.rooms[sessionID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	msg := ServerMessage{Type: "presence", SessionID: sessionID, Members: members}
	for _, c := range conns {
		c.SendMessage_Enqueue(msg)
	}
}
