package collab

import (
	"context"
	"time"

	"tripCollabServer/backend/internal/itinerary"
)

// 广播事件类型
const (
	EventChangeMerged       = "CHANGE_MERGED"
	EventSessionClosed      = "SESSION_CLOSED"
	EventParticipantInvited = "PARTICIPANT_INVITED"
	EventRoleChanged        = "ROLE_CHANGED"
)

// SessionEvent 是合并/生命周期事件的广播载荷。
// 引擎对投递是 fire-and-forget：不等待、不重试、不回滚，
// 投递失败是传输层自己的事。
type SessionEvent struct {
	EventType  string        `json:"eventType"`
	SessionID  string        `json:"sessionId"`
	NewVersion uint64        `json:"newVersion,omitempty"`
	Applied    itinerary.Ops `json:"appliedOperations,omitempty"`
	Conflicts  []Conflict    `json:"conflicts,omitempty"`
	ActorID    uint64        `json:"actorId,omitempty"`
	TargetID   uint64        `json:"targetId,omitempty"`
	Role       Role          `json:"role,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Broadcaster 由外部传输层实现（kafka 分发器、ws hub）。
// 实现必须快速返回，不能阻塞合并主链路。
type Broadcaster interface {
	Broadcast(ctx context.Context, evt SessionEvent)
}

// MultiBroadcaster 依次扇出到多个下游。
type MultiBroadcaster []Broadcaster

func (m MultiBroadcaster) Broadcast(ctx context.Context, evt SessionEvent) {
	for _, b := range m {
		b.Broadcast(ctx, evt)
	}
}
