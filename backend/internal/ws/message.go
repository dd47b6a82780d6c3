package ws

import (
	"time"

	"tripCollabServer/backend/internal/collab"
	"tripCollabServer/backend/internal/itinerary"
)

// ClientMessage 是入站消息的统一信封，Type 决定哪些字段有效。
// readLoop 里按封闭集合分发，未知类型直接回 ignored。
type ClientMessage struct {
	Type        string               `json:"type"`
	SessionID   string               `json:"sessionId,omitempty"`
	BaseVersion uint64               `json:"baseVersion,omitempty"`
	ClientID    string               `json:"clientId,omitempty"`
	Ops         itinerary.Ops        `json:"ops,omitempty"`
	Document    *itinerary.Document  `json:"document,omitempty"` // createSession 初始文档
	Config      collab.SessionConfig `json:"config,omitempty"`
	InviteeID   uint64               `json:"inviteeId,omitempty"`
	InviteeName string               `json:"inviteeName,omitempty"`
	TargetID    uint64               `json:"targetId,omitempty"`
	Role        collab.Role          `json:"role,omitempty"`
	FromVersion uint64               `json:"fromVersion,omitempty"`
	Limit       int                  `json:"limit,omitempty"`
}

type PresenceMember struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
}

type ServerMessage struct {
	Type      string           `json:"type"`
	SessionID string           `json:"sessionId,omitempty"`
	UserID    uint64           `json:"userId,omitempty"`
	Version   uint64           `json:"version,omitempty"`
	Members   []PresenceMember `json:"members,omitempty"`
	Content   string           `json:"content,omitempty"`
}

// MergeAckMessage 是提交者收到的合并回执：应用了哪些操作、
// 哪些操作冲突、合并后的版本。
type MergeAckMessage struct {
	Type        string            `json:"type"` // 固定 "merge_ack"
	SessionID   string            `json:"sessionId"`
	BaseVersion uint64            `json:"baseVersion"`
	NewVersion  uint64            `json:"newVersion"`
	Applied     itinerary.Ops     `json:"appliedOperations,omitempty"`
	Conflicts   []collab.Conflict `json:"conflicts,omitempty"`
	ClientID    string            `json:"clientId,omitempty"`
}

// EventMessage 是广播给会话房间内连接的引擎事件
// （change_merged / session_closed / participant_invited / role_changed）。
type EventMessage struct {
	Type      string        `json:"type"`
	SessionID string        `json:"sessionId"`
	Version   uint64        `json:"version,omitempty"`
	ActorID   uint64        `json:"actorId,omitempty"`
	TargetID  uint64        `json:"targetId,omitempty"`
	Role      collab.Role   `json:"role,omitempty"`
	Ops       itinerary.Ops `json:"ops,omitempty"`
	Timestamp time.Time     `json:"timestamp,omitempty"`
}

// SessionStateMessage 在 loadSession/joinSession 时返回当前文档与版本。
type SessionStateMessage struct {
	Type      string             `json:"type"` // 固定 "session_state"
	SessionID string             `json:"sessionId"`
	Version   uint64             `json:"version"`
	Document  itinerary.Document `json:"document"`
	Status    collab.Status      `json:"status"`
}

// ChangesMessage 是 changesSince 追平的响应。
type ChangesMessage struct {
	Type      string                 `json:"type"` // 固定 "changes"
	SessionID string                 `json:"sessionId"`
	Changes   []collab.AppliedChange `json:"changes"`
}
