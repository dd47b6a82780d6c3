package collab

import (
	"time"

	"tripCollabServer/backend/internal/itinerary"
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleViewer:
		return true
	default:
		return false
	}
}

// CanEdit 判断该角色是否允许提交变更。viewer 在校验层就被拦截，
// 不会进入合并逻辑。
func (r Role) CanEdit() bool { return r == RoleOwner || r == RoleEditor }

type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed" // 终态，不可逆
)

type Participant struct {
	UserID   uint64    `json:"userId"`
	Username string    `json:"username,omitempty"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// SessionConfig 是建会话时可选的策略项，零值用引擎默认值补齐。
type SessionConfig struct {
	InactivityTimeout time.Duration `json:"inactivityTimeout,omitempty"`
	MaxParticipants   int           `json:"maxParticipants,omitempty"`
}

// Session 是对外暴露/持久化的会话快照。
// 引擎内部另有 sessionState 持有锁和冲突窗口，Session 本身是值拷贝。
type Session struct {
	ID             string             `json:"id"`
	CreatedBy      uint64             `json:"createdBy"`
	Participants   []Participant      `json:"participants"`
	Version        uint64             `json:"version"`
	Document       itinerary.Document `json:"document"`
	Status         Status             `json:"status"`
	Config         SessionConfig      `json:"config"`
	CreatedAt      time.Time          `json:"createdAt"`
	LastActivityAt time.Time          `json:"lastActivityAt"`
}

// ParticipantRole 查找成员角色；不是成员时第二个返回值为 false。
func (s *Session) ParticipantRole(userID uint64) (Role, bool) {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return s.Participants[i].Role, true
		}
	}
	return "", false
}
