package store

import "time"

// gorm 实体，表结构与 collab.Session 的持久化形态一一对应。
// Document 整体按 JSON 存（引擎内存为权威，库里是合并后的快照），
// participants 单独一张表方便按用户查询。

type SessionRecord struct {
	ID                  string `gorm:"primaryKey;type:varchar(64)"`
	CreatedBy           uint64 `gorm:"index"`
	Version             uint64
	Status              string `gorm:"type:varchar(16);index"`
	DocumentJSON        []byte `gorm:"type:mediumblob"`
	InactivityTimeoutMS int64
	MaxParticipants     int
	CreatedAt           time.Time
	LastActivityAt      time.Time
}

func (SessionRecord) TableName() string { return "collab_sessions" }

type ParticipantRecord struct {
	SessionID string `gorm:"primaryKey;type:varchar(64)"`
	UserID    uint64 `gorm:"primaryKey"`
	Username  string `gorm:"type:varchar(64)"`
	Role      string `gorm:"type:varchar(16)"`
	JoinedAt  time.Time
}

func (ParticipantRecord) TableName() string { return "collab_session_participants" }
