package collab

import (
	"time"

	"tripCollabServer/backend/internal/itinerary"
)

// Change 是一次提交：提交者基于 baseVersion 观察到的文档，
// 产生的一批按顺序排列的元素级操作。
type Change struct {
	SessionID   string        `json:"sessionId"`
	SubmitterID uint64        `json:"submitterId"`
	BaseVersion uint64        `json:"baseVersion"`
	Ops         itinerary.Ops `json:"ops"`
}

// Conflict 是一条未被应用的操作及其原因。冲突作为数据返回给提交者，
// 由客户端拿最新 baseVersion 重新提交来解决。
type Conflict struct {
	Op     itinerary.Op `json:"op"`
	Reason string       `json:"reason"`
}

// 冲突原因（固定集合，前端据此提示）
const (
	ReasonConcurrentUpdate = "CONCURRENT_UPDATE"
	ReasonConcurrentDelete = "CONCURRENT_DELETE"
	ReasonDuplicateElement = "DUPLICATE_ELEMENT"
	ReasonElementNotFound  = "ELEMENT_NOT_FOUND"
)

// MergeResult 是一次合并的完整结果。有冲突也是成功返回；
// 只有 InvalidBaseVersion / SessionClosed 等才走 error。
type MergeResult struct {
	SessionID  string        `json:"sessionId"`
	NewVersion uint64        `json:"newVersion"`
	Applied    itinerary.Ops `json:"appliedOperations"`
	Conflicts  []Conflict    `json:"conflicts"`
	ActorID    uint64        `json:"actorId"`
	AppliedAt  time.Time     `json:"timestamp"`
}

// AppliedChange 是合并历史环形缓冲里的一条记录，供断线客户端追平用。
type AppliedChange struct {
	Version   uint64        `json:"version"`
	ActorID   uint64        `json:"actorId"`
	Ops       itinerary.Ops `json:"ops"`
	AppliedAt time.Time     `json:"appliedAt"`
}
