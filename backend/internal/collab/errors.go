package collab

import "errors"

// 错误分类（spec 固定集合）。冲突不是错误：合并结果里带冲突列表返回。
var (
	ErrPermissionDenied      = errors.New("PERMISSION_DENIED")
	ErrMalformedChange       = errors.New("MALFORMED_CHANGE")
	ErrInvalidBaseVersion    = errors.New("INVALID_BASE_VERSION")
	ErrSessionClosed         = errors.New("SESSION_CLOSED")
	ErrAlreadyClosed         = errors.New("ALREADY_CLOSED")
	ErrCapacityExceeded      = errors.New("CAPACITY_EXCEEDED")
	ErrInvalidRoleTransition = errors.New("INVALID_ROLE_TRANSITION")
	ErrSessionNotFound       = errors.New("SESSION_NOT_FOUND")
)
