package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tripCollabServer/backend/internal/collab"
	"tripCollabServer/backend/internal/itinerary"
)

// REST 入口：会话生命周期 + 提交变更。每个路由对应引擎的一个操作，
// 不做自由字符串 action 分发。
type SessionHandlers struct {
	svc collab.Service
}

func NewSessionHandlers(svc collab.Service) *SessionHandlers {
	return &SessionHandlers{svc: svc}
}

// 从 gin.Context 获取鉴权中间件写入的用户信息
func actorFrom(c *gin.Context) (uint64, string, bool) {
	userID, exists := c.Get("userId")
	if !exists {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "User context missing"})
		return 0, "", false
	}
	uid, ok := userID.(uint64)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Invalid user ID format"})
		return 0, "", false
	}
	return uid, c.GetString("username"), true
}

func writeEngineError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, collab.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, collab.ErrMalformedChange),
		errors.Is(err, collab.ErrInvalidRoleTransition):
		status = http.StatusBadRequest
	case errors.Is(err, collab.ErrInvalidBaseVersion),
		errors.Is(err, collab.ErrCapacityExceeded),
		errors.Is(err, collab.ErrAlreadyClosed):
		status = http.StatusConflict
	case errors.Is(err, collab.ErrSessionClosed):
		status = http.StatusGone
	case errors.Is(err, collab.ErrSessionNotFound):
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type createSessionReq struct {
	Document itinerary.Document   `json:"document"`
	Config   collab.SessionConfig `json:"config"`
}

func (h *SessionHandlers) CreateSession(c *gin.Context) {
	uid, username, ok := actorFrom(c)
	if !ok {
		return
	}
	var req createSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sess, err := h.svc.CreateSession(c.Request.Context(), uid, username, req.Document, req.Config)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandlers) GetSession(c *gin.Context) {
	if _, _, ok := actorFrom(c); !ok {
		return
	}
	sess, err := h.svc.GetSession(c.Request.Context(), c.Param("sessionID"))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type submitChangeReq struct {
	BaseVersion uint64        `json:"baseVersion"`
	Ops         itinerary.Ops `json:"ops"`
}

func (h *SessionHandlers) SubmitChange(c *gin.Context) {
	uid, _, ok := actorFrom(c)
	if !ok {
		return
	}
	var req submitChangeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	res, err := h.svc.SubmitChange(c.Request.Context(), collab.Change{
		SessionID:   c.Param("sessionID"),
		SubmitterID: uid,
		BaseVersion: req.BaseVersion,
		Ops:         req.Ops,
	})
	if err != nil {
		writeEngineError(c, err)
		return
	}
	// 有冲突也是 200：冲突是数据，客户端拿新 baseVersion 重提
	c.JSON(http.StatusOK, res)
}

type inviteReq struct {
	InviteeID   uint64      `json:"inviteeId"`
	InviteeName string      `json:"inviteeName"`
	Role        collab.Role `json:"role"`
}

func (h *SessionHandlers) Invite(c *gin.Context) {
	uid, _, ok := actorFrom(c)
	if !ok {
		return
	}
	var req inviteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sess, err := h.svc.Invite(c.Request.Context(), c.Param("sessionID"), uid, req.InviteeID, req.InviteeName, req.Role)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type changeRoleReq struct {
	TargetID uint64      `json:"targetId"`
	Role     collab.Role `json:"role"`
}

func (h *SessionHandlers) ChangeRole(c *gin.Context) {
	uid, _, ok := actorFrom(c)
	if !ok {
		return
	}
	var req changeRoleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sess, err := h.svc.ChangeRole(c.Request.Context(), c.Param("sessionID"), uid, req.TargetID, req.Role)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandlers) CloseSession(c *gin.Context) {
	uid, _, ok := actorFrom(c)
	if !ok {
		return
	}
	if err := h.svc.CloseSession(c.Request.Context(), c.Param("sessionID"), uid); err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

func (h *SessionHandlers) ChangesSince(c *gin.Context) {
	if _, _, ok := actorFrom(c); !ok {
		return
	}
	from, _ := strconv.ParseUint(c.Query("from"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))
	changes, err := h.svc.ChangesSince(c.Request.Context(), c.Param("sessionID"), from, limit)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": c.Param("sessionID"), "changes": changes})
}
