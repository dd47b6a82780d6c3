package collab

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tripCollabServer/backend/internal/itinerary"
)

// 协同引擎接口
type Service interface {
	CreateSession(ctx context.Context, ownerID uint64, ownerName string,
		doc itinerary.Document, cfg SessionConfig) (Session, error)

	// SubmitChange 是同步器入口：按会话串行合并，冲突作为数据返回。
	SubmitChange(ctx context.Context, ch Change) (MergeResult, error)

	Invite(ctx context.Context, sessionID string, inviterID, inviteeID uint64,
		inviteeName string, role Role) (Session, error)
	ChangeRole(ctx context.Context, sessionID string, actorID, targetID uint64, newRole Role) (Session, error)
	CloseSession(ctx context.Context, sessionID string, actorID uint64) error

	GetSession(ctx context.Context, sessionID string) (Session, error)

	// 用于握手/追平
	ChangesSince(ctx context.Context, sessionID string, fromVersion uint64, limit int) ([]AppliedChange, error)

	// 心跳等参与者活动，喂给闲置回收
	TouchActivity(ctx context.Context, sessionID string, userID uint64) error

	SaveSnapshot(ctx context.Context, sessionID string) error

	// 闲置会话回收，返回本轮关闭的数量
	SweepInactive(ctx context.Context) int
}

// 会话存储接口：只声明，MySQL 实现在 store 包，内存参考实现在本包。
type SessionStore interface {
	SaveSession(ctx context.Context, s Session) error
	// 不存在时返回 ErrSessionNotFound
	LoadSession(ctx context.Context, sessionID string) (Session, error)
}

// 快照存储接口
type SnapshotStore interface {
	SaveSessionSnapshot(ctx context.Context, sessionID string, version uint64, doc itinerary.Document) error
}

// sessionState 持有单个会话的串行化点（mu）和冲突判定窗口。
// 文档与版本号只在 mu 临界区内被修改。
type sessionState struct {
	mu   sync.Mutex
	sess Session

	// elementId -> 最近一次修改（insert/update）落在哪个版本
	touchedAt map[string]uint64
	// elementId -> 在哪个版本被删除（墓碑）
	deletedAt map[string]uint64
	// touchedAt/deletedAt 只覆盖 floor 之后的合并；进程重启后从存储
	// 恢复的会话 floor = 恢复时的版本号，更早的历史视为未知。
	floor uint64

	// 近期合并历史，断线客户端追平用
	ring []AppliedChange
}

func newSessionState(sess Session, floor uint64, ringCap int) *sessionState {
	return &sessionState{
		sess:      sess,
		touchedAt: make(map[string]uint64),
		deletedAt: make(map[string]uint64),
		floor:     floor,
		ring:      make([]AppliedChange, 0, ringCap),
	}
}

// Engine 是 Service 的权威内存实现：每个会话一把锁（懒创建、关闭即回收），
// 不同会话完全并行。存储/广播/时钟全部注入。
type Engine struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	ringCap  int

	store       SessionStore
	snapshots   SnapshotStore
	broadcaster Broadcaster

	now      func() time.Time
	newID    func() string
	defaults SessionConfig
}

type EngineOptions struct {
	RingCap  int
	Defaults SessionConfig
	Now      func() time.Time
	NewID    func() string
}

func NewEngine(store SessionStore, snapshots SnapshotStore, broadcaster Broadcaster, opt EngineOptions) *Engine {
	e := &Engine{
		sessions:    make(map[string]*sessionState),
		ringCap:     opt.RingCap,
		store:       store,
		snapshots:   snapshots,
		broadcaster: broadcaster,
		now:         opt.Now,
		newID:       opt.NewID,
		defaults:    opt.Defaults,
	}
	if e.ringCap <= 0 {
		e.ringCap = 1024
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = func() string { return fmt.Sprintf("s-%d", time.Now().UnixNano()) }
	}
	if e.defaults.InactivityTimeout <= 0 {
		e.defaults.InactivityTimeout = 30 * time.Minute
	}
	if e.defaults.MaxParticipants <= 0 {
		e.defaults.MaxParticipants = 16
	}
	return e
}

func (e *Engine) CreateSession(ctx context.Context, ownerID uint64, ownerName string,
	doc itinerary.Document, cfg SessionConfig) (Session, error) {
	if err := ValidateDocument(doc); err != nil {
		return Session{}, err
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = e.defaults.InactivityTimeout
	}
	if cfg.MaxParticipants <= 0 {
		cfg.MaxParticipants = e.defaults.MaxParticipants
	}

	now := e.now()
	sess := Session{
		ID:        e.newID(),
		CreatedBy: ownerID,
		Participants: []Participant{
			{UserID: ownerID, Username: ownerName, Role: RoleOwner, JoinedAt: now},
		},
		Version:        0,
		Document:       doc.Clone(),
		Status:         StatusActive,
		Config:         cfg,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := e.store.SaveSession(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("persist session: %w", err)
	}

	e.mu.Lock()
	e.sessions[sess.ID] = newSessionState(sess, 0, e.ringCap)
	e.mu.Unlock()
	return sess, nil
}

// getState 取会话的串行化点；内存没有时从存储懒加载（进程重启恢复）。
func (e *Engine) getState(ctx context.Context, sessionID string) (*sessionState, error) {
	e.mu.RLock()
	ds := e.sessions[sessionID]
	e.mu.RUnlock()
	if ds != nil {
		return ds, nil
	}

	sess, err := e.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ds = e.sessions[sessionID]; ds == nil {
		// 恢复的会话没有合并历史，floor 从当前版本起算
		ds = newSessionState(sess, sess.Version, e.ringCap)
		e.sessions[sessionID] = ds
	}
	return ds, nil
}

// conflictReason 判定单个操作相对 baseVersion 是否冲突。
// doc 是包含本次变更中已应用操作的工作副本。
func (ds *sessionState) conflictReason(op itinerary.Op, baseVersion uint64, doc *itinerary.Document) (string, bool) {
	if op.Kind == itinerary.OpInsert {
		// 两个不同 elementId 的 insert 永不冲突；撞 ID 才算
		if doc.Has(op.ElementID) {
			return ReasonDuplicateElement, true
		}
		return "", false
	}

	if ver, ok := ds.deletedAt[op.ElementID]; ok && ver > baseVersion {
		return ReasonConcurrentDelete, true
	}
	if ver, ok := ds.touchedAt[op.ElementID]; ok && ver > baseVersion {
		return ReasonConcurrentUpdate, true
	}
	if baseVersion < ds.floor {
		// 历史窗口之外，无法证明无并发修改，保守判冲突
		return ReasonConcurrentUpdate, true
	}
	if !doc.Has(op.ElementID) {
		return ReasonElementNotFound, true
	}
	return "", false
}

func (e *Engine) SubmitChange(ctx context.Context, ch Change) (MergeResult, error) {
	ds, err := e.getState(ctx, ch.SessionID)
	if err != nil {
		return MergeResult{}, err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.sess.Status == StatusClosed {
		return MergeResult{}, ErrSessionClosed
	}
	role, ok := ds.sess.ParticipantRole(ch.SubmitterID)
	if !ok {
		return MergeResult{}, ErrPermissionDenied
	}
	// 校验先行：viewer/结构错误在这里挡下，永不进入合并逻辑
	if err := ValidateChange(ch, role); err != nil {
		return MergeResult{}, err
	}

	cur := ds.sess.Version
	if ch.BaseVersion > cur {
		return MergeResult{}, fmt.Errorf("base %d ahead of current %d: %w", ch.BaseVersion, cur, ErrInvalidBaseVersion)
	}

	// 冲突判定 + 按提交顺序应用到工作副本
	doc := ds.sess.Document.Clone()
	var applied itinerary.Ops
	var conflicts []Conflict
	for _, op := range ch.Ops {
		if reason, conflicted := ds.conflictReason(op, ch.BaseVersion, &doc); conflicted {
			conflicts = append(conflicts, Conflict{Op: op, Reason: reason})
			continue
		}
		if err := doc.Apply(op); err != nil {
			// conflictReason 已覆盖存在性检查，这里兜底同批操作的交叉影响
			conflicts = append(conflicts, Conflict{Op: op, Reason: ReasonElementNotFound})
			continue
		}
		applied = append(applied, op)
	}

	now := e.now()
	if len(applied) == 0 {
		// 全冲突：no-op，版本不前进（见 DESIGN.md），但算参与者活动
		ds.sess.LastActivityAt = now
		return MergeResult{
			SessionID:  ch.SessionID,
			NewVersion: cur,
			Conflicts:  conflicts,
			ActorID:    ch.SubmitterID,
			AppliedAt:  now,
		}, nil
	}

	// 应用+落库是一个原子单元：先持久化，成功才提交内存，失败版本不前进
	next := ds.sess
	next.Version = cur + 1
	next.Document = doc
	next.LastActivityAt = now
	if err := e.store.SaveSession(ctx, next); err != nil {
		return MergeResult{}, fmt.Errorf("persist merge: %w", err)
	}
	ds.sess = next

	for _, op := range applied {
		switch op.Kind {
		case itinerary.OpDelete:
			ds.deletedAt[op.ElementID] = next.Version
			delete(ds.touchedAt, op.ElementID)
		default:
			ds.touchedAt[op.ElementID] = next.Version
		}
	}

	// 保存到环形缓冲（达到容量丢最老一条）
	if cap(ds.ring) > 0 && len(ds.ring) == cap(ds.ring) {
		copy(ds.ring[0:], ds.ring[1:])
		ds.ring = ds.ring[:len(ds.ring)-1]
	}
	ds.ring = append(ds.ring, AppliedChange{
		Version:   next.Version,
		ActorID:   ch.SubmitterID,
		Ops:       applied,
		AppliedAt: now,
	})

	res := MergeResult{
		SessionID:  ch.SessionID,
		NewVersion: next.Version,
		Applied:    applied,
		Conflicts:  conflicts,
		ActorID:    ch.SubmitterID,
		AppliedAt:  now,
	}
	if e.broadcaster != nil {
		e.broadcaster.Broadcast(ctx, SessionEvent{
			EventType:  EventChangeMerged,
			SessionID:  res.SessionID,
			NewVersion: res.NewVersion,
			Applied:    res.Applied,
			Conflicts:  res.Conflicts,
			ActorID:    res.ActorID,
			Timestamp:  res.AppliedAt,
		})
	}
	return res, nil
}

func (e *Engine) Invite(ctx context.Context, sessionID string, inviterID, inviteeID uint64,
	inviteeName string, role Role) (Session, error) {
	ds, err := e.getState(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.sess.Status == StatusClosed {
		return Session{}, ErrSessionClosed
	}
	if r, ok := ds.sess.ParticipantRole(inviterID); !ok || r != RoleOwner {
		return Session{}, ErrPermissionDenied
	}
	// owner 唯一且建会话时固定，邀请只能给 editor/viewer
	if !role.Valid() || role == RoleOwner {
		return Session{}, fmt.Errorf("invite with role %q: %w", role, ErrInvalidRoleTransition)
	}
	if _, already := ds.sess.ParticipantRole(inviteeID); already {
		// 重复邀请幂等返回，调整角色走 ChangeRole
		return ds.sess, nil
	}
	if len(ds.sess.Participants)+1 > ds.sess.Config.MaxParticipants {
		return Session{}, ErrCapacityExceeded
	}

	now := e.now()
	next := ds.sess
	next.Participants = append(append([]Participant{}, ds.sess.Participants...), Participant{
		UserID:   inviteeID,
		Username: inviteeName,
		Role:     role,
		JoinedAt: now,
	})
	next.LastActivityAt = now
	if err := e.store.SaveSession(ctx, next); err != nil {
		return Session{}, fmt.Errorf("persist invite: %w", err)
	}
	ds.sess = next

	if e.broadcaster != nil {
		e.broadcaster.Broadcast(ctx, SessionEvent{
			EventType: EventParticipantInvited,
			SessionID: sessionID,
			ActorID:   inviterID,
			TargetID:  inviteeID,
			Role:      role,
			Timestamp: now,
		})
	}
	return next, nil
}

func (e *Engine) ChangeRole(ctx context.Context, sessionID string, actorID, targetID uint64, newRole Role) (Session, error) {
	ds, err := e.getState(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}

	// 角色变更与合并走同一把会话锁，不会和进行中的合并判定竞态
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.sess.Status == StatusClosed {
		return Session{}, ErrSessionClosed
	}
	if r, ok := ds.sess.ParticipantRole(actorID); !ok || r != RoleOwner {
		return Session{}, ErrPermissionDenied
	}
	if !newRole.Valid() {
		return Session{}, fmt.Errorf("role %q: %w", newRole, ErrInvalidRoleTransition)
	}
	if _, ok := ds.sess.ParticipantRole(targetID); !ok {
		return Session{}, fmt.Errorf("target %d not a participant: %w", targetID, ErrInvalidRoleTransition)
	}
	// owner 把自己降级又不指定继任者 → 会话没有 owner，禁止
	if targetID == actorID && newRole != RoleOwner {
		return Session{}, fmt.Errorf("owner must hand over ownership first: %w", ErrInvalidRoleTransition)
	}

	now := e.now()
	next := ds.sess
	next.Participants = append([]Participant{}, ds.sess.Participants...)
	for i := range next.Participants {
		switch next.Participants[i].UserID {
		case targetID:
			next.Participants[i].Role = newRole
		case actorID:
			if newRole == RoleOwner && targetID != actorID {
				// 所有权移交：原 owner 退为 editor，owner 保持唯一
				next.Participants[i].Role = RoleEditor
			}
		}
	}
	next.LastActivityAt = now
	if err := e.store.SaveSession(ctx, next); err != nil {
		return Session{}, fmt.Errorf("persist role change: %w", err)
	}
	ds.sess = next

	if e.broadcaster != nil {
		e.broadcaster.Broadcast(ctx, SessionEvent{
			EventType: EventRoleChanged,
			SessionID: sessionID,
			ActorID:   actorID,
			TargetID:  targetID,
			Role:      newRole,
			Timestamp: now,
		})
	}
	return next, nil
}

func (e *Engine) CloseSession(ctx context.Context, sessionID string, actorID uint64) error {
	ds, err := e.getState(ctx, sessionID)
	if err != nil {
		return err
	}

	ds.mu.Lock()
	if ds.sess.Status == StatusClosed {
		ds.mu.Unlock()
		return ErrAlreadyClosed
	}
	if r, ok := ds.sess.ParticipantRole(actorID); !ok || r != RoleOwner {
		ds.mu.Unlock()
		return ErrPermissionDenied
	}
	err = e.closeLocked(ctx, ds, actorID)
	ds.mu.Unlock()
	if err != nil {
		return err
	}

	e.reclaim(sessionID)
	return nil
}

// closeLocked 置终态并落库，调用方必须持有 ds.mu。
func (e *Engine) closeLocked(ctx context.Context, ds *sessionState, actorID uint64) error {
	now := e.now()
	next := ds.sess
	next.Status = StatusClosed
	next.LastActivityAt = now
	if err := e.store.SaveSession(ctx, next); err != nil {
		return fmt.Errorf("persist close: %w", err)
	}
	ds.sess = next

	// 终版快照尽力而为，失败只记日志
	if e.snapshots != nil {
		if err := e.snapshots.SaveSessionSnapshot(ctx, next.ID, next.Version, next.Document); err != nil {
			log.Printf("save final snapshot failed session=%s version=%d err=%v", next.ID, next.Version, err)
		}
	}

	if e.broadcaster != nil {
		e.broadcaster.Broadcast(ctx, SessionEvent{
			EventType: EventSessionClosed,
			SessionID: next.ID,
			ActorID:   actorID,
			Timestamp: now,
		})
	}
	return nil
}

// reclaim 回收已关闭会话的串行化点；后续访问会从存储懒加载到终态。
func (e *Engine) reclaim(sessionID string) {
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
}

func (e *Engine) GetSession(ctx context.Context, sessionID string) (Session, error) {
	ds, err := e.getState(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.sess, nil
}

func (e *Engine) ChangesSince(ctx context.Context, sessionID string, fromVersion uint64, limit int) ([]AppliedChange, error) {
	ds, err := e.getState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	var out []AppliedChange
	for _, ac := range ds.ring {
		if ac.Version > fromVersion {
			out = append(out, ac)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (e *Engine) TouchActivity(ctx context.Context, sessionID string, userID uint64) error {
	ds, err := e.getState(ctx, sessionID)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.sess.Status == StatusClosed {
		return ErrSessionClosed
	}
	if _, ok := ds.sess.ParticipantRole(userID); !ok {
		return ErrPermissionDenied
	}
	ds.sess.LastActivityAt = e.now()
	return nil
}

func (e *Engine) SaveSnapshot(ctx context.Context, sessionID string) error {
	if e.snapshots == nil {
		return fmt.Errorf("snapshot store not configured")
	}
	ds, err := e.getState(ctx, sessionID)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return e.snapshots.SaveSessionSnapshot(ctx, sessionID, ds.sess.Version, ds.sess.Document)
}

// SweepInactive 扫一轮闲置会话：超过 inactivityTimeout 没有任何
// 参与者活动（合并/心跳/生命周期操作）的 active 会话自动关闭。
func (e *Engine) SweepInactive(ctx context.Context) int {
	e.mu.RLock()
	states := make(map[string]*sessionState, len(e.sessions))
	for id, ds := range e.sessions {
		states[id] = ds
	}
	e.mu.RUnlock()

	now := e.now()
	closed := 0
	for id, ds := range states {
		ds.mu.Lock()
		if ds.sess.Status == StatusActive && now.Sub(ds.sess.LastActivityAt) > ds.sess.Config.InactivityTimeout {
			if err := e.closeLocked(ctx, ds, 0); err != nil {
				log.Printf("sweep close failed session=%s err=%v", id, err)
			} else {
				closed++
				defer e.reclaim(id)
			}
		}
		ds.mu.Unlock()
	}
	return closed
}
