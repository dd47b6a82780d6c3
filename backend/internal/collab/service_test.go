package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tripCollabServer/backend/internal/itinerary"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (b *recordingBroadcaster) Broadcast(ctx context.Context, evt SessionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *recordingBroadcaster) byType(eventType string) []SessionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []SessionEvent
	for _, evt := range b.events {
		if evt.EventType == eventType {
			out = append(out, evt)
		}
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// failingStore 包装 MemoryStore，按开关注入落库失败
type failingStore struct {
	*MemoryStore
	fail bool
}

func (f *failingStore) SaveSession(ctx context.Context, s Session) error {
	if f.fail {
		return errors.New("db down")
	}
	return f.MemoryStore.SaveSession(ctx, s)
}

func newTestEngine(t *testing.T) (*Engine, *MemoryStore, *recordingBroadcaster, *fakeClock) {
	t.Helper()
	mem := NewMemoryStore()
	bc := &recordingBroadcaster{}
	clock := newFakeClock()
	var seq int
	e := NewEngine(mem, mem, bc, EngineOptions{
		Now: clock.Now,
		NewID: func() string {
			seq++
			return fmt.Sprintf("s-%d", seq)
		},
		Defaults: SessionConfig{
			InactivityTimeout: 10 * time.Minute,
			MaxParticipants:   4,
		},
	})
	return e, mem, bc, clock
}

const (
	ownerA  uint64 = 1
	editorB uint64 = 2
	viewerC uint64 = 3
)

// 建好一个 owner+editor+viewer 的会话
func seedSession(t *testing.T, e *Engine) Session {
	t.Helper()
	ctx := context.Background()
	sess, err := e.CreateSession(ctx, ownerA, "alice", itinerary.Document{}, SessionConfig{})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := e.Invite(ctx, sess.ID, ownerA, editorB, "bob", RoleEditor); err != nil {
		t.Fatalf("Invite(editor) error = %v", err)
	}
	if _, err := e.Invite(ctx, sess.ID, ownerA, viewerC, "carol", RoleViewer); err != nil {
		t.Fatalf("Invite(viewer) error = %v", err)
	}
	return sess
}

func insertOp(id string) itinerary.Op {
	return itinerary.Op{Kind: itinerary.OpInsert, ElementID: id, Element: &itinerary.Element{Kind: itinerary.KindActivity, Title: "T-" + id}}
}

func updateOp(id, title string) itinerary.Op {
	return itinerary.Op{Kind: itinerary.OpUpdate, ElementID: id, Element: &itinerary.Element{Kind: itinerary.KindActivity, Title: title}}
}

func deleteOp(id string) itinerary.Op {
	return itinerary.Op{Kind: itinerary.OpDelete, ElementID: id}
}

func mustSubmit(t *testing.T, e *Engine, sessionID string, submitter uint64, base uint64, ops ...itinerary.Op) MergeResult {
	t.Helper()
	res, err := e.SubmitChange(context.Background(), Change{
		SessionID:   sessionID,
		SubmitterID: submitter,
		BaseVersion: base,
		Ops:         ops,
	})
	if err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	return res
}

func TestCreateSession_Defaults(t *testing.T) {
	e, mem, _, _ := newTestEngine(t)
	sess, err := e.CreateSession(context.Background(), ownerA, "alice", itinerary.Document{}, SessionConfig{})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if sess.Version != 0 {
		t.Fatalf("Version = %d, want 0", sess.Version)
	}
	if sess.Status != StatusActive {
		t.Fatalf("Status = %q, want active", sess.Status)
	}
	if len(sess.Participants) != 1 || sess.Participants[0].Role != RoleOwner || sess.Participants[0].UserID != ownerA {
		t.Fatalf("participants = %+v, want single owner", sess.Participants)
	}
	if sess.Config.MaxParticipants != 4 || sess.Config.InactivityTimeout != 10*time.Minute {
		t.Fatalf("config defaults not applied: %+v", sess.Config)
	}
	// 落库了
	if _, err := mem.LoadSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
}

func TestCreateSession_RejectsDuplicateElementIDs(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	doc := itinerary.Document{Elements: []itinerary.Element{
		{ID: "e1", Kind: itinerary.KindNote},
		{ID: "e1", Kind: itinerary.KindNote},
	}}
	if _, err := e.CreateSession(context.Background(), ownerA, "alice", doc, SessionConfig{}); !errors.Is(err, ErrMalformedChange) {
		t.Fatalf("CreateSession() error = %v, want ErrMalformedChange", err)
	}
}

func TestSubmitChange_CleanMerge(t *testing.T) {
	e, mem, bc, _ := newTestEngine(t)
	sess := seedSession(t, e)

	res := mustSubmit(t, e, sess.ID, ownerA, 0, insertOp("e1"))
	if res.NewVersion != 1 {
		t.Fatalf("NewVersion = %d, want 1", res.NewVersion)
	}
	if len(res.Applied) != 1 || len(res.Conflicts) != 0 {
		t.Fatalf("Applied = %d, Conflicts = %d, want 1/0", len(res.Applied), len(res.Conflicts))
	}

	got, err := e.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Version != 1 || !got.Document.Has("e1") {
		t.Fatalf("session = v%d has(e1)=%t, want v1 true", got.Version, got.Document.Has("e1"))
	}

	// 内存与落库一致
	stored, err := mem.LoadSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if stored.Version != 1 || !stored.Document.Has("e1") {
		t.Fatalf("stored = v%d has(e1)=%t, want v1 true", stored.Version, stored.Document.Has("e1"))
	}

	merged := bc.byType(EventChangeMerged)
	if len(merged) != 1 || merged[0].NewVersion != 1 || merged[0].ActorID != ownerA {
		t.Fatalf("broadcast events = %+v, want one CHANGE_MERGED v1 by owner", merged)
	}
}

func TestSubmitChange_ViewerDenied(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	sess := seedSession(t, e)
	mustSubmit(t, e, sess.ID, ownerA, 0, insertOp("e1"))

	_, err := e.SubmitChange(context.Background(), Change{
		SessionID:   sess.ID,
		SubmitterID: viewerC,
		BaseVersion: 1,
		Ops:         itinerary.Ops{updateOp("e1", "hacked")},
	})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("SubmitChange() error = %v, want ErrPermissionDenied", err)
	}

	got, _ := e.GetSession(context.Background(), sess.ID)
	if got.Version != 1 {
		t.Fatalf("Version = %d, viewer submission must not change state", got.Version)
	}
	if at := got.Document.IndexOf("e1"); at < 0 || got.Document.Elements[at].Title == "hacked" {
		t.Fatalf("document mutated by viewer submission")
	}
}

func TestSubmitChange_NonParticipantDenied(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	sess := seedSession(t, e)
	_, err := e.SubmitChange(context.Background(), Change{
		SessionID:   sess.ID,
		SubmitterID: 999,
		BaseVersion: 0,
		Ops:         itinerary.Ops{insertOp("e1")},
	})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("SubmitChange() error = %v, want ErrPermissionDenied", err)
	}
}

func TestSubmitChange_InvalidBaseVersion(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	sess := seedSession(t, e)
	_, err := e.SubmitChange(context.Background(), Change{
		SessionID:   sess.ID,
		SubmitterID: ownerA,
		BaseVersion: 5,
		Ops:         itinerary.Ops{insertOp("e1")},
	})
	if !errors.Is(err, ErrInvalidBaseVersion) {
		t.Fatalf("SubmitChange() error = %v, want ErrInvalidBaseVersion", err)
	}
}

func TestSubmitChange_UnknownSession(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	_, err := e.SubmitChange(context.Background(), Change{
		SessionID:   "nope",
		SubmitterID: ownerA,
		Ops:         itinerary.Ops{insertOp("e1")},
	})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("SubmitChange() error = %v, want ErrSessionNotFound", err)
	}
}

func TestSubmitChange_StaleInsertsDoNotConflict(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	sess := seedSession(t, e)

	// 两个提交都基于 version 0，插入不同的新元素：先到先合并，
	// 第二个虽然已过期，但不同 elementId 的 insert 永不冲突
	res1 := mustSubmit(t, e, sess.ID, ownerA, 0, insertOp("e1"))
	res2 := mustSubmit(t, e, sess.ID, editorB, 0, insertOp("e2"))

	if res1.NewVersion != 1 || res2.NewVersion != 2 {
		t.Fatalf("versions = %d/%d, want 1/2", res1.NewVersion, res2.NewVersion)
	}
	if len(res2.Conflicts) != 0 {
		t.Fatalf("stale insert reported conflicts: %+v", res2.Conflicts)
	}

	got, _ := e.GetSession(context.Background(), sess.ID)
	if !got.Document.Has("e1") || !got.Document.Has("e2") {
		t.Fatalf("both inserts must land, doc = %+v", got.Document.Elements)
	}
}

func TestSubmitChange_ConcurrentUpdateConflict(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	sess := seedSession(t, e)
	mustSubmit(t, e, sess.ID, ownerA, 0, insertOp("e1"))

	// 双方都在 version 1 上改同一个元素：先到者胜，后到者拿到冲突
	res1 := mustSubmit(t, e, sess.ID, ownerA, 1, updateOp("e1", "owner wins"))
	res2 := mustSubmit(t, e, sess.ID, editorB, 1, updateOp("e1", "editor loses"))

	if res1.NewVersion != 2 {
		t.Fatalf("first merge version = %d, want 2", res1.NewVersion)
	}
	if res2.NewVersion != 2 || len(res2.Applied) != 0 {
		t.Fatalf("second merge must be a no-op, got v%d applied=%d", res2.NewVersion, len(res2.Applied))
	}
	if len(res2.Conflicts) != 1 || res2.Conflicts[0].Reason != ReasonConcurrentUpdate {
		t.Fatalf("conflicts = %+v, want one CONCURRENT_UPDATE", res2.Conflicts)
	}

	got, _ := e.GetSession(context.Background(), sess.ID)
	at := got.Document.IndexOf("e1")
	if got.Document.Elements[at].Title != "owner wins" {
		t.Fatalf("first committed update was overwritten: %q", got.Document.Elements[at].Title)
	}
}

func TestSubmitChange_ConcurrentDeleteConflict(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	sess := seedSession(t, e)
	mustSubmit(t, e, sess.ID, ownerA, 0, insertOp("e1"))
	mustSubmit(t, e, sess.ID, ownerA, 1, deleteOp("e1"))

	res := mustSubmit(t, e, sess.ID, editorB, 1, updateOp("e1", "too late"))
	if len(res.Conflicts) != 1 || res.Conflicts[0].Reason != ReasonConcurrentDelete {
		t.Fatalf("conflicts = %+v, want one CONCURRENT_DELETE", res.Conflicts)
	}
	if res.NewVersion != 2 {
		t.Fatalf("NewVersion = %d, want 2 (no-op)", res.NewVersion)
	}
}

func TestSubmitChange_PartialConflictStillMerges(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	sess := seedSession(t, e)
	mustSubmit(t, e, sess.ID, ownerA, 0, insertOp("e1"), insertOp("e2"))
	mustSubmit(t, e, sess.ID, ownerA, 1, updateOp("e1", "v2 of e1"))

	// e1 已被并发修改 → 冲突；e2 未被动过 → 照常应用
	res := mustSubmit(t, e, sess.ID, editorB, 1, updateOp("e1", "stale"), updateOp("e2", "fresh"))
	if res.NewVersion != 3 {
		t.Fatalf("NewVersion = %d, want 3", res.NewVersion)
	}
	if len(res.Applied) != 1 || res.Applied[0].ElementID != "e2" {
		t.Fatalf("Applied = %+v, want only e2", res.Applied)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Op.ElementID != "e1" {
		t.Fatalf("Conflicts = %+v, want only e1", res.Conflicts)
	}
}

func TestSubmitChange_AllConflictIsNoOp(t *testing.T) {
	e, mem, bc, _ := newTestEngine(t)
	sess := seedSession(t, e)
	mustSubmit(t, e, sess.ID, ownerA, 0, insertOp("e1"))
	mustSubmit(t, e, sess.ID, ownerA, 1, updateOp("e1", "latest"))

	before := len(bc.byType(EventChangeMerged))
	res := mustSubmit(t, e, sess.ID, editorB, 1, updateOp("e1", "stale"))
	if len(res.Applied) != 0 || len(res.Conflicts) != 1 {
		t.Fatalf("Applied=%d Conflicts=%d, want 0/1", len(res.Applied), len(res.Conflicts))
	}
	// 全冲突不推版本（见 DESIGN.md 决策）
	if res.NewVersion != 2 {
		t.Fatalf("NewVersion = %d, want 2", res.NewVersion)
	}
	stored, _ := mem.LoadSession(context.Background(), sess.ID)
	if stored.Version != 2 {
		t.Fatalf("stored version = %d, want 2", stored.Version)
	}
	if got := len(bc.byType(EventChangeMerged)); got != before {
		t.Fatalf("no-op merge must not broadcast, events %d -> %d", before, got)
	}
}

// spec 场景：ownerA 建会话 → editorB 受邀 → ownerA base0 insert(e1) → v1
// editorB base0 update(e1) → 冲突，版本不动 → editorB base1 update(e1) → v2
func TestSubmitChange_ResubmitAfterConflict(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	sess := seedSession(t, e)

	res := mustSubmit(t, e, sess.ID, ownerA, 0, insertOp("e1"))
	if res.NewVersion != 1 {
		t.Fatalf("NewVersion = %d, want 1", res.NewVersion)
	}

	res = mustSubmit(t, e, sess.ID, editorB, 0, updateOp("e1", "bob's edit"))
	if res.NewVersion != 1 || len(res.Applied) != 0 || len(res.Conflicts) != 1 {
		t.Fatalf("stale update: v%d applied=%d conflicts=%d, want v1/0/1", res.NewVersion, len(res.Applied), len(res.Conflicts))
	}

	res = mustSubmit(t, e, sess.ID, editorB, 1, updateOp("e1", "bob's edit"))
	if res.NewVersion != 2 || len(res.Conflicts) != 0 {
		t.Fatalf("resubmit: v%d conflicts=%d, want v2/0", res.NewVersion, len(res.Conflicts))
	}

	got, _ := e.GetSession(context.Background(), sess.ID)
	at := got.Document.IndexOf("e1")
	if got.Document.Elements[at].Title != "bob's edit" {
		t.Fatalf("resubmitted update not applied: %q", got.Document.Elements[at].Title)
	}
}

func TestSubmitChange_PersistFailureLeavesStateConsistent(t *testing.T) {
	mem := NewMemoryStore()
	fs := &failingStore{MemoryStore: mem}
	e := NewEngine(fs, mem, nil, EngineOptions{})
	sess, err := e.CreateSession(context.Background(), ownerA, "alice", itinerary.Document{}, SessionConfig{})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	fs.fail = true
	_, err = e.SubmitChange(context.Background(), Change{
		SessionID:   sess.ID,
		SubmitterID: ownerA,
		BaseVersion: 0,
		Ops:         itinerary.Ops{insertOp("e1")},
	})
	if err == nil {
		t.Fatalf("SubmitChange() must fail when persistence fails")
	}

	// 内存版本不前进，与落库一致
	got, _ := e.GetSession(context.Background(), sess.ID)
	stored, _ := mem.LoadSession(context.Background(), sess.ID)
	if got.Version != 0 || stored.Version != 0 {
		t.Fatalf("versions diverged after persist failure: mem=%d stored=%d", got.Version, stored.Version)
	}
	if got.Document.Has("e1") {
		t.Fatalf("half-applied merge leaked into memory")
	}

	// 恢复后同一提交可以干净重来
	fs.fail = false
	res := mustSubmit(t, e, sess.ID, ownerA, 0, insertOp("e1"))
	if res.NewVersion != 1 {
		t.Fatalf("NewVersion = %d after recovery, want 1", res.NewVersion)
	}
}

func TestSubmitChange_ConcurrentSubmissionsSerialized(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	sess := seedSession(t, e)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.SubmitChange(context.Background(), Change{
				SessionID:   sess.ID,
				SubmitterID: ownerA,
				BaseVersion: 0,
				Ops:         itinerary.Ops{insertOp(fmt.Sprintf("e%d", i))},
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("submit %d error = %v", i, err)
		}
	}
	got, _ := e.GetSession(context.Background(), sess.ID)
	// 每次合并恰好 +1，无丢失更新
	if got.Version != n {
		t.Fatalf("Version = %d, want %d", got.Version, n)
	}
	if got.Document.Len() != n {
		t.Fatalf("doc has %d elements, want %d", got.Document.Len(), n)
	}
}

func TestInvite_Rules(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	sess, _ := e.CreateSession(ctx, ownerA, "alice", itinerary.Document{}, SessionConfig{MaxParticipants: 2})

	// 非 owner 不能邀请
	if _, err := e.Invite(ctx, sess.ID, editorB, viewerC, "carol", RoleViewer); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Invite by non-owner error = %v, want ErrPermissionDenied", err)
	}
	// 不能邀请第二个 owner
	if _, err := e.Invite(ctx, sess.ID, ownerA, editorB, "bob", RoleOwner); !errors.Is(err, ErrInvalidRoleTransition) {
		t.Fatalf("Invite as owner error = %v, want ErrInvalidRoleTransition", err)
	}

	if _, err := e.Invite(ctx, sess.ID, ownerA, editorB, "bob", RoleEditor); err != nil {
		t.Fatalf("Invite() error = %v", err)
	}
	// 重复邀请幂等
	got, err := e.Invite(ctx, sess.ID, ownerA, editorB, "bob", RoleViewer)
	if err != nil {
		t.Fatalf("repeat Invite() error = %v", err)
	}
	if r, _ := got.ParticipantRole(editorB); r != RoleEditor {
		t.Fatalf("repeat invite changed role to %q", r)
	}
	// 容量上限
	if _, err := e.Invite(ctx, sess.ID, ownerA, viewerC, "carol", RoleViewer); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Invite over capacity error = %v, want ErrCapacityExceeded", err)
	}
}

func TestChangeRole_Rules(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	sess := seedSession(t, e)

	// 非 owner 不能改角色
	if _, err := e.ChangeRole(ctx, sess.ID, editorB, viewerC, RoleEditor); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("ChangeRole by non-owner error = %v, want ErrPermissionDenied", err)
	}
	// owner 不能直接把自己降级（必须先移交）
	if _, err := e.ChangeRole(ctx, sess.ID, ownerA, ownerA, RoleEditor); !errors.Is(err, ErrInvalidRoleTransition) {
		t.Fatalf("self-demote error = %v, want ErrInvalidRoleTransition", err)
	}
	// 非成员不能被改
	if _, err := e.ChangeRole(ctx, sess.ID, ownerA, 999, RoleEditor); !errors.Is(err, ErrInvalidRoleTransition) {
		t.Fatalf("ChangeRole unknown target error = %v, want ErrInvalidRoleTransition", err)
	}

	// viewer 提升为 editor
	got, err := e.ChangeRole(ctx, sess.ID, ownerA, viewerC, RoleEditor)
	if err != nil {
		t.Fatalf("ChangeRole() error = %v", err)
	}
	if r, _ := got.ParticipantRole(viewerC); r != RoleEditor {
		t.Fatalf("role = %q, want editor", r)
	}

	// 所有权移交：B 变 owner，A 退 editor，owner 保持唯一
	got, err = e.ChangeRole(ctx, sess.ID, ownerA, editorB, RoleOwner)
	if err != nil {
		t.Fatalf("ownership transfer error = %v", err)
	}
	if r, _ := got.ParticipantRole(editorB); r != RoleOwner {
		t.Fatalf("new owner role = %q, want owner", r)
	}
	if r, _ := got.ParticipantRole(ownerA); r != RoleEditor {
		t.Fatalf("old owner role = %q, want editor", r)
	}
}

func TestCloseSession(t *testing.T) {
	e, mem, bc, _ := newTestEngine(t)
	ctx := context.Background()
	sess := seedSession(t, e)
	mustSubmit(t, e, sess.ID, ownerA, 0, insertOp("e1"))

	// 非 owner 不能关
	if err := e.CloseSession(ctx, sess.ID, editorB); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("CloseSession by editor error = %v, want ErrPermissionDenied", err)
	}

	if err := e.CloseSession(ctx, sess.ID, ownerA); err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}

	// 关闭后任何角色的提交都吃 SESSION_CLOSED
	_, err := e.SubmitChange(ctx, Change{
		SessionID:   sess.ID,
		SubmitterID: ownerA,
		BaseVersion: 1,
		Ops:         itinerary.Ops{insertOp("e2")},
	})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("submit after close error = %v, want ErrSessionClosed", err)
	}

	// 再关一次是 ALREADY_CLOSED
	if err := e.CloseSession(ctx, sess.ID, ownerA); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("double close error = %v, want ErrAlreadyClosed", err)
	}

	// 终版快照 + 关闭事件
	if ver, doc, ok := mem.Snapshot(sess.ID); !ok || ver != 1 || !doc.Has("e1") {
		t.Fatalf("final snapshot missing or wrong: ok=%t ver=%d", ok, ver)
	}
	if got := bc.byType(EventSessionClosed); len(got) != 1 {
		t.Fatalf("SESSION_CLOSED events = %d, want 1", len(got))
	}
}

func TestSweepInactive(t *testing.T) {
	e, _, bc, clock := newTestEngine(t)
	ctx := context.Background()
	sessA := seedSession(t, e)
	sessB, _ := e.CreateSession(ctx, ownerA, "alice", itinerary.Document{}, SessionConfig{})

	// sessB 一直有心跳，sessA 彻底安静
	clock.Advance(6 * time.Minute)
	if err := e.TouchActivity(ctx, sessB.ID, ownerA); err != nil {
		t.Fatalf("TouchActivity() error = %v", err)
	}
	clock.Advance(5 * time.Minute) // sessA 闲置 11min > 10min，sessB 只有 5min

	if n := e.SweepInactive(ctx); n != 1 {
		t.Fatalf("SweepInactive() = %d, want 1", n)
	}

	if _, err := e.SubmitChange(ctx, Change{SessionID: sessA.ID, SubmitterID: ownerA, BaseVersion: 0, Ops: itinerary.Ops{insertOp("e1")}}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("submit to swept session error = %v, want ErrSessionClosed", err)
	}
	if res := mustSubmit(t, e, sessB.ID, ownerA, 0, insertOp("e1")); res.NewVersion != 1 {
		t.Fatalf("active session must survive sweep")
	}
	if got := bc.byType(EventSessionClosed); len(got) != 1 || got[0].SessionID != sessA.ID {
		t.Fatalf("SESSION_CLOSED events = %+v, want one for %s", got, sessA.ID)
	}
}

func TestChangesSince(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	sess := seedSession(t, e)
	mustSubmit(t, e, sess.ID, ownerA, 0, insertOp("e1"))
	mustSubmit(t, e, sess.ID, ownerA, 1, insertOp("e2"))
	mustSubmit(t, e, sess.ID, editorB, 2, insertOp("e3"))

	changes, err := e.ChangesSince(context.Background(), sess.ID, 1, 0)
	if err != nil {
		t.Fatalf("ChangesSince() error = %v", err)
	}
	if len(changes) != 2 || changes[0].Version != 2 || changes[1].Version != 3 {
		t.Fatalf("changes = %+v, want versions 2,3", changes)
	}

	limited, err := e.ChangesSince(context.Background(), sess.ID, 0, 1)
	if err != nil {
		t.Fatalf("ChangesSince() error = %v", err)
	}
	if len(limited) != 1 || limited[0].Version != 1 {
		t.Fatalf("limited changes = %+v, want only version 1", limited)
	}
}

// 进程重启后恢复的会话没有合并历史：历史窗口之外的 stale 提交保守判冲突
func TestRestartedEngine_ConservativeOnUnknownHistory(t *testing.T) {
	mem := NewMemoryStore()
	e1 := NewEngine(mem, mem, nil, EngineOptions{})
	sess, err := e1.CreateSession(context.Background(), ownerA, "alice", itinerary.Document{}, SessionConfig{})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	mustSubmit(t, e1, sess.ID, ownerA, 0, insertOp("e1"))
	mustSubmit(t, e1, sess.ID, ownerA, 1, updateOp("e1", "v2"))

	// “重启”：同一个存储，新引擎
	e2 := NewEngine(mem, mem, nil, EngineOptions{})
	res, err := e2.SubmitChange(context.Background(), Change{
		SessionID:   sess.ID,
		SubmitterID: ownerA,
		BaseVersion: 1,
		Ops:         itinerary.Ops{updateOp("e1", "stale after restart")},
	})
	if err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Reason != ReasonConcurrentUpdate {
		t.Fatalf("conflicts = %+v, want conservative CONCURRENT_UPDATE", res.Conflicts)
	}

	// 基于当前版本的提交照常工作
	if res := mustSubmit(t, e2, sess.ID, ownerA, 2, updateOp("e1", "fresh")); res.NewVersion != 3 {
		t.Fatalf("NewVersion = %d, want 3", res.NewVersion)
	}
}
