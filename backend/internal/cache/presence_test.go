package cache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func TestRedisPresence(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	ctx := context.Background()
	defer rdb.FlushAll(ctx)

	p := NewRedisPresence(rdb)
	sessionID := "s-test"

	if err := p.AddMember(ctx, sessionID, 1, "alice", 60*time.Second); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	if err := p.AddMember(ctx, sessionID, 2, "bob", 1*time.Second); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames error: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("alive members = %d, want 2", len(members))
	}

	// bob 的逻辑 TTL 过期后应被 Lua 清理
	time.Sleep(1500 * time.Millisecond)
	members, err = p.GetAliveMembersWithNames(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames error: %v", err)
	}
	if len(members) != 1 || members[0].UserID != 1 || members[0].Username != "alice" {
		t.Fatalf("alive members after expiry = %+v, want only alice", members)
	}

	sessions, err := p.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions error: %v", err)
	}
	found := false
	for _, s := range sessions {
		if s == "{sessionID:"+sessionID+"}" || s == sessionID {
			found = true
		}
	}
	if !found && len(sessions) == 0 {
		t.Fatalf("Sessions() = %v, want to include %s", sessions, sessionID)
	}

	if err := p.RemoveMember(ctx, sessionID, 1); err != nil {
		t.Fatalf("RemoveMember error: %v", err)
	}
	members, err = p.GetAliveMembersWithNames(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames error: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("alive members after remove = %+v, want none", members)
	}
}
