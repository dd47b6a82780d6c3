package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceCache interface {
	AddMember(ctx context.Context, sessionID string, userID uint64, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, sessionID string, userID uint64) error
	Sessions(ctx context.Context) ([]string, error)
	GetAliveMembersWithNames(ctx context.Context, sessionID string) ([]PresenceMember, error)
}

type PresenceMember struct {
	UserID   uint64
	Username string
}

// 具体实现：基于 redis 的 PresenceCache。
// 多实例部署时各实例共享同一份在线状态。
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, sessionID string, userID uint64, username string, ttl time.Duration) error {
	// 心跳续期也直接调用 AddMember 即可
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(sessionID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(sessionID), userID, username)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, sessionID string, userID uint64) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(sessionID), userID)
	tx.HDel(ctx, namesKey(sessionID), strconv.FormatUint(userID, 10))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) Sessions(ctx context.Context) ([]string, error) {
	var sessions []string
	iter := p.rdb.Scan(ctx, 0, "presence:session:*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// namesKey 也以 presence:session: 开头，需要过滤掉
		if strings.Contains(k, ":names:") {
			continue
		}
		sessionID := strings.TrimPrefix(k, "presence:session:")
		if sessionID != "" {
			sessions = append(sessions, sessionID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, sessionID string) ([]PresenceMember, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	luaScript := `
	-- KEYS[1] = roomKey(sessionID)
	-- KEYS[2] = namesKey(sessionID)
	-- ARGV[1] = now (unix seconds)

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
	end
	return #expired
	`

	script := redis.NewScript(luaScript)
	_, err := script.Run(ctx, p.rdb, []string{roomKey(sessionID), namesKey(sessionID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(sessionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}
	aliveIDsUint64 := make([]uint64, 0, len(aliveIDs))
	for _, aliveID := range aliveIDs {
		uid, err := strconv.ParseUint(aliveID, 10, 64)
		if err != nil {
			return nil, err
		}
		aliveIDsUint64 = append(aliveIDsUint64, uid)
	}

	// step3: 批量取名字
	names, err := p.rdb.HMGet(ctx, namesKey(sessionID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDsUint64))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{UserID: aliveIDsUint64[i], Username: name})
	}
	return members, nil
}
