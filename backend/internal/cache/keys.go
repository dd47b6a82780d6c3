package cache

import "fmt"

// 键语义：
// - roomKey(sessionID):  会话在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(sessionID): 会话内 userId→username 映射（Hash）

const (
	keyRoomFmt  = "presence:session:{sessionID:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt = "presence:session:names:{sessionID:%s}" // Hash<userId -> username>
)

func roomKey(sessionID string) string  { return fmt.Sprintf(keyRoomFmt, sessionID) }
func namesKey(sessionID string) string { return fmt.Sprintf(keyNamesFmt, sessionID) }
