package ws

import (
	"context"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"tripCollabServer/backend/internal/collab"
	"tripCollabServer/backend/internal/itinerary"
)

const presenceTTL = 600 * time.Second

type Conn struct {
	ws        *websocket.Conn
	hub       *Hub
	sessionID string
	userID    uint64
	username  string
	clientID  string
	send      chan OutboundMessage
	// 协同引擎
	svc collab.Service
	// 限制并发提交
	sem *collab.SemaphoreControl
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string       { return m.Type }
func (m MergeAckMessage) MessageType() string     { return m.Type }
func (m EventMessage) MessageType() string        { return m.Type }
func (m SessionStateMessage) MessageType() string { return m.Type }
func (m ChangesMessage) MessageType() string      { return m.Type }

func NewConn(ws *websocket.Conn, hub *Hub, userID uint64, username string, svc collab.Service, sem *collab.SemaphoreControl) *Conn {
	return &Conn{ws: ws, hub: hub, userID: userID, username: username, send: make(chan OutboundMessage, 32), svc: svc, sem: sem}
}

func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	select {
	case c.send <- msg:
	default:
		// 队列满了就丢，慢连接用 changesSince 追平
	}
}

func (c *Conn) sendErr(err error) {
	c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: err.Error()})
}

func (c *Conn) handleSubmit(ctx context.Context, msg ClientMessage) {
	submitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.sendErr(err)
		return
	}
	defer c.sem.Release()

	res, err := c.svc.SubmitChange(submitCtx, collab.Change{
		SessionID:   msg.SessionID,
		SubmitterID: c.userID,
		BaseVersion: msg.BaseVersion,
		Ops:         msg.Ops,
	})
	if err != nil {
		c.sendErr(err)
		return
	}
	// 给提交者回执；房间内其他连接由引擎广播链上的 hub 推送
	c.SendMessage_Enqueue(MergeAckMessage{
		Type:        "merge_ack",
		SessionID:   res.SessionID,
		BaseVersion: msg.BaseVersion,
		NewVersion:  res.NewVersion,
		Applied:     res.Applied,
		Conflicts:   res.Conflicts,
		ClientID:    msg.ClientID,
	})
}

func (c *Conn) joinRoom(ctx context.Context, sess collab.Session) {
	if c.sessionID != "" && c.sessionID != sess.ID {
		c.hub.Leave(c.sessionID, c)
	}
	c.sessionID = sess.ID
	c.hub.Join(sess.ID, c)
	if err := c.hub.presence.AddMember(ctx, sess.ID, c.userID, c.username, presenceTTL); err != nil {
		log.Printf("presence add member error: %v", err)
	}
	c.SendMessage_Enqueue(SessionStateMessage{
		Type:      "session_state",
		SessionID: sess.ID,
		Version:   sess.Version,
		Document:  sess.Document,
		Status:    sess.Status,
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		if c.sessionID != "" {
			c.hub.Leave(c.sessionID, c)
			if err := c.hub.presence.RemoveMember(ctx, c.sessionID, c.userID); err != nil {
				log.Printf("presence remove member error: %v", err)
			}
		}
		close(c.send)
	}()

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (user=%d, session=%s): %v", c.userID, c.sessionID, err)
			return
		}
		if msg.ClientID != "" {
			c.clientID = msg.ClientID
		}

		switch msg.Type {
		case "heartbeat":
			if c.sessionID == "" {
				c.SendMessage_Enqueue(ServerMessage{Type: "feedback", Content: "Heartbeat received"})
				continue
			}
			if err := c.hub.presence.AddMember(ctx, c.sessionID, c.userID, c.username, presenceTTL); err != nil {
				log.Printf("presence add member error: %v", err)
			}
			// 心跳算参与者活动，闲置回收据此续命
			if err := c.svc.TouchActivity(ctx, c.sessionID, c.userID); err != nil {
				log.Printf("touch activity error (session=%s): %v", c.sessionID, err)
			}
			members, err := c.hub.presence.GetAliveMembersWithNames(ctx, c.sessionID)
			if err != nil {
				log.Printf("get members error: %v", err)
			}
			out := make([]PresenceMember, len(members))
			for i, m := range members {
				out[i] = PresenceMember{UserID: m.UserID, Username: m.Username}
			}
			c.hub.BroadcastPresence(c.sessionID, out)

		case "createSession":
			var doc itinerary.Document
			if msg.Document != nil {
				doc = *msg.Document
			}
			sess, err := c.svc.CreateSession(ctx, c.userID, c.username, doc, msg.Config)
			if err != nil {
				c.sendErr(err)
				continue
			}
			c.joinRoom(ctx, sess)

		case "joinSession":
			sess, err := c.svc.GetSession(ctx, msg.SessionID)
			if err != nil {
				c.sendErr(err)
				continue
			}
			if _, member := sess.ParticipantRole(c.userID); !member {
				c.sendErr(collab.ErrPermissionDenied)
				continue
			}
			c.joinRoom(ctx, sess)

		case "submitChange":
			c.handleSubmit(ctx, msg)

		case "invite":
			if _, err := c.svc.Invite(ctx, msg.SessionID, c.userID, msg.InviteeID, msg.InviteeName, msg.Role); err != nil {
				c.sendErr(err)
				continue
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "invite", SessionID: msg.SessionID, UserID: msg.InviteeID, Content: "invited"})

		case "changeRole":
			if _, err := c.svc.ChangeRole(ctx, msg.SessionID, c.userID, msg.TargetID, msg.Role); err != nil {
				c.sendErr(err)
				continue
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "changeRole", SessionID: msg.SessionID, UserID: msg.TargetID, Content: string(msg.Role)})

		case "closeSession":
			if err := c.svc.CloseSession(ctx, msg.SessionID, c.userID); err != nil {
				c.sendErr(err)
				continue
			}
			// session_closed 事件由引擎经 hub 广播，包括本连接

		case "loadSession":
			sess, err := c.svc.GetSession(ctx, msg.SessionID)
			if err != nil {
				c.sendErr(err)
				continue
			}
			c.SendMessage_Enqueue(SessionStateMessage{
				Type:      "session_state",
				SessionID: sess.ID,
				Version:   sess.Version,
				Document:  sess.Document,
				Status:    sess.Status,
			})

		case "changesSince":
			changes, err := c.svc.ChangesSince(ctx, msg.SessionID, msg.FromVersion, msg.Limit)
			if err != nil {
				c.sendErr(err)
				continue
			}
			c.SendMessage_Enqueue(ChangesMessage{Type: "changes", SessionID: msg.SessionID, Changes: changes})

		case "showParticipants":
			members, err := c.hub.presence.GetAliveMembersWithNames(ctx, c.sessionID)
			if err != nil {
				log.Printf("get alive members with names error: %v", err)
			}
			out := make([]PresenceMember, len(members))
			for i, m := range members {
				out[i] = PresenceMember{UserID: m.UserID, Username: m.Username}
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "showParticipants", SessionID: c.sessionID, Members: out})

		default:
			// 忽略未知类型
			c.SendMessage_Enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的出站消息
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}
