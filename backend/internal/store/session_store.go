package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"tripCollabServer/backend/internal/collab"
	"tripCollabServer/backend/internal/itinerary"
)

// MySQL 版 SessionStore。写入发生在引擎的会话锁内，
// 这里用事务保证 session 行和参与者行一起落库（all-or-nothing）。
type SessionStore struct {
	db *gorm.DB
}

func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) SaveSession(ctx context.Context, sess collab.Session) error {
	docJSON, err := json.Marshal(sess.Document)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	rec := SessionRecord{
		ID:                  sess.ID,
		CreatedBy:           sess.CreatedBy,
		Version:             sess.Version,
		Status:              string(sess.Status),
		DocumentJSON:        docJSON,
		InactivityTimeoutMS: sess.Config.InactivityTimeout.Milliseconds(),
		MaxParticipants:     sess.Config.MaxParticipants,
		CreatedAt:           sess.CreatedAt,
		LastActivityAt:      sess.LastActivityAt,
	}
	parts := make([]ParticipantRecord, 0, len(sess.Participants))
	for _, p := range sess.Participants {
		parts = append(parts, ParticipantRecord{
			SessionID: sess.ID,
			UserID:    p.UserID,
			Username:  p.Username,
			Role:      string(p.Role),
			JoinedAt:  p.JoinedAt,
		})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("save session %s: %w", sess.ID, err)
		}
		// 参与者整体替换：集合小（受 maxParticipants 约束），不做增量 diff
		if err := tx.Where("session_id = ?", sess.ID).Delete(&ParticipantRecord{}).Error; err != nil {
			return fmt.Errorf("clear participants %s: %w", sess.ID, err)
		}
		if len(parts) > 0 {
			if err := tx.Create(&parts).Error; err != nil {
				return fmt.Errorf("save participants %s: %w", sess.ID, err)
			}
		}
		return nil
	})
}

func (s *SessionStore) LoadSession(ctx context.Context, sessionID string) (collab.Session, error) {
	var rec SessionRecord
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return collab.Session{}, collab.ErrSessionNotFound
		}
		return collab.Session{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	var parts []ParticipantRecord
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("joined_at").Find(&parts).Error; err != nil {
		return collab.Session{}, fmt.Errorf("load participants %s: %w", sessionID, err)
	}

	var doc itinerary.Document
	if len(rec.DocumentJSON) > 0 {
		if err := json.Unmarshal(rec.DocumentJSON, &doc); err != nil {
			return collab.Session{}, fmt.Errorf("unmarshal document %s: %w", sessionID, err)
		}
	}

	sess := collab.Session{
		ID:        rec.ID,
		CreatedBy: rec.CreatedBy,
		Version:   rec.Version,
		Document:  doc,
		Status:    collab.Status(rec.Status),
		Config: collab.SessionConfig{
			InactivityTimeout: time.Duration(rec.InactivityTimeoutMS) * time.Millisecond,
			MaxParticipants:   rec.MaxParticipants,
		},
		CreatedAt:      rec.CreatedAt,
		LastActivityAt: rec.LastActivityAt,
	}
	for _, p := range parts {
		sess.Participants = append(sess.Participants, collab.Participant{
			UserID:   p.UserID,
			Username: p.Username,
			Role:     collab.Role(p.Role),
			JoinedAt: p.JoinedAt,
		})
	}
	return sess, nil
}

// AutoMigrate 建表，启动时调用。
func (s *SessionStore) AutoMigrate() error {
	return s.db.AutoMigrate(&SessionRecord{}, &ParticipantRecord{})
}
