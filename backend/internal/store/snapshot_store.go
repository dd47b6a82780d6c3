package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/go-sql-driver/mysql"

	"tripCollabServer/backend/internal/itinerary"
)

type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) SaveSessionSnapshot(ctx context.Context, sessionID string, version uint64, doc itinerary.Document) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_snapshots (session_id, version, document)
		VALUES (?, ?, ?)`,
		sessionID,
		version,
		docJSON,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			// 同版本快照已存在，视为成功
			return nil
		}
		return err
	}
	return nil
}
