package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// MonitorStateStore persists monitor progress. Cursor and dedup
// window share one row, so a single upsert keeps them atomic.
type MonitorStateStore struct {
	db *sql.DB
}

func NewMonitorStateStore(db *sql.DB) *MonitorStateStore {
	return &MonitorStateStore{db: db}
}

func (s *MonitorStateStore) Load(accountID string) (*store.MonitorState, error) {
	var cursor, dedupJSON string
	var updatedMs int64
	err := s.db.QueryRow(
		"SELECT cursor, dedup, updated_at FROM monitor_state WHERE account_id = ?",
		accountID).Scan(&cursor, &dedupJSON, &updatedMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var dedup []string
	if err := json.Unmarshal([]byte(dedupJSON), &dedup); err != nil {
		return nil, err
	}
	return &store.MonitorState{
		Cursor:    cursor,
		Dedup:     dedup,
		UpdatedAt: time.UnixMilli(updatedMs).UTC(),
	}, nil
}

func (s *MonitorStateStore) Save(accountID string, state *store.MonitorState) error {
	dedup := state.Dedup
	if dedup == nil {
		dedup = []string{}
	}
	dedupJSON, err := json.Marshal(dedup)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO monitor_state (account_id, cursor, dedup, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			cursor     = excluded.cursor,
			dedup      = excluded.dedup,
			updated_at = excluded.updated_at`,
		accountID, state.Cursor, string(dedupJSON), state.UpdatedAt.UnixMilli())
	return err
}
