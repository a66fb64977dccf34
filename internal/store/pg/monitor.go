package pg

import (
	"database/sql"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// PGMonitorStateStore persists monitor progress. Cursor and dedup
// window share one row, so a single upsert keeps them atomic.
type PGMonitorStateStore struct {
	db *sql.DB
}

func NewPGMonitorStateStore(db *sql.DB) *PGMonitorStateStore {
	return &PGMonitorStateStore{db: db}
}

func (s *PGMonitorStateStore) Load(accountID string) (*store.MonitorState, error) {
	var state store.MonitorState
	err := s.db.QueryRow(
		"SELECT cursor, dedup, updated_at FROM monitor_state WHERE account_id = $1",
		accountID).Scan(&state.Cursor, pq.Array(&state.Dedup), &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *PGMonitorStateStore) Save(accountID string, state *store.MonitorState) error {
	dedup := state.Dedup
	if dedup == nil {
		dedup = []string{}
	}

	_, err := s.db.Exec(`
		INSERT INTO monitor_state (account_id, cursor, dedup, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO UPDATE SET
			cursor     = EXCLUDED.cursor,
			dedup      = EXCLUDED.dedup,
			updated_at = EXCLUDED.updated_at`,
		accountID, state.Cursor, pq.Array(dedup), state.UpdatedAt)
	return err
}
