package pg

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/clawgate/internal/providers"
)

// PGTranscriptStore persists transcripts as ordered message rows.
type PGTranscriptStore struct {
	db *sql.DB
}

func NewPGTranscriptStore(db *sql.DB) *PGTranscriptStore {
	return &PGTranscriptStore{db: db}
}

func (s *PGTranscriptStore) Read(sessionFile string) ([]providers.Message, error) {
	rows, err := s.db.Query(
		"SELECT message FROM transcripts WHERE session_file = $1 ORDER BY id ASC",
		sessionFile)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []providers.Message
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var msg providers.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *PGTranscriptStore) Append(sessionFile string, msgs ...providers.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message %d: %w", i, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO transcripts (session_file, message) VALUES ($1, $2)",
			sessionFile, data); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PGTranscriptStore) Rewrite(sessionFile string, msgs []providers.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM transcripts WHERE session_file = $1", sessionFile); err != nil {
		return err
	}
	for i, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message %d: %w", i, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO transcripts (session_file, message) VALUES ($1, $2)",
			sessionFile, data); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PGTranscriptStore) Delete(sessionFile string) error {
	_, err := s.db.Exec("DELETE FROM transcripts WHERE session_file = $1", sessionFile)
	return err
}
