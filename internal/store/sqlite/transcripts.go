package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/clawgate/internal/providers"
)

// TranscriptStore persists transcripts as ordered message rows.
// Append and Rewrite each run in one transaction.
type TranscriptStore struct {
	db *sql.DB
}

func NewTranscriptStore(db *sql.DB) *TranscriptStore {
	return &TranscriptStore{db: db}
}

func (s *TranscriptStore) Read(sessionFile string) ([]providers.Message, error) {
	rows, err := s.db.Query(
		"SELECT message FROM transcripts WHERE session_file = ? ORDER BY seq ASC",
		sessionFile)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []providers.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var msg providers.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *TranscriptStore) Append(sessionFile string, msgs ...providers.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM transcripts WHERE session_file = ?",
		sessionFile).Scan(&next); err != nil {
		return err
	}

	for i, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message %d: %w", i, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO transcripts (session_file, seq, message) VALUES (?, ?, ?)",
			sessionFile, next+int64(i), string(data)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *TranscriptStore) Rewrite(sessionFile string, msgs []providers.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM transcripts WHERE session_file = ?", sessionFile); err != nil {
		return err
	}
	for i, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message %d: %w", i, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO transcripts (session_file, seq, message) VALUES (?, ?, ?)",
			sessionFile, int64(i)+1, string(data)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *TranscriptStore) Delete(sessionFile string) error {
	_, err := s.db.Exec("DELETE FROM transcripts WHERE session_file = ?", sessionFile)
	return err
}
