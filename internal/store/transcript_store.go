package store

import "github.com/nextlevelbuilder/clawgate/internal/providers"

// TranscriptStore persists conversation transcripts addressed by the
// session entry's SessionFile handle. Append extends the transcript,
// Rewrite replaces it wholesale (compaction), Delete removes it
// (session reset, best-effort).
type TranscriptStore interface {
	Read(sessionFile string) ([]providers.Message, error)
	Append(sessionFile string, msgs ...providers.Message) error
	Rewrite(sessionFile string, msgs []providers.Message) error
	Delete(sessionFile string) error
}
