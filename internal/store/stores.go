package store

// Stores is the top-level container for all storage backends.
// All four are always non-nil; the backend (file, sqlite, postgres)
// is chosen by configuration.
type Stores struct {
	Sessions     SessionStore
	Transcripts  TranscriptStore
	MonitorState MonitorStateStore
	Cron         CronStore

	closer func() error
}

// WithCloser registers a cleanup hook run by Close (database handles).
func (s *Stores) WithCloser(fn func() error) *Stores {
	s.closer = fn
	return s
}

// Close releases backend resources. Safe on a zero closer.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// StoreConfig selects and parameterizes the backend.
type StoreConfig struct {
	Backend     string // "file" (default), "sqlite", "postgres"
	DataDir     string // file and sqlite root
	PostgresDSN string
}
