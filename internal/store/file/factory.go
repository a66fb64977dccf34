package file

import (
	"fmt"
	"path/filepath"

	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// NewFileStores creates the full store set under one data directory:
//
//	{dataDir}/sessions/     one JSON file per session entry
//	{dataDir}/transcripts/  one JSONL file per transcript
//	{dataDir}/monitor/      one JSON file per monitor account
//	{dataDir}/cron.json     all scheduled jobs
func NewFileStores(dataDir string) (*store.Stores, error) {
	mgr := sessions.NewManager(filepath.Join(dataDir, "sessions"))

	transcripts, err := NewFileTranscriptStore(filepath.Join(dataDir, "transcripts"))
	if err != nil {
		return nil, fmt.Errorf("open transcript store: %w", err)
	}
	monitor, err := NewFileMonitorStateStore(filepath.Join(dataDir, "monitor"))
	if err != nil {
		return nil, fmt.Errorf("open monitor state store: %w", err)
	}
	cron, err := NewFileCronStore(filepath.Join(dataDir, "cron.json"))
	if err != nil {
		return nil, fmt.Errorf("open cron store: %w", err)
	}

	return &store.Stores{
		Sessions:     NewFileSessionStore(mgr),
		Transcripts:  transcripts,
		MonitorState: monitor,
		Cron:         cron,
	}, nil
}
