package file

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// FileMonitorStateStore keeps one JSON file per account with the sync
// cursor and dedup window. Save is a single atomic rename so the
// cursor and dedup set can never diverge on disk.
type FileMonitorStateStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileMonitorStateStore(dir string) (*FileMonitorStateStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileMonitorStateStore{dir: dir}, nil
}

func (s *FileMonitorStateStore) Load(accountID string) (*store.MonitorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(accountID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var state store.MonitorState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *FileMonitorStateStore) Save(accountID string, state *store.MonitorState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(accountID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(s.dir, "monitor-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (s *FileMonitorStateStore) pathFor(accountID string) (string, error) {
	name := strings.ReplaceAll(accountID, ":", "_")
	if name == "" || name == "." || !filepath.IsLocal(name) || strings.ContainsAny(name, `/\`) {
		return "", os.ErrInvalid
	}
	return filepath.Join(s.dir, name+".json"), nil
}
