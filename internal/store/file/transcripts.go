package file

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawgate/internal/providers"
)

// FileTranscriptStore keeps one JSONL file per transcript, named by
// the session entry's SessionFile handle. Appends are single writes
// of whole lines; Rewrite goes through a temp file rename.
type FileTranscriptStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileTranscriptStore(dir string) (*FileTranscriptStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileTranscriptStore{dir: dir}, nil
}

func (s *FileTranscriptStore) Read(sessionFile string) ([]providers.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(sessionFile)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var msgs []providers.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg providers.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// A torn trailing line from a crash mid-append is dropped.
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *FileTranscriptStore) Append(sessionFile string, msgs ...providers.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(sessionFile)
	if err != nil {
		return err
	}

	var buf strings.Builder
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString(buf.String()); err != nil {
		return err
	}
	return f.Sync()
}

func (s *FileTranscriptStore) Rewrite(sessionFile string, msgs []providers.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(sessionFile)
	if err != nil {
		return err
	}

	var buf strings.Builder
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	tmpFile, err := os.CreateTemp(s.dir, "transcript-*.tmp")
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

	if _, err := tmpFile.WriteString(buf.String()); err != nil {
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

func (s *FileTranscriptStore) Delete(sessionFile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(sessionFile)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileTranscriptStore) pathFor(sessionFile string) (string, error) {
	if sessionFile == "" || sessionFile == "." || !filepath.IsLocal(sessionFile) || strings.ContainsAny(sessionFile, `/\`) {
		return "", os.ErrInvalid
	}
	return filepath.Join(s.dir, sessionFile), nil
}
