package file

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// FileCronStore keeps all jobs in one JSON file, rewritten atomically
// on every mutation. Jobs are few; the whole-file model keeps the
// format inspectable.
type FileCronStore struct {
	path string
	mu   sync.Mutex
	jobs map[string]store.CronJob
}

func NewFileCronStore(path string) (*FileCronStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	s := &FileCronStore{path: path, jobs: make(map[string]store.CronJob)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileCronStore) List() ([]store.CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]store.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Created.Before(jobs[j].Created) })
	return jobs, nil
}

func (s *FileCronStore) Get(id string) (store.CronJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok, nil
}

func (s *FileCronStore) Put(job store.CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return s.flush()
}

func (s *FileCronStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return s.flush()
}

func (s *FileCronStore) MarkRun(id string, at time.Time, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.LastRunAt = &at
	j.LastStatus = status
	j.LastError = errMsg
	j.UpdatedAt = at
	s.jobs[id] = j
	return s.flush()
}

func (s *FileCronStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var jobs []store.CronJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return err
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return nil
}

// flush writes the job list atomically. Callers hold s.mu.
func (s *FileCronStore) flush() error {
	jobs := make([]store.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Created.Before(jobs[j].Created) })

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmpFile, err := os.CreateTemp(dir, "cron-*.tmp")
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

	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
