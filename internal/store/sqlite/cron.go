package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// CronStore persists scheduled jobs as JSON rows.
type CronStore struct {
	db *sql.DB
}

func NewCronStore(db *sql.DB) *CronStore {
	return &CronStore{db: db}
}

func (s *CronStore) List() ([]store.CronJob, error) {
	rows, err := s.db.Query("SELECT job FROM cron_jobs ORDER BY created_at ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []store.CronJob
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var job store.CronJob
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *CronStore) Get(id string) (store.CronJob, bool, error) {
	var data string
	err := s.db.QueryRow("SELECT job FROM cron_jobs WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return store.CronJob{}, false, nil
	}
	if err != nil {
		return store.CronJob{}, false, err
	}

	var job store.CronJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return store.CronJob{}, false, err
	}
	return job, true, nil
}

func (s *CronStore) Put(job store.CronJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO cron_jobs (id, job, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET job = excluded.job`,
		job.ID, string(data), job.Created.UnixMilli())
	return err
}

func (s *CronStore) Delete(id string) error {
	_, err := s.db.Exec("DELETE FROM cron_jobs WHERE id = ?", id)
	return err
}

func (s *CronStore) MarkRun(id string, at time.Time, status, errMsg string) error {
	job, ok, err := s.Get(id)
	if err != nil || !ok {
		return err
	}
	job.LastRunAt = &at
	job.LastStatus = status
	job.LastError = errMsg
	job.UpdatedAt = at
	return s.Put(job)
}
