package pg

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// PGCronStore persists scheduled jobs as JSONB rows.
type PGCronStore struct {
	db *sql.DB
}

func NewPGCronStore(db *sql.DB) *PGCronStore {
	return &PGCronStore{db: db}
}

func (s *PGCronStore) List() ([]store.CronJob, error) {
	rows, err := s.db.Query("SELECT job FROM cron_jobs ORDER BY created_at ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []store.CronJob
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var job store.CronJob
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PGCronStore) Get(id string) (store.CronJob, bool, error) {
	var data []byte
	err := s.db.QueryRow("SELECT job FROM cron_jobs WHERE id = $1", id).Scan(&data)
	if err == sql.ErrNoRows {
		return store.CronJob{}, false, nil
	}
	if err != nil {
		return store.CronJob{}, false, err
	}

	var job store.CronJob
	if err := json.Unmarshal(data, &job); err != nil {
		return store.CronJob{}, false, err
	}
	return job, true, nil
}

func (s *PGCronStore) Put(job store.CronJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO cron_jobs (id, job, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET job = EXCLUDED.job`,
		job.ID, data, job.Created)
	return err
}

func (s *PGCronStore) Delete(id string) error {
	_, err := s.db.Exec("DELETE FROM cron_jobs WHERE id = $1", id)
	return err
}

func (s *PGCronStore) MarkRun(id string, at time.Time, status, errMsg string) error {
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
