package store

import "time"

// CronPayload describes what a scheduled job should do when it fires.
type CronPayload struct {
	Message string `json:"message"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
	Deliver bool   `json:"deliver,omitempty"`
}

// CronJob is a persisted scheduled prompt.
type CronJob struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	AgentID  string      `json:"agentId,omitempty"`
	UserID   string      `json:"userId,omitempty"`
	Schedule string      `json:"schedule"`
	Payload  CronPayload `json:"payload"`
	Enabled  bool        `json:"enabled"`

	Created    time.Time  `json:"created"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	LastRunAt  *time.Time `json:"lastRunAt,omitempty"`
	LastStatus string     `json:"lastStatus,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
}

// CronJobResult captures the outcome of one job execution.
type CronJobResult struct {
	Content      string `json:"content"`
	InputTokens  int    `json:"inputTokens,omitempty"`
	OutputTokens int    `json:"outputTokens,omitempty"`
}

// CronStore persists scheduled jobs.
type CronStore interface {
	List() ([]CronJob, error)
	Get(id string) (CronJob, bool, error)
	Put(job CronJob) error
	Delete(id string) error
	MarkRun(id string, at time.Time, status, errMsg string) error
}
