package store

import "time"

// MonitorState is the persisted progress of one monitor account: the
// sync cursor plus the dedup window, written together in a single
// atomic operation so a crash never separates them.
type MonitorState struct {
	Cursor    string    `json:"cursor"`
	Dedup     []string  `json:"dedup,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MonitorStateStore persists monitor progress per account.
// Load returns (nil, nil) when no state has been saved yet.
type MonitorStateStore interface {
	Load(accountID string) (*MonitorState, error)
	Save(accountID string, state *MonitorState) error
}
