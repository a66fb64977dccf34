package file

import (
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// FileSessionStore wraps sessions.Manager to implement store.SessionStore.
type FileSessionStore struct {
	mgr *sessions.Manager
}

func NewFileSessionStore(mgr *sessions.Manager) *FileSessionStore {
	return &FileSessionStore{mgr: mgr}
}

// Manager returns the underlying sessions.Manager for direct access
// during migration.
func (f *FileSessionStore) Manager() *sessions.Manager { return f.mgr }

func (f *FileSessionStore) Get(key string) (store.SessionEntry, bool) {
	return f.mgr.Get(key)
}

func (f *FileSessionStore) Upsert(key string, fn func(*store.SessionEntry)) (store.SessionEntry, error) {
	return f.mgr.Upsert(key, fn)
}

func (f *FileSessionStore) Delete(key string) error {
	return f.mgr.Delete(key)
}

func (f *FileSessionStore) List(agentID string) []store.SessionInfo {
	return f.mgr.List(agentID)
}

func (f *FileSessionStore) ListPaged(opts store.SessionListOpts) store.SessionListResult {
	return f.mgr.ListPaged(opts)
}
