package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/channels"
)

// ErrUndecryptable is returned by a Decryptor when the key material for
// an event is not available yet. The monitor parks the event on the
// retry queue instead of failing it.
var ErrUndecryptable = errors.New("undecryptable event")

// Decryptor turns an encrypted channel event into its plaintext form.
// Implementations wrap the channel's crypto component; a nil Decryptor
// drops encrypted events.
type Decryptor interface {
	// Decrypt returns the plaintext event. ErrUndecryptable means the
	// keys may arrive later.
	Decrypt(ctx context.Context, ev channels.Event) (channels.Event, error)
	// RequestKeys asks the key backup for the event's session keys.
	// Called after repeated Decrypt failures.
	RequestKeys(ctx context.Context, ev channels.Event) error
	// Close releases crypto stores. Idempotent.
	Close() error
}

// PreProcessor consumes opaque pre-timeline blobs (to-device crypto
// events) before any timeline event of the batch is dispatched.
type PreProcessor interface {
	Process(ctx context.Context, blobs [][]byte) error
}

const (
	defaultUTDCapacity    = 200
	defaultUTDRetryWindow = 5 * time.Minute
	defaultUTDExpiry      = time.Hour
	// utdBackupAfter is the failed-retry count that triggers a
	// key-backup request.
	utdBackupAfter = 2
)

type utdEntry struct {
	event     channels.Event
	firstSeen time.Time
	lastRetry time.Time
	retries   int
	backupReq bool
}

// utdQueue holds events that failed to decrypt, retried oldest-first.
// An entry is retried at most once per retry window and dropped after
// the hard expiry. Not safe for concurrent use.
type utdQueue struct {
	cap         int
	retryWindow time.Duration
	expiry      time.Duration
	entries     []*utdEntry
	now         func() time.Time
}

func newUTDQueue(capacity int, retryWindow, expiry time.Duration, now func() time.Time) *utdQueue {
	if capacity <= 0 {
		capacity = defaultUTDCapacity
	}
	if retryWindow <= 0 {
		retryWindow = defaultUTDRetryWindow
	}
	if expiry <= 0 {
		expiry = defaultUTDExpiry
	}
	if now == nil {
		now = time.Now
	}
	return &utdQueue{cap: capacity, retryWindow: retryWindow, expiry: expiry, now: now}
}

// Push parks an event, evicting the oldest entry at capacity.
func (q *utdQueue) Push(ev channels.Event) {
	if len(q.entries) >= q.cap {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, &utdEntry{event: ev, firstSeen: q.now()})
}

func (q *utdQueue) Len() int { return len(q.entries) }

// Due returns the entries eligible for a retry pass, oldest-first, and
// prunes expired ones. The caller reports each outcome via Resolve or
// keeps the entry parked implicitly.
func (q *utdQueue) Due() []*utdEntry {
	now := q.now()
	kept := q.entries[:0]
	var due []*utdEntry
	for _, e := range q.entries {
		if now.Sub(e.firstSeen) > q.expiry {
			continue
		}
		kept = append(kept, e)
		if e.lastRetry.IsZero() || now.Sub(e.lastRetry) >= q.retryWindow {
			due = append(due, e)
		}
	}
	q.entries = kept
	return due
}

// MarkRetry stamps a failed retry on an entry and reports whether the
// key-backup fallback should run now.
func (q *utdQueue) MarkRetry(e *utdEntry) (wantBackup bool) {
	e.lastRetry = q.now()
	e.retries++
	if e.retries >= utdBackupAfter && !e.backupReq {
		e.backupReq = true
		return true
	}
	return false
}

// Resolve removes a successfully decrypted entry.
func (q *utdQueue) Resolve(e *utdEntry) {
	for i, cur := range q.entries {
		if cur == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}
