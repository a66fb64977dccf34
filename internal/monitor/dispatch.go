package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/channels"
)

// roomWorkerIdle is how long a room worker lingers without traffic
// before it exits and frees its queue.
const roomWorkerIdle = 60 * time.Second

// drainTimeout bounds how long Close waits for queued dispatches.
const drainTimeout = 30 * time.Second

var errDispatcherClosed = errors.New("dispatcher closed")

// DispatchFunc delivers one normalized event under its session key.
// It blocks until the scheduler has accepted (or rejected) the event;
// the per-room worker serializes calls for its room.
type DispatchFunc func(ctx context.Context, sessionKey string, ev channels.Event) error

type roomJob struct {
	sessionKey string
	event      channels.Event
}

// room is one worker's queue plus the state that makes reaping safe:
// a worker may only die when the queue is empty and no Enqueue is
// mid-send, and once dead the room never accepts another job.
type room struct {
	ch chan roomJob

	mu      sync.Mutex
	senders int
	dead    bool
}

// enter registers an in-flight sender. Returns false once the room is
// dead, in which case the caller must look up a fresh room.
func (r *room) enter() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return false
	}
	r.senders++
	return true
}

func (r *room) leave() {
	r.mu.Lock()
	r.senders--
	r.mu.Unlock()
}

// roomDispatcher guarantees at most one in-flight dispatch per room.
// Workers are created lazily per room and reaped after an idle period.
type roomDispatcher struct {
	dispatch DispatchFunc
	idle     time.Duration
	done     chan struct{}

	mu     sync.Mutex
	closed bool
	rooms  map[string]*room
	wg     sync.WaitGroup
}

func newRoomDispatcher(dispatch DispatchFunc, idle time.Duration) *roomDispatcher {
	if idle <= 0 {
		idle = roomWorkerIdle
	}
	return &roomDispatcher{
		dispatch: dispatch,
		idle:     idle,
		done:     make(chan struct{}),
		rooms:    make(map[string]*room),
	}
}

// Enqueue hands an event to the room's worker, starting one if needed.
// Blocks while the room's queue is full, which is what gives strict
// per-room ordering under backpressure. If the worker is reaped while
// we race it, the send retries against a fresh worker instead of
// landing on an orphaned queue.
func (d *roomDispatcher) Enqueue(ctx context.Context, roomID, sessionKey string, ev channels.Event) error {
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return errDispatcherClosed
		}
		rm, ok := d.rooms[roomID]
		if !ok {
			rm = &room{ch: make(chan roomJob, 16)}
			d.rooms[roomID] = rm
			d.wg.Add(1)
			go d.worker(ctx, roomID, rm)
		}
		d.mu.Unlock()

		if !rm.enter() {
			// Lost the race against the idle reap; the dead room is
			// already out of the map, so the next lookup starts over.
			continue
		}
		select {
		case <-ctx.Done():
			rm.leave()
			return ctx.Err()
		case rm.ch <- roomJob{sessionKey: sessionKey, event: ev}:
			rm.leave()
			return nil
		}
	}
}

func (d *roomDispatcher) worker(ctx context.Context, roomID string, rm *room) {
	defer d.wg.Done()
	timer := time.NewTimer(d.idle)
	defer timer.Stop()
	for {
		select {
		case <-d.done:
			d.remove(roomID, rm)
			d.drainRoom(roomID, rm)
			return
		case job := <-rm.ch:
			d.run(ctx, roomID, job)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.idle)
		case <-timer.C:
			// Idle reap. The room may only die empty with no sender
			// in flight; anything else means traffic arrived while
			// the timer fired, so keep living.
			rm.mu.Lock()
			if rm.senders > 0 || len(rm.ch) > 0 {
				rm.mu.Unlock()
				timer.Reset(d.idle)
				continue
			}
			rm.dead = true
			rm.mu.Unlock()
			d.remove(roomID, rm)
			return
		}
	}
}

func (d *roomDispatcher) run(ctx context.Context, roomID string, job roomJob) {
	if err := d.dispatch(ctx, job.sessionKey, job.event); err != nil {
		slog.Error("room dispatch failed",
			"room_id", roomID, "session_key", job.sessionKey, "error", err)
	}
}

// drainRoom finishes jobs already queued at close time under a bounded
// fresh context, since the loop context is typically cancelled by then.
// Senders caught mid-Enqueue get a chance to land their job before the
// worker goes away.
func (d *roomDispatcher) drainRoom(roomID string, rm *room) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case job := <-rm.ch:
			d.run(ctx, roomID, job)
			continue
		default:
		}
		rm.mu.Lock()
		pending := rm.senders
		rm.mu.Unlock()
		if pending == 0 {
			return
		}
		select {
		case job := <-rm.ch:
			d.run(ctx, roomID, job)
		case <-ctx.Done():
			return
		case <-time.After(time.Millisecond):
			// The sender may have bailed on its own context; re-check.
		}
	}
}

func (d *roomDispatcher) remove(roomID string, rm *room) {
	d.mu.Lock()
	if cur, ok := d.rooms[roomID]; ok && cur == rm {
		delete(d.rooms, roomID)
	}
	d.mu.Unlock()
}

// Close stops accepting events and waits for every room queue to
// drain. Idempotent.
func (d *roomDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.done)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
