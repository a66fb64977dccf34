package scheduler

import (
	"context"
	"sync"
)

// Lane names. Lanes bound how many runs of a given class execute at
// once across all sessions; per-session ordering is enforced separately.
const (
	LaneMain       = "main"
	LaneCron       = "cron"
	LaneSubagent   = "subagent"
	LaneBackground = "background"
)

// LaneConfig sets the concurrency ceiling for one lane.
type LaneConfig struct {
	Name          string
	MaxConcurrent int
}

// DefaultLanes returns the standard lane set.
func DefaultLanes() []LaneConfig {
	return []LaneConfig{
		{Name: LaneMain, MaxConcurrent: 4},
		{Name: LaneCron, MaxConcurrent: 2},
		{Name: LaneSubagent, MaxConcurrent: 2},
		{Name: LaneBackground, MaxConcurrent: 2},
	}
}

// lane is a counting gate with a per-acquire limit override, so one
// call can run under a tighter ceiling than the lane default.
type lane struct {
	name string
	max  int

	mu      sync.Mutex
	cond    *sync.Cond
	running int
}

func newLane(cfg LaneConfig) *lane {
	max := cfg.MaxConcurrent
	if max <= 0 {
		max = 1
	}
	l := &lane{name: cfg.Name, max: max}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// acquire blocks until a slot is free or ctx is done. limit <= 0 uses
// the lane default; a positive limit below the default tightens it for
// this acquire only.
func (l *lane) acquire(ctx context.Context, limit int) error {
	if limit <= 0 || limit > l.max {
		limit = l.max
	}
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	for l.running >= limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.cond.Wait()
	}
	l.running++
	return nil
}

func (l *lane) release() {
	l.mu.Lock()
	l.running--
	l.cond.Broadcast()
	l.mu.Unlock()
}
