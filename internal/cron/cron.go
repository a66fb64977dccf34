// Package cron runs persisted scheduled prompts. A minute ticker
// checks every enabled job's cron expression; due jobs go through the
// scheduler's cron lane so they obey the same per-session ordering as
// interactive traffic.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/scheduler"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// Submitter is the slice of the scheduler the cron service needs.
type Submitter interface {
	Schedule(ctx context.Context, laneName string, req agent.RunRequest) <-chan scheduler.Result
}

// Config wires a Service.
type Config struct {
	Store        store.CronStore
	Scheduler    Submitter
	Router       bus.MessageRouter // outbound delivery; optional
	DefaultAgent string
	// Tick overrides the minute ticker in tests.
	Tick time.Duration
	Now  func() time.Time
}

// Service owns the job table and the due-check loop.
type Service struct {
	cfg  Config
	gron *gronx.Gronx

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

func New(cfg Config) *Service {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = "main"
	}
	return &Service{cfg: cfg, gron: gronx.New()}
}

// Add validates and persists a job.
func (s *Service) Add(job store.CronJob) error {
	if job.ID == "" {
		return fmt.Errorf("cron job needs an id")
	}
	if !s.gron.IsValid(job.Schedule) {
		return fmt.Errorf("invalid cron expression %q", job.Schedule)
	}
	if job.Payload.Message == "" {
		return fmt.Errorf("cron job %s: empty message", job.ID)
	}
	now := s.cfg.Now()
	if job.Created.IsZero() {
		job.Created = now
	}
	job.UpdatedAt = now
	return s.cfg.Store.Put(job)
}

// List returns all persisted jobs.
func (s *Service) List() ([]store.CronJob, error) {
	return s.cfg.Store.List()
}

// Remove deletes a job.
func (s *Service) Remove(id string) error {
	return s.cfg.Store.Delete(id)
}

// SetEnabled flips a job without touching its schedule.
func (s *Service) SetEnabled(id string, enabled bool) error {
	job, ok, err := s.cfg.Store.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cron job %s not found", id)
	}
	job.Enabled = enabled
	job.UpdatedAt = s.cfg.Now()
	return s.cfg.Store.Put(job)
}

// Start launches the due-check loop. Idempotent.
// RunNow fires a job immediately, ignoring its schedule. The job still
// runs on the cron lane and its last-run bookkeeping is updated, so a
// manual run suppresses the scheduled firing for the same minute.
func (s *Service) RunNow(ctx context.Context, id string) error {
	job, found, err := s.cfg.Store.Get(id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("cron job %q not found", id)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runJob(ctx, job)
	}()
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(runCtx)
	}()
}

// Close stops the loop and waits for in-flight jobs.
func (s *Service) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.started = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkDue(ctx)
		}
	}
}

func (s *Service) checkDue(ctx context.Context) {
	jobs, err := s.cfg.Store.List()
	if err != nil {
		slog.Error("cron list failed", "error", err)
		return
	}
	now := s.cfg.Now()
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		// One firing per minute boundary, even with a faster tick.
		if job.LastRunAt != nil && job.LastRunAt.Truncate(time.Minute).Equal(now.Truncate(time.Minute)) {
			continue
		}
		due, err := s.gron.IsDue(job.Schedule, now)
		if err != nil {
			slog.Warn("cron due-check failed", "job", job.ID, "error", err)
			continue
		}
		if !due {
			continue
		}
		job := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runJob(ctx, job)
		}()
	}
}

func (s *Service) runJob(ctx context.Context, job store.CronJob) {
	agentID := job.AgentID
	if agentID == "" {
		agentID = s.cfg.DefaultAgent
	}
	sessionKey := sessions.BuildCronKey(agentID, job.ID)
	startedAt := s.cfg.Now()

	slog.Info("cron job firing", "job", job.ID, "session_key", sessionKey)
	outCh := s.cfg.Scheduler.Schedule(ctx, scheduler.LaneCron, agent.RunRequest{
		SessionKey: sessionKey,
		Message:    job.Payload.Message,
		Channel:    "cron",
		ChatID:     job.Payload.To,
		RunID:      fmt.Sprintf("cron:%s:%s", job.ID, startedAt.Format("200601021504")),
		TraceName:  "cron." + job.ID,
		TraceTags:  map[string]string{"cron.job": job.ID},
	})

	var result scheduler.Result
	select {
	case <-ctx.Done():
		return
	case result = <-outCh:
	}

	status, errMsg := "ok", ""
	if result.Err != nil {
		status, errMsg = "error", result.Err.Error()
		slog.Error("cron job failed", "job", job.ID, "error", result.Err)
	}
	if err := s.cfg.Store.MarkRun(job.ID, startedAt, status, errMsg); err != nil {
		slog.Warn("cron mark-run failed", "job", job.ID, "error", err)
	}

	if result.Err == nil && job.Payload.Deliver && job.Payload.Channel != "" && job.Payload.To != "" && s.cfg.Router != nil {
		s.cfg.Router.PublishOutbound(bus.OutboundMessage{
			Channel: job.Payload.Channel,
			ChatID:  job.Payload.To,
			Content: result.Content,
		})
	}
}
