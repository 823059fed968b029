// Package scheduler dispatches cron-driven safety jobs, one goroutine per tick,
// serialized per handler id so the same job never runs concurrently with itself.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/kestrelfin/optionsd/internal/database"
	"github.com/kestrelfin/optionsd/internal/locking"
)

// JobResult is the outcome a Handler reports back to the dispatcher.
type JobResult struct {
	Success    bool
	Skipped    bool
	Aggregated bool // routine no-op tick; scheduler elides the JobRun
	Reason     string
	Err        error
	Data       map[string]any
}

// Handler is one scheduled job. Two JobDefs may share a Handler (the 0DTE
// closer registers the same handler under both its normal- and early-close
// cron entries); the handler itself decides whether a given firing applies.
type Handler interface {
	ID() string
	Execute(ctx context.Context) JobResult
}

type jobDef struct {
	id          string
	description string
	schedule    string
	handler     Handler
	enabled     bool
	entryID     cron.EntryID
}

// Scheduler manages background jobs.
type Scheduler struct {
	cron  *cron.Cron
	log   zerolog.Logger
	db    *database.DB
	locks *locking.Manager

	mu   sync.Mutex
	jobs map[string][]*jobDef
}

// New creates a new scheduler backed by the ledger database for job-run
// persistence and a lock manager for per-handler-id serialization.
func New(log zerolog.Logger, db *database.DB) *Scheduler {
	return &Scheduler{
		cron:  cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		log:   log.With().Str("component", "scheduler").Logger(),
		db:    db,
		locks: locking.New(),
		jobs:  make(map[string][]*jobDef),
	}
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop stops the scheduler and waits for in-flight handlers to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

// EnsureJob upserts a job definition and registers its cron entry. schedule is
// a standard 6-field (seconds-first) cron expression; tz is an IANA zone name
// such as "America/New_York" and is honored via a "CRON_TZ=" prefix so each
// job can run against the market's wall clock regardless of host timezone.
func (s *Scheduler) EnsureJob(id, description, schedule, tz string, handler Handler) error {
	if _, err := s.db.Exec(
		`INSERT INTO jobs (id, schedule, enabled, description) VALUES (?, ?, 1, ?)
		 ON CONFLICT(id) DO UPDATE SET schedule=excluded.schedule, description=excluded.description`,
		id, schedule, description,
	); err != nil {
		return fmt.Errorf("persisting job definition %s: %w", id, err)
	}

	spec := schedule
	if tz != "" {
		spec = fmt.Sprintf("CRON_TZ=%s %s", tz, schedule)
	}

	def := &jobDef{id: id, description: description, schedule: schedule, handler: handler, enabled: true}
	entryID, err := s.cron.AddFunc(spec, func() { s.dispatch(def) })
	if err != nil {
		return fmt.Errorf("scheduling job %s: %w", id, err)
	}
	def.entryID = entryID

	s.mu.Lock()
	s.jobs[id] = append(s.jobs[id], def)
	s.mu.Unlock()

	s.log.Info().Str("job", id).Str("schedule", spec).Msg("job registered")
	return nil
}

func (s *Scheduler) dispatch(def *jobDef) {
	if !s.locks.Acquire(def.id) {
		s.log.Debug().Str("job", def.id).Msg("skipping tick, previous run still in flight")
		return
	}
	defer s.locks.Release(def.id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	started := time.Now()
	result := def.handler.Execute(ctx)
	s.record(def.id, started, result)
}

// RunNow executes a job immediately, bypassing the cron schedule but still
// respecting the handler's serialization lock.
func (s *Scheduler) RunNow(id string) (JobResult, error) {
	s.mu.Lock()
	defs := s.jobs[id]
	s.mu.Unlock()
	if len(defs) == 0 {
		return JobResult{}, fmt.Errorf("no job registered with id %q", id)
	}
	def := defs[0]

	if !s.locks.Acquire(def.id) {
		return JobResult{Skipped: true, Reason: "already running"}, nil
	}
	defer s.locks.Release(def.id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	started := time.Now()
	result := def.handler.Execute(ctx)
	s.record(def.id, started, result)
	return result, nil
}

func (s *Scheduler) record(jobID string, started time.Time, result JobResult) {
	log := s.log.With().Str("job", jobID).Logger()

	if result.Err != nil {
		log.Error().Err(result.Err).Msg("job failed")
		s.updateContinuousStatus(jobID, false)
		s.persistRun(jobID, started, "failed", result.Reason, result.Data)
		return
	}
	if result.Skipped {
		log.Debug().Str("reason", result.Reason).Msg("job skipped")
		if !result.Aggregated {
			s.persistRun(jobID, started, "skipped", result.Reason, result.Data)
		}
		return
	}

	s.updateContinuousStatus(jobID, true)
	if result.Aggregated {
		log.Debug().Msg("job completed (aggregated, no run persisted)")
		return
	}
	log.Info().Str("reason", result.Reason).Msg("job completed")
	s.persistRun(jobID, started, "success", result.Reason, result.Data)
}

func (s *Scheduler) persistRun(jobID string, started time.Time, outcome, reason string, data map[string]any) {
	var dataJSON []byte
	if data != nil {
		dataJSON, _ = json.Marshal(data)
	}
	_, err := s.db.Exec(
		`INSERT INTO job_runs (job_id, started_at, ended_at, outcome, reason, data_json) VALUES (?, ?, ?, ?, ?, ?)`,
		jobID, started, time.Now(), outcome, reason, string(dataJSON),
	)
	if err != nil {
		s.log.Error().Err(err).Str("job", jobID).Msg("failed to persist job run")
	}
}

func (s *Scheduler) updateContinuousStatus(jobID string, success bool) {
	var err error
	if success {
		_, err = s.db.Exec(
			`INSERT INTO continuous_job_status (job_id, last_success_at, consecutive_failures) VALUES (?, ?, 0)
			 ON CONFLICT(job_id) DO UPDATE SET last_success_at=excluded.last_success_at, consecutive_failures=0`,
			jobID, time.Now(),
		)
	} else {
		_, err = s.db.Exec(
			`INSERT INTO continuous_job_status (job_id, last_failure_at, consecutive_failures) VALUES (?, ?, 1)
			 ON CONFLICT(job_id) DO UPDATE SET last_failure_at=excluded.last_failure_at, consecutive_failures=consecutive_failures+1`,
			jobID, time.Now(),
		)
	}
	if err != nil {
		s.log.Error().Err(err).Str("job", jobID).Msg("failed to update continuous job status")
	}
}

// JobInfo is a read-only summary of a registered job, for the diagnostics surface.
type JobInfo struct {
	ID          string
	Description string
	Schedule    string
}

// ListJobs returns a stable summary of all registered jobs.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var out []JobInfo
	for id, defs := range s.jobs {
		if seen[id] || len(defs) == 0 {
			continue
		}
		seen[id] = true
		out = append(out, JobInfo{ID: id, Description: defs[0].description, Schedule: defs[0].schedule})
	}
	return out
}

// ClearStuckLocks releases any handler lock held longer than maxAge, for
// recovery from a handler that panicked or deadlocked without releasing it.
func (s *Scheduler) ClearStuckLocks(maxAge time.Duration) []string {
	return s.locks.ClearStuckLocks(maxAge)
}
