// Package scheduler runs the agent's local cron jobs — periodic network
// scans, queue cleanup, and update checks — independently of the control
// link. It wraps go-co-op/gocron/v2 the same way the server's policy
// scheduler does, but each job here dispatches a synthetic command through
// internal/command instead of a backup job through an agent manager, and
// falls back to a fixed interval if a job's cron expression fails to parse.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldscout/agent/internal/command"
)

// fallbackInterval is used for a job whose cron expression gocron rejects,
// matching the original scheduler's behavior when croniter was unavailable.
const fallbackInterval = 4 * time.Hour

// Job describes one scheduled action.
type Job struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Cron      string         `json:"cron"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	Enabled   bool           `json:"enabled"`
	LastRun   *time.Time     `json:"last_run,omitempty"`
	NextRun   *time.Time     `json:"next_run,omitempty"`
	RunCount  int            `json:"run_count"`
	FailCount int            `json:"fail_count"`
	LastError string         `json:"last_error,omitempty"`
}

// ResultSink receives the outcome of every scheduled job run, for delivery
// to the server alongside ad hoc command results.
type ResultSink func(taskID, status string, data any, errMsg string)

// DefaultJobs mirrors the agent's out-of-the-box schedule: a network
// inventory scan every four hours, a queue cleanup pass at 3am, and an
// update check once a week.
func DefaultJobs() []Job {
	return []Job{
		{ID: "scan-network", Name: "Network inventory scan", Cron: "0 */4 * * *", Action: "scan_network", Enabled: true},
		{ID: "cleanup-queue", Name: "Queue cleanup", Cron: "0 3 * * *", Action: "cleanup_queue", Enabled: true},
		{ID: "check-updates", Name: "Check for updates", Cron: "0 5 * * 0", Action: "check_updates", Enabled: true},
	}
}

// Scheduler owns the gocron engine, the job definitions, and their
// persisted run history.
type Scheduler struct {
	mu         sync.Mutex
	cron       gocron.Scheduler
	jobs       map[string]*Job
	dispatcher *command.Dispatcher
	sink       ResultSink
	logger     *zap.Logger
	stateDir   string
	running    bool
}

// Config configures a Scheduler.
type Config struct {
	Dispatcher *command.Dispatcher
	Sink       ResultSink
	Logger     *zap.Logger
	StateDir   string
}

// New creates a Scheduler, loading persisted state from
// <StateDir>/scheduler_state.json if present, or seeding DefaultJobs
// otherwise.
func New(cfg Config) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: new gocron scheduler: %w", err)
	}

	s := &Scheduler{
		cron:       cron,
		jobs:       make(map[string]*Job),
		dispatcher: cfg.Dispatcher,
		sink:       cfg.Sink,
		logger:     cfg.Logger.Named("scheduler"),
		stateDir:   cfg.StateDir,
	}

	loaded, err := s.loadState()
	if err != nil {
		s.logger.Warn("failed to load scheduler state, seeding defaults", zap.Error(err))
		loaded = nil
	}
	if len(loaded) == 0 {
		loaded = DefaultJobs()
	}
	for i := range loaded {
		j := loaded[i]
		s.jobs[j.ID] = &j
	}

	return s, nil
}

func (s *Scheduler) stateFilePath() string {
	return filepath.Join(s.stateDir, "scheduler_state.json")
}

func (s *Scheduler) loadState() ([]Job, error) {
	if s.stateDir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.stateFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("corrupted scheduler state: %w", err)
	}
	return jobs, nil
}

// saveState persists the current job set atomically via temp file + rename.
// Caller must hold s.mu.
func (s *Scheduler) saveState() {
	if s.stateDir == "" {
		return
	}

	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, *j)
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		s.logger.Warn("failed to marshal scheduler state", zap.Error(err))
		return
	}
	if err := os.MkdirAll(s.stateDir, 0o750); err != nil {
		s.logger.Warn("failed to create state dir", zap.Error(err))
		return
	}
	tmp, err := os.CreateTemp(s.stateDir, "scheduler_state.*.tmp")
	if err != nil {
		s.logger.Warn("failed to create temp state file", zap.Error(err))
		return
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.logger.Warn("failed to write scheduler state", zap.Error(err))
		return
	}
	if err := tmp.Close(); err != nil {
		s.logger.Warn("failed to close temp state file", zap.Error(err))
		return
	}
	if err := os.Rename(tmpPath, s.stateFilePath()); err != nil {
		s.logger.Warn("failed to rename scheduler state file", zap.Error(err))
		return
	}
	ok = true
}

// Start registers every enabled job with gocron and starts the engine.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.Enabled {
			if err := s.scheduleLocked(j); err != nil {
				s.logger.Error("failed to schedule job", zap.String("job_id", j.ID), zap.Error(err))
			}
		}
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
	return nil
}

// Stop shuts down the gocron engine, waiting for in-flight jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// scheduleLocked registers j with gocron in singleton mode, keyed by its ID
// as a tag so it can be removed later. Caller must hold s.mu.
func (s *Scheduler) scheduleLocked(j *Job) error {
	def := gocron.CronJob(j.Cron, false)
	if !validCron(j.Cron) {
		s.logger.Warn("job has unparsable cron expression, falling back to fixed interval",
			zap.String("job_id", j.ID), zap.String("cron", j.Cron))
		def = gocron.DurationJob(fallbackInterval)
	}

	_, err := s.cron.NewJob(
		def,
		gocron.NewTask(func(id string) { s.executeJob(id) }, j.ID),
		gocron.WithTags(j.ID),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil && validCron(j.Cron) {
		s.logger.Warn("gocron rejected cron expression, falling back to fixed interval",
			zap.String("job_id", j.ID), zap.String("cron", j.Cron), zap.Error(err))
		_, err = s.cron.NewJob(
			gocron.DurationJob(fallbackInterval),
			gocron.NewTask(func(id string) { s.executeJob(id) }, j.ID),
			gocron.WithTags(j.ID),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
	}
	if err != nil {
		return fmt.Errorf("gocron.NewJob for %s: %w", j.ID, err)
	}
	return nil
}

// validCron is a narrow syntactic check — five whitespace-separated
// fields — used only to decide whether to hand the expression to gocron or
// fall back to a fixed interval. gocron performs the real parse.
func validCron(expr string) bool {
	fields := 0
	inField := false
	for _, r := range expr {
		if r == ' ' || r == '\t' {
			inField = false
			continue
		}
		if !inField {
			fields++
			inField = true
		}
	}
	return fields == 5
}

// executeJob builds a synthetic command from the job definition, dispatches
// it, records the outcome, and forwards the result to the sink.
func (s *Scheduler) executeJob(id string) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	action, params := j.Action, j.Params
	s.mu.Unlock()

	taskID := fmt.Sprintf("scheduled-%s-%d", id, time.Now().UTC().Unix())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result := s.dispatcher.Handle(ctx, taskID, action, params)

	now := time.Now().UTC()
	s.mu.Lock()
	j.LastRun = &now
	j.RunCount++
	if !result.Success {
		j.FailCount++
		j.LastError = result.Error
	} else {
		j.LastError = ""
	}
	s.saveState()
	s.mu.Unlock()

	if s.sink != nil {
		data := map[string]any{
			"job_id":    id,
			"job_name":  j.Name,
			"scheduled": true,
			"data":      result.Data,
		}
		s.sink(taskID, result.Status, data, result.Error)
	}
}

// RunNow executes a job immediately, outside its cron schedule.
func (s *Scheduler) RunNow(id string) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", id)
	}
	s.executeJob(id)
	return nil
}

// AddJob registers a new job. If the scheduler is already running and the
// job is enabled, it is scheduled immediately.
func (s *Scheduler) AddJob(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if _, exists := s.jobs[j.ID]; exists {
		return fmt.Errorf("scheduler: job %q already exists", j.ID)
	}
	s.jobs[j.ID] = &j
	s.saveState()

	if s.running && j.Enabled {
		if err := s.scheduleLocked(&j); err != nil {
			return err
		}
	}
	return nil
}

// RemoveJob unregisters a job entirely.
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("scheduler: unknown job %q", id)
	}
	delete(s.jobs, id)
	s.cron.RemoveByTags(id)
	s.saveState()
	return nil
}

// EnableJob turns a disabled job back on and schedules it if the engine is
// running.
func (s *Scheduler) EnableJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", id)
	}
	if j.Enabled {
		return nil
	}
	j.Enabled = true
	s.saveState()
	if s.running {
		return s.scheduleLocked(j)
	}
	return nil
}

// DisableJob turns a job off without deleting its definition or history.
func (s *Scheduler) DisableJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", id)
	}
	j.Enabled = false
	s.cron.RemoveByTags(id)
	s.saveState()
	return nil
}

// UpdateJob replaces a job's cron, action, and params, rescheduling it if
// currently enabled and running.
func (s *Scheduler) UpdateJob(id string, cron, action string, params map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", id)
	}
	j.Cron = cron
	j.Action = action
	j.Params = params
	s.saveState()

	if s.running && j.Enabled {
		s.cron.RemoveByTags(id)
		return s.scheduleLocked(j)
	}
	return nil
}

// GetJob returns a copy of one job's definition.
func (s *Scheduler) GetJob(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// ListJobs returns a copy of every job's definition.
func (s *Scheduler) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// Stats summarizes the scheduler's job set for diagnostics.
type Stats struct {
	TotalJobs   int `json:"total_jobs"`
	EnabledJobs int `json:"enabled_jobs"`
	TotalRuns   int `json:"total_runs"`
	TotalFails  int `json:"total_fails"`
}

// GetStats aggregates run counts across every job.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	st.TotalJobs = len(s.jobs)
	for _, j := range s.jobs {
		if j.Enabled {
			st.EnabledJobs++
		}
		st.TotalRuns += j.RunCount
		st.TotalFails += j.FailCount
	}
	return st
}
