package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Default schedules for the built-in maintenance jobs, in five-field
// cron syntax. Both run during the quiet hours so sweeps never compete
// with agent traffic.
const (
	DefaultSweepSchedule  = "0 3 * * *" // daily at 03:00 UTC
	DefaultVacuumSchedule = "0 4 * * 0" // Sundays at 04:00 UTC
)

// CredentialSweeper flags credentials that are overdue for rotation.
// Satisfied by *vault.Vault.
type CredentialSweeper interface {
	MarkStaleForRotation(ctx context.Context, thresholdDays int) (int64, error)
}

// Vacuumer compacts the backing store. Satisfied by store.Store.
type Vacuumer interface {
	Vacuum(ctx context.Context) error
}

// Job is one recurring maintenance task.
type Job struct {
	Name     string
	Schedule string // five-field cron expression
	Run      func(ctx context.Context) error
}

// jobState tracks one registered job's parsed schedule and run history.
type jobState struct {
	job        Job
	sched      cron.Schedule
	nextRunAt  time.Time
	lastRunAt  time.Time
	lastStatus string
}

// JobStatus is a point-in-time view of one registered job.
type JobStatus struct {
	Name       string
	NextRunAt  time.Time
	LastRunAt  time.Time
	LastStatus string
}

// Scheduler runs registered maintenance jobs on their cron schedules.
type Scheduler struct {
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	jobsMu sync.Mutex
	jobs   []*jobState

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// NewScheduler creates a Scheduler with no jobs registered.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// AddJob registers a maintenance job. The schedule is parsed eagerly so
// a bad expression fails at wiring time, not on the first tick. The
// first run lands on the next cron match; use RunAllNow for an
// immediate pass.
func (s *Scheduler) AddJob(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %q has no run function", job.Name)
	}
	sched, err := s.parser.Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("parse schedule %q for job %q: %w", job.Schedule, job.Name, err)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	for _, js := range s.jobs {
		if js.job.Name == job.Name {
			return fmt.Errorf("job %q already registered", job.Name)
		}
	}
	s.jobs = append(s.jobs, &jobState{
		job:       job,
		sched:     sched,
		nextRunAt: sched.Next(time.Now().UTC()),
	})
	return nil
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.Jobs())))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	for _, js := range s.dueJobs(now) {
		if !s.tryAcquire(js.job.Name) {
			continue // already running (dedup)
		}
		s.runJob(ctx, js, now)
		s.release(js.job.Name)
	}
}

func (s *Scheduler) dueJobs(now time.Time) []*jobState {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	var due []*jobState
	for _, js := range s.jobs {
		if !js.nextRunAt.After(now) {
			due = append(due, js)
		}
	}
	return due
}

// runJob executes a job and records its outcome and next run time.
func (s *Scheduler) runJob(ctx context.Context, js *jobState, now time.Time) {
	s.logger.Info("running maintenance job", slog.String("job", js.job.Name))

	status := "success"
	if err := js.job.Run(ctx); err != nil {
		status = "error"
		s.logger.Error("maintenance job failed",
			slog.String("job", js.job.Name),
			slog.String("error", err.Error()),
		)
	}

	s.jobsMu.Lock()
	js.lastRunAt = now
	js.lastStatus = status
	js.nextRunAt = js.sched.Next(now)
	s.jobsMu.Unlock()
}

// RunAllNow runs every registered job immediately, regardless of
// schedule. Called at startup so a sweep missed while the daemon was
// down happens right away instead of waiting for the next cron match.
func (s *Scheduler) RunAllNow(ctx context.Context) {
	now := time.Now().UTC()

	s.jobsMu.Lock()
	jobs := make([]*jobState, len(s.jobs))
	copy(jobs, s.jobs)
	s.jobsMu.Unlock()

	for _, js := range jobs {
		if !s.tryAcquire(js.job.Name) {
			continue
		}
		s.runJob(ctx, js, now)
		s.release(js.job.Name)
	}
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// release removes the job from the in-flight set.
func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Jobs returns a snapshot of all registered jobs and their run history.
func (s *Scheduler) Jobs() []JobStatus {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, js := range s.jobs {
		out = append(out, JobStatus{
			Name:       js.job.Name,
			NextRunAt:  js.nextRunAt,
			LastRunAt:  js.lastRunAt,
			LastStatus: js.lastStatus,
		})
	}
	return out
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// StaleCredentialSweep builds the job that flags credentials overdue
// for rotation. The sweep itself logs how many rows it flagged.
func StaleCredentialSweep(v CredentialSweeper, thresholdDays int, schedule string) Job {
	return Job{
		Name:     "credential-rotation-sweep",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			_, err := v.MarkStaleForRotation(ctx, thresholdDays)
			return err
		},
	}
}

// StoreVacuum builds the job that compacts the backing store.
func StoreVacuum(st Vacuumer, schedule string) Job {
	return Job{
		Name:     "store-vacuum",
		Schedule: schedule,
		Run:      st.Vacuum,
	}
}
