package scheduler

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dedet2/crmsync/internal/db"
	"github.com/dedet2/crmsync/internal/metrics"
	"github.com/dedet2/crmsync/internal/sync"
)

const (
	defaultTick             = 10 * time.Second
	defaultFailureThreshold = 5
	defaultRetention        = 30 * 24 * time.Hour
)

// RunFunc executes one job's sync work. The scheduler treats any returned
// error as a failed run.
type RunFunc func(ctx context.Context, job *Job) (sync.RunSummary, error)

// RunStore persists job run history.
type RunStore interface {
	InsertJobRun(ctx context.Context, run db.JobRun) error
	PruneJobRuns(ctx context.Context, olderThan time.Time) (int64, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick overrides the due-job polling interval.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithFailureThreshold overrides the consecutive-failure auto-disable limit.
func WithFailureThreshold(n int) Option {
	return func(s *Scheduler) { s.failureThreshold = n }
}

// WithRetention overrides how long run history is kept.
func WithRetention(d time.Duration) Option {
	return func(s *Scheduler) { s.retention = d }
}

// WithNotifier attaches a notification side channel.
func WithNotifier(n *Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithClock injects the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler polls registered jobs on a fixed tick and fires the due ones.
// At most one execution of a given job runs at a time; a firing that lands
// while the previous run is still executing is skipped, not queued.
type Scheduler struct {
	mu               stdsync.Mutex
	jobs             map[string]*Job
	running          map[string]bool
	run              RunFunc
	store            RunStore
	notifier         *Notifier
	tick             time.Duration
	failureThreshold int
	retention        time.Duration
	now              func() time.Time
	stop             chan struct{}
	stopOnce         stdsync.Once
	wg               stdsync.WaitGroup
}

// New creates a scheduler that executes jobs through run and records run
// history through store
func New(run RunFunc, store RunStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:             make(map[string]*Job),
		running:          make(map[string]bool),
		run:              run,
		store:            store,
		tick:             defaultTick,
		failureThreshold: defaultFailureThreshold,
		retention:        defaultRetention,
		now:              time.Now,
		stop:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddJob validates and registers a job. A once job is armed to fire on the
// next tick; the others get their first computed firing time.
func (s *Scheduler) AddJob(job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already registered", job.ID)
	}

	job.Status = StatusPending
	now := s.now()
	if job.ScheduleType == ScheduleOnce {
		job.NextRun = &now
	} else {
		job.NextRun = nextRunAfter(now, job.ScheduleType, job.Schedule)
	}
	s.jobs[job.ID] = job

	logrus.WithFields(logrus.Fields{
		"job":      job.ID,
		"schedule": job.ScheduleType,
		"next_run": job.NextRun,
	}).Info("Job registered")
	return nil
}

// UpdateJob applies a mutation to a registered job and re-validates it.
func (s *Scheduler) UpdateJob(jobID string, mutate func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}

	updated := *job
	mutate(&updated)
	if err := updated.Validate(); err != nil {
		return err
	}

	*job = updated
	if job.Enabled && job.NextRun == nil && job.ScheduleType != ScheduleOnce {
		job.NextRun = nextRunAfter(s.now(), job.ScheduleType, job.Schedule)
	}
	return nil
}

// RemoveJob unregisters a job. A run already in flight completes.
func (s *Scheduler) RemoveJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	delete(s.jobs, jobID)
	return nil
}

// JobStatus returns the snapshot of one job.
func (s *Scheduler) JobStatus(jobID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return Snapshot{}, fmt.Errorf("unknown job %s", jobID)
	}
	return job.snapshot(), nil
}

// Jobs returns snapshots of every registered job.
func (s *Scheduler) Jobs() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Snapshot, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.snapshot())
	}
	return out
}

// Start launches the polling loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()

		logrus.WithField("tick", s.tick).Info("Scheduler started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
}

// Stop halts the polling loop and waits for it to exit. Runs already in
// flight complete on their own goroutines.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	logrus.Info("Scheduler stopped")
}

// runDue fires every enabled job whose next_run has passed.
func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if !job.Enabled || job.NextRun == nil || now.Before(*job.NextRun) {
			continue
		}
		if s.running[job.ID] {
			// single flight: skip this firing entirely
			logrus.WithField("job", job.ID).Debug("Job still running, skipping firing")
			job.NextRun = nextRunAfter(now, job.ScheduleType, job.Schedule)
			continue
		}
		s.running[job.ID] = true
		job.Status = StatusRunning
		job.NextRun = nextRunAfter(now, job.ScheduleType, job.Schedule)
		due = append(due, job)
	}
	s.mu.Unlock()

	for _, job := range due {
		s.wg.Add(1)
		go func(job *Job) {
			defer s.wg.Done()
			s.execute(ctx, job)
		}(job)
	}
}

func (s *Scheduler) execute(ctx context.Context, job *Job) {
	started := s.now()
	logrus.WithField("job", job.ID).Info("Job run started")

	summary, err := s.run(ctx, job)
	finished := s.now()
	duration := finished.Sub(started)

	status := "success"
	detail := fmt.Sprintf("%d succeeded, %d failed, %d conflicts",
		summary.TotalSucceeded, summary.TotalFailed, summary.TotalConflicts)
	if err != nil {
		status = "failed"
		detail = err.Error()
	}

	s.mu.Lock()
	delete(s.running, job.ID)
	job.LastRun = &started
	if err != nil {
		job.Status = StatusFailed
		job.ErrorCount++
		job.ConsecutiveFailures++
		if job.ConsecutiveFailures >= s.failureThreshold {
			job.Enabled = false
			job.NextRun = nil
			logrus.WithFields(logrus.Fields{
				"job":      job.ID,
				"failures": job.ConsecutiveFailures,
			}).Error("Job auto-disabled after consecutive failures")
		}
	} else {
		job.Status = StatusCompleted
		job.SuccessCount++
		job.ConsecutiveFailures = 0
	}
	notifier := s.notifier
	s.mu.Unlock()

	if err != nil {
		logrus.WithError(err).WithField("job", job.ID).Error("Job run failed")
	} else {
		logrus.WithFields(logrus.Fields{
			"job":      job.ID,
			"duration": duration,
			"detail":   detail,
		}).Info("Job run completed")
	}
	metrics.RecordJobRun(job.Name, status, duration.Seconds())

	if s.store != nil {
		run := db.JobRun{
			JobName:    job.Name,
			StartedAt:  started,
			FinishedAt: &finished,
			Status:     status,
			Detail:     detail,
		}
		if insertErr := s.store.InsertJobRun(ctx, run); insertErr != nil {
			logrus.WithError(insertErr).WithField("job", job.ID).Warn("Failed to persist job run")
		}
		if _, pruneErr := s.store.PruneJobRuns(ctx, finished.Add(-s.retention)); pruneErr != nil {
			logrus.WithError(pruneErr).Warn("Failed to prune job run history")
		}
	}

	if notifier != nil {
		notifier.Notify(NotificationSummary{
			JobID:           job.ID,
			Status:          status,
			DurationSeconds: duration.Seconds(),
			TotalRecords:    summary.TotalSucceeded + summary.TotalFailed,
			SuccessRecords:  summary.TotalSucceeded,
			FailedRecords:   summary.TotalFailed,
			Conflicts:       summary.TotalConflicts,
			TablesSynced:    job.EntityTypes,
			ErrorMessage:    errMessage(err),
		})
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// RegisterDefaultJobs installs the standard sync jobs against one remote
// store.
func RegisterDefaultJobs(s *Scheduler, remoteStoreID string) error {
	cfg := sync.DefaultConfig()
	allTypes := make([]string, len(cfg.EntityTypes))
	for i, et := range cfg.EntityTypes {
		allTypes[i] = et.Name
	}

	revenueCfg := cfg
	revenueCfg.Strategy = sync.StrategyTimestampBased

	opportunityCfg := cfg
	opportunityCfg.Strategy = sync.StrategySmartMerge
	opportunityCfg.BatchSize = 15

	retreatCfg := cfg
	retreatCfg.Strategy = sync.StrategyLocalWins
	retreatCfg.BatchSize = 20

	fullCfg := cfg
	fullCfg.Strategy = sync.StrategyTimestampBased
	fullCfg.BatchSize = 25
	fullCfg.BackupBeforeSync = true

	sunday := time.Sunday
	jobs := []*Job{
		{
			ID:            "revenue_sync_30min",
			Name:          "Revenue Streams Sync",
			RemoteStoreID: remoteStoreID,
			EntityTypes:   []string{"revenue_streams"},
			ScheduleType:  ScheduleInterval,
			Schedule: ScheduleConfig{
				IntervalMinutes:   30,
				BusinessHoursOnly: true,
				StartHour:         8,
				EndHour:           18,
				WeekdaysOnly:      true,
			},
			SyncConfig: revenueCfg,
			Enabled:    true,
		},
		{
			ID:            "opportunities_2h",
			Name:          "Executive Opportunities Sync",
			RemoteStoreID: remoteStoreID,
			EntityTypes:   []string{"executive_opportunities", "ai_agents"},
			ScheduleType:  ScheduleInterval,
			Schedule:      ScheduleConfig{IntervalMinutes: 120},
			SyncConfig:    opportunityCfg,
			Enabled:       true,
		},
		{
			ID:            "retreat_daily",
			Name:          "Retreat Events Daily Sync",
			RemoteStoreID: remoteStoreID,
			EntityTypes:   []string{"retreat_events"},
			ScheduleType:  ScheduleCron,
			Schedule:      ScheduleConfig{Hour: 6, Minute: 0},
			SyncConfig:    retreatCfg,
			Enabled:       true,
		},
		{
			ID:            "full_sync_weekly",
			Name:          "Weekly Full Sync",
			RemoteStoreID: remoteStoreID,
			EntityTypes:   allTypes,
			ScheduleType:  ScheduleCron,
			Schedule:      ScheduleConfig{DayOfWeek: &sunday, Hour: 2, Minute: 0},
			SyncConfig:    fullCfg,
			Enabled:       true,
		},
	}

	for _, job := range jobs {
		if err := s.AddJob(job); err != nil {
			return fmt.Errorf("failed to register default job %s: %w", job.ID, err)
		}
	}
	return nil
}
