// Package scheduler runs registered sync jobs on interval, cron or one-shot
// schedules with a single-flight guarantee per job.
package scheduler

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dedet2/crmsync/internal/sync"
)

// ScheduleType selects how a job's firings are computed.
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
	ScheduleOnce     ScheduleType = "once"
)

// JobStatus tracks one job through its lifecycle.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// ScheduleConfig carries the schedule parameters. Which fields apply depends
// on the schedule type.
type ScheduleConfig struct {
	IntervalMinutes   int
	BusinessHoursOnly bool
	StartHour         int
	EndHour           int
	WeekdaysOnly      bool
	Hour              int
	Minute            int
	DayOfWeek         *time.Weekday
}

// Job is one registered sync job.
type Job struct {
	ID            string
	Name          string
	RemoteStoreID string
	EntityTypes   []string
	ScheduleType  ScheduleType
	Schedule      ScheduleConfig
	SyncConfig    sync.Config
	Enabled       bool
	Status        JobStatus
	LastRun       *time.Time
	NextRun       *time.Time
	ErrorCount    int
	SuccessCount  int
	// ConsecutiveFailures drives the auto-disable threshold and resets to
	// zero on any successful run.
	ConsecutiveFailures int
}

// Validate rejects malformed jobs before they are scheduled. Setup-time
// correctness is enforced strictly, unlike runtime failures.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.Name == "" {
		return fmt.Errorf("job %s: name is required", j.ID)
	}
	if j.RemoteStoreID == "" {
		return fmt.Errorf("job %s: remote store id is required", j.ID)
	}
	if len(j.EntityTypes) == 0 {
		return fmt.Errorf("job %s: at least one entity type is required", j.ID)
	}

	switch j.ScheduleType {
	case ScheduleInterval:
		if j.Schedule.IntervalMinutes <= 0 {
			return fmt.Errorf("job %s: interval schedule requires a positive interval_minutes", j.ID)
		}
		if j.Schedule.IntervalMinutes < 5 {
			logrus.WithFields(logrus.Fields{
				"job":              j.ID,
				"interval_minutes": j.Schedule.IntervalMinutes,
			}).Warn("Interval below 5 minutes risks remote rate limits")
		}
		if j.Schedule.BusinessHoursOnly {
			if j.Schedule.StartHour < 0 || j.Schedule.EndHour > 24 || j.Schedule.StartHour >= j.Schedule.EndHour {
				return fmt.Errorf("job %s: invalid business hours window [%d, %d)", j.ID, j.Schedule.StartHour, j.Schedule.EndHour)
			}
		}
	case ScheduleCron:
		if j.Schedule.Hour < 0 || j.Schedule.Hour > 23 {
			return fmt.Errorf("job %s: cron schedule requires hour in [0, 23]", j.ID)
		}
		if j.Schedule.Minute < 0 || j.Schedule.Minute > 59 {
			return fmt.Errorf("job %s: cron schedule requires minute in [0, 59]", j.ID)
		}
	case ScheduleOnce:
	default:
		return fmt.Errorf("job %s: unknown schedule type %q", j.ID, j.ScheduleType)
	}
	return nil
}

// Snapshot is a copy of a job's externally visible state.
type Snapshot struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	RemoteStoreID       string     `json:"remote_store_id"`
	EntityTypes         []string   `json:"entity_types"`
	ScheduleType        string     `json:"schedule_type"`
	Enabled             bool       `json:"enabled"`
	Status              string     `json:"status"`
	LastRun             *time.Time `json:"last_run,omitempty"`
	NextRun             *time.Time `json:"next_run,omitempty"`
	ErrorCount          int        `json:"error_count"`
	SuccessCount        int        `json:"success_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

func (j *Job) snapshot() Snapshot {
	snap := Snapshot{
		ID:                  j.ID,
		Name:                j.Name,
		RemoteStoreID:       j.RemoteStoreID,
		EntityTypes:         append([]string(nil), j.EntityTypes...),
		ScheduleType:        string(j.ScheduleType),
		Enabled:             j.Enabled,
		Status:              string(j.Status),
		ErrorCount:          j.ErrorCount,
		SuccessCount:        j.SuccessCount,
		ConsecutiveFailures: j.ConsecutiveFailures,
	}
	if j.LastRun != nil {
		lastRun := *j.LastRun
		snap.LastRun = &lastRun
	}
	if j.NextRun != nil {
		nextRun := *j.NextRun
		snap.NextRun = &nextRun
	}
	return snap
}
