package scheduler

import "time"

// insideWindow reports whether t satisfies the job's business-hours and
// weekday restrictions.
func insideWindow(t time.Time, cfg ScheduleConfig) bool {
	if cfg.WeekdaysOnly {
		if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return false
		}
	}
	if cfg.BusinessHoursOnly {
		if t.Hour() < cfg.StartHour || t.Hour() >= cfg.EndHour {
			return false
		}
	}
	return true
}

// nextRunAfter computes the next firing strictly after now. A nil result
// means the job never fires again.
func nextRunAfter(now time.Time, scheduleType ScheduleType, cfg ScheduleConfig) *time.Time {
	switch scheduleType {
	case ScheduleInterval:
		return nextIntervalRun(now, cfg)
	case ScheduleCron:
		return nextCronRun(now, cfg)
	default:
		// once fires on registration and never again
		return nil
	}
}

// nextIntervalRun advances from now in interval-sized steps until the
// candidate lands inside the configured window, so a 30-minute job with an
// 8-18 business window never gets a next_run of 18:10.
func nextIntervalRun(now time.Time, cfg ScheduleConfig) *time.Time {
	step := time.Duration(cfg.IntervalMinutes) * time.Minute
	candidate := now.Add(step)

	// Bounded search covering at least a week of steps. The extra steps keep
	// the window check alive for intervals longer than a week.
	maxSteps := 7*24*60/cfg.IntervalMinutes + 7
	for i := 0; i < maxSteps; i++ {
		if insideWindow(candidate, cfg) {
			return &candidate
		}
		candidate = candidate.Add(step)
	}
	return &candidate
}

// nextCronRun finds the next day whose weekday matches (if restricted) with
// the fixed hour:minute still ahead.
func nextCronRun(now time.Time, cfg ScheduleConfig) *time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), cfg.Hour, cfg.Minute, 0, 0, now.Location())
	for i := 0; i < 8; i++ {
		if candidate.After(now) && (cfg.DayOfWeek == nil || candidate.Weekday() == *cfg.DayOfWeek) {
			return &candidate
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return &candidate
}
