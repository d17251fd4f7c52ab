package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dedet2/crmsync/internal/db"
	"github.com/dedet2/crmsync/internal/metrics"
)

// Outcome is the result of syncing one record in one direction.
type Outcome struct {
	EntityType string    `json:"entity_type"`
	Direction  string    `json:"direction"`
	RecordID   string    `json:"record_id"`
	Action     string    `json:"action"` // created, updated, conflict_pending, failed
	Error      string    `json:"error,omitempty"`
	Conflicts  []string  `json:"conflicts,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Result aggregates the outcomes of one entity type in one direction.
type Result struct {
	EntityType string        `json:"entity_type"`
	Direction  string        `json:"direction"`
	Outcomes   []Outcome     `json:"outcomes"`
	Created    int           `json:"created"`
	Updated    int           `json:"updated"`
	Failed     int           `json:"failed"`
	Conflicts  int           `json:"conflicts"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// RunSummary aggregates a whole sync_all run.
type RunSummary struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Results        []Result      `json:"results"`
	TotalSucceeded int           `json:"total_succeeded"`
	TotalFailed    int           `json:"total_failed"`
	TotalConflicts int           `json:"total_conflicts"`
	Errors         []string      `json:"errors,omitempty"`
}

// ConflictObserver receives every conflict the engine detects during pull,
// resolved or still pending review.
type ConflictObserver func(entityType, remoteID string, resolution Resolution)

// Engine orchestrates synchronization between the two stores. One engine is
// built per (remote store, configuration) pair and reused across runs.
type Engine struct {
	local      LocalStore
	remote     RemoteStore
	cfg        Config
	detector   *Detector
	resolver   *Resolver
	onConflict ConflictObserver
}

// NewEngine creates a sync engine over the given stores
func NewEngine(local LocalStore, remote RemoteStore, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.SinceFallback <= 0 {
		cfg.SinceFallback = time.Hour
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategySmartMerge
	}
	return &Engine{
		local:    local,
		remote:   remote,
		cfg:      cfg,
		detector: NewDetector(local, remote),
		resolver: NewResolver(cfg.Strategy),
	}
}

// SetConflictObserver installs a hook invoked for every detected conflict,
// used to feed conflicts into the event stream.
func (e *Engine) SetConflictObserver(f ConflictObserver) {
	e.onConflict = f
}

// Resolver exposes the engine's conflict log for status reporting.
func (e *Engine) Resolver() *Resolver {
	return e.resolver
}

// Config returns the engine's immutable configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// since returns the watermark for one entity type and direction, falling back
// to a bounded window when no sync has happened yet.
func (e *Engine) since(ctx context.Context, entityType, direction string) (time.Time, error) {
	ts, err := e.local.LastSyncedAt(ctx, entityType, direction)
	if err != nil {
		return time.Time{}, err
	}
	if ts == nil {
		return time.Now().Add(-e.cfg.SinceFallback), nil
	}
	return *ts, nil
}

// interBatchPause sleeps between batches to stay inside provider rate limits.
func (e *Engine) interBatchPause(ctx context.Context) {
	if e.cfg.InterBatchDelay <= 0 {
		return
	}
	select {
	case <-time.After(e.cfg.InterBatchDelay):
	case <-ctx.Done():
	}
}

// SyncTableToRemote pushes local changes of one entity type to the remote
// store. Individual record failures are recorded and never abort the run.
// The watermark advances even when records failed, favoring forward progress
// over exhaustive retry; failing records stay queryable via FailingRecords.
func (e *Engine) SyncTableToRemote(ctx context.Context, et EntityType) (Result, error) {
	result := Result{EntityType: et.Name, Direction: "push", StartedAt: time.Now()}

	since, err := e.since(ctx, et.Name, "push")
	if err != nil {
		return result, fmt.Errorf("failed to read push watermark: %w", err)
	}

	records, err := e.detector.LocalChanges(ctx, et, since)
	if err != nil {
		return result, fmt.Errorf("failed to detect local changes: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"entity_type": et.Name,
		"since":       since,
		"count":       len(records),
	}).Info("Pushing local changes")

	for i := range records {
		if i > 0 && i%e.cfg.BatchSize == 0 {
			e.interBatchPause(ctx)
		}
		result.Outcomes = append(result.Outcomes, e.pushRecord(ctx, et, records[i]))
	}
	e.tally(&result)

	if err := e.local.SetLastSyncedAt(ctx, et.Name, "push", time.Now()); err != nil {
		logrus.WithError(err).WithField("entity_type", et.Name).Error("Failed to advance push watermark")
	}

	result.Duration = time.Since(result.StartedAt)
	return result, nil
}

func (e *Engine) pushRecord(ctx context.Context, et EntityType, rec db.Record) Outcome {
	localID := strconv.FormatInt(rec.ID, 10)
	outcome := Outcome{
		EntityType: et.Name,
		Direction:  "push",
		RecordID:   localID,
		Timestamp:  time.Now(),
	}

	fields := ToRemote(rec, et)

	if rec.RemoteID != nil {
		if _, err := e.remote.UpdateRecord(ctx, et.RemoteTable, *rec.RemoteID, fields); err != nil {
			return e.failOutcome(ctx, outcome, localID, err)
		}
		outcome.Action = "updated"
	} else {
		created, err := e.remote.CreateRecord(ctx, et.RemoteTable, fields)
		if err != nil {
			return e.failOutcome(ctx, outcome, localID, err)
		}
		// The remote id write-back is the idempotency anchor: the next run
		// sees this record as already mapped and issues no create.
		if err := e.local.SetRemoteID(ctx, et.Name, rec.ID, created.ID); err != nil {
			return e.failOutcome(ctx, outcome, localID, fmt.Errorf("failed to persist remote id %s: %w", created.ID, err))
		}
		outcome.Action = "created"
	}

	if err := e.local.ClearFailures(ctx, et.Name, localID); err != nil {
		logrus.WithError(err).WithField("record_id", localID).Warn("Failed to clear failure history")
	}
	metrics.RecordSyncOutcome(et.Name, "push", outcome.Action)
	return outcome
}

func (e *Engine) failOutcome(ctx context.Context, outcome Outcome, recordID string, err error) Outcome {
	outcome.Action = "failed"
	outcome.Error = err.Error()
	logrus.WithError(err).WithFields(logrus.Fields{
		"entity_type": outcome.EntityType,
		"direction":   outcome.Direction,
		"record_id":   recordID,
	}).Error("Record sync failed")

	if recErr := e.local.RecordFailure(ctx, outcome.EntityType, recordID, outcome.Direction, err.Error()); recErr != nil {
		logrus.WithError(recErr).Warn("Failed to persist sync failure")
	}
	metrics.RecordSyncOutcome(outcome.EntityType, outcome.Direction, "failed")
	return outcome
}

// SyncTableFromRemote pulls remote changes of one entity type into the local
// store, resolving conflicts on records known to both sides.
func (e *Engine) SyncTableFromRemote(ctx context.Context, et EntityType) (Result, error) {
	result := Result{EntityType: et.Name, Direction: "pull", StartedAt: time.Now()}

	since, err := e.since(ctx, et.Name, "pull")
	if err != nil {
		return result, fmt.Errorf("failed to read pull watermark: %w", err)
	}

	records, err := e.detector.RemoteChanges(ctx, et, since)
	if err != nil {
		return result, fmt.Errorf("failed to detect remote changes: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"entity_type": et.Name,
		"since":       since,
		"count":       len(records),
	}).Info("Pulling remote changes")

	for i := range records {
		if i > 0 && i%e.cfg.BatchSize == 0 {
			e.interBatchPause(ctx)
		}
		result.Outcomes = append(result.Outcomes, e.pullRecord(ctx, et, records[i].ID, FromRemote(records[i].Fields, et)))
	}
	e.tally(&result)

	if err := e.local.SetLastSyncedAt(ctx, et.Name, "pull", time.Now()); err != nil {
		logrus.WithError(err).WithField("entity_type", et.Name).Error("Failed to advance pull watermark")
	}

	result.Duration = time.Since(result.StartedAt)
	return result, nil
}

func (e *Engine) pullRecord(ctx context.Context, et EntityType, remoteID string, remoteFields map[string]any) Outcome {
	outcome := Outcome{
		EntityType: et.Name,
		Direction:  "pull",
		RecordID:   remoteID,
		Timestamp:  time.Now(),
	}

	existing, err := e.local.GetByRemoteID(ctx, et.Name, remoteID)
	if err != nil {
		return e.failOutcome(ctx, outcome, remoteID, err)
	}

	if existing == nil {
		rec := &db.Record{EntityType: et.Name, Fields: remoteFields, RemoteID: &remoteID}
		if ts, ok := modifiedAt(remoteFields); ok {
			rec.UpdatedAt = ts
		}
		if _, err := e.local.Insert(ctx, rec); err != nil {
			return e.failOutcome(ctx, outcome, remoteID, err)
		}
		outcome.Action = "created"
		metrics.RecordSyncOutcome(et.Name, "pull", "created")
		return outcome
	}

	resolution := e.resolver.Resolve(et, existing.ID, remoteID, existing.Fields, remoteFields)
	outcome.Conflicts = resolution.Conflicts
	if len(resolution.Conflicts) > 0 && e.onConflict != nil {
		e.onConflict(et.Name, remoteID, resolution)
	}

	if resolution.Pending {
		// Manual review keeps the local record untouched until an operator
		// settles the conflict via ResolveConflict.
		outcome.Action = "conflict_pending"
		metrics.RecordSyncOutcome(et.Name, "pull", "conflict_pending")
		return outcome
	}

	merged := make(map[string]any, len(existing.Fields)+len(remoteFields))
	for k, v := range existing.Fields {
		merged[k] = v
	}
	// Remote-only fields are not conflicts, they are simply new data.
	for k, v := range remoteFields {
		if _, defined := existing.Fields[k]; !defined {
			merged[k] = v
		}
	}
	for k, v := range resolution.Fields {
		merged[k] = v
	}

	updatedAt := time.Now()
	if ts, ok := modifiedAt(merged); ok {
		updatedAt = ts
	}
	if err := e.local.UpdateFields(ctx, et.Name, existing.ID, merged, updatedAt); err != nil {
		return e.failOutcome(ctx, outcome, remoteID, err)
	}

	if err := e.local.ClearFailures(ctx, et.Name, remoteID); err != nil {
		logrus.WithError(err).WithField("record_id", remoteID).Warn("Failed to clear failure history")
	}
	outcome.Action = "updated"
	metrics.RecordSyncOutcome(et.Name, "pull", "updated")
	return outcome
}

// SyncBidirectional runs the push and pull legs for one entity type. The legs
// are decoupled, an error in the push leg does not skip the pull leg.
func (e *Engine) SyncBidirectional(ctx context.Context, et EntityType) ([]Result, error) {
	var results []Result
	var errs []error

	push, err := e.SyncTableToRemote(ctx, et)
	results = append(results, push)
	if err != nil {
		errs = append(errs, err)
	}

	pull, err := e.SyncTableFromRemote(ctx, et)
	results = append(results, pull)
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return results, fmt.Errorf("bidirectional sync of %s: %v", et.Name, errs)
	}
	return results, nil
}

// SyncAll runs every configured entity type in declaration order. A failure
// in one entity type is logged and the run continues with the next.
func (e *Engine) SyncAll(ctx context.Context) RunSummary {
	summary := RunSummary{StartedAt: time.Now()}

	for _, et := range e.cfg.EntityTypes {
		var results []Result
		var err error

		switch e.cfg.Direction {
		case DirectionPush:
			var res Result
			res, err = e.SyncTableToRemote(ctx, et)
			results = []Result{res}
		case DirectionPull:
			var res Result
			res, err = e.SyncTableFromRemote(ctx, et)
			results = []Result{res}
		default:
			results, err = e.SyncBidirectional(ctx, et)
		}

		summary.Results = append(summary.Results, results...)
		if err != nil {
			logrus.WithError(err).WithField("entity_type", et.Name).Error("Entity type sync failed")
			summary.Errors = append(summary.Errors, err.Error())
		}
	}

	for _, res := range summary.Results {
		summary.TotalSucceeded += res.Created + res.Updated
		summary.TotalFailed += res.Failed
	}
	summary.TotalConflicts = len(e.resolver.ConflictsSince(summary.StartedAt))
	summary.Duration = time.Since(summary.StartedAt)

	logrus.WithFields(logrus.Fields{
		"succeeded": summary.TotalSucceeded,
		"failed":    summary.TotalFailed,
		"conflicts": summary.TotalConflicts,
		"duration":  summary.Duration,
	}).Info("Sync run completed")
	return summary
}

// SyncEntityType runs one named entity type using the configured direction.
// Used by the event bridge for webhook-triggered single-table syncs.
func (e *Engine) SyncEntityType(ctx context.Context, name string) ([]Result, error) {
	et, ok := e.cfg.EntityTypeByName(name)
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", name)
	}

	switch e.cfg.Direction {
	case DirectionPush:
		res, err := e.SyncTableToRemote(ctx, et)
		return []Result{res}, err
	case DirectionPull:
		res, err := e.SyncTableFromRemote(ctx, et)
		return []Result{res}, err
	default:
		return e.SyncBidirectional(ctx, et)
	}
}

// ResolveConflict settles a pending manual-review conflict and applies the
// chosen values to both stores.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID, winner string) error {
	conflict, values, err := e.resolver.ResolveManually(conflictID, winner)
	if err != nil {
		return err
	}

	et, ok := e.cfg.EntityTypeByName(conflict.EntityType)
	if !ok {
		return fmt.Errorf("conflict %s references unknown entity type %q", conflictID, conflict.EntityType)
	}

	existing, err := e.local.GetByID(ctx, et.Name, conflict.LocalID)
	if err != nil {
		return fmt.Errorf("failed to load local record %d: %w", conflict.LocalID, err)
	}
	if existing == nil {
		return fmt.Errorf("local record %d no longer exists", conflict.LocalID)
	}

	merged := make(map[string]any, len(existing.Fields))
	for k, v := range existing.Fields {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = v
	}

	if err := e.local.UpdateFields(ctx, et.Name, conflict.LocalID, merged, time.Now()); err != nil {
		return fmt.Errorf("failed to apply resolution locally: %w", err)
	}

	remoteFields := ToRemote(db.Record{EntityType: et.Name, Fields: values}, et)
	if len(remoteFields) > 0 {
		if _, err := e.remote.UpdateRecord(ctx, et.RemoteTable, conflict.RemoteID, remoteFields); err != nil {
			return fmt.Errorf("failed to apply resolution remotely: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"conflict_id": conflictID,
		"winner":      winner,
		"entity_type": et.Name,
	}).Info("Manual conflict resolution applied")
	return nil
}

// FailingRecords lists records that keep failing to sync, so an operator can
// intervene instead of the engine silently abandoning them.
func (e *Engine) FailingRecords(ctx context.Context, entityType string, limit int) ([]db.Failure, error) {
	if limit <= 0 {
		limit = 100
	}
	return e.local.ListFailures(ctx, entityType, limit)
}

func (e *Engine) tally(result *Result) {
	for _, o := range result.Outcomes {
		switch o.Action {
		case "created":
			result.Created++
		case "updated":
			result.Updated++
		case "failed":
			result.Failed++
		}
		if len(o.Conflicts) > 0 {
			result.Conflicts++
		}
	}
}
