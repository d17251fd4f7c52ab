package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sirupsen/logrus"
)

// Record represents one CRM entity row. Fields carries the entity payload
// as loosely typed JSON so the same storage serves every entity type.
type Record struct {
	EntityType string
	ID         int64
	Fields     map[string]any
	RemoteID   *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Failure is a persisted per-record sync failure.
type Failure struct {
	ID         int
	Timestamp  time.Time
	EntityType string
	RecordID   string
	Direction  string
	Error      string
}

// JobRun is one entry in the scheduler run history.
type JobRun struct {
	ID         int
	JobName    string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Detail     string
}

// ErrDuplicateRemoteID reports an insert that collided with an existing
// remote id for the same entity type.
var ErrDuplicateRemoteID = errors.New("remote id already mapped to a local record")

// Store wraps a pgx pool (or mock) with the queries of the local store.
type Store struct {
	pool PgxIface
}

// NewStore returns a Store backed by the given connection
func NewStore(pool PgxIface) *Store {
	return &Store{pool: pool}
}

const recordColumns = `entity_type, id, fields, remote_id, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var fields []byte
	var remoteID pgtype.Text

	if err := row.Scan(&rec.EntityType, &rec.ID, &fields, &remoteID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if remoteID.Valid {
		rec.RemoteID = &remoteID.String
	}
	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode record fields: %w", err)
	}
	return &rec, nil
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// QueryModifiedSince returns records of one entity type updated strictly after since,
// oldest first.
func (s *Store) QueryModifiedSince(ctx context.Context, entityType string, since time.Time) ([]Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM crm_records
		WHERE entity_type = $1 AND updated_at > $2
		ORDER BY updated_at ASC
	`
	rows, err := s.pool.Query(ctx, query, entityType, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query modified records: %w", err)
	}
	return collectRecords(rows)
}

// QueryAll returns every record of one entity type, oldest first.
func (s *Store) QueryAll(ctx context.Context, entityType string) ([]Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM crm_records
		WHERE entity_type = $1
		ORDER BY updated_at ASC
	`
	rows, err := s.pool.Query(ctx, query, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	return collectRecords(rows)
}

// GetByID fetches a single record, nil if it does not exist.
func (s *Store) GetByID(ctx context.Context, entityType string, id int64) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM crm_records WHERE entity_type = $1 AND id = $2`
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, entityType, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// GetByRemoteID fetches the record mapped to a remote id, nil if none is.
func (s *Store) GetByRemoteID(ctx context.Context, entityType, remoteID string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM crm_records WHERE entity_type = $1 AND remote_id = $2`
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, entityType, remoteID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record by remote id: %w", err)
	}
	return rec, nil
}

// Insert stores a new record inside its own transaction and returns the assigned id.
// A unique violation on remote_id rolls back and reports ErrDuplicateRemoteID.
func (s *Store) Insert(ctx context.Context, rec *Record) (int64, error) {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return 0, fmt.Errorf("failed to encode record fields: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := `
		INSERT INTO crm_records (entity_type, fields, remote_id, updated_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
		RETURNING id
	`
	var updatedAt *time.Time
	if !rec.UpdatedAt.IsZero() {
		updatedAt = &rec.UpdatedAt
	}
	var id int64
	if err := tx.QueryRow(ctx, query, rec.EntityType, fields, rec.RemoteID, updatedAt).Scan(&id); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrDuplicateRemoteID
		}
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit insert: %w", err)
	}
	rec.ID = id
	return id, nil
}

// UpdateFields replaces the field payload of one record inside its own
// transaction, so a failure never leaves a half-written row behind.
func (s *Store) UpdateFields(ctx context.Context, entityType string, id int64, fields map[string]any, updatedAt time.Time) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode record fields: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := `
		UPDATE crm_records
		SET fields = $3, updated_at = $4
		WHERE entity_type = $1 AND id = $2
	`
	tag, err := tx.Exec(ctx, query, entityType, id, payload, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit update: %w", err)
	}
	return nil
}

// SetRemoteID writes back the remote id assigned to a freshly pushed record.
func (s *Store) SetRemoteID(ctx context.Context, entityType string, id int64, remoteID string) error {
	query := `UPDATE crm_records SET remote_id = $3 WHERE entity_type = $1 AND id = $2`
	if _, err := s.pool.Exec(ctx, query, entityType, id, remoteID); err != nil {
		return fmt.Errorf("failed to set remote id: %w", err)
	}
	return nil
}

// BulkInsert loads records using COPY, bypassing per-row transactions.
// Intended for seeding and restores, not for sync runs.
func (s *Store) BulkInsert(ctx context.Context, records []Record) error {
	rows := make([][]interface{}, len(records))
	for i, rec := range records {
		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode record fields: %w", err)
		}
		rows[i] = []interface{}{rec.EntityType, fields, rec.RemoteID, rec.UpdatedAt}
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"crm_records"},
		[]string{"entity_type", "fields", "remote_id", "updated_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to bulk insert records: %w", err)
	}

	logrus.WithField("count", len(records)).Info("Bulk inserted records")
	return nil
}

// LastSyncedAt returns the sync watermark for an entity type and direction,
// nil when no sync has completed yet.
func (s *Store) LastSyncedAt(ctx context.Context, entityType, direction string) (*time.Time, error) {
	query := `SELECT last_synced_at FROM sync_state WHERE entity_type = $1 AND direction = $2`
	var ts pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, query, entityType, direction).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	return &ts.Time, nil
}

// SetLastSyncedAt advances the sync watermark.
func (s *Store) SetLastSyncedAt(ctx context.Context, entityType, direction string, ts time.Time) error {
	query := `
		INSERT INTO sync_state (entity_type, direction, last_synced_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_type, direction) DO UPDATE SET last_synced_at = EXCLUDED.last_synced_at
	`
	if _, err := s.pool.Exec(ctx, query, entityType, direction, ts); err != nil {
		return fmt.Errorf("failed to set sync state: %w", err)
	}
	return nil
}

// RecordFailure persists a per-record sync failure for later inspection.
func (s *Store) RecordFailure(ctx context.Context, entityType, recordID, direction, errMsg string) error {
	query := `
		INSERT INTO sync_failures (entity_type, record_id, direction, error)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.pool.Exec(ctx, query, entityType, recordID, direction, errMsg); err != nil {
		return fmt.Errorf("failed to record sync failure: %w", err)
	}
	return nil
}

// ClearFailures drops the stored failures of one record, called after a
// successful retry.
func (s *Store) ClearFailures(ctx context.Context, entityType, recordID string) error {
	query := `DELETE FROM sync_failures WHERE entity_type = $1 AND record_id = $2`
	if _, err := s.pool.Exec(ctx, query, entityType, recordID); err != nil {
		return fmt.Errorf("failed to clear sync failures: %w", err)
	}
	return nil
}

// ListFailures returns recorded failures for an entity type, newest first.
func (s *Store) ListFailures(ctx context.Context, entityType string, limit int) ([]Failure, error) {
	query := `
		SELECT id, ts, entity_type, record_id, direction, error
		FROM sync_failures
		WHERE entity_type = $1
		ORDER BY ts DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, entityType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync failures: %w", err)
	}
	defer rows.Close()

	var failures []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.ID, &f.Timestamp, &f.EntityType, &f.RecordID, &f.Direction, &f.Error); err != nil {
			return nil, fmt.Errorf("failed to scan sync failure: %w", err)
		}
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync failures: %w", err)
	}
	return failures, nil
}

// InsertJobRun records a finished scheduler run.
func (s *Store) InsertJobRun(ctx context.Context, run JobRun) error {
	query := `
		INSERT INTO sync_job_runs (job_name, started_at, finished_at, status, detail)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.pool.Exec(ctx, query, run.JobName, run.StartedAt, run.FinishedAt, run.Status, run.Detail); err != nil {
		return fmt.Errorf("failed to insert job run: %w", err)
	}
	return nil
}

// ListJobRuns returns the run history of one job, newest first.
func (s *Store) ListJobRuns(ctx context.Context, jobName string, limit int) ([]JobRun, error) {
	query := `
		SELECT id, job_name, started_at, finished_at, status, detail
		FROM sync_job_runs
		WHERE job_name = $1
		ORDER BY started_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, jobName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		var run JobRun
		var finished pgtype.Timestamptz
		var detail pgtype.Text
		if err := rows.Scan(&run.ID, &run.JobName, &run.StartedAt, &finished, &run.Status, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		if finished.Valid {
			run.FinishedAt = &finished.Time
		}
		run.Detail = detail.String
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job runs: %w", err)
	}
	return runs, nil
}

// PruneJobRuns deletes run history older than the retention cutoff.
func (s *Store) PruneJobRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM sync_job_runs WHERE started_at < $1`
	tag, err := s.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune job runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
