package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dedet2/crmsync/internal/airtable"
	"github.com/dedet2/crmsync/internal/db"
)

// RemoteStore is the remote-side surface the sync engine depends on.
type RemoteStore interface {
	ListRecords(ctx context.Context, table string, opts airtable.ListOptions) ([]airtable.Record, error)
	CreateRecord(ctx context.Context, table string, fields map[string]any) (*airtable.Record, error)
	UpdateRecord(ctx context.Context, table, recordID string, fields map[string]any) (*airtable.Record, error)
}

// LocalStore is the local-side surface the sync engine depends on.
type LocalStore interface {
	QueryModifiedSince(ctx context.Context, entityType string, since time.Time) ([]db.Record, error)
	QueryAll(ctx context.Context, entityType string) ([]db.Record, error)
	GetByID(ctx context.Context, entityType string, id int64) (*db.Record, error)
	GetByRemoteID(ctx context.Context, entityType, remoteID string) (*db.Record, error)
	Insert(ctx context.Context, rec *db.Record) (int64, error)
	UpdateFields(ctx context.Context, entityType string, id int64, fields map[string]any, updatedAt time.Time) error
	SetRemoteID(ctx context.Context, entityType string, id int64, remoteID string) error
	LastSyncedAt(ctx context.Context, entityType, direction string) (*time.Time, error)
	SetLastSyncedAt(ctx context.Context, entityType, direction string, ts time.Time) error
	RecordFailure(ctx context.Context, entityType, recordID, direction, errMsg string) error
	ClearFailures(ctx context.Context, entityType, recordID string) error
	ListFailures(ctx context.Context, entityType string, limit int) ([]db.Failure, error)
}

// Detector finds records changed since a watermark on either side.
type Detector struct {
	local  LocalStore
	remote RemoteStore
}

// NewDetector creates a change detector over both stores
func NewDetector(local LocalStore, remote RemoteStore) *Detector {
	return &Detector{local: local, remote: remote}
}

// LocalChanges returns local records modified after since. A zero since
// degrades to a full scan of the entity type.
func (d *Detector) LocalChanges(ctx context.Context, et EntityType, since time.Time) ([]db.Record, error) {
	if since.IsZero() {
		logrus.WithField("entity_type", et.Name).Debug("No modification watermark, scanning all records")
		return d.local.QueryAll(ctx, et.Name)
	}
	return d.local.QueryModifiedSince(ctx, et.Name, since)
}

// RemoteChanges returns remote records modified after since. It asks the
// remote store to filter server-side first and falls back to fetching all
// records and comparing creation timestamps client-side when the filter
// formula is rejected. The fallback misses pure updates that leave the
// creation timestamp untouched.
func (d *Detector) RemoteChanges(ctx context.Context, et EntityType, since time.Time) ([]airtable.Record, error) {
	filter := fmt.Sprintf("IS_AFTER({%s}, '%s')", et.RemoteModifiedField, since.UTC().Format(time.RFC3339))
	records, err := d.remote.ListRecords(ctx, et.RemoteTable, airtable.ListOptions{Filter: filter})
	if err == nil {
		return records, nil
	}
	if !airtable.IsInvalidFormula(err) {
		return nil, fmt.Errorf("failed to list remote changes: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"entity_type": et.Name,
		"filter":      filter,
	}).Warn("Remote filter rejected, falling back to creation-time comparison")

	all, err := d.remote.ListRecords(ctx, et.RemoteTable, airtable.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list remote records for fallback: %w", err)
	}

	var changed []airtable.Record
	for _, rec := range all {
		created, parseErr := time.Parse(time.RFC3339, rec.CreatedTime)
		if parseErr != nil {
			continue
		}
		if created.After(since) {
			changed = append(changed, rec)
		}
	}
	return changed, nil
}
