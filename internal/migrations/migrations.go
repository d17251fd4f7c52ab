// Package migrations contains database migration definitions and functionality for crmsync.
package migrations

import (
	"context"
	"fmt"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_tables",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				// Create all tables and indexes in a single transaction
				_, err := tx.Exec(ctx, `
					-- Generic entity storage: one row per CRM record, fields as jsonb
					CREATE TABLE crm_records (
						entity_type text NOT NULL,
						id bigserial NOT NULL,
						fields jsonb NOT NULL DEFAULT '{}',
						remote_id text,
						created_at timestamp with time zone NOT NULL DEFAULT now(),
						updated_at timestamp with time zone NOT NULL DEFAULT now(),
						PRIMARY KEY(entity_type, id),
						UNIQUE(entity_type, remote_id)
					);

					-- Sync watermarks, one row per (entity_type, direction)
					CREATE TABLE sync_state (
						entity_type text NOT NULL,
						direction text NOT NULL,
						last_synced_at timestamp with time zone,
						PRIMARY KEY(entity_type, direction)
					);

					-- Per-record failures kept for inspection and retry
					CREATE TABLE sync_failures (
						id serial PRIMARY KEY,
						ts timestamp with time zone NOT NULL DEFAULT now(),
						entity_type text NOT NULL,
						record_id text NOT NULL,
						direction text NOT NULL,
						error text NOT NULL
					);

					-- Scheduler job run history
					CREATE TABLE sync_job_runs (
						id serial PRIMARY KEY,
						job_name text NOT NULL,
						started_at timestamp with time zone NOT NULL,
						finished_at timestamp with time zone,
						status text NOT NULL,
						detail text
					);

					-- Performance indexes
					CREATE INDEX idx_crm_records_updated ON crm_records(entity_type, updated_at);
					CREATE INDEX idx_sync_failures_entity ON sync_failures(entity_type, record_id);
					CREATE INDEX idx_sync_job_runs_job ON sync_job_runs(job_name, started_at DESC);
				`)
				return err
			},
		},
		&migrator.Migration{
			Name: "002_record_change_notify",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				// Broadcast local record changes so the event bridge reacts
				// without polling
				_, err := tx.Exec(ctx, `
					CREATE OR REPLACE FUNCTION crm_records_notify() RETURNS trigger AS $$
					DECLARE
						rec record;
					BEGIN
						IF TG_OP = 'DELETE' THEN
							rec := OLD;
						ELSE
							rec := NEW;
						END IF;
						PERFORM pg_notify('crmsync_record_change', json_build_object(
							'entity_type', rec.entity_type,
							'record_id', rec.id,
							'op', lower(TG_OP))::text);
						RETURN rec;
					END;
					$$ LANGUAGE plpgsql;

					CREATE TRIGGER crm_records_notify
						AFTER INSERT OR UPDATE OR DELETE ON crm_records
						FOR EACH ROW EXECUTE FUNCTION crm_records_notify();
				`)
				return err
			},
		},
		// adding new migration here

		// &migrator.Migration{
		// 	Name: "Short description of a migration",
		// 	Func: func(ctx context.Context, tx pgx.Tx) error {
		// 		...
		// 	},
		// },
	)
}

// newMigrator returns a migrator instance for the crmsync schema
func newMigrator() (*migrator.Migrator, error) {
	return migrator.New(
		migrations(),
		migrator.TableName("crmsync_migrations"),
	)
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := newMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	// Apply migrations
	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// NeedsUpgrade checks if the database needs migration
func NeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := newMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}

	// Check if migration is needed
	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}

	return needUpgrade, nil
}
