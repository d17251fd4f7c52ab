// Package migrations provides migration testing for the crmsync schema.
package migrations

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestNewMigrator tests that each call builds a fresh migrator instance
func TestNewMigrator(t *testing.T) {
	m1, err := newMigrator()
	require.NoError(t, err, "Should create migrator instance")
	require.NotNil(t, m1)

	m2, err := newMigrator()
	require.NoError(t, err, "Should create migrator instance again")
	require.NotNil(t, m2)
	assert.NotSame(t, m1, m2, "Migrator instances should be independent")
}

func setupTestDatabase(t *testing.T) *pgx.Conn {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("crmsync_test"),
		postgres.WithUsername("crmsync"),
		postgres.WithPassword("crmsync"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "Should start PostgreSQL container")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err, "Should connect to test database")
	t.Cleanup(func() { _ = conn.Close(ctx) })
	return conn
}

// TestMigrationWithRealDatabase tests migration against a real database
func TestMigrationWithRealDatabase(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping real database migration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestDatabase(t)

	needUpgrade, err := NeedsUpgrade(ctx, conn)
	require.NoError(t, err, "Should check migration status")
	assert.True(t, needUpgrade, "Fresh database should need migration")

	err = Apply(ctx, conn)
	require.NoError(t, err, "Should apply migrations successfully")

	tables := []string{"crm_records", "sync_state", "sync_failures", "sync_job_runs"}
	for _, table := range tables {
		var exists bool
		err = conn.QueryRow(ctx, "SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)", table).Scan(&exists)
		require.NoError(t, err, "Should check if %s table exists", table)
		assert.True(t, exists, "%s table should exist after migration", table)
	}

	needUpgrade, err = NeedsUpgrade(ctx, conn)
	require.NoError(t, err, "Should re-check migration status")
	assert.False(t, needUpgrade, "Migrated database should not need upgrade")
}

// TestMigrationIsIdempotent tests that applying twice is a no-op
func TestMigrationIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping real database migration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestDatabase(t)

	require.NoError(t, Apply(ctx, conn))
	require.NoError(t, Apply(ctx, conn), "Second apply should be a no-op")
}

// TestRecordChangeNotifyTrigger tests that writes to crm_records broadcast a
// JSON notification on the record-change channel
func TestRecordChangeNotifyTrigger(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping real database migration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestDatabase(t)
	require.NoError(t, Apply(ctx, conn))

	_, err := conn.Exec(ctx, "LISTEN crmsync_record_change")
	require.NoError(t, err)

	_, err = conn.Exec(ctx,
		"INSERT INTO crm_records (entity_type, fields) VALUES ($1, $2)",
		"retreat_events", `{"name":"spring retreat"}`)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	notification, err := conn.WaitForNotification(waitCtx)
	require.NoError(t, err, "Insert should produce a notification")
	assert.Equal(t, "crmsync_record_change", notification.Channel)

	var payload struct {
		EntityType string `json:"entity_type"`
		RecordID   int64  `json:"record_id"`
		Op         string `json:"op"`
	}
	require.NoError(t, json.Unmarshal([]byte(notification.Payload), &payload))
	assert.Equal(t, "retreat_events", payload.EntityType)
	assert.Equal(t, "insert", payload.Op)
	assert.Positive(t, payload.RecordID)
}

// TestRemoteIDUniqueness tests the constraint backing remote id idempotency
func TestRemoteIDUniqueness(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping real database migration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestDatabase(t)
	require.NoError(t, Apply(ctx, conn))

	_, err := conn.Exec(ctx,
		"INSERT INTO crm_records (entity_type, fields, remote_id) VALUES ($1, $2, $3)",
		"revenue_streams", `{"name":"consulting"}`, "rec001")
	require.NoError(t, err)

	_, err = conn.Exec(ctx,
		"INSERT INTO crm_records (entity_type, fields, remote_id) VALUES ($1, $2, $3)",
		"revenue_streams", `{"name":"duplicate"}`, "rec001")
	assert.Error(t, err, "Duplicate remote_id within an entity type should be rejected")

	// Same remote_id under a different entity type is fine
	_, err = conn.Exec(ctx,
		"INSERT INTO crm_records (entity_type, fields, remote_id) VALUES ($1, $2, $3)",
		"ai_agents", `{"agent_name":"scout"}`, "rec001")
	assert.NoError(t, err)
}
