package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

// RecordChangeChannel is the NOTIFY channel the crm_records trigger writes to.
const RecordChangeChannel = "crmsync_record_change"

// ChangeNotification is the payload of one record-change notification.
type ChangeNotification struct {
	EntityType string `json:"entity_type"`
	RecordID   int64  `json:"record_id"`
	Op         string `json:"op"` // insert, update or delete
}

// SetupListen sets up PostgreSQL LISTEN for record-change notifications on a
// dedicated connection. LISTEN is session-scoped, so the connection must stay
// out of the pool.
func SetupListen(ctx context.Context, pool PgxPoolIface, channel string) (*pgx.Conn, error) {
	// Get DSN from the pool config
	config := pool.Config()
	dsn := config.ConnString()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create LISTEN connection: %w", err)
	}

	_, err = conn.Exec(ctx, "LISTEN "+channel)
	if err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to setup LISTEN: %w", err)
	}

	logrus.WithField("channel", channel).Info("PostgreSQL LISTEN setup successfully")
	return conn, nil
}

// ListenForChanges consumes record-change notifications until ctx is done,
// reopening the listening connection after it drops.
func ListenForChanges(ctx context.Context, pool PgxPoolIface, handle func(ChangeNotification)) {
	for ctx.Err() == nil {
		conn, err := SetupListen(ctx, pool, RecordChangeChannel)
		if err != nil {
			logrus.WithError(err).Error("Failed to open record-change listener")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		consumeNotifications(ctx, conn, handle)
		conn.Close(context.Background())
	}
}

func consumeNotifications(ctx context.Context, conn *pgx.Conn, handle func(ChangeNotification)) {
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logrus.WithError(err).Warn("Record-change listener lost its connection")
			}
			return
		}

		change, err := parseChangeNotification([]byte(notification.Payload))
		if err != nil {
			logrus.WithError(err).WithField("payload", notification.Payload).
				Warn("Ignoring malformed change notification")
			continue
		}
		handle(change)
	}
}

func parseChangeNotification(payload []byte) (ChangeNotification, error) {
	var change ChangeNotification
	if err := json.Unmarshal(payload, &change); err != nil {
		return change, err
	}
	if change.EntityType == "" {
		return change, fmt.Errorf("notification without entity_type")
	}
	return change, nil
}
