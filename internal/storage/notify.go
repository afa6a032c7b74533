package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ChannelJobs is the Postgres LISTEN/NOTIFY channel carrying job
// lifecycle transitions. Payloads are JSON-encoded model.JobEvent values.
const ChannelJobs = "montecast_jobs"

var errNotifyUnconfigured = errors.New("storage: notify connection not configured")

// Listen subscribes the dedicated notify connection to channel.
// Callers should gate on HasNotifyConn first; without a notify DSN this
// always fails.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return errNotifyUnconfigured
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until the next notification on any
// subscribed channel and returns its channel name and payload. Cancel
// ctx to unblock.
func (db *DB) WaitForNotification(ctx context.Context) (string, string, error) {
	if db.notifyConn == nil {
		return "", "", errNotifyUnconfigured
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// Notify publishes payload on channel. It goes through the regular pool
// rather than the notify connection, so it works behind PgBouncer.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
