// Package storage provides the PostgreSQL storage layer for Montecast.
//
// It manages connection pooling (via pgxpool through PgBouncer), a
// dedicated connection for LISTEN/NOTIFY (direct to Postgres), and query
// methods for the simulation job queue and result store.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/montecast-ai/montecast/internal/telemetry"
)

// DB holds a pgxpool.Pool for queries against the job queue and result
// store, plus an optional dedicated pgx.Conn for LISTEN/NOTIFY.
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
}

// New opens the connection pool and verifies connectivity.
// poolDSN may point at PgBouncer; notifyDSN must point directly at
// Postgres because LISTEN does not survive transaction pooling. An empty
// notifyDSN disables notifications and workers fall back to polling.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	pool, err := pgxpool.New(ctx, poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	return &DB{
		pool:       pool,
		notifyConn: notifyConn,
		logger:     logger,
	}, nil
}

// Pool exposes the underlying pool for callers that need raw SQL access,
// such as the queue depth gauge and integration test fixtures.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HasNotifyConn reports whether a LISTEN/NOTIFY connection is available.
func (db *DB) HasNotifyConn() bool {
	return db.notifyConn != nil
}

// RegisterPoolMetrics exposes connection pool statistics as OTEL gauges.
// Call once after telemetry.Init; a no-op meter makes this free when OTEL
// is not configured.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("montecast/storage")

	_, _ = meter.Int64ObservableGauge("montecast.db.connections.total",
		metric.WithDescription("Total connections in the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().TotalConns()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("montecast.db.connections.idle",
		metric.WithDescription("Idle connections in the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().IdleConns()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("montecast.db.connections.acquired",
		metric.WithDescription("Connections currently checked out"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().AcquiredConns()))
			return nil
		}),
	)
}

// Ping checks database connectivity; the readiness probe calls it on
// every request.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close releases the pool and the notify connection, if one was opened.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}
