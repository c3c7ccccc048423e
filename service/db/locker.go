package db

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/masssend/service/metrics"
	"github.com/brojonat/masssend/service/transfer"
	"github.com/jackc/pgx/v5/pgxpool"
)

// lockNamespace keeps session locks apart from any other advisory locks
// held against the same database.
const lockNamespace int32 = 0x6d73 // "ms"

const unlockTimeout = 5 * time.Second

// AdvisoryLocker serializes transfers per session across processes using
// Postgres session-level advisory locks. Each held lock pins one pooled
// connection until it is released.
type AdvisoryLocker struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ transfer.SessionLocker = (*AdvisoryLocker)(nil)

// NewAdvisoryLocker creates a locker on pool. m may be nil.
func NewAdvisoryLocker(pool *pgxpool.Pool, m *metrics.Metrics, logger *slog.Logger) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool, metrics: m, logger: logger}
}

// NewPool opens and pings a connection pool.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// TryLock takes the advisory lock for session without waiting. It returns
// transfer.ErrSessionBusy when another holder has it.
func (l *AdvisoryLocker) TryLock(ctx context.Context, session string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	start := time.Now()
	var acquired bool
	err = conn.QueryRow(ctx,
		"SELECT pg_try_advisory_lock($1, hashtext($2))",
		lockNamespace, session,
	).Scan(&acquired)
	l.record("try_advisory_lock", start, err)
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, transfer.ErrSessionBusy
	}

	l.logger.DebugContext(ctx, "session lock acquired", "session", session)

	var once sync.Once
	return func() {
		once.Do(func() { l.release(conn, session) })
	}, nil
}

func (l *AdvisoryLocker) release(conn *pgxpool.Conn, session string) {
	uctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()

	start := time.Now()
	_, err := conn.Exec(uctx,
		"SELECT pg_advisory_unlock($1, hashtext($2))",
		lockNamespace, session,
	)
	l.record("advisory_unlock", start, err)
	if err != nil {
		// The lock dies with the session, so drop the connection
		// instead of returning it to the pool still holding it.
		l.logger.Error("failed to release advisory lock, closing connection",
			"session", session,
			"error", err,
		)
		conn.Conn().Close(uctx)
	}
	conn.Release()
}

func (l *AdvisoryLocker) record(operation string, start time.Time, err error) {
	if l.metrics != nil {
		l.metrics.RecordDBQuery(operation, time.Since(start).Seconds(), err)
	}
}
