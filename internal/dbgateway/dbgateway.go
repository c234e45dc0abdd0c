// Package dbgateway implements the DB gateway (C3): opens the daemon's main
// session (binding its application_name, enforcing the single-instance-per-
// database invariant via pg_stat_activity, and subscribing to both
// notification channels) and per-worker sessions (a simpler variant binding
// a job-specific application_name).
//
// Postgres LISTEN/NOTIFY requires a single dedicated connection held for the
// session's lifetime — a pooled connection cannot reliably deliver
// notifications to a particular caller, which is why this gateway works
// directly with *pgx.Conn rather than a pgxpool.Pool, since the main session
// lives for the daemon's entire uptime.
package dbgateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pgdbmsjob/pgdbmsjobd/internal/model"
)

const (
	mainAppName = "pg_dbms_job:main"

	scheduledChannel = "dbms_job_scheduled_notify"
	asyncChannel     = "dbms_job_async_notify"
)

// Session wraps a dedicated Postgres connection bound to a specific
// application_name.
type Session struct {
	Conn    *pgx.Conn
	AppName string
}

// Close releases the underlying connection.
func (s *Session) Close(ctx context.Context) error {
	if s == nil || s.Conn == nil {
		return nil
	}
	return s.Conn.Close(ctx)
}

// Ping satisfies the observability surface's health.Pinger contract.
func (s *Session) Ping(ctx context.Context) error {
	if s == nil || s.Conn == nil {
		return errors.New("no active session")
	}
	return s.Conn.Ping(ctx)
}

func buildDSN(db model.DbInfo) string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=prefer",
		db.Host, db.Port, db.Database, db.User, db.Passwd)
}

// OpenMainSession connects with application_name="pg_dbms_job:main", enforces
// the single-daemon-per-database invariant via pg_stat_activity, and
// subscribes to both notification channels. A duplicate instance is
// reported as a *FatalError; any other failure is a *RetryableError.
func OpenMainSession(ctx context.Context, db model.DbInfo) (*Session, error) {
	conn, err := pgx.Connect(ctx, buildDSN(db))
	if err != nil {
		return nil, &RetryableError{Err: err}
	}

	if _, err := conn.Exec(ctx, "SET application_name = $1", mainAppName); err != nil {
		_ = conn.Close(ctx)
		return nil, &RetryableError{Err: err}
	}

	count, inRecovery, err := countRunningInstances(ctx, conn, db.Database, mainAppName)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, &RetryableError{Err: err}
	}
	if inRecovery {
		_ = conn.Close(ctx)
		return nil, &RetryableError{Err: errors.New("database is in recovery")}
	}
	if count > 1 {
		_ = conn.Close(ctx)
		return nil, &FatalError{Msg: "another pg_dbms_job process is running on this database!"}
	}

	if _, err := conn.Exec(ctx, "LISTEN "+scheduledChannel); err != nil {
		_ = conn.Close(ctx)
		return nil, &RetryableError{Err: err}
	}
	if _, err := conn.Exec(ctx, "LISTEN "+asyncChannel); err != nil {
		_ = conn.Close(ctx)
		return nil, &RetryableError{Err: err}
	}

	return &Session{Conn: conn, AppName: mainAppName}, nil
}

func countRunningInstances(ctx context.Context, conn *pgx.Conn, database, appName string) (count int, inRecovery bool, err error) {
	var n int
	var recovery bool
	err = conn.QueryRow(ctx,
		`SELECT count(*), pg_is_in_recovery() FROM pg_stat_activity WHERE datname = $1 AND application_name = $2 AND pid <> pg_backend_pid()`,
		database, appName,
	).Scan(&n, &recovery)
	if err != nil {
		return 0, false, err
	}
	// The row this very connection would contribute is excluded by pid <>
	// pg_backend_pid(); any remaining row is a second live daemon.
	return n + 1, recovery, nil
}

// OpenWorkerSession connects a fresh session for one job, binding
// application_name to "pg_dbms_job:{scheduled|async}:{jobid}:{uuid}" so
// operators can correlate two historical sessions for the same job id.
func OpenWorkerSession(ctx context.Context, db model.DbInfo, kind model.Kind, jobID int64) (*Session, error) {
	appName := fmt.Sprintf("pg_dbms_job:%s:%d:%s", kind, jobID, uuid.NewString())
	conn, err := pgx.Connect(ctx, buildDSN(db))
	if err != nil {
		return nil, &RetryableError{Err: err}
	}
	if _, err := conn.Exec(ctx, "SET application_name = $1", appName); err != nil {
		_ = conn.Close(ctx)
		return nil, &RetryableError{Err: err}
	}
	return &Session{Conn: conn, AppName: appName}, nil
}

// NotificationCounts buckets pending notifications by channel, matching the
// event loop's a_n/s_n tallies.
type NotificationCounts struct {
	Scheduled int
	Async     int
}

// DrainPending returns immediately once no more notifications are
// immediately available, bucketing counts by channel. It never blocks
// waiting for new work — it is a best-effort snapshot of what already
// arrived, per the "return when no more immediately pending" suspension
// point.
func DrainPending(ctx context.Context, s *Session) (NotificationCounts, error) {
	var counts NotificationCounts
	for {
		drainCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		n, err := s.Conn.WaitForNotification(drainCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return counts, nil
			}
			return counts, &RetryableError{Err: err}
		}
		switch n.Channel {
		case scheduledChannel:
			counts.Scheduled++
		case asyncChannel:
			counts.Async++
		}
	}
}
