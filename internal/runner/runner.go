// Package runner implements the worker runner (C6): the per-job isolated
// execution protocol of identity switch, transaction, wrap-and-run inside a
// fixed DO-block tag, commit/rollback, and exactly one history row per
// claimed job.
package runner

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pgdbmsjob/pgdbmsjobd/internal/dbgateway"
	"github.com/pgdbmsjob/pgdbmsjobd/internal/model"
)

// doBlockTag is fixed per the external database contract so that
// job bodies using the default $$ quoting survive unescaped.
const doBlockTag = "$pg_dbms_job$"

// IdentityError marks failures of SET ROLE / SET LOCAL search_path — these
// abort the worker without a history row.
type IdentityError struct {
	Err error
}

func (e *IdentityError) Error() string { return fmt.Sprintf("worker identity error: %v", e.Err) }
func (e *IdentityError) Unwrap() error { return e.Err }

// Result reports what happened to one claimed job, for the event loop's own
// logging and metrics; it carries no control-flow meaning back to the loop
// beyond "this worker has finished."
type Result struct {
	Job     model.Job
	Success bool
	SQLErr  error // the DO-block failure, if any
}

// Run executes the full per-job protocol against an already-open worker
// session. claimedAt is the wall-clock time the job was claimed and is
// recorded as req_start_date; actual_start_date is the time the DO block
// started (not the time the worker session was opened), and run_duration
// spans the DO block's execution only. slavePID is a
// synthetic worker identifier recorded in the history row's slave_pid
// column (see design notes: worker isolation model).
func Run(ctx context.Context, s *dbgateway.Session, job model.Job, claimedAt time.Time, slavePID int64) Result {
	if job.LogUser != nil {
		if _, err := s.Conn.Exec(ctx, "SET ROLE "+pgx.Identifier{*job.LogUser}.Sanitize()); err != nil {
			return Result{Job: job, Success: false, SQLErr: &IdentityError{Err: err}}
		}
	}

	if _, err := s.Conn.Exec(ctx, "BEGIN"); err != nil {
		return Result{Job: job, Success: false, SQLErr: &IdentityError{Err: err}}
	}

	if job.SchemaUser != nil {
		if _, err := s.Conn.Exec(ctx, "SET LOCAL search_path TO "+pgx.Identifier{*job.SchemaUser}.Sanitize()); err != nil {
			_, _ = s.Conn.Exec(ctx, "ROLLBACK")
			return Result{Job: job, Success: false, SQLErr: &IdentityError{Err: err}}
		}
	}

	doBlock := fmt.Sprintf(`DO %[1]s
DECLARE
  job       bigint                    := %[2]d;
  next_date timestamp with time zone  := current_timestamp;
  broken    boolean                   := false;
BEGIN
  %[3]s
END;
%[1]s;`, doBlockTag, job.ID, job.What)

	runStart := time.Now()
	_, execErr := s.Conn.Exec(ctx, doBlock)
	runEnd := time.Now()

	if execErr == nil {
		if _, err := s.Conn.Exec(ctx, "COMMIT"); err != nil {
			return Result{Job: job, Success: false, SQLErr: err}
		}
		advanceOnSuccess(ctx, s, job, runStart, runEnd)
		recordHistory(ctx, s, job, claimedAt, runStart, runEnd, slavePID, "", nil, "")
		return Result{Job: job, Success: true}
	}

	_, _ = s.Conn.Exec(ctx, "ROLLBACK")
	sqlstate, errText := classifyPgError(execErr)
	advanceOnFailure(ctx, s, job)
	recordHistory(ctx, s, job, claimedAt, runStart, runEnd, slavePID, "ERROR", errorCodeFrom(sqlstate), fmt.Sprintf("sqlstate=%s, %s", sqlstate, errText))
	return Result{Job: job, Success: false, SQLErr: execErr}
}

// advanceOnSuccess clears the in-flight marker and advances bookkeeping
// after a job body commits successfully.
func advanceOnSuccess(ctx context.Context, s *dbgateway.Session, job model.Job, runStart, runEnd time.Time) {
	if job.Kind == model.KindAsync {
		tag, err := s.Conn.Exec(ctx, "DELETE FROM all_async_jobs WHERE job=$1", job.ID)
		if err == nil && tag.RowsAffected() == 0 {
			_, _ = s.Conn.Exec(ctx, "DELETE FROM all_scheduled_jobs WHERE job=$1", job.ID)
		}
		return
	}
	seconds := int64(runEnd.Sub(runStart).Round(time.Second).Seconds())
	_, _ = s.Conn.Exec(ctx, `
UPDATE all_scheduled_jobs
   SET this_date = NULL,
       last_date = current_timestamp,
       total_time = ($2 || ' seconds')::interval,
       failures = 0,
       instance = instance + 1
 WHERE job = $1`, job.ID, seconds)
}

// advanceOnFailure updates bookkeeping after a job body rolls back. Async
// jobs (and one-shot entries claimed via the async path) are deliberately
// left untouched: this preserves an explicit design decision not to delete
// or reset async rows on failure, rather than guessing at intended cleanup.
func advanceOnFailure(ctx context.Context, s *dbgateway.Session, job model.Job) {
	if job.Kind == model.KindAsync {
		return
	}
	_, _ = s.Conn.Exec(ctx, `
UPDATE all_scheduled_jobs
   SET this_date = NULL,
       failures = failures + 1
 WHERE job = $1`, job.ID)
}

// recordHistory inserts exactly one row into all_scheduler_job_run_details
// per claimed job.
func recordHistory(ctx context.Context, s *dbgateway.Session, job model.Job, claimedAt, runStart, runEnd time.Time, slavePID int64, status string, errorCode *int64, additionalInfo string) {
	runDuration := int64(runEnd.Sub(runStart).Round(time.Second).Seconds())
	owner := ""
	if job.LogUser != nil {
		owner = *job.LogUser
	}
	_, _ = s.Conn.Exec(ctx, `
INSERT INTO all_scheduler_job_run_details
  (owner, job_name, status, error, req_start_date, actual_start_date, run_duration, slave_pid, additional_info)
VALUES ($1, $2, $3, $4, $5, $6, ($7 || ' seconds')::interval, $8, $9)`,
		owner, strconv.FormatInt(job.ID, 10), status, errorCode, claimedAt, runStart, runDuration, slavePID, additionalInfo)
}

// classifyPgError extracts the SQLSTATE and message text from a DO-block
// execution failure.
func classifyPgError(err error) (sqlstate, text string) {
	var pgErr *pgconn.PgError
	if asPgError(err, &pgErr) {
		return pgErr.Code, pgErr.Message
	}
	return "", err.Error()
}

func asPgError(err error, target **pgconn.PgError) bool {
	for err != nil {
		if pe, ok := err.(*pgconn.PgError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// errorCodeFrom converts a SQLSTATE into the history row's bigint `error`
// column. SQLSTATE values are often alphanumeric (e.g. "P0001"), so this
// returns nil (NULL) when the code is not all-digits, preserving the raw
// code in additional_info instead.
func errorCodeFrom(sqlstate string) *int64 {
	if sqlstate == "" {
		return nil
	}
	n, err := strconv.ParseInt(sqlstate, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// SyntheticSlavePID derives a stable, non-negative 31-bit identifier from a
// worker's correlation id for the slave_pid history column, standing in for
// an OS pid since workers here are goroutines, not processes (see
// DESIGN.md's worker isolation model decision).
func SyntheticSlavePID(appName string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(appName))
	return int64(h.Sum32() & 0x7fffffff)
}
