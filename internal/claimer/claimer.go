// Package claimer implements the queue claimer (C5): the atomic claim
// statements that mark job rows in-flight and return their execution
// metadata in a single round trip. The SQL text here is a verbatim part of
// the external database contract and must not be reworded.
package claimer

import (
	"context"

	"github.com/pgdbmsjob/pgdbmsjobd/internal/dbgateway"
	"github.com/pgdbmsjob/pgdbmsjobd/internal/model"
)

const scheduledClaimSQL = `
UPDATE all_scheduled_jobs
   SET this_date = current_timestamp,
       next_date = get_next_date(interval),
       instance  = instance + 1
 WHERE interval IS NOT NULL
   AND NOT broken
   AND this_date IS NULL
   AND next_date <= current_timestamp
RETURNING job, what, log_user, schema_user`

const asyncClaimAsyncTableSQL = `
UPDATE all_async_jobs SET this_date = current_timestamp
 WHERE this_date IS NULL
RETURNING job, what, log_user, schema_user`

const asyncClaimOneShotScheduledSQL = `
UPDATE all_scheduled_jobs SET this_date = current_timestamp
 WHERE this_date IS NULL AND interval IS NULL
   AND next_date <= current_timestamp
RETURNING job, what, log_user, schema_user`

// rowScanner is satisfied by both pgx.Row and pgx.Rows, so a single scanJob
// helper serves single-row and multi-row call sites alike.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner, kind model.Kind) (model.Job, error) {
	var j model.Job
	j.Kind = kind
	if err := r.Scan(&j.ID, &j.What, &j.LogUser, &j.SchemaUser); err != nil {
		return model.Job{}, err
	}
	return j, nil
}

// ClaimScheduled runs the recurring-job claim statement and
// returns every row it claimed this tick. Any statement failure is returned
// as a *dbgateway.RetryableError — the caller invalidates the session and
// treats the tick's claim as empty.
func ClaimScheduled(ctx context.Context, s *dbgateway.Session) ([]model.Job, error) {
	rows, err := s.Conn.Query(ctx, scheduledClaimSQL)
	if err != nil {
		return nil, &dbgateway.RetryableError{Err: err}
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows, model.KindScheduled)
		if err != nil {
			return nil, &dbgateway.RetryableError{Err: err}
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, &dbgateway.RetryableError{Err: err}
	}
	return jobs, nil
}

// ClaimAsync runs both statements behind the async claim: the
// dedicated async-jobs table, then the one-shot entries parked in
// all_scheduled_jobs with a null interval, appended into one slice in that
// order. Rows are not de-duplicated: a job id claimed from both tables
// appears twice.
func ClaimAsync(ctx context.Context, s *dbgateway.Session) ([]model.Job, error) {
	var jobs []model.Job

	asyncRows, err := s.Conn.Query(ctx, asyncClaimAsyncTableSQL)
	if err != nil {
		return nil, &dbgateway.RetryableError{Err: err}
	}
	for asyncRows.Next() {
		j, err := scanJob(asyncRows, model.KindAsync)
		if err != nil {
			asyncRows.Close()
			return nil, &dbgateway.RetryableError{Err: err}
		}
		jobs = append(jobs, j)
	}
	rowsErr := asyncRows.Err()
	asyncRows.Close()
	if rowsErr != nil {
		return nil, &dbgateway.RetryableError{Err: rowsErr}
	}

	oneShotRows, err := s.Conn.Query(ctx, asyncClaimOneShotScheduledSQL)
	if err != nil {
		return nil, &dbgateway.RetryableError{Err: err}
	}
	for oneShotRows.Next() {
		j, err := scanJob(oneShotRows, model.KindAsync)
		if err != nil {
			oneShotRows.Close()
			return nil, &dbgateway.RetryableError{Err: err}
		}
		jobs = append(jobs, j)
	}
	rowsErr = oneShotRows.Err()
	oneShotRows.Close()
	if rowsErr != nil {
		return nil, &dbgateway.RetryableError{Err: rowsErr}
	}

	return jobs, nil
}
