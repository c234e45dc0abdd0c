// Package eventloop implements the event loop (C7): the single-threaded
// orchestrator that combines notifications, timers, and signals, and drives
// C3 (dbgateway), C4 (workerpool), C5 (claimer) and C6 (runner) through one
// tick at a time, in the fixed order reap, reload, invalidate, reconnect,
// drain, claim, spawn, sleep.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pgdbmsjob/pgdbmsjobd/internal/claimer"
	"github.com/pgdbmsjob/pgdbmsjobd/internal/config"
	"github.com/pgdbmsjob/pgdbmsjobd/internal/dbgateway"
	"github.com/pgdbmsjob/pgdbmsjobd/internal/model"
	"github.com/pgdbmsjob/pgdbmsjobd/internal/observability"
	"github.com/pgdbmsjob/pgdbmsjobd/internal/runner"
	"github.com/pgdbmsjob/pgdbmsjobd/internal/workerpool"
)

// Metrics is an alias for the shared collector set built by the
// observability package; a nil *Metrics disables instrumentation entirely.
type Metrics = observability.Metrics

// Loop is the event-loop orchestrator. One Loop drives exactly one database;
// single-daemon-per-database is enforced one layer down, by
// dbgateway.OpenMainSession.
type Loop struct {
	cfgStore *config.Store
	logger   *slog.Logger
	pool     *workerpool.Pool
	metrics  *Metrics

	reloadRequested atomic.Bool
	stopRequested   atomic.Bool

	// session is read by Ping from whatever goroutine serves readiness
	// checks, and written by tick on the loop's own goroutine.
	session atomic.Pointer[dbgateway.Session]
	state   *model.LoopState

	// onPidfileChange is invoked when a reload changes the pidfile path; the
	// control surface (C8) supplies the rename-with-fallback implementation.
	onPidfileChange func(oldPath, newPath string)
}

// New builds a Loop ready to Run. pool may be pre-built with metrics wired;
// onPidfileChange may be nil if pidfile renaming on reload isn't needed
// (e.g. in single-shot mode, which never daemonizes).
func New(cfgStore *config.Store, logger *slog.Logger, pool *workerpool.Pool, metrics *Metrics, onPidfileChange func(oldPath, newPath string)) *Loop {
	return &Loop{
		cfgStore:        cfgStore,
		logger:          logger,
		pool:            pool,
		metrics:         metrics,
		state:           model.NewLoopState(),
		onPidfileChange: onPidfileChange,
	}
}

// Ping satisfies the observability surface's Pinger contract by forwarding to
// whatever session the loop currently holds; between reconnects that session
// is nil, which is reported as down rather than a panic.
func (l *Loop) Ping(ctx context.Context) error {
	sess := l.session.Load()
	if sess == nil {
		return errors.New("no active session")
	}
	return sess.Ping(ctx)
}

// RequestReload marks the loop for a config reload at the top of its next
// tick. The daemon's SIGHUP handler calls this; it never blocks.
func (l *Loop) RequestReload() { l.reloadRequested.Store(true) }

// RequestStop marks the loop to stop taking new work and drain. SIGTERM and
// SIGINT both map to this same path; the distinction between graceful and
// immediate stop is left to the caller's signal handling.
func (l *Loop) RequestStop() { l.stopRequested.Store(true) }

// Run executes ticks until RequestStop is observed or ctx is done, then
// drains every live worker before returning. If singleShot is true, it
// returns (still draining afterward) after the first tick that gets past the
// reconnect step; ticks that fail to open the main session are repeated.
func (l *Loop) Run(ctx context.Context, singleShot bool) error {
	defer func() {
		if sess := l.session.Swap(nil); sess != nil {
			_ = sess.Close(context.Background())
		}
		l.pool.Drain(50 * time.Millisecond)
	}()

	for {
		if ctx.Err() != nil || l.stopRequested.Load() {
			return nil
		}

		tickStart := time.Now()
		cont, err := l.tick(ctx)
		if l.metrics != nil && l.metrics.TickDuration != nil {
			l.metrics.TickDuration.Observe(time.Since(tickStart).Seconds())
		}
		if err != nil {
			return err
		}
		if !cont {
			// A reconnect failure already slept startup_delay inside tick;
			// loop immediately back to the top to re-check stop/reload.
			continue
		}

		if singleShot {
			return nil
		}

		cfg, _ := l.cfgStore.Snapshot()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.NapTime):
		}
	}
}

// tick runs exactly one iteration of the state machine. It returns cont=false
// when the tick short-circuited on a reconnect failure (the caller should
// retry immediately rather than sleep nap_time). A non-nil error is a
// *dbgateway.FatalError the caller must propagate out of Run without
// retrying.
func (l *Loop) tick(ctx context.Context) (cont bool, fatalErr error) {
	l.pool.Reap()

	if l.reloadRequested.CompareAndSwap(true, false) {
		l.handleReload()
	}

	if l.state.SessionInvalidated {
		if sess := l.session.Swap(nil); sess != nil {
			_ = sess.Close(ctx)
		}
		l.state.SessionInvalidated = false
	}

	cfg, db := l.cfgStore.Snapshot()

	sess := l.session.Load()
	if sess == nil {
		var err error
		sess, err = dbgateway.OpenMainSession(ctx, db)
		if err != nil {
			var fatal *dbgateway.FatalError
			if errors.As(err, &fatal) {
				return false, fatal
			}
			l.logger.Error("main session open failed", "error", err)
			if l.metrics != nil && l.metrics.SessionReconnects != nil {
				l.metrics.SessionReconnects.Inc()
			}
			select {
			case <-ctx.Done():
			case <-time.After(cfg.StartupDelay):
			}
			l.state.Startup = true
			return false, nil
		}
		l.session.Store(sess)
		l.state.Startup = true
	}

	counts, err := dbgateway.DrainPending(ctx, sess)
	if err != nil {
		l.logger.Error("notification drain failed", "error", err)
		l.state.SessionInvalidated = true
		return true, nil
	}

	now := time.Now()
	if counts.Async == 0 && !l.state.Startup && now.Sub(l.state.LastAsyncPoll) >= cfg.JobQueueInterval {
		counts.Async = 1
	}
	if counts.Scheduled == 0 && !l.state.Startup && now.Sub(l.state.LastScheduledPoll) >= cfg.JobQueueInterval {
		counts.Scheduled = 1
	}

	var scheduledJobs, asyncJobs []model.Job
	if counts.Scheduled > 0 || l.state.Startup {
		jobs, err := claimer.ClaimScheduled(ctx, sess)
		if err != nil {
			l.logger.Error("scheduled claim failed", "error", err)
			l.state.SessionInvalidated = true
		} else {
			scheduledJobs = jobs
			l.state.LastScheduledPoll = now
		}
	}
	if counts.Async > 0 || l.state.Startup {
		jobs, err := claimer.ClaimAsync(ctx, sess)
		if err != nil {
			l.logger.Error("async claim failed", "error", err)
			l.state.SessionInvalidated = true
		} else {
			asyncJobs = jobs
			l.state.LastAsyncPoll = now
		}
	}

	if l.metrics != nil && l.metrics.ClaimedTotal != nil {
		if len(scheduledJobs) > 0 {
			l.metrics.ClaimedTotal.WithLabelValues("scheduled").Add(float64(len(scheduledJobs)))
		}
		if len(asyncJobs) > 0 {
			l.metrics.ClaimedTotal.WithLabelValues("async").Add(float64(len(asyncJobs)))
		}
	}

	claimedAt := now
	for _, job := range append(append([]model.Job{}, scheduledJobs...), asyncJobs...) {
		l.spawn(ctx, db, cfg, job, claimedAt)
	}

	l.state.Startup = false
	return true, nil
}

// spawn blocks only to enforce backpressure, reaping before checking
// capacity again, then launches one worker.
func (l *Loop) spawn(ctx context.Context, db model.DbInfo, cfg model.Config, job model.Job, claimedAt time.Time) {
	for l.pool.Len() >= cfg.JobQueueProcesses {
		l.logger.Warn("worker pool at capacity, parking", "cap", cfg.JobQueueProcesses)
		time.Sleep(time.Second)
		l.pool.Reap()
	}

	workerID := uuid.NewString()
	l.pool.Spawn(workerID, job, func() {
		sess, err := dbgateway.OpenWorkerSession(ctx, db, job.Kind, job.ID)
		if err != nil {
			l.logger.Error("worker session open failed", "job", job.ID, "kind", job.Kind, "error", err)
			return
		}
		defer func() { _ = sess.Close(context.Background()) }()

		result := runner.Run(ctx, sess, job, claimedAt, runner.SyntheticSlavePID(sess.AppName))
		if !result.Success {
			l.logger.Error("job failed", "job", job.ID, "kind", job.Kind, "error", result.SQLErr)
		} else {
			l.logger.Info("job succeeded", "job", job.ID, "kind", job.Kind)
		}
	})
}

// handleReload re-parses the config file, applies the logfile key first
// (done inside config.Store.Reload via its hook), logs transitions only on
// change, renames the pidfile on a path change, and invalidates the session
// so the next tick reopens it with any new DbInfo.
func (l *Loop) handleReload() {
	if l.metrics != nil && l.metrics.ReloadsTotal != nil {
		l.metrics.ReloadsTotal.Inc()
	}

	oldCfg, _ := l.cfgStore.Snapshot()
	transitions, rejected, err := l.cfgStore.Reload()
	if err != nil {
		l.logger.Error("config reload failed", "error", err)
		return
	}
	for _, t := range transitions {
		l.logger.Info("config reloaded", "key", t.Key, "old", t.OldValue, "new", t.NewValue)
		if t.Key == "pidfile" && l.onPidfileChange != nil {
			l.onPidfileChange(oldCfg.PidFile, t.NewValue)
		}
	}
	for _, r := range rejected {
		l.logger.Error("config value rejected, retaining prior value", "key", r.Key, "value", r.Value, "error", r.Err)
	}
	l.state.SessionInvalidated = true
}
