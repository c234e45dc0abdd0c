// Package model holds the runtime data types shared across the daemon's
// components: tunables (Config, DbInfo), the unit of work (Job), a live
// worker's identity (WorkerHandle), and the event loop's own state (LoopState).
package model

import "time"

// Config holds every tunable read from the config file. Mutated only by the
// reload path; read everywhere else.
type Config struct {
	Debug                 bool
	PidFile               string
	LogFile               string
	LogTruncateOnRotation bool
	JobQueueInterval      time.Duration
	JobQueueProcesses     int
	NapTime               time.Duration
	StartupDelay          time.Duration
	ErrorDelay            time.Duration
}

// DefaultConfig mirrors the original daemon's compiled-in defaults.
func DefaultConfig() Config {
	return Config{
		Debug:                 false,
		PidFile:               "/tmp/pg_dbms_job.pid",
		LogFile:               "",
		LogTruncateOnRotation: false,
		JobQueueInterval:      500 * time.Millisecond,
		JobQueueProcesses:     100000,
		NapTime:               100 * time.Millisecond,
		StartupDelay:          10 * time.Second,
		ErrorDelay:            10 * time.Second,
	}
}

// DbInfo holds the connection parameters used to build the DSN for both the
// main session and every worker session.
type DbInfo struct {
	Host     string
	Database string
	User     string
	Passwd   string
	Port     int
}

// DefaultDbInfo mirrors the original daemon's compiled-in connection defaults.
func DefaultDbInfo() DbInfo {
	return DbInfo{
		Host:     "localhost",
		Database: "",
		User:     "",
		Passwd:   "",
		Port:     5432,
	}
}

// Kind distinguishes the two job families.
type Kind int

const (
	KindScheduled Kind = iota
	KindAsync
)

func (k Kind) String() string {
	if k == KindScheduled {
		return "scheduled"
	}
	return "async"
}

// Job is the unit of work handed from the queue claimer to the pool manager.
// It is created when claimed and discarded once the worker that ran it exits.
type Job struct {
	ID         int64
	What       string
	LogUser    *string
	SchemaUser *string
	Kind       Kind
}

// WorkerHandle is an opaque identifier for a live worker plus its completion
// signal. It lives from spawn to reap.
type WorkerHandle struct {
	ID      string
	Job     Job
	Done    <-chan struct{}
	started time.Time
}

// NewWorkerHandle records the spawn time so the pool manager can report age.
func NewWorkerHandle(id string, job Job, done <-chan struct{}) WorkerHandle {
	return WorkerHandle{ID: id, Job: job, Done: done, started: time.Now()}
}

// Age reports how long the worker has been running.
func (w WorkerHandle) Age() time.Duration { return time.Since(w.started) }

// LoopState is the event loop's own mutable state, touched only by the loop
// goroutine itself — never shared with workers.
type LoopState struct {
	Workers            map[string]WorkerHandle
	ClaimedScheduled    map[int64]Job
	ClaimedAsync        map[int64]Job
	LastAsyncPoll       time.Time
	LastScheduledPoll   time.Time
	Startup             bool
	SessionInvalidated  bool
}

// NewLoopState returns a LoopState ready for the first tick: empty worker and
// claim sets, startup forced true so both queues are swept unconditionally.
func NewLoopState() *LoopState {
	now := time.Now()
	return &LoopState{
		Workers:           make(map[string]WorkerHandle),
		ClaimedScheduled:  make(map[int64]Job),
		ClaimedAsync:      make(map[int64]Job),
		LastAsyncPoll:     now,
		LastScheduledPoll: now,
		Startup:           true,
	}
}
