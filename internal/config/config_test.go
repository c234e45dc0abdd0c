package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pgdbmsjob/pgdbmsjobd/internal/config"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pg_dbms_job.conf")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeFile(t, "# empty\n")
	store, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg, db := store.Snapshot()
	if cfg.JobQueueProcesses != 100000 {
		t.Fatalf("expected default job_queue_processes=100000, got %d", cfg.JobQueueProcesses)
	}
	if db.Port != 5432 {
		t.Fatalf("expected default port=5432, got %d", db.Port)
	}
}

func TestLoad_MissingFileIsFatal(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.conf"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	var mfe *config.MissingFileError
	if !asMissingFile(err, &mfe) {
		t.Fatalf("expected MissingFileError, got %T: %v", err, err)
	}
}

func asMissingFile(err error, target **config.MissingFileError) bool {
	if e, ok := err.(*config.MissingFileError); ok {
		*target = e
		return true
	}
	return false
}

func TestLoad_ParsesKnownKeys(t *testing.T) {
	path := writeFile(t, `
host = db.internal
database=scheduler
user = svc
passwd=secret
port = 6543
job_queue_interval=1.5
job_queue_processes=4
nap_time=0.25
debug=1
`)
	store, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg, db := store.Snapshot()
	if db.Host != "db.internal" || db.Database != "scheduler" || db.User != "svc" || db.Passwd != "secret" {
		t.Fatalf("unexpected DbInfo: %+v", db)
	}
	if db.Port != 6543 {
		t.Fatalf("expected port=6543, got %d", db.Port)
	}
	if cfg.JobQueueInterval != 1500*time.Millisecond {
		t.Fatalf("expected job_queue_interval=1.5s, got %v", cfg.JobQueueInterval)
	}
	if cfg.JobQueueProcesses != 4 {
		t.Fatalf("expected job_queue_processes=4, got %d", cfg.JobQueueProcesses)
	}
	if !cfg.Debug {
		t.Fatal("expected debug=true")
	}
}

func TestReload_RejectsInvalidAndRetainsPrior(t *testing.T) {
	path := writeFile(t, "port=5432\njob_queue_interval=1\n")
	store, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := os.WriteFile(path, []byte("port=0\njob_queue_interval=-1\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	_, rejected, err := store.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(rejected) != 2 {
		t.Fatalf("expected 2 rejected keys, got %d: %+v", len(rejected), rejected)
	}

	cfg, db := store.Snapshot()
	if db.Port != 5432 {
		t.Fatalf("expected port retained at 5432, got %d", db.Port)
	}
	if cfg.JobQueueInterval != time.Second {
		t.Fatalf("expected job_queue_interval retained at 1s, got %v", cfg.JobQueueInterval)
	}
}

func TestReload_LogfileAppliedFirstAndOnlyLogsOnChange(t *testing.T) {
	path := writeFile(t, "logfile=/tmp/a.log\n")
	store, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var hookCalls []string
	store.SetLogFileChangeHook(func(newPath string) {
		hookCalls = append(hookCalls, newPath)
	})

	if err := os.WriteFile(path, []byte("logfile=/tmp/b.log\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	transitions, _, err := store.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(hookCalls) != 1 || hookCalls[0] != "/tmp/b.log" {
		t.Fatalf("expected logfile hook called once with /tmp/b.log, got %+v", hookCalls)
	}
	foundLogfile := false
	for _, tr := range transitions {
		if tr.Key == "logfile" {
			foundLogfile = true
		}
	}
	if !foundLogfile {
		t.Fatalf("expected a logfile transition, got %+v", transitions)
	}

	// Reloading the same file again with the same value must not re-fire.
	transitions, _, err = store.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	for _, tr := range transitions {
		if tr.Key == "logfile" {
			t.Fatalf("expected no logfile transition on idempotent reload, got %+v", transitions)
		}
	}
	if len(hookCalls) != 1 {
		t.Fatalf("expected hook still called exactly once, got %d", len(hookCalls))
	}
}

func TestReload_MissingFileIsNoFatalError(t *testing.T) {
	path := writeFile(t, "port=5432\n")
	store, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove config: %v", err)
	}
	_, _, err = store.Reload()
	if err == nil {
		t.Fatal("expected error when config file vanishes before reload")
	}
	var mfe *config.MissingFileError
	if !asMissingFile(err, &mfe) {
		t.Fatalf("expected MissingFileError, got %T: %v", err, err)
	}
	cfg, _ := store.Snapshot()
	if cfg.JobQueueProcesses != 100000 {
		t.Fatalf("expected config unchanged after missing-file reload, got %+v", cfg)
	}
}
