// Package config implements the daemon's config store (C1): a line-oriented
// key=value file, hot-reloadable via SIGHUP, read-mostly everywhere else.
//
// The file grammar itself (tokenizing "key=value", "#" comments, blank lines)
// is explicitly out-of-scope collaborator machinery per the external
// interfaces contract; it is a small bufio.Scanner loop, not a third-party
// parser, because nothing in the example pack targets this exact grammar.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pgdbmsjob/pgdbmsjobd/internal/model"
)

// MissingFileError marks a config file that could not be opened. At first
// load this is fatal; on reload it is logged and treated as a no-op.
type MissingFileError struct {
	Path string
	Err  error
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("config file %s: %v", e.Path, e.Err)
}

func (e *MissingFileError) Unwrap() error { return e.Err }

// Transition describes one key whose value changed during a reload, for the
// "log only on change" rule.
type Transition struct {
	Key      string
	OldValue string
	NewValue string
}

// RejectedKey describes one key whose new value failed validation and was
// retained at its prior value.
type RejectedKey struct {
	Key   string
	Value string
	Err   error
}

// Store owns the current Config/DbInfo and the file path they were loaded
// from. All mutation happens through Reload; reads take a read lock.
type Store struct {
	mu       sync.RWMutex
	path     string
	cfg      model.Config
	db       model.DbInfo
	validate *validator.Validate

	// onLogFileChange is invoked synchronously, before any other key is
	// applied, whenever the logfile key's value changes during a reload —
	// this is what lets "logfile applied first" actually redirect subsequent
	// reload log lines to the new sink.
	onLogFileChange func(newPath string)
}

// Load reads path for the first time. A missing or unreadable file is fatal
// at startup.
func Load(path string) (*Store, error) {
	s := &Store{
		path:     path,
		cfg:      model.DefaultConfig(),
		db:       model.DefaultDbInfo(),
		validate: validator.New(),
	}
	raw, err := readKV(path)
	if err != nil {
		return nil, &MissingFileError{Path: path, Err: err}
	}
	applyAll(&s.cfg, &s.db, raw, s.validate)
	return s, nil
}

// SetLogFileChangeHook registers the callback invoked when the logfile key's
// value changes during a reload.
func (s *Store) SetLogFileChangeHook(fn func(newPath string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLogFileChange = fn
}

// Snapshot returns a copy of the current Config and DbInfo, safe to read
// without holding any lock afterward.
func (s *Store) Snapshot() (model.Config, model.DbInfo) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.db
}

// Path returns the file path the store was (most recently) loaded from.
func (s *Store) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// Reload re-reads the config file and applies each recognized key whose new
// value validates, logging transitions only on change. Unknown keys are
// ignored. Keys whose new value fails validation are reported as Rejected
// and keep their prior value. A missing file on reload is reported via
// MissingFileError; the caller logs it and otherwise treats it as a no-op.
func (s *Store) Reload() ([]Transition, []RejectedKey, error) {
	raw, err := readKV(s.path)
	if err != nil {
		return nil, nil, &MissingFileError{Path: s.path, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var transitions []Transition
	var rejected []RejectedKey

	// logfile is applied first so any log lines this reload itself emits
	// (transitions, rejections logged by the caller) already go to the new
	// sink.
	if v, ok := raw["logfile"]; ok && v != s.cfg.LogFile {
		old := s.cfg.LogFile
		s.cfg.LogFile = v
		transitions = append(transitions, Transition{Key: "logfile", OldValue: old, NewValue: v})
		if s.onLogFileChange != nil {
			s.onLogFileChange(v)
		}
	}

	newCfg := s.cfg
	newDB := s.db
	apply := func(key string, assign func(string) error) {
		v, ok := raw[key]
		if !ok {
			return
		}
		before := fieldString(s.cfg, s.db, key)
		if err := assign(v); err != nil {
			rejected = append(rejected, RejectedKey{Key: key, Value: v, Err: err})
			return
		}
		after := fieldString(newCfg, newDB, key)
		if before != after {
			transitions = append(transitions, Transition{Key: key, OldValue: before, NewValue: after})
		}
	}

	apply("pidfile", func(v string) error { newCfg.PidFile = v; return nil })
	apply("log_truncate_on_rotation", func(v string) error {
		b, err := parseBool(v)
		if err != nil {
			return err
		}
		newCfg.LogTruncateOnRotation = b
		return nil
	})
	apply("debug", func(v string) error {
		b, err := parseBool(v)
		if err != nil {
			return err
		}
		newCfg.Debug = b
		return nil
	})
	apply("job_queue_interval", func(v string) error {
		d, err := parsePositiveSeconds(s.validate, v)
		if err != nil {
			return err
		}
		newCfg.JobQueueInterval = d
		return nil
	})
	apply("job_queue_processes", func(v string) error {
		n, err := parsePositiveInt(s.validate, v)
		if err != nil {
			return err
		}
		newCfg.JobQueueProcesses = n
		return nil
	})
	apply("nap_time", func(v string) error {
		d, err := parsePositiveSeconds(s.validate, v)
		if err != nil {
			return err
		}
		newCfg.NapTime = d
		return nil
	})
	apply("startup_delay", func(v string) error {
		d, err := parseNonNegativeSeconds(s.validate, v)
		if err != nil {
			return err
		}
		newCfg.StartupDelay = d
		return nil
	})
	apply("error_delay", func(v string) error {
		d, err := parseNonNegativeSeconds(s.validate, v)
		if err != nil {
			return err
		}
		newCfg.ErrorDelay = d
		return nil
	})
	apply("host", func(v string) error { newDB.Host = v; return nil })
	apply("database", func(v string) error { newDB.Database = v; return nil })
	apply("user", func(v string) error { newDB.User = v; return nil })
	apply("passwd", func(v string) error { newDB.Passwd = v; return nil })
	apply("port", func(v string) error {
		p, err := parsePort(s.validate, v)
		if err != nil {
			return err
		}
		newDB.Port = p
		return nil
	})

	s.cfg = newCfg
	s.db = newDB
	return transitions, rejected, nil
}

func readKV(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		out[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func applyAll(cfg *model.Config, db *model.DbInfo, raw map[string]string, v *validator.Validate) {
	if val, ok := raw["logfile"]; ok {
		cfg.LogFile = val
	}
	if val, ok := raw["pidfile"]; ok {
		cfg.PidFile = val
	}
	if val, ok := raw["log_truncate_on_rotation"]; ok {
		if b, err := parseBool(val); err == nil {
			cfg.LogTruncateOnRotation = b
		}
	}
	if val, ok := raw["debug"]; ok {
		if b, err := parseBool(val); err == nil {
			cfg.Debug = b
		}
	}
	if val, ok := raw["job_queue_interval"]; ok {
		if d, err := parsePositiveSeconds(v, val); err == nil {
			cfg.JobQueueInterval = d
		}
	}
	if val, ok := raw["job_queue_processes"]; ok {
		if n, err := parsePositiveInt(v, val); err == nil {
			cfg.JobQueueProcesses = n
		}
	}
	if val, ok := raw["nap_time"]; ok {
		if d, err := parsePositiveSeconds(v, val); err == nil {
			cfg.NapTime = d
		}
	}
	if val, ok := raw["startup_delay"]; ok {
		if d, err := parseNonNegativeSeconds(v, val); err == nil {
			cfg.StartupDelay = d
		}
	}
	if val, ok := raw["error_delay"]; ok {
		if d, err := parseNonNegativeSeconds(v, val); err == nil {
			cfg.ErrorDelay = d
		}
	}
	if val, ok := raw["host"]; ok {
		db.Host = val
	}
	if val, ok := raw["database"]; ok {
		db.Database = val
	}
	if val, ok := raw["user"]; ok {
		db.User = val
	}
	if val, ok := raw["passwd"]; ok {
		db.Passwd = val
	}
	if val, ok := raw["port"]; ok {
		if p, err := parsePort(v, val); err == nil {
			db.Port = p
		}
	}
}

func parseBool(v string) (bool, error) {
	switch v {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, fmt.Errorf("expected 0 or 1, got %q", v)
	}
}

func parsePositiveSeconds(v *validator.Validate, raw string) (time.Duration, error) {
	return parseSeconds(v, raw, "gt=0")
}

func parseNonNegativeSeconds(v *validator.Validate, raw string) (time.Duration, error) {
	return parseSeconds(v, raw, "gte=0")
}

func parseSeconds(v *validator.Validate, raw string, rule string) (time.Duration, error) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %w", err)
	}
	if err := v.Var(f, rule); err != nil {
		return 0, fmt.Errorf("out of range: %w", err)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func parsePositiveInt(v *validator.Validate, raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %w", err)
	}
	if err := v.Var(n, "gt=0"); err != nil {
		return 0, fmt.Errorf("out of range: %w", err)
	}
	return n, nil
}

func parsePort(v *validator.Validate, raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %w", err)
	}
	if err := v.Var(n, "gte=1,lte=65535"); err != nil {
		return 0, fmt.Errorf("out of range: %w", err)
	}
	return n, nil
}

// fieldString renders the current value of a recognized key as a string, for
// before/after transition comparison. Unrecognized keys return "".
func fieldString(cfg model.Config, db model.DbInfo, key string) string {
	switch key {
	case "pidfile":
		return cfg.PidFile
	case "logfile":
		return cfg.LogFile
	case "log_truncate_on_rotation":
		return strconv.FormatBool(cfg.LogTruncateOnRotation)
	case "debug":
		return strconv.FormatBool(cfg.Debug)
	case "job_queue_interval":
		return cfg.JobQueueInterval.String()
	case "job_queue_processes":
		return strconv.Itoa(cfg.JobQueueProcesses)
	case "nap_time":
		return cfg.NapTime.String()
	case "startup_delay":
		return cfg.StartupDelay.String()
	case "error_delay":
		return cfg.ErrorDelay.String()
	case "host":
		return db.Host
	case "database":
		return db.Database
	case "user":
		return db.User
	case "passwd":
		return db.Passwd
	case "port":
		return strconv.Itoa(db.Port)
	default:
		return ""
	}
}
