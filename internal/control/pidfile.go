package control

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FatalError marks a control-surface condition the error taxonomy calls
// "fatal-at-startup": pidfile already exists, pidfile unwritable,
// or a signal mode with no resolvable target pid.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return e.Msg }

// PidFile manages the daemon's single-line ASCII pid file: one line,
// decimal pid, newline-terminated.
type PidFile struct {
	path string
}

// NewPidFile wraps path for lifecycle management.
func NewPidFile(path string) *PidFile { return &PidFile{path: path} }

// Path returns the current pidfile path.
func (p *PidFile) Path() string { return p.path }

// RefuseIfExists returns a *FatalError if the pidfile already exists — the
// daemon must refuse to start before daemonizing.
func (p *PidFile) RefuseIfExists() error {
	if _, err := os.Stat(p.path); err == nil {
		return &FatalError{Msg: fmt.Sprintf("pidfile %s already exists", p.path)}
	}
	return nil
}

// Write records the running daemon's own pid, called after daemonizing.
func (p *PidFile) Write(pid int) error {
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return &FatalError{Msg: fmt.Sprintf("cannot write pidfile %s: %v", p.path, err)}
	}
	return nil
}

// Remove deletes the pidfile. Called only on clean exit — a stale pidfile is
// intentional evidence of an unexpected termination.
func (p *PidFile) Remove() error {
	err := os.Remove(p.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Rename moves the pidfile to newPath, preserving its contents, as part of a
// reload that changed the pidfile config key. On failure the old
// path is kept and the error is returned for the caller to log; the pidfile
// itself is left exactly as it was.
func (p *PidFile) Rename(newPath string) error {
	if err := os.Rename(p.path, newPath); err != nil {
		return err
	}
	p.path = newPath
	return nil
}

// ReadPid reads the pid recorded in the pidfile at path. Returns an error if
// the file is absent, empty, or does not contain a single decimal integer.
func ReadPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("pidfile %s does not contain a decimal pid: %q", path, text)
	}
	return pid, nil
}
