// Package control implements the control surface (C8): daemonizing,
// pidfile lifecycle, and the signal-send CLI modes (--kill, --immediate,
// --reload).
package control

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// ResolvePid finds the target daemon's pid: first from the pidfile, falling
// back to a `ps` lookup by program name when the pidfile is
// missing or unreadable. Zero or more than one match from `ps` is a fatal
// "could not determine pid" condition.
func ResolvePid(pidfilePath, programName string) (int, error) {
	if pid, err := ReadPid(pidfilePath); err == nil {
		return pid, nil
	}
	return psLookup(programName)
}

func psLookup(programName string) (int, error) {
	out, err := exec.Command("ps", "-opid=", "-C", programName).Output()
	if err != nil {
		return 0, &FatalError{Msg: fmt.Sprintf("could not determine pid: ps lookup failed: %v", err)}
	}
	var pids []int
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	if len(pids) != 1 {
		return 0, &FatalError{Msg: fmt.Sprintf("could not determine pid: ps reported %d matching processes", len(pids))}
	}
	return pids[0], nil
}

// SendSignal resolves the target pid and delivers sig to it.
func SendSignal(pidfilePath, programName string, sig syscall.Signal) error {
	pid, err := ResolvePid(pidfilePath, programName)
	if err != nil {
		return err
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return &FatalError{Msg: fmt.Sprintf("signal %v to pid %d failed: %v", sig, pid, err)}
	}
	return nil
}
