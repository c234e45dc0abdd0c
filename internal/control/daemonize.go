package control

import (
	"os"
	"os/exec"
	"syscall"
)

// daemonizedEnvVar marks the re-executed child so it knows not to fork
// again. Go has no fork(2) equivalent that safely preserves a running
// runtime, so daemonizing here re-executes the same binary with the same
// arguments in a new session (Setsid).
const daemonizedEnvVar = "PG_DBMS_JOB_DAEMONIZED"

// IsDaemonizedChild reports whether this process is already the re-executed
// daemon child (set by Daemonize in the parent before it exits).
func IsDaemonizedChild() bool {
	return os.Getenv(daemonizedEnvVar) == "1"
}

// Daemonize re-execs the current binary with the same arguments into a new
// session, with stdin and stdout redirected to the null device; stderr is
// inherited so pre-logger failures in the child remain visible to an init
// supervisor. The parent's caller should exit immediately after
// this returns successfully.
func Daemonize() error {
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonizedEnvVar+"=1")
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd.Start()
}
