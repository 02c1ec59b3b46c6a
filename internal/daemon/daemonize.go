package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// childEnv marks the re-executed background child so it does not daemonize
// again.
const childEnv = "VRDEVICED_DAEMON_CHILD"

// Daemonize puts the process into the background. The foreground invocation
// re-executes itself detached in a new session, writes the child's PID to
// pidFile and exits 0. The child redirects its standard streams to logFile
// (stdin to /dev/null) and ignores job-control signals, then returns to let
// the caller run the controller.
func Daemonize(pidFile, logFile string) error {
	if os.Getenv(childEnv) == "" {
		return spawnChild(pidFile)
	}
	return setupChild(logFile)
}

func spawnChild(pidFile string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), childEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn daemon child: %w", err)
	}
	if pidFile != "" {
		pid := strconv.Itoa(cmd.Process.Pid) + "\n"
		if err := os.WriteFile(pidFile, []byte(pid), 0o644); err != nil {
			return fmt.Errorf("write PID file %s: %w", pidFile, err)
		}
	}
	os.Exit(0)
	return nil
}

func setupChild(logFile string) error {
	signal.Ignore(unix.SIGCHLD, unix.SIGTSTP, unix.SIGTTOU, unix.SIGTTIN)

	null, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	if err := unix.Dup2(int(null.Fd()), 0); err != nil {
		return fmt.Errorf("redirect stdin: %w", err)
	}

	outPath, outFlags := logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND
	if logFile == "" {
		outPath, outFlags = os.DevNull, os.O_WRONLY
	}
	out, err := os.OpenFile(outPath, outFlags, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", outPath, err)
	}
	if err := unix.Dup2(int(out.Fd()), 1); err != nil {
		return fmt.Errorf("redirect stdout: %w", err)
	}
	if err := unix.Dup2(int(out.Fd()), 2); err != nil {
		return fmt.Errorf("redirect stderr: %w", err)
	}
	return nil
}
