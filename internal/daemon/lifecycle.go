// Package daemon keeps a single bridge process per pid file.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	pidFileMode = 0o600
	logFileMode = 0o600
	pollEvery   = 100 * time.Millisecond
)

var (
	ErrPIDFileExists = errors.New("pid file already exists")
	ErrInvalidPID    = errors.New("invalid pid file")
)

type State int

const (
	Stopped State = iota
	Running
	// Stale means the pid file names a process that no longer exists.
	Stale
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stale:
		return "stale"
	default:
		return "stopped"
	}
}

// Lifecycle manages the pid file of one daemon instance.
type Lifecycle struct {
	PIDFile string
}

func New(pidFile string) *Lifecycle {
	return &Lifecycle{PIDFile: pidFile}
}

// Start records the current process. It fails with ErrPIDFileExists when
// another instance, live or stale, holds the file.
func (l *Lifecycle) Start() error {
	f, err := os.OpenFile(l.PIDFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, pidFileMode)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: %s", ErrPIDFileExists, l.PIDFile)
	}
	if err != nil {
		return fmt.Errorf("create pid file: %w", err)
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		_ = f.Close()
		_ = os.Remove(l.PIDFile)
		return fmt.Errorf("write pid file: %w", err)
	}
	return f.Close()
}

// Release removes the pid file if it still names this process.
func (l *Lifecycle) Release() error {
	pid, err := l.readPID()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(l.PIDFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// Status reports the daemon state without touching the pid file. A pid
// file that does not hold a pid is Stale with pid 0.
func (l *Lifecycle) Status() (State, int, error) {
	pid, err := l.readPID()
	if errors.Is(err, os.ErrNotExist) {
		return Stopped, 0, nil
	}
	if errors.Is(err, ErrInvalidPID) {
		return Stale, 0, nil
	}
	if err != nil {
		return Stopped, 0, err
	}
	if alive(pid) {
		return Running, pid, nil
	}
	return Stale, pid, nil
}

// Stop sends SIGTERM to a running daemon, or removes a stale pid file. The
// returned state is the one observed before acting.
func (l *Lifecycle) Stop() (State, error) {
	state, pid, err := l.Status()
	if err != nil {
		return state, err
	}
	switch state {
	case Running:
		proc, err := os.FindProcess(pid)
		if err != nil {
			return state, fmt.Errorf("find process %d: %w", pid, err)
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			if errors.Is(err, os.ErrProcessDone) {
				return Stale, l.removeStale()
			}
			return state, fmt.Errorf("signal process %d: %w", pid, err)
		}
	case Stale:
		return state, l.removeStale()
	}
	return state, nil
}

// WaitStopped polls until the pid file no longer names a live process.
func (l *Lifecycle) WaitStopped(ctx context.Context) error {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		state, _, err := l.Status()
		if err != nil {
			return err
		}
		if state != Running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Detach re-executes the current binary with args in its own process group,
// sending its output to logFile. The child writes the pid file itself.
func (l *Lifecycle) Detach(args []string, logFile string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}
	out, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFileMode)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer out.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release daemon process: %w", err)
	}
	return pid, nil
}

func (l *Lifecycle) readPID() (int, error) {
	data, err := os.ReadFile(l.PIDFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPID, l.PIDFile)
	}
	return pid, nil
}

func (l *Lifecycle) removeStale() error {
	if err := os.Remove(l.PIDFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale pid file: %w", err)
	}
	return nil
}

// alive checks pid with signal 0. EPERM still means the process exists.
func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
