package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/yoanbernabeu/grepaid/project"
)

// EnvDaemon is set to "1" in the environment of spawned daemons.
const EnvDaemon = "GREPAID_DAEMON"

// Process is a launched daemon. Exited is closed when it terminates.
type Process struct {
	PID    int
	Exited <-chan struct{}
}

// Launcher starts the daemon entry point for a project.
type Launcher interface {
	Launch(ctx context.Context, id *project.Identity, paths Paths) (*Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, id *project.Identity, paths Paths) (*Process, error)

func (f LauncherFunc) Launch(ctx context.Context, id *project.Identity, paths Paths) (*Process, error) {
	return f(ctx, id, paths)
}

// ExecLauncher re-executes a binary as a detached background daemon with
// stdout and stderr appended to the project's daemon log.
type ExecLauncher struct {
	// Executable defaults to the running binary.
	Executable string
	// ExtraArgs are appended after the daemon arguments, e.g. --config.
	ExtraArgs []string
}

// DaemonArgs is the command line of the hidden daemon entry point.
func DaemonArgs(id *project.Identity) []string {
	return []string{"daemon", "--project", id.AbsolutePath, "--owner", id.OwnerID}
}

func (l *ExecLauncher) Launch(ctx context.Context, id *project.Identity, paths Paths) (*Process, error) {
	executable := l.Executable
	if executable == "" {
		var err error
		executable, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to get executable path: %w", err)
		}
	}
	if err := paths.EnsureRuntimeDir(); err != nil {
		return nil, err
	}
	args := append(DaemonArgs(id), l.ExtraArgs...)
	return spawnBackground(executable, args, paths.LogFile, id.AbsolutePath)
}

// spawnBackground starts executable detached from the caller. The returned
// Process's Exited channel is driven by a liveness pipe.
func spawnBackground(executable string, args []string, logPath, dir string) (*Process, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	liveness, err := newLivenessCheck()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(executable, args...)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), EnvDaemon+"=1")
	cmd.SysProcAttr = sysProcAttr()
	liveness.configureCmd(cmd)

	if err := cmd.Start(); err != nil {
		liveness.cleanup()
		return nil, fmt.Errorf("failed to start background process: %w", err)
	}

	exited := liveness.start()
	// Reap the child so it does not linger as a zombie after exit.
	go func() { _ = cmd.Wait() }()

	return &Process{PID: cmd.Process.Pid, Exited: exited}, nil
}
