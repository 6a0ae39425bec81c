// Package daemon manages per-project grepaid daemons.
//
// The client side is the Supervisor: it starts a daemon for a project on
// demand, probes it until it answers, and stops it. The server side is the
// Host: the daemon process itself, which owns the index, the watcher and
// the search engine for exactly one project and serves them on a unix
// socket.
//
// # Runtime Directory
//
// Each project gets a private runtime directory (mode 0700) under the
// runtime root, named after the project id:
//
//	<runtime-root>/<project-id>/daemon.sock
//	<runtime-root>/<project-id>/daemon.pid
//	<runtime-root>/<project-id>/daemon.pid.lock
//	<runtime-root>/<project-id>/daemon.log
//
// # PID File Format
//
// The PID file contains a single line with the process ID as a decimal
// integer. The lock file next to it is held with flock for the lifetime of
// the daemon, so two daemons can never serve the same project.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/yoanbernabeu/grepaid/internal/fileutil"
)

const (
	socketFileName = "daemon.sock"
	pidFileName    = "daemon.pid"
	logFileName    = "daemon.log"
	lockSuffix     = ".lock"
)

// ErrAlreadyRunning is returned by WritePIDFile when another daemon holds
// the project's lock.
var ErrAlreadyRunning = errors.New("a daemon is already running for this project")

// Paths locates the runtime files of one project's daemon.
type Paths struct {
	RuntimeDir string
	Socket     string
	PIDFile    string
	LogFile    string
}

// PathsFor returns the runtime file locations for projectID.
func PathsFor(runtimeRoot, projectID string) Paths {
	dir := filepath.Join(runtimeRoot, projectID)
	return Paths{
		RuntimeDir: dir,
		Socket:     filepath.Join(dir, socketFileName),
		PIDFile:    filepath.Join(dir, pidFileName),
		LogFile:    filepath.Join(dir, logFileName),
	}
}

// LockFile is the flock target guarding the PID file.
func (p Paths) LockFile() string { return p.PIDFile + lockSuffix }

// EnsureRuntimeDir creates the runtime directory with owner-only access.
func (p Paths) EnsureRuntimeDir() error {
	if err := os.MkdirAll(p.RuntimeDir, 0700); err != nil {
		return fmt.Errorf("failed to create runtime directory: %w", err)
	}
	// MkdirAll leaves an existing directory's mode alone.
	if err := os.Chmod(p.RuntimeDir, 0700); err != nil {
		return fmt.Errorf("failed to restrict runtime directory: %w", err)
	}
	return nil
}

// WritePIDFile takes the project lock and writes the current process ID.
// The returned lock must be held until the daemon exits.
func WritePIDFile(p Paths) (*fileutil.Lock, error) {
	if err := p.EnsureRuntimeDir(); err != nil {
		return nil, err
	}

	lock, err := fileutil.TryLock(p.LockFile())
	if err != nil {
		if errors.Is(err, fileutil.ErrLocked) {
			return nil, ErrAlreadyRunning
		}
		return nil, err
	}

	content := fmt.Sprintf("%d\n", os.Getpid())
	if err := fileutil.WriteFileAtomic(p.PIDFile, []byte(content), 0600); err != nil {
		lock.Release()
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}
	return lock, nil
}

// ReadPIDFile reads the process ID from the PID file.
//
// Return values:
//   - (0, nil):   no PID file exists
//   - (pid, nil): the file holds a valid process ID
//   - (0, error): the file exists but is unreadable or corrupt
//
// It does not check whether the process is alive; see GetRunningPID.
func ReadPIDFile(p Paths) (int, error) {
	data, err := os.ReadFile(p.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// RemovePIDFile removes the PID file. The lock file stays so a later
// daemon locks the same inode.
func RemovePIDFile(p Paths) error {
	if err := os.Remove(p.PIDFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// GetRunningPID returns the PID of the project's live daemon, or 0 if none
// runs. A stale PID file is removed.
func GetRunningPID(p Paths) (int, error) {
	pid, err := ReadPIDFile(p)
	if err != nil || pid == 0 {
		return 0, err
	}
	if !IsProcessRunning(pid) {
		_ = RemovePIDFile(p)
		return 0, nil
	}
	return pid, nil
}

// RemoveRuntimeFiles removes the socket and PID file, leaving the log.
func RemoveRuntimeFiles(p Paths) {
	_ = os.Remove(p.Socket)
	_ = RemovePIDFile(p)
}
