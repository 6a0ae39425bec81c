package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/yoanbernabeu/grepaid/project"
)

// shortRoot returns a runtime root short enough for unix socket paths.
func shortRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "gd")
	if err != nil {
		t.Fatalf("MkdirTemp failed: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestPathsFor(t *testing.T) {
	p := PathsFor("/run/grepaid", "abc123")

	if p.RuntimeDir != "/run/grepaid/abc123" {
		t.Errorf("RuntimeDir = %s", p.RuntimeDir)
	}
	if p.Socket != "/run/grepaid/abc123/daemon.sock" {
		t.Errorf("Socket = %s", p.Socket)
	}
	if p.PIDFile != "/run/grepaid/abc123/daemon.pid" {
		t.Errorf("PIDFile = %s", p.PIDFile)
	}
	if p.LockFile() != "/run/grepaid/abc123/daemon.pid.lock" {
		t.Errorf("LockFile = %s", p.LockFile())
	}
	if p.LogFile != "/run/grepaid/abc123/daemon.log" {
		t.Errorf("LogFile = %s", p.LogFile)
	}
}

func TestEnsureRuntimeDir_OwnerOnly(t *testing.T) {
	p := PathsFor(t.TempDir(), "proj")
	if err := os.MkdirAll(p.RuntimeDir, 0755); err != nil {
		t.Fatal(err)
	}

	if err := p.EnsureRuntimeDir(); err != nil {
		t.Fatalf("EnsureRuntimeDir() failed: %v", err)
	}
	info, err := os.Stat(p.RuntimeDir)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("runtime dir mode = %o, want 700", perm)
	}
}

func TestWriteAndReadPIDFile(t *testing.T) {
	p := PathsFor(t.TempDir(), "proj")

	lock, err := WritePIDFile(p)
	if err != nil {
		t.Fatalf("WritePIDFile() failed: %v", err)
	}
	defer lock.Release()

	pid, err := ReadPIDFile(p)
	if err != nil {
		t.Fatalf("ReadPIDFile() failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("ReadPIDFile() = %d, want %d", pid, os.Getpid())
	}
}

func TestWritePIDFile_SecondWriterRefused(t *testing.T) {
	p := PathsFor(t.TempDir(), "proj")

	lock, err := WritePIDFile(p)
	if err != nil {
		t.Fatalf("WritePIDFile() failed: %v", err)
	}

	if _, err := WritePIDFile(p); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second WritePIDFile() = %v, want ErrAlreadyRunning", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	lock, err = WritePIDFile(p)
	if err != nil {
		t.Fatalf("WritePIDFile() after release failed: %v", err)
	}
	lock.Release()
}

func TestReadPIDFile_NotExists(t *testing.T) {
	pid, err := ReadPIDFile(PathsFor(t.TempDir(), "proj"))
	if err != nil {
		t.Fatalf("ReadPIDFile() failed: %v", err)
	}
	if pid != 0 {
		t.Errorf("ReadPIDFile() = %d, want 0", pid)
	}
}

func TestReadPIDFile_InvalidContent(t *testing.T) {
	p := PathsFor(t.TempDir(), "proj")
	if err := p.EnsureRuntimeDir(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p.PIDFile, []byte("not-a-number\n"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadPIDFile(p); err == nil {
		t.Fatal("ReadPIDFile() should have failed with invalid content")
	}
}

func TestRemovePIDFile(t *testing.T) {
	p := PathsFor(t.TempDir(), "proj")
	lock, err := WritePIDFile(p)
	if err != nil {
		t.Fatalf("WritePIDFile() failed: %v", err)
	}
	defer lock.Release()

	if err := RemovePIDFile(p); err != nil {
		t.Fatalf("RemovePIDFile() failed: %v", err)
	}
	if _, err := os.Stat(p.PIDFile); !os.IsNotExist(err) {
		t.Fatal("PID file still exists after removal")
	}
	// The lock file stays so the next daemon locks the same inode.
	if _, err := os.Stat(p.LockFile()); err != nil {
		t.Fatalf("lock file removed: %v", err)
	}

	if err := RemovePIDFile(p); err != nil {
		t.Fatalf("RemovePIDFile() failed on non-existent file: %v", err)
	}
}

func TestGetRunningPID_CleansStaleFile(t *testing.T) {
	p := PathsFor(t.TempDir(), "proj")
	if err := p.EnsureRuntimeDir(); err != nil {
		t.Fatal(err)
	}
	// PIDs this large are outside the default pid_max.
	if err := os.WriteFile(p.PIDFile, []byte(strconv.Itoa(99999999)+"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	pid, err := GetRunningPID(p)
	if err != nil {
		t.Fatalf("GetRunningPID() failed: %v", err)
	}
	if pid != 0 {
		t.Errorf("GetRunningPID() = %d, want 0", pid)
	}
	if _, err := os.Stat(p.PIDFile); !os.IsNotExist(err) {
		t.Error("stale PID file was not removed")
	}
}

func TestGetRunningPID_Live(t *testing.T) {
	p := PathsFor(t.TempDir(), "proj")
	lock, err := WritePIDFile(p)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	pid, err := GetRunningPID(p)
	if err != nil {
		t.Fatalf("GetRunningPID() failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("GetRunningPID() = %d, want %d", pid, os.Getpid())
	}
}

func TestRemoveRuntimeFiles_KeepsLog(t *testing.T) {
	p := PathsFor(t.TempDir(), "proj")
	if err := p.EnsureRuntimeDir(); err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{p.Socket, p.PIDFile, p.LogFile} {
		if err := os.WriteFile(f, []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	RemoveRuntimeFiles(p)

	for _, f := range []string{p.Socket, p.PIDFile} {
		if _, err := os.Stat(f); !os.IsNotExist(err) {
			t.Errorf("%s still exists", filepath.Base(f))
		}
	}
	if _, err := os.Stat(p.LogFile); err != nil {
		t.Errorf("log file removed: %v", err)
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !IsProcessRunning(os.Getpid()) {
		t.Error("IsProcessRunning() returned false for current process")
	}
	if IsProcessRunning(0) {
		t.Error("IsProcessRunning() returned true for PID 0")
	}
	if IsProcessRunning(-1) {
		t.Error("IsProcessRunning() returned true for negative PID")
	}
}

func TestStopProcessInvalidPID(t *testing.T) {
	if err := StopProcess(0); err == nil {
		t.Error("StopProcess(0) should fail")
	}
	if err := KillProcess(-1); err == nil {
		t.Error("KillProcess(-1) should fail")
	}
}

func TestDaemonArgs(t *testing.T) {
	id := &project.Identity{AbsolutePath: "/src/app", OwnerID: "alice"}
	got := DaemonArgs(id)
	want := []string{"daemon", "--project", "/src/app", "--owner", "alice"}
	if len(got) != len(want) {
		t.Fatalf("DaemonArgs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("DaemonArgs() = %v, want %v", got, want)
		}
	}
}

func TestSpawnBackground_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := spawnBackground("/nonexistent/grepaid", nil, filepath.Join(dir, "d.log"), dir); err == nil {
		t.Error("spawnBackground() should fail for a missing executable")
	}
	if _, err := spawnBackground("/bin/true", nil, filepath.Join(dir, "missing", "d.log"), dir); err == nil {
		t.Error("spawnBackground() should fail when the log cannot be opened")
	}
}

func TestSpawnBackground_ExitClosesChannel(t *testing.T) {
	dir := t.TempDir()
	proc, err := spawnBackground("/bin/sh", []string{"-c", "echo started"}, filepath.Join(dir, "d.log"), dir)
	if err != nil {
		t.Fatalf("spawnBackground() failed: %v", err)
	}
	if proc.PID <= 0 {
		t.Errorf("PID = %d", proc.PID)
	}

	select {
	case <-proc.Exited:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for child exit")
	}

	data, err := os.ReadFile(filepath.Join(dir, "d.log"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "started\n" {
		t.Errorf("log = %q", data)
	}
}
