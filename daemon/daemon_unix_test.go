//go:build !windows

package daemon

import (
	"os/exec"
	"testing"
	"time"
)

func TestLivenessCheck_ClosesWhenChildExits(t *testing.T) {
	l, err := newLivenessCheck()
	if err != nil {
		t.Fatalf("newLivenessCheck failed: %v", err)
	}
	defer l.cleanup()

	cmd := exec.Command("/bin/sh", "-c", "sleep 0.1")
	l.configureCmd(cmd)
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start /bin/sh: %v", err)
	}
	exited := l.start()

	select {
	case <-exited:
		t.Fatal("liveness channel closed while the child was running")
	case <-time.After(20 * time.Millisecond):
	}

	_ = cmd.Wait()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("liveness channel not closed after the child exited")
	}
}

func TestSignalProcess_DeadPID(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run /bin/sh: %v", err)
	}
	pid := cmd.Process.Pid

	if IsProcessRunning(pid) {
		t.Skip("pid was reused")
	}
	if err := StopProcess(pid); err == nil {
		t.Error("expected an error signalling a reaped process")
	}
}

func TestSysProcAttr_NewProcessGroup(t *testing.T) {
	if !sysProcAttr().Setpgid {
		t.Error("daemon must start in its own process group")
	}
}
