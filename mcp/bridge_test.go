package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoanbernabeu/grepaid/daemon"
	"github.com/yoanbernabeu/grepaid/ipc"
)

func TestBridge_SetupFailureWritesNothing(t *testing.T) {
	var stdout bytes.Buffer
	var calls atomic.Int32

	b := NewBridge(BridgeOptions{
		Ensure: func(context.Context) (string, error) {
			calls.Add(1)
			return "", errors.New("daemon did not become ready")
		},
		Attempts:      3,
		RetryInterval: time.Millisecond,
		Stdin:         bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")),
		Stdout:        &stdout,
	})

	err := b.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, stdout.Len(), "stdout must stay clean: %q", stdout.String())
}

func TestBridge_UnreachableSocketRetries(t *testing.T) {
	var stdout bytes.Buffer
	var calls atomic.Int32
	missing := filepath.Join(t.TempDir(), "none.sock")

	b := NewBridge(BridgeOptions{
		Ensure: func(context.Context) (string, error) {
			calls.Add(1)
			return missing, nil
		},
		Attempts:      2,
		RetryInterval: time.Millisecond,
		Stdin:         bytes.NewReader(nil),
		Stdout:        &stdout,
	})

	err := b.Run(context.Background())
	assert.ErrorIs(t, err, ipc.ErrSocketUnreachable)
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, stdout.Len())
}

func startMCPDaemon(t *testing.T, backend Backend) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "gd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "d.sock")

	srv := ipc.NewServer(ipc.ServerOptions{})
	srv.HandleUpgrade(daemon.CmdMCP, nil, NewServer(backend, "test", nil).ServeStream)
	require.NoError(t, srv.Listen(socket))
	go srv.Serve()
	t.Cleanup(func() { srv.Shutdown(time.Second) })
	return socket
}

func TestBridge_RelaysSession(t *testing.T) {
	socket := startMCPDaemon(t, &fakeBackend{})

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	b := NewBridge(BridgeOptions{
		Ensure: func(context.Context) (string, error) { return socket, nil },
		Stdin:  stdinR,
		Stdout: stdoutW,
	})

	done := make(chan error, 1)
	go func() {
		done <- b.Run(context.Background())
		stdoutW.Close()
	}()

	lines := bufio.NewReader(stdoutR)
	send := func(msg string) string {
		t.Helper()
		_, err := io.WriteString(stdinW, msg+"\n")
		require.NoError(t, err)
		line, err := lines.ReadString('\n')
		require.NoError(t, err)
		return line
	}

	resp := send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`)
	assert.Contains(t, resp, `"id":1`)
	assert.Contains(t, resp, "grepaid")

	resp = send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"grepai_index_status","arguments":{}}}`)
	assert.Contains(t, resp, `"id":2`)
	assert.Contains(t, resp, "total_files")

	require.NoError(t, stdinW.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not finish after stdin closed")
	}
}

func TestBridge_RetriesThenRelaysProtocolOnly(t *testing.T) {
	socket := startMCPDaemon(t, &fakeBackend{})
	var calls atomic.Int32

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	b := NewBridge(BridgeOptions{
		Ensure: func(context.Context) (string, error) {
			if calls.Add(1) <= 2 {
				return "", errors.New("daemon did not become ready")
			}
			return socket, nil
		},
		Attempts:      3,
		RetryInterval: time.Millisecond,
		Stdin:         stdinR,
		Stdout:        stdoutW,
	})

	done := make(chan error, 1)
	go func() {
		done <- b.Run(context.Background())
		stdoutW.Close()
	}()

	_, err := io.WriteString(stdinW, `{"jsonrpc":"2.0","id":7,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`+"\n")
	require.NoError(t, err)
	line, err := bufio.NewReader(stdoutR).ReadString('\n')
	require.NoError(t, err)
	require.NoError(t, stdinW.Close())

	// The first byte on stdout starts a protocol message.
	assert.True(t, strings.HasPrefix(line, `{"jsonrpc":"2.0"`), "unexpected stdout line %q", line)
	assert.Contains(t, line, `"id":7`)
	assert.Equal(t, int32(3), calls.Load())

	go io.Copy(io.Discard, stdoutR)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not finish after stdin closed")
	}
}

func TestIsolate_RedirectsProcessOutput(t *testing.T) {
	origStdout, origStderr := os.Stdout, os.Stderr
	t.Cleanup(func() {
		os.Stdout, os.Stderr = origStdout, origStderr
		stdlog.SetOutput(origStderr)
		charmlog.SetOutput(origStderr)
	})

	diag, err := os.CreateTemp(t.TempDir(), "diag")
	require.NoError(t, err)
	defer diag.Close()

	stdout := Isolate(diag)
	assert.Same(t, origStdout, stdout)

	fmt.Fprintln(os.Stdout, "stray print")
	fmt.Fprintln(os.Stderr, "stray error")
	stdlog.Println("std logger")
	charmlog.Error("charm logger")

	data, err := os.ReadFile(diag.Name())
	require.NoError(t, err)
	for _, want := range []string{"stray print", "stray error", "std logger", "charm logger"} {
		assert.Contains(t, string(data), want)
	}
}
