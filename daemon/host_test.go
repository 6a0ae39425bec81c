package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoanbernabeu/grepaid/config"
	"github.com/yoanbernabeu/grepaid/ipc"
	"github.com/yoanbernabeu/grepaid/project"
	"github.com/yoanbernabeu/grepaid/search"
)

type hostFixture struct {
	id    *project.Identity
	cfg   *config.Config
	paths Paths
	host  *Host
	done  chan error
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dims := 64
	cfg := config.DefaultConfig()
	cfg.Embedder = config.EmbedderConfig{Provider: "hash", Dimensions: &dims}
	cfg.Chunking = config.ChunkingConfig{Size: 128, Overlap: 16}
	cfg.Daemon.DrainTimeoutMs = 500
	cfg.Watch.DebounceMs = 50
	cfg.Paths.DataRoot = t.TempDir()
	cfg.Paths.RuntimeRoot = shortRoot(t)
	return cfg
}

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return root
}

var hostProject = map[string]string{
	"auth/login.go": "package auth\n\n// Authenticate checks the user's password.\nfunc Authenticate(user, password string) bool {\n\treturn user != \"\" && password != \"\"\n}\n",
	"store/kv.go":   "package store\n\ntype Store struct{ data map[string]string }\n\nfunc (s *Store) Get(key string) string {\n\treturn s.data[key]\n}\n",
}

func startHost(t *testing.T, clock clockwork.Clock, tweak func(*config.Config)) *hostFixture {
	t.Helper()
	cfg := testConfig(t)
	if tweak != nil {
		tweak(cfg)
	}
	id, err := project.Resolve("tester", writeProject(t, hostProject), cfg.DataRoot())
	require.NoError(t, err)

	f := &hostFixture{id: id, cfg: cfg, paths: PathsFor(cfg.RuntimeRoot(), id.ProjectID), done: make(chan error, 1)}
	f.host, err = NewHost(HostOptions{Identity: id, Config: cfg, Paths: f.paths, Version: "test", Clock: clock})
	require.NoError(t, err)

	go func() { f.done <- f.host.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		return ipc.Call(context.Background(), f.paths.Socket, CmdPing, nil, nil) == nil
	}, 5*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		f.host.Stop()
		select {
		case <-f.done:
		case <-time.After(5 * time.Second):
			t.Error("host did not stop")
		}
	})
	return f
}

func (f *hostFixture) call(t *testing.T, cmd string, args, out any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return ipc.Call(ctx, f.paths.Socket, cmd, args, out)
}

func TestHost_PingAndStatusBeforeIndex(t *testing.T) {
	f := startHost(t, nil, nil)

	var ping PingInfo
	require.NoError(t, f.call(t, CmdPing, nil, &ping))
	assert.Equal(t, os.Getpid(), ping.PID)
	assert.Equal(t, f.id.ProjectID, ping.ProjectID)

	var st StatusReport
	require.NoError(t, f.call(t, CmdStatus, nil, &st))
	assert.False(t, st.Indexed)
	assert.Equal(t, "off", st.Watcher)
	assert.Equal(t, "available", st.Modes[search.ModePattern])
	assert.NotEqual(t, "available", st.Modes[search.ModeSemantic])

	info, err := os.Stat(f.paths.Socket)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestHost_IndexThenSearch(t *testing.T) {
	f := startHost(t, nil, nil)

	var res IndexResult
	require.NoError(t, f.call(t, CmdIndex, IndexArgs{Wait: true}, &res))
	require.NotNil(t, res.Summary)
	assert.Equal(t, 2, res.Summary.Added)

	var resp search.Response
	require.NoError(t, f.call(t, CmdSearch, search.Request{Query: "user password authentication", Mode: search.ModeSemantic}, &resp))
	assert.Equal(t, search.ModeSemantic, resp.Mode)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "auth/login.go", resp.Results[0].File)

	require.NoError(t, f.call(t, CmdSearch, search.Request{Query: "func Authenticate"}, &resp))
	assert.Equal(t, search.ModeSymbol, resp.Mode)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "Authenticate", resp.Results[0].Symbol)

	var st StatusReport
	require.NoError(t, f.call(t, CmdStatus, nil, &st))
	assert.True(t, st.Indexed)
	assert.Equal(t, 2, st.Stats.Files)
	assert.NotEqual(t, "off", st.Watcher)
}

func TestHost_WatcherPicksUpEdits(t *testing.T) {
	f := startHost(t, nil, nil)
	require.NoError(t, f.call(t, CmdIndex, IndexArgs{Wait: true}, nil))

	var before StatusReport
	require.NoError(t, f.call(t, CmdStatus, nil, &before))

	path := filepath.Join(f.id.AbsolutePath, "store", "cache.go")
	require.NoError(t, os.WriteFile(path, []byte("package store\n\nfunc Evict(key string) {}\n"), 0644))

	require.Eventually(t, func() bool {
		var st StatusReport
		if err := f.call(t, CmdStatus, nil, &st); err != nil {
			return false
		}
		return st.Stats.Files == 3 && st.Token != before.Token
	}, 10*time.Second, 50*time.Millisecond)

	var resp search.Response
	require.NoError(t, f.call(t, CmdSearch, search.Request{Query: "func Evict"}, &resp))
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "store/cache.go", resp.Results[0].File)
}

func TestHost_ErrorCodes(t *testing.T) {
	f := startHost(t, nil, nil)

	err := f.call(t, CmdSearch, search.Request{Query: "anything", Mode: search.ModeSemantic}, nil)
	var wire *ipc.Error
	require.True(t, errors.As(err, &wire))
	assert.Equal(t, ipc.CodeModeUnavailable, wire.Code)

	err = f.call(t, CmdIndex, IndexArgs{Path: t.TempDir(), Wait: true}, nil)
	require.True(t, errors.As(err, &wire))
	assert.Equal(t, ipc.CodeInvalidPath, wire.Code)

	err = f.call(t, CmdSearch, search.Request{Query: "x", Mode: "fuzzy"}, nil)
	require.True(t, errors.As(err, &wire))
	assert.Equal(t, ipc.CodeProtocol, wire.Code)

	err = f.call(t, "frobnicate", nil, nil)
	assert.ErrorIs(t, err, ipc.ErrUnknownCommand)
}

func TestHost_StopCommand(t *testing.T) {
	f := startHost(t, nil, nil)

	require.NoError(t, f.call(t, CmdStop, nil, nil))
	select {
	case err := <-f.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("host did not stop")
	}
	f.done <- nil // for cleanup

	_, err := os.Stat(f.paths.Socket)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(f.paths.PIDFile)
	assert.True(t, os.IsNotExist(err))
}

func TestHost_SecondHostRefused(t *testing.T) {
	f := startHost(t, nil, nil)

	_, err := NewHost(HostOptions{Identity: f.id, Config: f.cfg, Paths: f.paths})
	require.ErrorIs(t, err, ErrAlreadyRunning)

	// The refused host must not have touched the live daemon's files.
	require.NoError(t, f.call(t, CmdPing, nil, nil))
}

func TestHost_FailedOpenReleasesLock(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = "bogus"
	id, err := project.Resolve("tester", writeProject(t, hostProject), cfg.DataRoot())
	require.NoError(t, err)
	paths := PathsFor(cfg.RuntimeRoot(), id.ProjectID)

	h, err := NewHost(HostOptions{Identity: id, Config: cfg, Paths: paths})
	require.ErrorContains(t, err, "unknown storage backend")
	assert.Nil(t, h)

	pid, err := ReadPIDFile(paths)
	require.NoError(t, err)
	assert.Zero(t, pid, "pid file left behind")

	// The lock was released, so a correctly configured host can start.
	cfg.Store.Backend = "gob"
	h, err = NewHost(HostOptions{Identity: id, Config: cfg, Paths: paths})
	require.NoError(t, err)
	h.release()
}

func TestHost_IdleTimeoutStops(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := startHost(t, clock, func(c *config.Config) { c.Daemon.IdleTimeoutSec = 60 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(61 * time.Second)

	select {
	case err := <-f.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("idle host did not stop")
	}
	f.done <- nil
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{&search.ModeUnavailableError{Mode: search.ModeSymbol, Reason: "no symbols"}, ipc.CodeModeUnavailable},
		{project.ErrInvalidPath, ipc.CodeInvalidPath},
		{&indexBuildError{err: errors.New("disk full")}, ipc.CodeIndexBuildFailure},
		{ipc.Errorf(ipc.CodeProtocol, "bad"), ipc.CodeProtocol},
		{errors.New("boom"), ipc.CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, mapError(tt.err).Code, tt.err.Error())
	}
}
