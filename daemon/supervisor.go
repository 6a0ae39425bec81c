package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/yoanbernabeu/grepaid/internal/logging"
	"github.com/yoanbernabeu/grepaid/ipc"
	"github.com/yoanbernabeu/grepaid/project"
)

// ErrStartTimeout is returned when a spawned daemon exits early or never
// answers its probe.
var ErrStartTimeout = errors.New("daemon did not become ready")

type State int

const (
	Stopped State = iota
	Starting
	Ready
	Degraded
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Record is the supervisor's view of one project's daemon.
type Record struct {
	ProjectID     string    `json:"project_id"`
	PID           int       `json:"pid"`
	SocketPath    string    `json:"socket_path"`
	State         State     `json:"state"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Prober checks that a daemon answers on socket.
type Prober func(ctx context.Context, socket string) (*PingInfo, error)

const probeTimeout = time.Second

// PingSocket is the default Prober: the socket accepts and ping answers.
func PingSocket(ctx context.Context, socket string) (*PingInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	c, err := ipc.Dial(ctx, socket)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var info PingInfo
	if err := c.Call(ctx, CmdPing, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

type SupervisorOptions struct {
	RuntimeRoot string
	Launcher    Launcher
	Probe       Prober
	Clock       clockwork.Clock
	Logger      *log.Logger

	ProbeAttempts    int
	ProbeInterval    time.Duration
	MaxProbeInterval time.Duration
	StartTimeout     time.Duration
	StopTimeout      time.Duration

	// Alive and Kill default to IsProcessRunning and KillProcess.
	Alive func(pid int) bool
	Kill  func(pid int) error
}

// Supervisor starts, probes and stops project daemons. Concurrent
// EnsureRunning calls for one project share a single start attempt.
type Supervisor struct {
	opts SupervisorOptions
	log  *log.Logger

	mu      sync.Mutex
	records map[string]*Record
	group   singleflight.Group
}

func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Launcher == nil {
		opts.Launcher = &ExecLauncher{}
	}
	if opts.Probe == nil {
		opts.Probe = PingSocket
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.ProbeAttempts <= 0 {
		opts.ProbeAttempts = 8
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 50 * time.Millisecond
	}
	if opts.MaxProbeInterval <= 0 {
		opts.MaxProbeInterval = 2 * time.Second
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 10 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.Alive == nil {
		opts.Alive = IsProcessRunning
	}
	if opts.Kill == nil {
		opts.Kill = KillProcess
	}
	return &Supervisor{
		opts:    opts,
		log:     logging.OrDiscard(opts.Logger),
		records: make(map[string]*Record),
	}
}

// Paths returns the runtime file locations for id.
func (s *Supervisor) Paths(id *project.Identity) Paths {
	return PathsFor(s.opts.RuntimeRoot, id.ProjectID)
}

// Record returns a copy of the record for projectID; an unknown project
// is Stopped.
func (s *Supervisor) Record(projectID string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[projectID]; ok {
		return *r
	}
	return Record{ProjectID: projectID, State: Stopped}
}

func (s *Supervisor) update(id *project.Identity, fn func(r *Record)) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id.ProjectID]
	if !ok {
		r = &Record{ProjectID: id.ProjectID, SocketPath: s.Paths(id).Socket}
		s.records[id.ProjectID] = r
	}
	fn(r)
	return *r
}

func (s *Supervisor) markReady(id *project.Identity, info *PingInfo) Record {
	now := s.opts.Clock.Now()
	return s.update(id, func(r *Record) {
		r.State = Ready
		r.PID = info.PID
		r.LastHeartbeat = now
	})
}

func (s *Supervisor) markStopped(id *project.Identity) Record {
	return s.update(id, func(r *Record) {
		r.State = Stopped
		r.PID = 0
	})
}

// EnsureRunning returns a Ready record for the project's daemon, starting
// one if nothing answers on its socket. A daemon started by another
// client is adopted.
func (s *Supervisor) EnsureRunning(ctx context.Context, id *project.Identity) (Record, error) {
	v, err, shared := s.group.Do(id.ProjectID, func() (any, error) {
		// Callers share this attempt; one giving up must not abort it.
		startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StartTimeout)
		defer cancel()
		return s.ensure(startCtx, id)
	})
	if shared {
		s.log.Debug("joined in-flight start", "project", id.ProjectID)
	}
	if err != nil {
		return s.Record(id.ProjectID), err
	}
	return v.(Record), nil
}

func (s *Supervisor) ensure(ctx context.Context, id *project.Identity) (Record, error) {
	paths := s.Paths(id)

	if info, err := s.probe(ctx, id, paths); err == nil {
		return s.markReady(id, info), nil
	}

	s.update(id, func(r *Record) { r.State = Starting })
	if err := paths.EnsureRuntimeDir(); err != nil {
		s.markStopped(id)
		return Record{}, err
	}

	// A socket left behind by a crashed daemon would make the probe below
	// fail fast against the wrong inode; the host replaces it anyway.
	if pid, _ := ReadPIDFile(paths); pid == 0 || !s.opts.Alive(pid) {
		RemoveRuntimeFiles(paths)
	}

	s.log.Info("starting daemon", "project", id.ProjectID, "root", id.AbsolutePath)
	proc, err := s.opts.Launcher.Launch(ctx, id, paths)
	if err != nil {
		s.markStopped(id)
		return Record{}, fmt.Errorf("failed to launch daemon: %w", err)
	}
	s.update(id, func(r *Record) { r.PID = proc.PID })

	info, err := s.waitReady(ctx, id, paths, proc)
	if err != nil {
		s.teardown(paths, proc)
		s.markStopped(id)
		return Record{}, err
	}
	s.log.Info("daemon ready", "project", id.ProjectID, "pid", info.PID)
	return s.markReady(id, info), nil
}

func (s *Supervisor) probe(ctx context.Context, id *project.Identity, paths Paths) (*PingInfo, error) {
	info, err := s.opts.Probe(ctx, paths.Socket)
	if err != nil {
		return nil, err
	}
	if info.ProjectID != "" && info.ProjectID != id.ProjectID {
		return nil, fmt.Errorf("socket %s is served by project %s", paths.Socket, info.ProjectID)
	}
	return info, nil
}

// waitReady polls the probe with exponential backoff until it passes, the
// attempts run out or the child exits. A child that exits because another
// daemon holds the project lock is not a failure as long as that daemon
// comes up.
func (s *Supervisor) waitReady(ctx context.Context, id *project.Identity, paths Paths, proc *Process) (*PingInfo, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.opts.ProbeInterval,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         s.opts.MaxProbeInterval,
	}
	b.Reset()

	exited := proc.Exited
	var lastErr error
	for attempt := 1; attempt <= s.opts.ProbeAttempts; attempt++ {
		select {
		case <-s.opts.Clock.After(b.NextBackOff()):
		case <-exited:
			pid, _ := ReadPIDFile(paths)
			if pid == 0 || pid == proc.PID || !s.opts.Alive(pid) {
				return nil, fmt.Errorf("%w: daemon exited during startup (see %s)", ErrStartTimeout, paths.LogFile)
			}
			s.log.Debug("spawned daemon lost the lock race, waiting for the winner", "pid", pid)
			exited = nil
			continue
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrStartTimeout, ctx.Err())
		}

		info, err := s.probe(ctx, id, paths)
		if err == nil {
			return info, nil
		}
		lastErr = err
		s.log.Debug("daemon not ready", "attempt", attempt, "err", err)
	}
	return nil, fmt.Errorf("%w after %d probes (see %s): %v", ErrStartTimeout, s.opts.ProbeAttempts, paths.LogFile, lastErr)
}

// teardown kills a child that never became ready and removes what it may
// have left behind.
func (s *Supervisor) teardown(paths Paths, proc *Process) {
	if proc.PID > 0 && s.opts.Alive(proc.PID) {
		if err := s.opts.Kill(proc.PID); err != nil {
			s.log.Warn("failed to kill daemon", "pid", proc.PID, "err", err)
		}
	}
	if pid, _ := ReadPIDFile(paths); pid == 0 || pid == proc.PID || !s.opts.Alive(pid) {
		RemoveRuntimeFiles(paths)
	}
}

// Stop asks the project's daemon to exit, waits up to the stop timeout,
// then kills it. Runtime files and the record are removed either way.
func (s *Supervisor) Stop(ctx context.Context, id *project.Identity) error {
	_, err, _ := s.group.Do("stop:"+id.ProjectID, func() (any, error) {
		return nil, s.stop(ctx, id)
	})
	return err
}

func (s *Supervisor) stop(ctx context.Context, id *project.Identity) error {
	paths := s.Paths(id)
	pid := s.Record(id.ProjectID).PID
	if filePID, err := ReadPIDFile(paths); err == nil && filePID > 0 {
		pid = filePID
	}

	stopCtx, cancel := context.WithTimeout(ctx, s.opts.StopTimeout)
	defer cancel()
	if c, err := ipc.Dial(stopCtx, paths.Socket); err == nil {
		if err := c.Call(stopCtx, CmdStop, nil, nil); err != nil {
			s.log.Debug("stop command failed", "err", err)
		}
		c.Close()
	}

	if pid > 0 && s.opts.Alive(pid) {
		deadline := s.opts.Clock.After(s.opts.StopTimeout)
	wait:
		for s.opts.Alive(pid) {
			select {
			case <-deadline:
				break wait
			case <-ctx.Done():
				break wait
			case <-s.opts.Clock.After(50 * time.Millisecond):
			}
		}
		if s.opts.Alive(pid) {
			s.log.Warn("daemon did not stop in time, killing it", "pid", pid)
			if err := s.opts.Kill(pid); err != nil {
				return fmt.Errorf("failed to kill daemon %d: %w", pid, err)
			}
		}
	}

	RemoveRuntimeFiles(paths)
	s.mu.Lock()
	delete(s.records, id.ProjectID)
	s.mu.Unlock()
	return nil
}

// Check probes the daemon. A failed probe on a live daemon degrades it; a
// second failure kills the hung process and stops it. A dead process stops
// it at once.
func (s *Supervisor) Check(ctx context.Context, id *project.Identity) Record {
	paths := s.Paths(id)
	if info, err := s.probe(ctx, id, paths); err == nil {
		return s.markReady(id, info)
	}

	rec := s.Record(id.ProjectID)
	pid := rec.PID
	if filePID, err := ReadPIDFile(paths); err == nil && filePID > 0 {
		pid = filePID
	}
	if pid == 0 || !s.opts.Alive(pid) {
		if rec.State != Stopped {
			s.log.Warn("daemon is gone", "project", id.ProjectID, "pid", pid)
		}
		RemoveRuntimeFiles(paths)
		return s.markStopped(id)
	}

	if rec.State != Degraded {
		return s.update(id, func(r *Record) {
			r.PID = pid
			r.State = Degraded
		})
	}

	// A hung daemon keeps the project lock, so it has to go before the
	// record can say Stopped.
	s.log.Warn("daemon still unresponsive, killing it", "project", id.ProjectID, "pid", pid)
	if err := s.opts.Kill(pid); err != nil {
		s.log.Warn("failed to kill daemon", "pid", pid, "err", err)
		return s.update(id, func(r *Record) {
			r.PID = pid
			r.State = Degraded
		})
	}
	RemoveRuntimeFiles(paths)
	return s.markStopped(id)
}
