// Package cli implements the grepaid command line. Every command except
// daemon is a thin client of the project daemon.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/grepaid/config"
	"github.com/yoanbernabeu/grepaid/daemon"
	"github.com/yoanbernabeu/grepaid/git"
	"github.com/yoanbernabeu/grepaid/internal/logging"
	"github.com/yoanbernabeu/grepaid/ipc"
	"github.com/yoanbernabeu/grepaid/project"
)

// Version is set by the main package.
var Version = "dev"

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "grepaid",
	Short: "Code search kept warm by a per-project daemon",
	Long: `grepaid keeps a code-search engine running in the background for each
project. The daemon indexes the project, watches it for changes and answers
semantic, symbol and pattern searches over a local socket.

The first command run in a project starts its daemon; it stops by itself
after a period without commands.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: "+config.GetConfigPath()+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// clientLogger reports supervisor activity on stderr. It stays quiet
// below warn unless --verbose is set.
func clientLogger(cfg *config.Config) *log.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	} else if cfg.Log.Level == "debug" {
		level = cfg.Log.Level
	}
	return logging.New(os.Stderr, "grepaid", level)
}

// resolveIdentity maps a command-line path to its project. Without a path
// the enclosing git work tree, or else the working directory, is the
// project.
func resolveIdentity(cfg *config.Config, args []string) (*project.Identity, error) {
	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path, err = git.ProjectRoot(cwd)
		if err != nil {
			return nil, err
		}
	}
	return project.Resolve(project.DefaultOwner(), path, cfg.DataRoot())
}

func newSupervisor(cfg *config.Config, logger *log.Logger) *daemon.Supervisor {
	launcher := &daemon.ExecLauncher{}
	if configPath != "" {
		launcher.ExtraArgs = []string{"--config", configPath}
	}
	return daemon.NewSupervisor(daemon.SupervisorOptions{
		RuntimeRoot:   cfg.RuntimeRoot(),
		Launcher:      launcher,
		Logger:        logger,
		ProbeAttempts: cfg.Daemon.ProbeAttempts,
		ProbeInterval: cfg.Daemon.ProbeInterval(),
		StartTimeout:  cfg.Daemon.StartTimeout(),
		StopTimeout:   cfg.Daemon.StopTimeout(),
	})
}

// session is what a client command needs to talk to its daemon.
type session struct {
	cfg        *config.Config
	id         *project.Identity
	supervisor *daemon.Supervisor
}

func newSession(args []string) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	id, err := resolveIdentity(cfg, args)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, id: id, supervisor: newSupervisor(cfg, clientLogger(cfg))}, nil
}

// ensure starts the daemon if needed and returns its socket.
func (s *session) ensure(ctx context.Context) (string, error) {
	rec, err := s.supervisor.EnsureRunning(ctx, s.id)
	if err != nil {
		return "", err
	}
	return rec.SocketPath, nil
}

// call sends one command to the project daemon. A daemon that vanished
// between the start check and the call is started again once.
func (s *session) call(ctx context.Context, command string, args, out any) error {
	socket, err := s.ensure(ctx)
	if err != nil {
		return err
	}
	err = ipc.Call(ctx, socket, command, args, out)
	if !errors.Is(err, ipc.ErrSocketUnreachable) {
		return err
	}
	if rec := s.supervisor.Check(ctx, s.id); rec.State == daemon.Ready {
		return err
	}
	if socket, err = s.ensure(ctx); err != nil {
		return err
	}
	return ipc.Call(ctx, socket, command, args, out)
}
