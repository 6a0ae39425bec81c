package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/grepaid/daemon"
	"github.com/yoanbernabeu/grepaid/internal/logging"
	"github.com/yoanbernabeu/grepaid/mcp"
	"github.com/yoanbernabeu/grepaid/project"
)

var (
	daemonProject string
	daemonOwner   string
)

// daemonCmd is the entry point the supervisor spawns. Its stdout and
// stderr are the project's daemon log.
var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Short:  "Run the daemon of one project in the foreground",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&daemonProject, "project", "", "Project root")
	daemonCmd.Flags().StringVar(&daemonOwner, "owner", "", "Owner the project id is derived from (default: current user)")
	_ = daemonCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	logger := logging.New(os.Stderr, "daemon", level)

	owner := daemonOwner
	if owner == "" {
		owner = project.DefaultOwner()
	}
	id, err := project.Resolve(owner, daemonProject, cfg.DataRoot())
	if err != nil {
		return err
	}

	host, err := daemon.NewHost(daemon.HostOptions{
		Identity: id,
		Config:   cfg,
		Version:  Version,
		Logger:   logger,
		MCP:      mcp.StreamHandler(Version, logger.WithPrefix("mcp")),
	})
	if errors.Is(err, daemon.ErrAlreadyRunning) {
		logger.Warn("another daemon owns this project, exiting", "project", id.ProjectID)
		return err
	}
	if err != nil {
		logger.Error("daemon failed to start", "err", err)
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	if err := host.Run(cmd.Context()); err != nil {
		logger.Error("daemon stopped with error", "err", err)
		return err
	}
	return nil
}
