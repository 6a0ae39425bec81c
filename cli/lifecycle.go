package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/grepaid/daemon"
)

var stopCmd = &cobra.Command{
	Use:   "stop [project-path]",
	Short: "Stop the project daemon",
	Long: `Ask the project's daemon to shut down. A daemon that does not exit in
time is killed. The socket and pid file are removed either way.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStop,
}

var pingCmd = &cobra.Command{
	Use:   "ping [project-path]",
	Short: "Check that the project daemon answers",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPing,
}

var restartCmd = &cobra.Command{
	Use:   "restart [project-path]",
	Short: "Stop the project daemon and start a fresh one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRestart,
}

func init() {
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(restartCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	s, err := newSession(args)
	if err != nil {
		return err
	}
	if rec := s.supervisor.Check(cmd.Context(), s.id); rec.State == daemon.Stopped {
		fmt.Fprintln(cmd.OutOrStdout(), "No daemon running for", s.id.AbsolutePath)
		return nil
	}
	if err := s.supervisor.Stop(cmd.Context(), s.id); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped for", s.id.AbsolutePath)
	return nil
}

func runPing(cmd *cobra.Command, args []string) error {
	s, err := newSession(args)
	if err != nil {
		return err
	}
	rec := s.supervisor.Check(cmd.Context(), s.id)
	if rec.State != daemon.Ready {
		return fmt.Errorf("daemon for %s is %s", s.id.AbsolutePath, rec.State)
	}
	info, err := daemon.PingSocket(cmd.Context(), rec.SocketPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pong from pid %d (%s, project %s)\n", info.PID, info.Version, info.ProjectID)
	return nil
}

func runRestart(cmd *cobra.Command, args []string) error {
	s, err := newSession(args)
	if err != nil {
		return err
	}
	if err := s.supervisor.Stop(cmd.Context(), s.id); err != nil {
		return err
	}
	rec, err := s.supervisor.EnsureRunning(cmd.Context(), s.id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Daemon restarted for %s (pid %d)\n", s.id.AbsolutePath, rec.PID)
	return nil
}
