package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/grepaid/config"
	"github.com/yoanbernabeu/grepaid/internal/logging"
	"github.com/yoanbernabeu/grepaid/mcp"
)

const mcpLogFileName = "mcp-serve.log"

var mcpServeCmd = &cobra.Command{
	Use:   "mcp-serve [project-path]",
	Short: "Serve the project to an MCP client over stdio",
	Long: `Connect an MCP (Model Context Protocol) client to the project's daemon.

The daemon is started if needed and the stdio of this process is relayed to
its MCP session. The session exposes the following tools:

  - grepai_search: Code search routed to semantic, symbol or pattern mode
  - grepai_index_status: Check index health and statistics
  - grepai_reindex: Bring the index up to date

Stdout carries protocol messages only. Diagnostics are written to
mcp-serve.log in the runtime directory.

Configuration for Claude Code:
  claude mcp add grepaid -- grepaid mcp-serve

Configuration for Cursor (.cursor/mcp.json):
  {
    "mcpServers": {
      "grepaid": {
        "command": "grepaid",
        "args": ["mcp-serve", "/path/to/your/project"]
      }
    }
  }`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMCPServe,
}

func init() {
	rootCmd.AddCommand(mcpServeCmd)
}

// openDiagnostics opens the file that receives everything this process
// would otherwise print.
func openDiagnostics(cfg *config.Config) (*os.File, error) {
	dir := os.TempDir()
	if cfg != nil {
		dir = cfg.RuntimeRoot()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, mcpLogFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
}

func runMCPServe(cmd *cobra.Command, args []string) error {
	cfg, cfgErr := loadConfig()
	diag, err := openDiagnostics(cfg)
	if err != nil {
		diag, err = os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return err
		}
	}
	defer diag.Close()
	stdout := mcp.Isolate(diag)
	if cfgErr != nil {
		return cfgErr
	}

	id, err := resolveIdentity(cfg, args)
	if err != nil {
		return err
	}
	logger := logging.New(diag, "mcp-serve", cfg.Log.Level)
	logger.Info("mcp bridge starting", "project", id.AbsolutePath, "id", id.ProjectID)

	s := &session{cfg: cfg, id: id, supervisor: newSupervisor(cfg, logger)}
	bridge := mcp.NewBridge(mcp.BridgeOptions{
		Ensure:   s.ensure,
		Attempts: cfg.MCP.SetupAttempts,
		Stdin:    os.Stdin,
		Stdout:   stdout,
		Logger:   logger,
	})
	if err := bridge.Run(cmd.Context()); err != nil {
		return fmt.Errorf("mcp bridge: %w", err)
	}
	return nil
}
