package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/grepaid/daemon"
	"github.com/yoanbernabeu/grepaid/ipc"
	"github.com/yoanbernabeu/grepaid/search"
)

var statusJSON bool

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle = lipgloss.NewStyle().Faint(true).Width(14)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

var statusCmd = &cobra.Command{
	Use:   "status [project-path]",
	Short: "Show the project daemon and index status",
	Long: `Show the state of the project's daemon and index.

Unlike the other commands, status does not start a daemon that is not
running.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusJSON, "json", "j", false, "Output the status report in JSON format")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := newSession(args)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	rec := s.supervisor.Check(cmd.Context(), s.id)
	if rec.State != daemon.Ready {
		if statusJSON {
			return json.NewEncoder(out).Encode(map[string]any{"project_id": s.id.ProjectID, "state": rec.State})
		}
		fmt.Fprintln(out, titleStyle.Render("grepaid "+s.id.AbsolutePath))
		writeField(out, "Daemon", stateStyle(rec.State).Render(rec.State.String()))
		return nil
	}

	var st daemon.StatusReport
	if err := ipc.Call(cmd.Context(), rec.SocketPath, daemon.CmdStatus, nil, &st); err != nil {
		return fmt.Errorf("status failed: %w", err)
	}
	if statusJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(st)
	}
	writeStatus(out, rec, &st)
	return nil
}

func stateStyle(state daemon.State) lipgloss.Style {
	switch state {
	case daemon.Ready:
		return okStyle
	case daemon.Degraded, daemon.Starting:
		return warnStyle
	default:
		return errStyle
	}
}

func writeField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(label), value)
}

func writeStatus(w io.Writer, rec daemon.Record, st *daemon.StatusReport) {
	fmt.Fprintln(w, titleStyle.Render("grepaid "+st.Root))
	writeField(w, "Daemon", fmt.Sprintf("%s (pid %d, %s, up %s)",
		stateStyle(rec.State).Render(rec.State.String()), st.PID, st.Version, st.Uptime.Round(time.Second)))
	writeField(w, "Project ID", st.ProjectID)
	writeField(w, "Data", st.DataDir)
	writeField(w, "Embedder", st.Embedder)

	index := "not indexed"
	switch {
	case st.Indexing:
		index = warnStyle.Render("indexing")
	case st.NeedsRebuild:
		index = errStyle.Render("needs rebuild")
	case st.Indexed:
		index = okStyle.Render("ready")
	}
	writeField(w, "Index", fmt.Sprintf("%s, %d files, %d vectors, %d symbols",
		index, st.Stats.Files, st.Stats.Vectors, st.Stats.Symbols))

	watch := st.Watcher
	if st.Pending > 0 {
		watch = fmt.Sprintf("%s, %d pending", watch, st.Pending)
	}
	writeField(w, "Watcher", watch)

	if st.LastRun != nil {
		writeField(w, "Last build", fmt.Sprintf("%s, %d changed, %d failed",
			st.LastRun.FinishedAt.Local().Format(time.DateTime), st.LastRun.Added+st.LastRun.Modified+st.LastRun.Removed, len(st.LastRun.Failed)))
	}
	if f := st.LastFlush; f != nil {
		line := f.At.Local().Format(time.DateTime)
		switch {
		case f.Error != "":
			line += ", " + errStyle.Render(f.Error)
		case f.Summary != nil:
			line += fmt.Sprintf(", %d changed, %d failed", f.Summary.Added+f.Summary.Modified+f.Summary.Removed, len(f.Summary.Failed))
		}
		writeField(w, "Last flush", line)
	}

	modes := make([]string, 0, len(st.Modes))
	for _, m := range []search.Mode{search.ModeSemantic, search.ModeSymbol, search.ModePattern} {
		state, ok := st.Modes[m]
		if !ok {
			continue
		}
		style := okStyle
		if state != "available" {
			style = warnStyle
		}
		modes = append(modes, fmt.Sprintf("%s %s", m, style.Render(state)))
	}
	writeField(w, "Modes", strings.Join(modes, ", "))
	writeField(w, "Cache builds", fmt.Sprint(st.CacheBuilds))
}
