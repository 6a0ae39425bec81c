package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/grepaid/daemon"
	"github.com/yoanbernabeu/grepaid/indexer"
	"github.com/yoanbernabeu/grepaid/ipc"
)

var (
	indexNoWait bool
	indexForce  bool
)

var indexCmd = &cobra.Command{
	Use:   "index [project-path]",
	Short: "Bring the project index up to date",
	Long: `Index the project through its daemon, starting it if needed.

Only files whose content changed since the last run are re-embedded. The
daemon keeps the index current afterwards by watching the project, so
running this again is rarely needed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVar(&indexNoWait, "no-wait", false, "Start the build in the background and return immediately")
	indexCmd.Flags().BoolVar(&indexForce, "force", false, "Discard the index and rebuild it from scratch")
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	s, err := newSession(args)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Indexing %s\n", s.id.AbsolutePath)

	var res daemon.IndexResult
	err = s.call(cmd.Context(), daemon.CmdIndex, daemon.IndexArgs{
		Path:  s.id.AbsolutePath,
		Wait:  !indexNoWait,
		Force: indexForce,
	}, &res)

	var wire *ipc.Error
	if errors.As(err, &wire) && wire.Code == ipc.CodePartialFailure {
		writePartialFailure(out, wire)
		return fmt.Errorf("index completed with failures")
	}
	if err != nil {
		return fmt.Errorf("index failed: %w", err)
	}

	if res.Summary == nil {
		fmt.Fprintln(out, "Index build started in the background. Run 'grepaid status' to follow it.")
		return nil
	}
	writeSummary(out, res.Summary)
	return nil
}

func writeSummary(w io.Writer, sum *indexer.Summary) {
	kind := "Incremental"
	if sum.Full {
		kind = "Full"
	}
	fmt.Fprintf(w, "%s index: %d added, %d modified, %d removed, %d unchanged (%d chunks) in %s\n",
		kind, sum.Added, sum.Modified, sum.Removed, sum.Unchanged, sum.Chunks, sum.Duration.Round(time.Millisecond))
	if sum.Canceled {
		fmt.Fprintln(w, "The build was canceled before it finished.")
	}
}

// writePartialFailure prints the per-file failures carried in the error
// details of a partial_failure response.
func writePartialFailure(w io.Writer, wire *ipc.Error) {
	var details struct {
		Failed  map[string]string `json:"failed"`
		Summary *indexer.Summary  `json:"summary"`
	}
	if err := decodeDetails(wire.Details, &details); err != nil || details.Summary == nil {
		fmt.Fprintln(w, wire.Message)
		return
	}
	writeSummary(w, details.Summary)
	fmt.Fprintf(w, "%d files failed:\n", len(details.Failed))
	paths := make([]string, 0, len(details.Failed))
	for p := range details.Failed {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Fprintf(w, "  %s: %s\n", p, details.Failed[p])
	}
}

// decodeDetails converts the generic details of a wire error into v.
func decodeDetails(details any, v any) error {
	data, err := json.Marshal(details)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
