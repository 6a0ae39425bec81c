package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alpkeskin/gotoon"
	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/grepaid/daemon"
	"github.com/yoanbernabeu/grepaid/ipc"
	"github.com/yoanbernabeu/grepaid/search"
)

var (
	searchMode     string
	searchLimit    int
	searchJSON     bool
	searchTOON     bool
	searchCompact  bool
	searchPaths    []string
	searchTypes    []string
	searchMinScore float32
	searchProject  string
)

// maxSnippetLines bounds the lines printed per result in text output.
const maxSnippetLines = 15

// SearchResultJSON is a lightweight struct for JSON output.
type SearchResultJSON struct {
	FilePath   string   `json:"file_path"`
	StartLine  int      `json:"start_line"`
	EndLine    int      `json:"end_line,omitempty"`
	Kind       string   `json:"kind"`
	Score      *float32 `json:"score,omitempty"`
	Content    string   `json:"content"`
	SymbolName string   `json:"symbol_name,omitempty"`
}

// SearchResultCompactJSON is a minimal struct for compact JSON output (no content field)
type SearchResultCompactJSON struct {
	FilePath   string   `json:"file_path"`
	StartLine  int      `json:"start_line"`
	EndLine    int      `json:"end_line,omitempty"`
	Kind       string   `json:"kind"`
	Score      *float32 `json:"score,omitempty"`
	SymbolName string   `json:"symbol_name,omitempty"`
}

// SearchOutputJSON wraps the results with the mode that produced them.
type SearchOutputJSON struct {
	Mode       search.Mode   `json:"mode"`
	Candidates []search.Mode `json:"candidates"`
	Results    any           `json:"results"`
}

// SearchErrorJSON is printed instead of results when --json or --toon is set.
type SearchErrorJSON struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the project",
	Long: `Search the project through its daemon, starting it if needed.

The mode is detected from the query unless --mode is given:
- a declaration such as "func Authenticate" or "class UserStore" runs a symbol search
- a regular expression such as "Auth.*Token" runs a pattern search
- anything else runs a semantic search over the embedded code chunks

An explicit mode that is unavailable fails instead of falling back.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVarP(&searchMode, "mode", "m", "auto", "Search mode: auto, semantic, symbol or pattern")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "Maximum number of results to return")
	searchCmd.Flags().BoolVarP(&searchJSON, "json", "j", false, "Output results in JSON format (for AI agents)")
	searchCmd.Flags().BoolVarP(&searchTOON, "toon", "t", false, "Output results in TOON format (token-efficient for AI agents)")
	searchCmd.Flags().BoolVarP(&searchCompact, "compact", "c", false, "Output minimal format without content (requires --json or --toon)")
	searchCmd.Flags().StringSliceVar(&searchPaths, "path", nil, "Only return results under these path prefixes")
	searchCmd.Flags().StringSliceVar(&searchTypes, "type", nil, "Only return results in files with these extensions, e.g. go,py")
	searchCmd.Flags().Float32Var(&searchMinScore, "min-score", 0, "Drop semantic results scoring below this value (default from config)")
	searchCmd.Flags().StringVarP(&searchProject, "project", "p", "", "Project directory (default: git root of the working directory)")
	searchCmd.MarkFlagsMutuallyExclusive("json", "toon")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	if searchCompact && !searchJSON && !searchTOON {
		return fmt.Errorf("--compact flag requires --json or --toon flag")
	}
	mode, err := search.ParseMode(searchMode)
	if err != nil {
		return err
	}
	req := search.Request{
		Query:    args[0],
		Mode:     mode,
		Limit:    searchLimit,
		Filters:  search.Filters{Paths: searchPaths, FileTypes: searchTypes},
		MinScore: searchMinScore,
	}

	var projectArgs []string
	if searchProject != "" {
		projectArgs = []string{searchProject}
	}
	s, err := newSession(projectArgs)
	if err != nil {
		return err
	}

	var resp search.Response
	err = s.call(cmd.Context(), daemon.CmdSearch, req, &resp)

	out := cmd.OutOrStdout()
	switch {
	case err != nil && (searchJSON || searchTOON):
		return writeSearchError(out, err, searchTOON)
	case err != nil:
		return fmt.Errorf("search failed: %w", err)
	case searchJSON:
		return writeSearchJSON(out, &resp, searchCompact)
	case searchTOON:
		return writeSearchTOON(out, &resp, searchCompact)
	default:
		writeSearchText(out, req.Query, &resp)
		return nil
	}
}

func searchOutput(resp *search.Response, compact bool) SearchOutputJSON {
	out := SearchOutputJSON{Mode: resp.Mode, Candidates: resp.Candidates}
	if compact {
		results := make([]SearchResultCompactJSON, len(resp.Results))
		for i, r := range resp.Results {
			results[i] = SearchResultCompactJSON{
				FilePath:   r.File,
				StartLine:  r.Line,
				EndLine:    r.EndLine,
				Kind:       r.Kind,
				Score:      r.Score,
				SymbolName: r.Symbol,
			}
		}
		out.Results = results
		return out
	}
	results := make([]SearchResultJSON, len(resp.Results))
	for i, r := range resp.Results {
		results[i] = SearchResultJSON{
			FilePath:   r.File,
			StartLine:  r.Line,
			EndLine:    r.EndLine,
			Kind:       r.Kind,
			Score:      r.Score,
			Content:    r.Snippet,
			SymbolName: r.Symbol,
		}
	}
	out.Results = results
	return out
}

// writeSearchJSON outputs results in JSON format for AI agents
func writeSearchJSON(w io.Writer, resp *search.Response, compact bool) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(searchOutput(resp, compact))
}

// writeSearchTOON outputs results in TOON format for AI agents
func writeSearchTOON(w io.Writer, resp *search.Response, compact bool) error {
	output, err := gotoon.Encode(searchOutput(resp, compact))
	if err != nil {
		return fmt.Errorf("failed to encode TOON: %w", err)
	}
	_, err = fmt.Fprintln(w, output)
	return err
}

// writeSearchError reports a failed search in the requested machine format.
func writeSearchError(w io.Writer, searchErr error, toon bool) error {
	out := SearchErrorJSON{Error: searchErr.Error()}
	var wire *ipc.Error
	if errors.As(searchErr, &wire) {
		out = SearchErrorJSON{Error: wire.Message, Code: wire.Code, Details: wire.Details}
	}
	if toon {
		output, err := gotoon.Encode(out)
		if err != nil {
			return fmt.Errorf("failed to encode TOON error: %w", err)
		}
		_, err = fmt.Fprintln(w, output)
		return err
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

func writeSearchText(w io.Writer, query string, resp *search.Response) {
	if len(resp.Results) == 0 {
		fmt.Fprintf(w, "No results found (%s search).\n", resp.Mode)
		return
	}

	fmt.Fprintf(w, "Found %d results for: %q (%s search)\n\n", len(resp.Results), query, resp.Mode)

	for i, result := range resp.Results {
		if result.Score != nil {
			fmt.Fprintf(w, "─── Result %d (score: %.4f) ───\n", i+1, *result.Score)
		} else if result.Symbol != "" {
			fmt.Fprintf(w, "─── Result %d (%s %s) ───\n", i+1, result.Kind, result.Symbol)
		} else {
			fmt.Fprintf(w, "─── Result %d (%s) ───\n", i+1, result.Kind)
		}
		if result.EndLine > result.Line {
			fmt.Fprintf(w, "File: %s:%d-%d\n", result.File, result.Line, result.EndLine)
		} else {
			fmt.Fprintf(w, "File: %s:%d\n", result.File, result.Line)
		}
		fmt.Fprintln(w)

		lines := strings.Split(strings.TrimRight(result.Snippet, "\n"), "\n")
		lineNum := result.Line
		for j := 0; j < len(lines) && j < maxSnippetLines; j++ {
			fmt.Fprintf(w, "%4d │ %s\n", lineNum, lines[j])
			lineNum++
		}
		if len(lines) > maxSnippetLines {
			fmt.Fprintf(w, "     │ ... (%d more lines)\n", len(lines)-maxSnippetLines)
		}
		fmt.Fprintln(w)
	}
}
