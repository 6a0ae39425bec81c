package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"

	"github.com/yoanbernabeu/grepaid/config"
)

var (
	initProvider       string
	initModel          string
	initBackend        string
	initNonInteractive bool
	initForce          bool
)

// keyringService is where init stores an API key entered at the prompt.
const keyringService = config.AppName

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the grepaid user configuration",
	Long: `Create the grepaid configuration file.

This command will:
- Prompt for the embedding provider (Ollama, OpenAI-compatible or the local hash embedder)
- Prompt for the storage backend (GOB file, PostgreSQL or Qdrant)
- Optionally store an API key in the OS keyring
- Write the result to the user config file

Daemons read the configuration when they start; run 'grepaid restart' in a
project to apply changes.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initProvider, "provider", "p", "", "Embedding provider (ollama, openai or hash)")
	initCmd.Flags().StringVarP(&initModel, "model", "m", "", "Embedding model")
	initCmd.Flags().StringVarP(&initBackend, "backend", "b", "", "Storage backend (gob, postgres, or qdrant)")
	initCmd.Flags().BoolVar(&initNonInteractive, "yes", false, "Use defaults without prompting")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing configuration")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, _ []string) error {
	path := configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	out := cmd.OutOrStdout()

	if _, err := os.Stat(path); err == nil && !initForce {
		fmt.Fprintln(out, "grepaid is already configured.")
		fmt.Fprintf(out, "Configuration: %s\n", path)
		return nil
	}

	cfg := config.DefaultConfig()
	p := &prompter{r: bufio.NewReader(cmd.InOrStdin()), w: out, skip: initNonInteractive}

	provider := initProvider
	if provider == "" {
		provider = p.choose("Select embedding provider:", []string{
			"ollama (local, privacy-first, requires Ollama running)",
			"openai (cloud or any OpenAI-compatible endpoint, requires API key)",
			"hash (offline, no model; semantic quality is limited)",
		}, []string{"ollama", "openai", "hash"})
	}
	if err := applyProvider(cfg, provider, initModel); err != nil {
		return err
	}
	switch provider {
	case "ollama":
		cfg.Embedder.Endpoint = p.ask("Ollama endpoint", cfg.Embedder.Endpoint)
	case "openai":
		cfg.Embedder.Endpoint = p.ask("API endpoint", cfg.Embedder.Endpoint)
		if key := p.ask("API key to store in the OS keyring (empty to use GREPAID_EMBEDDER_API_KEY)", ""); key != "" {
			if err := keyring.Set(keyringService, provider, key); err != nil {
				return fmt.Errorf("failed to store API key: %w", err)
			}
			cfg.Embedder.KeyringService = keyringService
		}
	}

	backend := initBackend
	if backend == "" {
		backend = p.choose("Select storage backend:", []string{
			"gob (local file, recommended for most projects)",
			"postgres (pgvector, for large monorepos or shared index)",
			"qdrant (Docker-based vector database)",
		}, []string{"gob", "postgres", "qdrant"})
	}
	switch backend {
	case "gob":
	case "postgres":
		cfg.Store.Postgres.DSN = p.ask("PostgreSQL DSN", "postgres://localhost:5432/grepaid")
	case "qdrant":
		cfg.Store.Qdrant.Endpoint = p.ask("Qdrant endpoint", "localhost")
		port, err := strconv.Atoi(p.ask("Qdrant port", "6334"))
		if err != nil {
			return fmt.Errorf("invalid port number: %w", err)
		}
		cfg.Store.Qdrant.Port = port
		useTLS := strings.ToLower(p.ask("Use TLS? (y/n)", "n"))
		cfg.Store.Qdrant.UseTLS = useTLS == "y" || useTLS == "yes"
		cfg.Store.Qdrant.APIKey = p.ask("API key (optional, for Qdrant Cloud)", "")
	default:
		return fmt.Errorf("unknown storage backend: %s", backend)
	}
	cfg.Store.Backend = backend

	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	fmt.Fprintf(out, "\nCreated configuration at %s\n", path)

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Index a project: grepaid index /path/to/project")
	fmt.Fprintln(out, "  2. Search it: grepaid search \"your query\"")
	switch cfg.Embedder.Provider {
	case "ollama":
		fmt.Fprintln(out, "\nMake sure Ollama is running with the embedding model:")
		fmt.Fprintf(out, "  ollama pull %s\n", cfg.Embedder.Model)
	case "openai":
		if cfg.Embedder.KeyringService == "" {
			fmt.Fprintln(out, "\nMake sure GREPAID_EMBEDDER_API_KEY is set in your environment.")
		}
	}
	return nil
}

// applyProvider sets the provider defaults. An explicit model replaces the
// default one.
func applyProvider(cfg *config.Config, provider, model string) error {
	switch provider {
	case "ollama":
		cfg.Embedder = config.DefaultConfig().Embedder
	case "openai":
		cfg.Embedder.Provider = "openai"
		cfg.Embedder.Model = "text-embedding-3-small"
		cfg.Embedder.Endpoint = "https://api.openai.com/v1"
		dim := 1536
		cfg.Embedder.Dimensions = &dim
	case "hash":
		cfg.Embedder.Provider = "hash"
		cfg.Embedder.Model = ""
		cfg.Embedder.Endpoint = ""
	default:
		return fmt.Errorf("unknown embedding provider: %s", provider)
	}
	if model != "" {
		cfg.Embedder.Model = model
	}
	return nil
}

// prompter asks questions on the command's streams. With skip set every
// question takes its default.
type prompter struct {
	r    *bufio.Reader
	w    io.Writer
	skip bool
}

func (p *prompter) ask(question, def string) string {
	if p.skip {
		return def
	}
	if def != "" {
		fmt.Fprintf(p.w, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.w, "%s: ", question)
	}
	input, _ := p.r.ReadString('\n')
	if input = strings.TrimSpace(input); input != "" {
		return input
	}
	return def
}

// choose offers numbered options and returns the matching value. Values
// may also be typed by name; anything else picks the first.
func (p *prompter) choose(title string, options, values []string) string {
	if p.skip {
		return values[0]
	}
	fmt.Fprintln(p.w, "\n"+title)
	for i, o := range options {
		fmt.Fprintf(p.w, "  %d) %s\n", i+1, o)
	}
	input := p.ask("Choice", "1")
	if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(values) {
		return values[n-1]
	}
	for _, v := range values {
		if input == v {
			return v
		}
	}
	return values[0]
}
