// Command viki runs the agent platform's chat API.
//
// Usage:
//
//	viki serve
//	viki serve --addr :9090 --db-driver postgres --db-dsn postgres://...
//	viki version
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/viki-ai/viki/pkg/config"
	"github.com/viki-ai/viki/pkg/knowledge"
	"github.com/viki-ai/viki/pkg/logger"
	"github.com/viki-ai/viki/pkg/orchestrator"
	"github.com/viki-ai/viki/pkg/server"
	"github.com/viki-ai/viki/pkg/store"
)

// CLI defines the command-line interface. Flags override the VIKI_*
// environment variables they correspond to.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP API server."`

	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFormat string `help:"Log format (text or json)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("viki version %s\n", version)
	return nil
}

// ServeCmd starts the API server.
type ServeCmd struct {
	Addr     string `help:"Listen address."`
	DBDriver string `name:"db-driver" help:"Database driver (sqlite, postgres, mysql)."`
	DBDSN    string `name:"db-dsn" help:"Database connection string."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlag(&cfg.HTTPAddr, c.Addr)
	applyFlag(&cfg.DBDriver, c.DBDriver)
	applyFlag(&cfg.DBDSN, c.DBDSN)
	applyFlag(&cfg.LogLevel, cli.LogLevel)
	applyFlag(&cfg.LogFormat, cli.LogFormat)
	applyFlag(&cfg.LogFile, cli.LogFile)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := setupLogger(cfg); err != nil {
		return err
	}

	st, err := store.NewSQLStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	retriever, closeRetriever, err := buildRetriever(cfg)
	if err != nil {
		return err
	}
	if closeRetriever != nil {
		defer closeRetriever()
	}

	orch := orchestrator.New(st, retriever, orchestrator.Options{
		MaxHops:         cfg.MaxHops,
		LLMTimeout:      cfg.LLMTimeout,
		ToolTimeout:     cfg.ToolTimeout,
		SequentialTools: cfg.SequentialTools,
		TokenBudget:     cfg.TokenBudget,
		RetrievalTopK:   cfg.RetrievalTopK,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(st, orch)
	if err := srv.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	slog.Info("Server stopped")
	return nil
}

func setupLogger(cfg *config.Config) error {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	var output io.Writer = os.Stderr
	if cfg.LogFile != "" {
		file, _, err := logger.OpenLogFile(cfg.LogFile)
		if err != nil {
			return err
		}
		output = file
	}

	logger.Init(level, output, cfg.LogFormat)
	return nil
}

// buildRetriever wires the vector store when an embedder is configured.
// Without one the orchestrator runs with retrieval disabled.
func buildRetriever(cfg *config.Config) (knowledge.Retriever, func(), error) {
	var embedder knowledge.Embedder
	switch cfg.EmbedderProvider {
	case "":
		return nil, nil, nil
	case "openai":
		e, err := knowledge.NewOpenAIEmbedder(cfg.EmbedderAPIKey, cfg.EmbedderEndpoint, cfg.EmbedderModel)
		if err != nil {
			return nil, nil, err
		}
		embedder = e
	case "ollama":
		embedder = knowledge.NewOllamaEmbedder(cfg.EmbedderEndpoint, cfg.EmbedderModel)
	}

	ks, err := knowledge.NewStore(embedder, cfg.KnowledgeDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open knowledge store: %w", err)
	}
	return ks, func() {
		if err := ks.Close(); err != nil {
			slog.Error("Failed to persist knowledge store", "error", err)
		}
	}, nil
}

func applyFlag(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("viki"),
		kong.Description("Agent platform chat API."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
