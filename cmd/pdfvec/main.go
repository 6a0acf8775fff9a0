package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"pdf-vector-ingest/internal/app"
	"pdf-vector-ingest/internal/config"
	"pdf-vector-ingest/internal/logger"
	"pdf-vector-ingest/internal/queue"
	"pdf-vector-ingest/models"
	"pdf-vector-ingest/services"
	"pdf-vector-ingest/utils"
)

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, cfg *config.Config, args []string) error
}

var commands = map[string]command{
	"reset":   {"reset [--keep-index] [--run ID]", "Delete stored chunks and drop the indexes", runReset},
	"index":   {"index", "Create the vector search index and wait until it is queryable", runIndex},
	"ingest":  {"ingest <file|url>...", "Load, chunk, embed and store sources", runIngest},
	"search":  {"search <query> [k]", "Run a similarity search", runSearch},
	"verify":  {"verify", "Print the document count and indexes", runVerify},
	"chunk":   {"chunk <file|url>", "Print the chunks of a source without embedding them", runChunk},
	"run":     {"run [--queries FILE] [file|url...]", "Reset, index, ingest, verify and run the test queries", runAll},
	"enqueue": {"enqueue <file|url>...", "Queue an ingestion for the worker", runEnqueue},
	"export":  {"export [--format excel|json|both] [--run ID] [--out PATH]", "Export stored chunks", runExport},
	"token":   {"token [--subject NAME] [--role admin|reader] [--ttl 24h]", "Issue an API token", runToken},
}

var order = []string{"reset", "index", "ingest", "search", "verify", "chunk", "run", "enqueue", "export", "token"}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: pdfvec <command> [arguments]")
	fmt.Fprintln(os.Stderr, "Commands:")
	for _, name := range order {
		c := commands[name]
		fmt.Fprintf(os.Stderr, "  %-60s %s\n", c.usage, c.help)
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	name := os.Args[1]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", name)
		usage()
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger.InitLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.run(ctx, cfg, os.Args[2:]); err != nil {
		args := []any{"command", name, "error", err}
		if stage := services.StageOf(err); stage != "" {
			args = append(args, "stage", stage)
		}
		logger.Error("Command failed", args...)
		stop()
		os.Exit(1)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func openApp(ctx context.Context, cfg *config.Config, withEmbedder bool) (*app.App, error) {
	return app.New(ctx, cfg, app.Options{WithEmbedder: withEmbedder})
}

func runReset(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	keepIndex := fs.Bool("keep-index", false, "keep the vector and metadata indexes")
	runID := fs.String("run", "", "only delete the documents of this ingestion run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if *runID != "" {
		n, err := a.Store.ResetRun(ctx, *runID)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"deleted": n, "run_id": *runID})
	}

	n, err := a.Store.Reset(ctx, !*keepIndex)
	if err != nil {
		return err
	}
	if !*keepIndex {
		if err := a.Store.EnsureIndexes(ctx); err != nil {
			logger.Warn("Could not recreate metadata indexes", "error", err)
		}
	}
	return printJSON(map[string]any{"deleted": n, "dropped_indexes": !*keepIndex})
}

func runIndex(ctx context.Context, cfg *config.Config, _ []string) error {
	a, err := openApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	idx := a.Store.IndexConfig()
	if err := a.Store.CreateIndex(ctx, idx); err != nil {
		return err
	}
	return printJSON(map[string]any{"index": idx, "status": "queryable"})
}

func runIngest(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return services.ErrNoSources
	}
	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Pipeline.Ingest(ctx, args...)
	if err != nil {
		if report != nil && report.Inserted > 0 {
			logger.Warn("Collection holds a partial run", "run_id", report.RunID, "inserted", report.Inserted,
				"cleanup", "pdfvec reset --run "+report.RunID)
		}
		return err
	}
	return printJSON(report)
}

func runSearch(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return services.ErrEmptyQuery
	}
	k := cfg.SearchK
	query := strings.Join(args, " ")
	if len(args) > 1 {
		if n, err := strconv.Atoi(args[len(args)-1]); err == nil {
			k = n
			query = strings.Join(args[:len(args)-1], " ")
		}
	}

	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.Pipeline.Searcher().Search(ctx, query, k)
	if err != nil {
		return err
	}
	return printJSON(services.QueryOutcome{Query: query, Results: results})
}

func runVerify(ctx context.Context, cfg *config.Config, _ []string) error {
	a, err := openApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	count, err := a.Store.Count(ctx)
	if err != nil {
		return err
	}
	indexes, err := a.Store.ListIndexes(ctx)
	if err != nil {
		return err
	}
	return printJSON(services.VerifyReport{Count: count, Indexes: indexes})
}

func runChunk(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("chunk takes exactly one source")
	}
	splitter, err := app.NewSplitter(cfg)
	if err != nil {
		return &services.StageError{Stage: models.StageConfig, Index: -1, Err: err}
	}
	pages, err := app.NewLoader(cfg).Load(ctx, args[0])
	if err != nil {
		return &services.StageError{Stage: models.StageLoad, Source: args[0], Index: -1, Err: err}
	}
	chunks := splitter.SplitPages(pages)
	logger.Info("Chunked source", "source", args[0], "pages", len(pages), "chunks", len(chunks))

	enc := json.NewEncoder(os.Stdout)
	for _, c := range chunks {
		if err := enc.Encode(c); err != nil {
			return err
		}
	}
	return nil
}

func runAll(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	queriesFile := fs.String("queries", cfg.QueriesFile, "YAML file with test queries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sources := fs.Args()
	if len(sources) == 0 {
		sources = []string{"D01.pdf"}
	}
	queries, err := services.LoadQuerySet(*queriesFile, 2)
	if err != nil {
		return &services.StageError{Stage: models.StageConfig, Index: -1, Err: err}
	}

	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Pipeline.Run(ctx, services.RunOptions{Sources: sources, Queries: queries})
	if perr := printJSON(report); perr != nil && err == nil {
		err = perr
	}
	return err
}

func runEnqueue(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return services.ErrNoSources
	}
	if cfg.RedisURL == "" {
		return errors.New("enqueue needs REDIS_URL")
	}
	opt, err := queue.RedisConnOpt(cfg)
	if err != nil {
		return err
	}
	client := queue.NewClient(opt)
	defer client.Close()

	sources := make([]string, 0, len(args))
	for _, src := range args {
		if !services.IsWebSource(src) {
			if abs, err := filepath.Abs(src); err == nil {
				src = abs
			}
		}
		sources = append(sources, src)
	}
	info, err := client.EnqueueIngest(ctx, sources, queue.TriggerCLI)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"task_id": info.ID, "queue": info.Queue, "sources": sources})
}

func runExport(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	format := fs.String("format", services.FormatExcel, "excel, json or both")
	runID := fs.String("run", "", "only export this ingestion run")
	limit := fs.Int64("limit", 0, "maximum number of chunks")
	out := fs.String("out", "", "output file (defaults to a timestamped name)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	file, err := services.NewExportService(a.Store).Export(ctx, services.ExportRequest{Format: *format, RunID: *runID, Limit: *limit})
	if err != nil {
		return err
	}
	path := *out
	if path == "" {
		path = file.Filename
	}
	if err := os.WriteFile(path, file.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return printJSON(map[string]any{"path": path, "records": file.RecordCount, "bytes": len(file.Data)})
}

func runToken(_ context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "cli", "token subject")
	role := fs.String("role", utils.RoleReader, "admin or reader")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *role != utils.RoleAdmin && *role != utils.RoleReader {
		return fmt.Errorf("unknown role %q", *role)
	}

	token, err := utils.GenerateJWT(*subject, *role, cfg.JWTSecret, *ttl)
	if err != nil {
		return fmt.Errorf("set JWT_SECRET to issue tokens: %w", err)
	}
	return printJSON(map[string]any{"token": token, "role": *role, "expires_at": time.Now().Add(*ttl).UTC()})
}
