// Command ingest loads the seed content corpus into PostgreSQL.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-n-ai/pai-content/internal/curriculum"
	"github.com/p-n-ai/pai-content/internal/driver"
	"github.com/p-n-ai/pai-content/internal/ingest"
	"github.com/p-n-ai/pai-content/internal/platform/cache"
	"github.com/p-n-ai/pai-content/internal/platform/config"
	"github.com/p-n-ai/pai-content/internal/platform/database"
)

const (
	lockKey = "pai:ingest:lock"
	lockTTL = 2 * time.Minute
)

func main() {
	// Cancel on SIGTERM/SIGINT; in-flight topics roll back.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// exitError carries the process exit status out of the command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// execute runs the command with args and returns the exit status. The JSON
// summary goes to stdout, logs and errors to stderr.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return driver.ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil && ee.code != driver.ExitErrors {
			fmt.Fprintln(stderr, "ingest:", ee.err)
		}
		return ee.code
	}
	// Flag parsing and other command errors.
	fmt.Fprintln(stderr, "ingest:", err)
	return driver.ExitConfig
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	cfg, loadErr := config.Load()
	if cfg == nil {
		cfg = &config.Config{}
	}

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load seed lessons, code examples and quizzes into the content database",
		Long: `ingest walks a content root of YAML, JSON, Markdown and spreadsheet files,
validates every record and upserts categories, topics, lessons, code examples
and quiz questions. Each topic is written in one transaction; re-running over
an unchanged corpus writes nothing.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if loadErr != nil {
				return &exitError{code: driver.ExitConfig, err: loadErr}
			}
			if err := cfg.Validate(); err != nil {
				return &exitError{code: driver.ExitConfig, err: err}
			}
			slog.SetDefault(newLogger(cfg.Log, stderr))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, stdout)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.ContentRoot, "root", cfg.ContentRoot, "content directory to scan (LEARN_CONTENT_ROOT)")
	flags.StringVar(&cfg.Database.URL, "database-url", cfg.Database.URL, "PostgreSQL connection URL (LEARN_DATABASE_URL)")
	flags.IntVar(&cfg.Database.MaxConns, "max-conns", cfg.Database.MaxConns, "connection pool size (LEARN_DATABASE_MAX_CONNS)")
	flags.DurationVar(&cfg.Database.StatementTimeout, "statement-timeout", cfg.Database.StatementTimeout, "deadline for each statement (LEARN_DATABASE_STATEMENT_TIMEOUT)")
	flags.BoolVar(&cfg.Ingest.DryRun, "dry-run", cfg.Ingest.DryRun, "validate and plan without writing (LEARN_INGEST_DRY_RUN)")
	flags.BoolVar(&cfg.Ingest.FailFast, "fail-fast", cfg.Ingest.FailFast, "stop at the first failed topic (LEARN_INGEST_FAIL_FAST)")
	flags.IntVar(&cfg.Ingest.Concurrency, "concurrency", cfg.Ingest.Concurrency, "topics ingested in parallel (LEARN_INGEST_CONCURRENCY)")
	flags.StringVar(&cfg.Cache.URL, "lock-url", cfg.Cache.URL, "Redis URL for the run lock; empty disables it (LEARN_CACHE_URL)")
	flags.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "debug, info, warn or error (LEARN_LOG_LEVEL)")
	return cmd
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func run(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	if cfg.Cache.URL != "" {
		release, err := holdLock(ctx, cfg.Cache.URL)
		if err != nil {
			slog.Error("run lock unavailable", "error", err)
			return &exitError{code: driver.ExitErrors, err: err}
		}
		defer release()
	}

	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns, cfg.Database.StatementTimeout)
	if err != nil {
		return &exitError{code: driver.ExitUnreachable, err: fmt.Errorf("connecting to database: %w", err)}
	}
	defer db.Close()

	sqlBackend := ingest.NewSQLBackend(db)
	var backend ingest.Backend = sqlBackend
	if cfg.Ingest.DryRun {
		ready, err := sqlBackend.SchemaReady(ctx)
		if err != nil {
			return &exitError{code: driver.ExitUnreachable, err: err}
		}
		if !ready {
			slog.Warn("content schema missing, planning against an empty store")
			backend = ingest.NewMemoryBackend()
		}
	} else if err := sqlBackend.EnsureSchema(ctx); err != nil {
		return &exitError{code: driver.ExitUnreachable, err: err}
	}

	loader, err := curriculum.NewLoader(cfg.ContentRoot)
	if err != nil {
		return &exitError{code: driver.ExitConfig, err: err}
	}
	engine := ingest.NewEngine(ingest.EngineConfig{
		Backend:     backend,
		DryRun:      cfg.Ingest.DryRun,
		MaxAttempts: cfg.Ingest.MaxAttempts,
		BackoffBase: cfg.Ingest.BackoffBase,
	})

	slog.Info("ingestion starting",
		"root", cfg.ContentRoot,
		"dry_run", cfg.Ingest.DryRun,
		"concurrency", cfg.Ingest.Concurrency,
		"fail_fast", cfg.Ingest.FailFast,
	)
	summary, runErr := driver.New(loader, engine, driver.Options{
		FailFast:    cfg.Ingest.FailFast,
		Concurrency: cfg.Ingest.Concurrency,
	}).Run(ctx)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return &exitError{code: driver.ExitErrors, err: fmt.Errorf("writing summary: %w", err)}
	}

	slog.Info("ingestion finished",
		"inserted", summary.Inserted,
		"updated", summary.Updated,
		"unchanged", summary.Unchanged,
		"deleted", summary.Deleted,
		"errors", len(summary.Errors),
		"cancelled", summary.Cancelled,
		"elapsed", summary.Elapsed,
	)
	if runErr != nil {
		slog.Error("ingestion stopped early", "error", runErr)
	}
	if code := driver.ExitCode(summary, runErr); code != driver.ExitOK {
		if runErr == nil {
			runErr = fmt.Errorf("%d errors reported", len(summary.Errors))
		}
		return &exitError{code: code, err: runErr}
	}
	return nil
}

// holdLock takes the run lock and keeps it alive until the returned
// release function is called.
func holdLock(ctx context.Context, url string) (func(), error) {
	c, err := cache.New(ctx, url)
	if err != nil {
		return nil, err
	}
	lock, err := c.Lock(ctx, lockKey, lockTTL)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	keepCtx, cancel := context.WithCancel(ctx)
	go lock.KeepAlive(keepCtx, lockTTL, func(err error) {
		slog.Error("run lock lost", "error", err)
	})

	return func() {
		cancel()
		rctx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer done()
		if err := lock.Release(rctx); err != nil {
			slog.Warn("releasing run lock", "error", err)
		}
		_ = c.Close()
	}, nil
}
