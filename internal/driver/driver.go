// Package driver runs one ingestion: discovery, the categories pass, then
// topics in parallel up to a configured limit.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/p-n-ai/pai-content/internal/curriculum"
	"github.com/p-n-ai/pai-content/internal/ingest"
)

// Exit codes of the ingest command.
const (
	ExitOK          = 0
	ExitErrors      = 1
	ExitConfig      = 2
	ExitUnreachable = 3
)

// ErrStoreUnreachable means the store could not be used at all.
var ErrStoreUnreachable = errors.New("store unreachable")

// Options controls a run.
type Options struct {
	FailFast    bool
	Concurrency int // topics ingested in parallel (default 1)
}

// Driver ties the loader to the engine.
type Driver struct {
	loader *curriculum.Loader
	engine *ingest.Engine
	opts   Options
}

// New creates a driver. Concurrency is capped at the store's capacity so
// every in-flight topic can hold its own connection.
func New(loader *curriculum.Loader, engine *ingest.Engine, opts Options) *Driver {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if c := engine.Capacity(); c > 0 && opts.Concurrency > c {
		slog.Warn("concurrency exceeds store capacity, lowering it",
			"concurrency", opts.Concurrency,
			"capacity", c,
		)
		opts.Concurrency = c
	}
	return &Driver{loader: loader, engine: engine, opts: opts}
}

// Concurrency is the number of topics ingested in parallel.
func (d *Driver) Concurrency() int { return d.opts.Concurrency }

// Run ingests the corpus and returns its summary. The returned error is
// non-nil when the run stopped early: ErrStoreUnreachable when the
// categories pass could not reach the store, or the first topic error
// under FailFast. Record-level problems only appear in the summary.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	s := newSummary(d.engine.DryRun())
	defer func() { s.finish(time.Since(start)) }()

	corpus, err := d.loader.Discover(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.Cancelled = true
			return s, nil
		}
		return s, fmt.Errorf("discovering content: %w", err)
	}
	s.addCorpus(corpus)

	cats := d.engine.ApplyCategories(ctx, corpus.Categories)
	s.add(cats)
	if cats.Err != nil {
		s.Skipped = len(corpus.Groups)
		switch {
		case ingest.Classify(cats.Err) == ingest.Cancelled:
			s.Cancelled = true
			return s, nil
		case isExhausted(cats.Err):
			return s, fmt.Errorf("%w: %v", ErrStoreUnreachable, cats.Err)
		}
		return s, fmt.Errorf("applying categories: %w", cats.Err)
	}
	slog.Info("categories applied",
		"count", len(corpus.Categories),
		"attempts", cats.Attempts,
		"elapsed", cats.Elapsed,
	)

	err = d.ingestTopics(ctx, corpus, s)

	if ctx.Err() != nil {
		s.Cancelled = true
	}
	if !s.DryRun && !s.Cancelled {
		d.reportOrphans(ctx, corpus, s)
	}
	return s, err
}

func (d *Driver) ingestTopics(ctx context.Context, corpus *curriculum.Corpus, s *Summary) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)

	var mu sync.Mutex
	done, scheduled, abandoned := 0, 0, 0
	total := len(corpus.Groups)

	for _, group := range corpus.Groups {
		if gctx.Err() != nil {
			break
		}
		scheduled++
		g.Go(func() error {
			// The slot may free up only after a failure cancelled the run.
			if gctx.Err() != nil {
				mu.Lock()
				abandoned++
				mu.Unlock()
				return nil
			}
			rep := d.engine.IngestTopic(gctx, d.loader.Load(group))

			mu.Lock()
			s.add(rep)
			done++
			n := done
			mu.Unlock()

			c := rep.Total()
			if rep.Err != nil {
				slog.Error("topic failed",
					"topic", rep.Topic,
					"done", n,
					"total", total,
					"attempts", rep.Attempts,
					"error", rep.Err,
				)
				if d.opts.FailFast && ingest.Classify(rep.Err) != ingest.Cancelled {
					return rep.Err
				}
				return nil
			}
			slog.Info("topic ingested",
				"topic", rep.Topic,
				"done", n,
				"total", total,
				"inserted", c.Inserted,
				"updated", c.Updated,
				"unchanged", c.Unchanged,
				"deleted", c.Deleted,
				"errors", len(rep.Errors),
				"attempts", rep.Attempts,
				"elapsed", rep.Elapsed,
			)
			return nil
		})
	}

	err := g.Wait()
	s.Skipped = total - scheduled + abandoned
	return err
}

// reportOrphans lists stored keys the corpus no longer declares. Orphans
// are reported, never deleted.
func (d *Driver) reportOrphans(ctx context.Context, corpus *curriculum.Corpus, s *Summary) {
	inv, err := d.engine.Inventory(ctx)
	if err != nil {
		slog.Warn("skipping orphan report", "error", err)
		return
	}
	for _, key := range inv.Keys() {
		if !corpus.HasKey(key) {
			s.Orphans = append(s.Orphans, key)
		}
	}
	if len(s.Orphans) > 0 {
		slog.Warn("stored content missing from corpus", "count", len(s.Orphans))
	}
}

// ExitCode maps a run outcome to the process exit status. Cancellation
// alone exits cleanly.
func ExitCode(s *Summary, err error) int {
	switch {
	case errors.Is(err, ErrStoreUnreachable):
		return ExitUnreachable
	case err != nil:
		return ExitErrors
	case s != nil && s.Failed():
		return ExitErrors
	}
	return ExitOK
}

func isExhausted(err error) bool {
	var se *ingest.StoreError
	return errors.As(err, &se) && se.Exhausted
}
