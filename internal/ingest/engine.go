// Package ingest applies validated content to the relational store. Each
// topic is written in one transaction; rows whose content hash matches the
// stored one are left untouched, so re-running over the same corpus
// changes nothing.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/p-n-ai/pai-content/internal/content"
	"github.com/p-n-ai/pai-content/internal/curriculum"
)

// EngineConfig holds dependencies for the upsert engine.
type EngineConfig struct {
	Backend     Backend
	DryRun      bool          // plan mutations and roll every transaction back
	MaxAttempts int           // attempts per transaction on transient failure (default 3)
	BackoffBase time.Duration // delay before the first retry, doubled each time (default 100ms)
}

// Engine writes categories and topic bundles through a Backend.
type Engine struct {
	backend Backend
	dryRun  bool
	retry   retryPolicy

	// plannedCategories holds the categories a dry run would have written.
	// It is filled by ApplyCategories before any topic is ingested and only
	// read afterwards.
	plannedCategories map[string]bool
}

// NewEngine creates a new upsert engine.
func NewEngine(cfg EngineConfig) *Engine {
	backend := cfg.Backend
	if backend == nil {
		backend = NewMemoryBackend()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	return &Engine{
		backend:           backend,
		dryRun:            cfg.DryRun,
		retry:             retryPolicy{maxAttempts: attempts, base: base},
		plannedCategories: make(map[string]bool),
	}
}

// DryRun reports whether the engine only plans mutations.
func (e *Engine) DryRun() bool { return e.dryRun }

// Capacity is how many topic transactions the backend can run at once, or
// zero when it does not say.
func (e *Engine) Capacity() int {
	if c, ok := e.backend.(interface{ Capacity() int }); ok {
		return c.Capacity()
	}
	return 0
}

// Inventory lists what the store already holds.
func (e *Engine) Inventory(ctx context.Context) (Inventory, error) {
	return e.backend.Inventory(ctx)
}

// ApplyCategories validates and upserts every category in one transaction.
// Invalid categories are reported and skipped.
func (e *Engine) ApplyCategories(ctx context.Context, records []curriculum.RawRecord) Report {
	start := time.Now()
	rep := Report{}

	var categories []content.Category
	for i, r := range records {
		c, err := content.ValidateCategory(r.Fields, i+1)
		if err != nil {
			rep.Errors = append(rep.Errors, validationError(err))
			continue
		}
		categories = append(categories, c)
		if e.dryRun {
			e.plannedCategories[c.Slug] = true
		}
	}

	var t *tally
	attempts, err := e.retry.do(ctx, "categories", func(int) error {
		t = newTally(e.dryRun)
		return e.inTx(ctx, func(m Mutator) error {
			for _, c := range categories {
				key := "category:" + c.Slug
				if _, err := e.upsert(ctx, m, categoriesTable, key, []any{c.Slug}, categoryRow(c), c.ContentHash, t); err != nil {
					return err
				}
			}
			return nil
		})
	})
	rep.Attempts = attempts
	rep.Elapsed = time.Since(start)
	if err != nil {
		rep.Err = err
		return rep
	}
	rep.Kinds = t.kinds
	rep.Planned = t.planned
	return rep
}

// IngestTopic validates a topic bundle and writes it in one transaction,
// retrying transient failures. Invalid records are reported and skipped
// while the rest of the topic is written; a missing parent or a store
// failure rolls the whole topic back.
func (e *Engine) IngestTopic(ctx context.Context, b curriculum.RawRecordBundle) Report {
	start := time.Now()
	p := e.plan(b)
	rep := Report{Topic: b.TopicSlug, Errors: p.errors}

	if p.topic == nil && len(p.lessons) == 0 {
		rep.Elapsed = time.Since(start)
		return rep
	}

	var t *tally
	attempts, err := e.retry.do(ctx, "topic:"+b.TopicSlug, func(int) error {
		t = newTally(e.dryRun)
		return e.inTx(ctx, func(m Mutator) error {
			return e.applyTopic(ctx, m, p, t)
		})
	})
	rep.Attempts = attempts
	rep.Elapsed = time.Since(start)
	if err != nil {
		rep.Err = &TopicError{Topic: b.TopicSlug, Err: err}
		slog.Warn("topic rolled back", "topic", b.TopicSlug, "attempts", attempts, "error", err)
		return rep
	}
	rep.Kinds = t.kinds
	rep.Planned = t.planned
	return rep
}

// inTx runs fn in a transaction. In dry-run mode writes are swallowed and
// the transaction always rolls back.
func (e *Engine) inTx(ctx context.Context, fn func(Mutator) error) error {
	if !e.dryRun {
		return e.backend.InTx(ctx, fn)
	}
	err := e.backend.InTx(ctx, func(m Mutator) error {
		if err := fn(&dryRunMutator{inner: m}); err != nil {
			return err
		}
		return errDryRun
	})
	if errors.Is(err, errDryRun) {
		return nil
	}
	return err
}

type lessonPlan struct {
	key       string // "lesson:<topic>/<slug>"
	lesson    content.Lesson
	examples  []content.CodeExample
	questions []content.QuizQuestion
}

type topicPlan struct {
	slug    string
	topic   *content.Topic
	lessons []lessonPlan
	errors  []RecordError
}

// plan validates a bundle without touching the store, so that retries
// neither repeat the work nor duplicate reported errors.
func (e *Engine) plan(b curriculum.RawRecordBundle) topicPlan {
	p := topicPlan{slug: b.TopicSlug}
	for _, c := range b.Conflicts {
		p.errors = append(p.errors, RecordError{
			Key:     c.Key,
			Kind:    Conflict,
			Message: fmt.Sprintf("declared again in %s; keeping %s", c.Dropped, c.Kept),
		})
	}

	if b.Topic != nil {
		topic, err := content.ValidateTopic(b.Topic.Fields, b.Position)
		if err != nil {
			p.errors = append(p.errors, validationError(err))
		} else {
			p.topic = &topic
		}
	}

	placed := make(map[string]bool)
	for i, r := range b.Lessons {
		slug := content.NormalizeSlug(content.Text(r.Fields, "slug"))
		placed[slug] = true

		lesson, err := content.ValidateLesson(r.Fields, i+1)
		if err != nil {
			p.errors = append(p.errors, validationError(err))
			p.orphanChildren(b, slug, "lesson "+slug+" failed validation")
			continue
		}
		lp := lessonPlan{key: "lesson:" + b.TopicSlug + "/" + lesson.Slug, lesson: lesson}
		lp.examples = planChildren(b.Examples[slug], content.ValidateExample, &p.errors,
			func(x content.CodeExample) int { return x.OrderIndex },
			func(x *content.CodeExample, n int) { x.OrderIndex = n })
		lp.questions = planChildren(b.Questions[slug], content.ValidateQuestion, &p.errors,
			func(x content.QuizQuestion) int { return x.OrderIndex },
			func(x *content.QuizQuestion, n int) { x.OrderIndex = n })
		p.lessons = append(p.lessons, lp)
	}

	var stray []string
	for _, m := range []map[string][]curriculum.RawRecord{b.Examples, b.Questions} {
		for slug := range m {
			if !placed[slug] && !slices.Contains(stray, slug) {
				stray = append(stray, slug)
			}
		}
	}
	sort.Strings(stray)
	for _, slug := range stray {
		p.orphanChildren(b, slug, fmt.Sprintf("lesson %s is not declared in topic %s", slug, b.TopicSlug))
	}
	return p
}

// orphanChildren reports every child of a lesson that cannot be written.
func (p *topicPlan) orphanChildren(b curriculum.RawRecordBundle, lesson, reason string) {
	for _, children := range [][]curriculum.RawRecord{b.Examples[lesson], b.Questions[lesson]} {
		for i, r := range children {
			p.errors = append(p.errors, RecordError{
				Key:     content.RecordKey(r.Kind, r.Fields, i+1),
				Kind:    Reference,
				Message: reason,
			})
		}
	}
}

// planChildren validates a lesson's children, then orders them by their
// declared order_index (input order breaking ties) and renumbers them 1..N.
func planChildren[T any](
	records []curriculum.RawRecord,
	validate func(content.Raw, int) (T, error),
	errs *[]RecordError,
	order func(T) int,
	renumber func(*T, int),
) []T {
	var out []T
	for i, r := range records {
		v, err := validate(r.Fields, i+1)
		if err != nil {
			*errs = append(*errs, validationError(err))
			continue
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool { return order(out[i]) < order(out[j]) })
	for i := range out {
		renumber(&out[i], i+1)
	}
	return out
}

func (e *Engine) applyTopic(ctx context.Context, m Mutator, p topicPlan, t *tally) error {
	topicKey := "topic:" + p.slug

	var topicID int64
	if p.topic != nil {
		categoryID, err := e.categoryID(ctx, m, topicKey, p.topic.CategorySlug)
		if err != nil {
			return err
		}
		topicID, err = e.upsert(ctx, m, topicsTable, topicKey, []any{p.topic.Slug}, topicRow(*p.topic, categoryID), p.topic.ContentHash, t)
		if err != nil {
			return err
		}
	} else {
		existing, found, err := m.Lookup(ctx, topicsTable, p.slug)
		if err != nil {
			return &StoreError{Key: topicKey, Err: err}
		}
		if !found {
			key := topicKey
			if len(p.lessons) > 0 {
				key = p.lessons[0].key
			}
			return &ReferenceError{Key: key, Missing: topicKey}
		}
		topicID = existing.ID
	}

	for _, lp := range p.lessons {
		lessonID, err := e.upsert(ctx, m, lessonsTable, lp.key, []any{topicID, lp.lesson.Slug}, lessonRow(lp.lesson, topicID), lp.lesson.ContentHash, t)
		if err != nil {
			return err
		}

		rows := make([][]any, len(lp.examples))
		hashes := make([]string, len(lp.examples))
		for i, x := range lp.examples {
			rows[i], hashes[i] = exampleRow(x, lessonID), x.ContentHash
		}
		if err := e.syncChildren(ctx, m, codeExamplesTable, lp.key, lessonID, rows, hashes, t); err != nil {
			return err
		}

		rows = make([][]any, len(lp.questions))
		hashes = make([]string, len(lp.questions))
		for i, q := range lp.questions {
			rows[i], hashes[i] = questionRow(q, lessonID), q.ContentHash
		}
		if err := e.syncChildren(ctx, m, quizQuestionsTable, lp.key, lessonID, rows, hashes, t); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) categoryID(ctx context.Context, m Mutator, topicKey, slug string) (int64, error) {
	existing, found, err := m.Lookup(ctx, categoriesTable, slug)
	if err != nil {
		return 0, &StoreError{Key: topicKey, Err: err}
	}
	if found {
		return existing.ID, nil
	}
	if e.dryRun && e.plannedCategories[slug] {
		return -1, nil
	}
	return 0, &ReferenceError{Key: topicKey, Missing: "category:" + slug}
}

// upsert inserts the row when its natural key is new, updates it when the
// content hash differs and otherwise leaves it alone.
func (e *Engine) upsert(ctx context.Context, m Mutator, tbl *Table, key string, natural, row []any, hash string, t *tally) (int64, error) {
	existing, found, err := m.Lookup(ctx, tbl, natural...)
	if err != nil {
		return 0, &StoreError{Key: key, Err: err}
	}

	switch {
	case !found:
		id, err := m.Insert(ctx, tbl, row)
		if err != nil {
			return 0, &StoreError{Key: key, Err: err}
		}
		t.add(tbl.kind, Counts{Inserted: 1})
		t.plan("insert %s", key)
		return id, nil
	case existing.Hash == hash:
		t.add(tbl.kind, Counts{Unchanged: 1})
		return existing.ID, nil
	default:
		if err := m.Update(ctx, tbl, existing.ID, row); err != nil {
			return 0, &StoreError{Key: key, Err: err}
		}
		t.add(tbl.kind, Counts{Updated: 1})
		t.plan("update %s", key)
		return existing.ID, nil
	}
}

// syncChildren makes a lesson's stored children match rows. When the
// stored hash sequence already equals hashes nothing is written; otherwise
// every stored child is deleted and rows are inserted in order.
func (e *Engine) syncChildren(ctx context.Context, m Mutator, tbl *Table, lessonKey string, lessonID int64, rows [][]any, hashes []string, t *tally) error {
	existing, err := m.Children(ctx, tbl, lessonID)
	if err != nil {
		return &StoreError{Key: lessonKey, Err: err}
	}
	if sameHashes(existing, hashes) {
		t.add(tbl.kind, Counts{Unchanged: len(hashes)})
		return nil
	}

	if len(existing) > 0 {
		n, err := m.DeleteChildren(ctx, tbl, lessonID)
		if err != nil {
			return &StoreError{Key: lessonKey, Err: err}
		}
		t.add(tbl.kind, Counts{Deleted: int(n)})
		t.plan("delete %d %s of %s", n, tbl.kind, lessonKey)
	}
	for i, row := range rows {
		if _, err := m.Insert(ctx, tbl, row); err != nil {
			return &StoreError{Key: fmt.Sprintf("%s:%s[%d]", tbl.kind, lessonKey[len("lesson:"):], i+1), Err: err}
		}
		t.plan("insert %s:%s[%d]", tbl.kind, lessonKey[len("lesson:"):], i+1)
	}
	t.add(tbl.kind, Counts{Inserted: len(rows)})
	return nil
}

func sameHashes(existing []Existing, hashes []string) bool {
	if len(existing) != len(hashes) {
		return false
	}
	for i, e := range existing {
		if e.Hash != hashes[i] {
			return false
		}
	}
	return true
}

func validationError(err error) RecordError {
	var ve *content.ValidationError
	if errors.As(err, &ve) {
		return RecordError{Key: ve.Key(), Kind: Validation, Message: ve.Reason}
	}
	return RecordError{Kind: Validation, Message: err.Error()}
}
