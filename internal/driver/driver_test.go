package driver_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-n-ai/pai-content/internal/content"
	"github.com/p-n-ai/pai-content/internal/curriculum"
	"github.com/p-n-ai/pai-content/internal/driver"
	"github.com/p-n-ai/pai-content/internal/ingest"
	"github.com/p-n-ai/pai-content/internal/platform/database"
)

const categoriesYAML = `
kind: category
slug: basics
name: Basics
`

const introYAML = `
kind: topic
slug: intro
category_slug: basics
lessons:
  - slug: hello
    content: "# Hi"
    order_index: 1
    key_points: [a, b]
    code_examples:
      - language: go
        code: fmt.Println("hi")
    quiz_questions:
      - question_text: Which letter comes first?
        options: [A, B, C]
        correct_answer: A
`

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func setupCorpus(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "categories.yaml", categoriesYAML)
	writeFile(t, dir, "intro.yaml", introYAML)
	return dir
}

func run(t *testing.T, ctx context.Context, dir string, backend ingest.Backend, dryRun bool, opts driver.Options) (*driver.Summary, error) {
	t.Helper()
	loader, err := curriculum.NewLoader(dir)
	require.NoError(t, err)
	engine := ingest.NewEngine(ingest.EngineConfig{Backend: backend, DryRun: dryRun, BackoffBase: time.Millisecond})
	return driver.New(loader, engine, opts).Run(ctx)
}

func TestRun_FreshThenUnchanged(t *testing.T) {
	dir := setupCorpus(t)
	backend := ingest.NewMemoryBackend()

	s, err := run(t, t.Context(), dir, backend, false, driver.Options{})
	require.NoError(t, err)
	assert.Equal(t, 5, s.Inserted)
	assert.Zero(t, s.Updated)
	assert.Zero(t, s.Unchanged)
	assert.Empty(t, s.Errors)
	assert.Equal(t, 1, s.Topics)
	assert.Equal(t, 1, s.Lessons)
	assert.Equal(t, 1, s.CodeExamples)
	assert.Equal(t, 1, s.QuizQuestions)
	assert.Equal(t, driver.ExitOK, driver.ExitCode(s, err))
	assert.Nil(t, s.WouldInsert)

	lesson := backend.Rows("lessons")[0]
	assert.Equal(t, `["a","b"]`, lesson["key_points"])

	writes := backend.Writes()
	s, err = run(t, t.Context(), dir, backend, false, driver.Options{})
	require.NoError(t, err)
	assert.Zero(t, s.Inserted)
	assert.Zero(t, s.Updated)
	assert.Equal(t, 5, s.Unchanged)
	assert.Equal(t, writes, backend.Writes())
	assert.Empty(t, s.Orphans)
}

func TestRun_LessonEdited(t *testing.T) {
	dir := setupCorpus(t)
	backend := ingest.NewMemoryBackend()
	_, err := run(t, t.Context(), dir, backend, false, driver.Options{})
	require.NoError(t, err)
	before := backend.Rows("lessons")[0]["content_hash"]

	edited := `
kind: lesson
topic_slug: intro
slug: hello
content: "# Hello"
order_index: 1
key_points: [a, b]
`
	// Replace the lesson body while keeping its children in a separate file.
	writeFile(t, dir, "intro.yaml", `
kind: topic
slug: intro
category_slug: basics
`)
	writeFile(t, dir, "intro/hello.yaml", edited)
	writeFile(t, dir, "intro/children.yaml", `
- kind: code_example
  lesson_slug: hello
  language: go
  code: fmt.Println("hi")
- kind: quiz_question
  lesson_slug: hello
  question_text: Which letter comes first?
  options: [A, B, C]
  correct_answer: A
`)

	s, err := run(t, t.Context(), dir, backend, false, driver.Options{})
	require.NoError(t, err)
	assert.Equal(t, ingest.Counts{Updated: 1}, s.Kinds[content.KindLesson])
	assert.NotEqual(t, before, backend.Rows("lessons")[0]["content_hash"])

	for _, table := range []string{"code_examples", "quiz_questions"} {
		var order []any
		for _, row := range backend.Rows(table) {
			order = append(order, row["order_index"])
		}
		assert.Equal(t, []any{1}, order, table)
	}
}

func TestRun_InvalidQuiz(t *testing.T) {
	dir := setupCorpus(t)
	writeFile(t, dir, "zz-quiz.yaml", `
kind: quiz_question
lesson_slug: hello
question_text: Pick one
options: [A, B, C]
correct_answer: XYZ
`)
	backend := ingest.NewMemoryBackend()

	s, err := run(t, t.Context(), dir, backend, false, driver.Options{})
	require.NoError(t, err)
	require.Len(t, s.Errors, 1)
	assert.Equal(t, "quiz_question:hello[2].correct_answer", s.Errors[0].Key)
	assert.Equal(t, ingest.Validation, s.Errors[0].Kind)
	assert.Equal(t, 5, s.Inserted, "the rest of the topic is written")
	assert.Len(t, backend.Rows("quiz_questions"), 1)
	assert.Equal(t, driver.ExitErrors, driver.ExitCode(s, err))
}

func TestRun_DuplicateLessonKeepsFirstChildren(t *testing.T) {
	dir := setupCorpus(t)
	writeFile(t, dir, "zz-drift.yaml", `
kind: lesson
topic_slug: intro
slug: hello
content: "# Hi"
code_examples:
  - language: go
    code: fmt.Println("hi there")
quiz_questions:
  - question_text: Which letter comes first?
    options: [A, B, C]
    correct_answer: A
`)
	backend := ingest.NewMemoryBackend()

	s, err := run(t, t.Context(), dir, backend, false, driver.Options{})
	require.NoError(t, err)
	assert.Equal(t, 5, s.Inserted)

	examples := backend.Rows("code_examples")
	require.Len(t, examples, 1)
	assert.Equal(t, `fmt.Println("hi")`, examples[0]["code"])
	assert.Len(t, backend.Rows("quiz_questions"), 1)

	var keys []string
	for _, e := range s.Errors {
		assert.Equal(t, ingest.Conflict, e.Kind)
		keys = append(keys, e.Key)
	}
	assert.ElementsMatch(t, []string{"lesson:intro/hello", "code_example:hello[1]", "quiz_question:hello[1]"}, keys)
	assert.Equal(t, driver.ExitErrors, driver.ExitCode(s, err))
}

func TestRun_UnresolvedCategory(t *testing.T) {
	dir := setupCorpus(t)
	writeFile(t, dir, "zeta.yaml", `
kind: topic
slug: zeta
category_slug: missing
lessons:
  - slug: z1
    content: z
`)
	backend := ingest.NewMemoryBackend()

	s, err := run(t, t.Context(), dir, backend, false, driver.Options{Concurrency: 2})
	require.NoError(t, err)
	require.Len(t, s.Errors, 1)
	assert.Equal(t, "topic:zeta", s.Errors[0].Key)
	assert.Equal(t, ingest.Reference, s.Errors[0].Kind)
	assert.Equal(t, driver.ExitErrors, driver.ExitCode(s, err))

	topics := backend.Rows("topics")
	require.Len(t, topics, 1)
	assert.Equal(t, "intro", topics[0]["slug"])
	assert.Len(t, backend.Rows("lessons"), 1)
}

func TestRun_TransientCommitRecovered(t *testing.T) {
	dir := setupCorpus(t)
	baseline, err := run(t, t.Context(), dir, ingest.NewMemoryBackend(), false, driver.Options{})
	require.NoError(t, err)

	backend := ingest.NewMemoryBackend()
	backend.Inject(ingest.Fault{Op: "commit", Times: 1, Err: fmt.Errorf("deadlock detected: %w", database.ErrTransient)})
	s, err := run(t, t.Context(), dir, backend, false, driver.Options{})

	require.NoError(t, err)
	assert.Equal(t, 1, s.Retries)
	assert.Equal(t, baseline.Kinds, s.Kinds)
	assert.Equal(t, baseline.Inserted, s.Inserted)
	assert.Equal(t, baseline.Errors, s.Errors)
	assert.Equal(t, driver.ExitOK, driver.ExitCode(s, err))
}

func TestRun_DryRun(t *testing.T) {
	dir := setupCorpus(t)
	backend := ingest.NewMemoryBackend()

	s, err := run(t, t.Context(), dir, backend, true, driver.Options{})
	require.NoError(t, err)
	assert.True(t, s.DryRun)
	assert.Zero(t, s.Inserted)
	assert.Zero(t, s.Updated)
	assert.Zero(t, s.Deleted)
	require.NotNil(t, s.WouldInsert)
	assert.Equal(t, 5, *s.WouldInsert)
	assert.Equal(t, 0, *s.WouldUpdate)
	assert.Contains(t, s.Planned, "insert lesson:intro/hello")
	assert.Zero(t, backend.Writes())
	assert.Empty(t, backend.Rows("topics"))
}

func TestRun_FailFast(t *testing.T) {
	dir := setupCorpus(t)
	writeFile(t, dir, "a-broken.yaml", `
kind: topic
slug: broken
category_slug: missing
`)
	writeFile(t, dir, "z-later.yaml", `
kind: topic
slug: later
category_slug: basics
`)

	s, err := run(t, t.Context(), dir, ingest.NewMemoryBackend(), false, driver.Options{FailFast: true})
	require.Error(t, err)
	assert.Equal(t, driver.ExitErrors, driver.ExitCode(s, err))
	assert.Equal(t, 2, s.Skipped, "nothing is scheduled after the first failure")
	assert.Zero(t, s.Topics)
}

func TestRun_ContinuesWithoutFailFast(t *testing.T) {
	dir := setupCorpus(t)
	writeFile(t, dir, "a-broken.yaml", "kind: topic\nslug: broken\ncategory_slug: missing\n")

	s, err := run(t, t.Context(), dir, ingest.NewMemoryBackend(), false, driver.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Topics)
	assert.Zero(t, s.Skipped)
	assert.Len(t, s.Errors, 1)
}

func TestRun_Parallel(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "categories.yaml", categoriesYAML)
	for i := range 8 {
		writeFile(t, dir, fmt.Sprintf("t%d.yaml", i), fmt.Sprintf(`
kind: topic
slug: topic-%d
category_slug: basics
lessons:
  - slug: only
    content: body %d
    code_examples:
      - code: one
      - code: two
`, i, i))
	}
	backend := ingest.NewMemoryBackend()

	s, err := run(t, t.Context(), dir, backend, false, driver.Options{Concurrency: 4})
	require.NoError(t, err)
	assert.Equal(t, 8, s.Topics)
	assert.Equal(t, 8, s.Lessons)
	assert.Equal(t, 16, s.CodeExamples)
	assert.Empty(t, s.Errors)
	assert.Len(t, backend.Rows("code_examples"), 16)

	lessonIDs := map[any]bool{}
	for _, l := range backend.Rows("lessons") {
		lessonIDs[l["id"]] = true
	}
	for _, x := range backend.Rows("code_examples") {
		assert.True(t, lessonIDs[x["lesson_id"]], "child resolves to a stored lesson")
	}
}

// cappedBackend reports a fixed capacity, like a bounded connection pool.
type cappedBackend struct {
	*ingest.MemoryBackend
	capacity int
}

func (b cappedBackend) Capacity() int { return b.capacity }

func TestNew_ConcurrencyCappedByCapacity(t *testing.T) {
	loader, err := curriculum.NewLoader(setupCorpus(t))
	require.NoError(t, err)

	tests := []struct {
		name      string
		backend   ingest.Backend
		requested int
		want      int
	}{
		{"above capacity", cappedBackend{ingest.NewMemoryBackend(), 2}, 8, 2},
		{"within capacity", cappedBackend{ingest.NewMemoryBackend(), 4}, 3, 3},
		{"unknown capacity", ingest.NewMemoryBackend(), 8, 8},
		{"zero requested", cappedBackend{ingest.NewMemoryBackend(), 2}, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := ingest.NewEngine(ingest.EngineConfig{Backend: tt.backend})
			d := driver.New(loader, engine, driver.Options{Concurrency: tt.requested})
			assert.Equal(t, tt.want, d.Concurrency())
		})
	}

	engine := ingest.NewEngine(ingest.EngineConfig{Backend: cappedBackend{ingest.NewMemoryBackend(), 1}})
	s, err := driver.New(loader, engine, driver.Options{Concurrency: 4}).Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 5, s.Inserted)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	s, err := run(t, ctx, setupCorpus(t), ingest.NewMemoryBackend(), false, driver.Options{})
	require.NoError(t, err)
	assert.True(t, s.Cancelled)
	assert.Equal(t, driver.ExitOK, driver.ExitCode(s, err))
}

func TestRun_Orphans(t *testing.T) {
	dir := setupCorpus(t)
	writeFile(t, dir, "extra.yaml", "kind: topic\nslug: extra\ncategory_slug: basics\n")
	backend := ingest.NewMemoryBackend()
	_, err := run(t, t.Context(), dir, backend, false, driver.Options{})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "extra.yaml")))
	s, err := run(t, t.Context(), dir, backend, false, driver.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"topic:extra"}, s.Orphans)
	assert.Len(t, backend.Rows("topics"), 2, "orphans are reported, not deleted")
}

func TestRun_StoreUnreachable(t *testing.T) {
	backend := ingest.NewMemoryBackend()
	backend.Inject(ingest.Fault{Op: "begin", Err: fmt.Errorf("dial: %w", database.ErrTransient)})

	s, err := run(t, t.Context(), setupCorpus(t), backend, false, driver.Options{})
	require.ErrorIs(t, err, driver.ErrStoreUnreachable)
	assert.Equal(t, driver.ExitUnreachable, driver.ExitCode(s, err))
	assert.Equal(t, 1, s.Skipped)
}

func TestRun_SourceIssuesReported(t *testing.T) {
	dir := setupCorpus(t)
	writeFile(t, dir, "broken.yaml", "kind: [topic\n")

	s, err := run(t, t.Context(), dir, ingest.NewMemoryBackend(), false, driver.Options{})
	require.NoError(t, err)
	require.Len(t, s.Errors, 1)
	assert.Equal(t, ingest.Source, s.Errors[0].Kind)
	assert.Equal(t, "source:broken.yaml", s.Errors[0].Key)
	assert.Equal(t, driver.ExitErrors, driver.ExitCode(s, err))
}

func TestExitCode(t *testing.T) {
	clean := &driver.Summary{}
	cancelled := &driver.Summary{Errors: []ingest.RecordError{{Kind: ingest.Cancelled}}}
	failed := &driver.Summary{Errors: []ingest.RecordError{{Kind: ingest.Validation}}}

	tests := []struct {
		name string
		s    *driver.Summary
		err  error
		want int
	}{
		{"clean", clean, nil, driver.ExitOK},
		{"cancelled only", cancelled, nil, driver.ExitOK},
		{"record errors", failed, nil, driver.ExitErrors},
		{"fail fast", clean, errors.New("topic intro: boom"), driver.ExitErrors},
		{"unreachable", clean, fmt.Errorf("%w: dial", driver.ErrStoreUnreachable), driver.ExitUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, driver.ExitCode(tt.s, tt.err))
		})
	}
}
