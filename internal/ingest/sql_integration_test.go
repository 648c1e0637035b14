package ingest_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/p-n-ai/pai-content/internal/content"
	"github.com/p-n-ai/pai-content/internal/ingest"
	"github.com/p-n-ai/pai-content/internal/platform/database"
)

func setupPostgres(t *testing.T) *database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("content"),
		postgres.WithUsername("pai"),
		postgres.WithPassword("pai"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := database.New(ctx, url, 4, 1, 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestSQLBackend_Postgres(t *testing.T) {
	db := setupPostgres(t)
	ctx := t.Context()
	backend := ingest.NewSQLBackend(db)
	assert.Equal(t, 4, backend.Capacity())
	assert.Equal(t, 4, ingest.NewEngine(ingest.EngineConfig{Backend: backend}).Capacity())

	ready, err := backend.SchemaReady(ctx)
	require.NoError(t, err)
	assert.False(t, ready)

	require.NoError(t, backend.EnsureSchema(ctx))
	require.NoError(t, backend.EnsureSchema(ctx), "schema creation is idempotent")
	ready, err = backend.SchemaReady(ctx)
	require.NoError(t, err)
	require.True(t, ready)

	e := newEngine(backend, false)
	cats, rep := ingestAll(t, e, introBundle())
	require.NoError(t, rep.Err)
	assert.Equal(t, 1, cats.Total().Inserted)
	assert.Equal(t, ingest.Counts{Inserted: 4}, rep.Total())

	t.Run("rerun is unchanged", func(t *testing.T) {
		_, rep := ingestAll(t, e, introBundle())
		require.NoError(t, rep.Err)
		assert.Equal(t, ingest.Counts{Unchanged: 4}, rep.Total())
	})

	t.Run("json columns round trip", func(t *testing.T) {
		var options, keyPoints string
		err := db.Pool.QueryRow(ctx, `SELECT options::text FROM quiz_questions`).Scan(&options)
		require.NoError(t, err)
		assert.JSONEq(t, `["3","4"]`, options)

		err = db.Pool.QueryRow(ctx, `SELECT key_points::text FROM lessons`).Scan(&keyPoints)
		require.NoError(t, err)
		assert.JSONEq(t, `["greet","exit"]`, keyPoints)
	})

	t.Run("children replaced", func(t *testing.T) {
		b := introBundle()
		b.Examples["hello"] = append(b.Examples["hello"], record(content.KindCodeExample, content.Raw{
			"lesson_slug": "hello", "code": "second",
		}))
		_, rep := ingestAll(t, e, b)
		require.NoError(t, rep.Err)
		assert.Equal(t, ingest.Counts{Inserted: 2, Deleted: 1}, rep.Kinds[content.KindCodeExample])

		var n int
		require.NoError(t, db.Pool.QueryRow(ctx, `SELECT count(*) FROM code_examples`).Scan(&n))
		assert.Equal(t, 2, n)
	})

	t.Run("missing category rolls back", func(t *testing.T) {
		b := introBundle()
		b.TopicSlug = "orphan"
		b.Topic.Fields["slug"] = "orphan"
		b.Topic.Fields["category_slug"] = "nowhere"
		b.Lessons[0].Fields["topic_slug"] = "orphan"
		rep := e.IngestTopic(ctx, b)
		require.Error(t, rep.Err)

		var n int
		require.NoError(t, db.Pool.QueryRow(ctx, `SELECT count(*) FROM topics WHERE slug = 'orphan'`).Scan(&n))
		assert.Zero(t, n)
	})

	t.Run("inventory", func(t *testing.T) {
		inv, err := backend.Inventory(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"category:basics", "lesson:intro/hello", "topic:intro"}, inv.Keys())
	})

	t.Run("dry run writes nothing", func(t *testing.T) {
		b := introBundle()
		b.Lessons[0].Fields["content"] = "changed"
		_, rep := ingestAll(t, newEngine(backend, true), b)
		require.NoError(t, rep.Err)
		assert.Equal(t, ingest.Counts{Updated: 1}, rep.Kinds[content.KindLesson])

		var body string
		require.NoError(t, db.Pool.QueryRow(ctx, `SELECT content FROM lessons`).Scan(&body))
		assert.Equal(t, "# Hello\n", body)
	})
}
