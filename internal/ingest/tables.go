package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/p-n-ai/pai-content/internal/content"
)

// Table describes one content table: its columns in row order, the natural
// key used for lookups, and for lesson children the parent column.
type Table struct {
	name    string
	kind    content.Kind
	columns []string
	keys    []string
	parent  string
	refs    map[string]string // foreign key column -> referenced table
	json    map[string]bool

	lookupSQL   string
	insertSQL   string
	updateSQL   string
	childrenSQL string
	deleteSQL   string
}

// Name is the SQL table name.
func (t *Table) Name() string { return t.name }

func newTable(name string, kind content.Kind, columns, keys []string, parent string, refs map[string]string, jsonCols ...string) *Table {
	t := &Table{
		name:    name,
		kind:    kind,
		columns: columns,
		keys:    keys,
		parent:  parent,
		refs:    refs,
		json:    make(map[string]bool, len(jsonCols)),
	}
	for _, c := range jsonCols {
		t.json[c] = true
	}

	placeholders := make([]string, len(columns))
	sets := make([]string, len(columns))
	for i, c := range columns {
		p := fmt.Sprintf("$%d", i+1)
		if t.json[c] {
			p += "::jsonb"
		}
		placeholders[i] = p
		sets[i] = c + " = " + p
	}
	t.insertSQL = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		name, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	t.updateSQL = fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d",
		name, strings.Join(sets, ", "), len(columns)+1)

	if len(keys) > 0 {
		conds := make([]string, len(keys))
		for i, k := range keys {
			conds[i] = fmt.Sprintf("%s = $%d", k, i+1)
		}
		t.lookupSQL = fmt.Sprintf("SELECT id, content_hash FROM %s WHERE %s", name, strings.Join(conds, " AND "))
	}
	if parent != "" {
		t.childrenSQL = fmt.Sprintf("SELECT id, content_hash FROM %s WHERE %s = $1 ORDER BY order_index", name, parent)
		t.deleteSQL = fmt.Sprintf("DELETE FROM %s WHERE %s = $1", name, parent)
	}
	return t
}

func (t *Table) column(name string) int {
	for i, c := range t.columns {
		if c == name {
			return i
		}
	}
	return -1
}

var (
	categoriesTable = newTable("categories", content.KindCategory,
		[]string{"slug", "name", "description", "order_index", "content_hash"},
		[]string{"slug"}, "", nil)

	topicsTable = newTable("topics", content.KindTopic,
		[]string{"slug", "category_id", "name", "description", "estimated_time", "order_index", "content_hash"},
		[]string{"slug"}, "", map[string]string{"category_id": "categories"})

	lessonsTable = newTable("lessons", content.KindLesson,
		[]string{"topic_id", "slug", "title", "summary", "content", "content_hash", "difficulty_level", "estimated_time", "order_index", "key_points"},
		[]string{"topic_id", "slug"}, "", map[string]string{"topic_id": "topics"}, "key_points")

	codeExamplesTable = newTable("code_examples", content.KindCodeExample,
		[]string{"lesson_id", "title", "description", "language", "code", "explanation", "order_index", "content_hash"},
		nil, "lesson_id", map[string]string{"lesson_id": "lessons"})

	quizQuestionsTable = newTable("quiz_questions", content.KindQuizQuestion,
		[]string{"lesson_id", "question_text", "question_type", "options", "correct_answer", "explanation", "difficulty", "points", "order_index", "content_hash"},
		nil, "lesson_id", map[string]string{"lesson_id": "lessons"}, "options")
)

// allTables lists tables parents first.
var allTables = []*Table{categoriesTable, topicsTable, lessonsTable, codeExamplesTable, quizQuestionsTable}

// schemaDDL creates the content schema. Every statement is idempotent.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS categories (
		id           BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
		slug         TEXT NOT NULL UNIQUE,
		name         TEXT NOT NULL DEFAULT '',
		description  TEXT NOT NULL DEFAULT '',
		order_index  INTEGER NOT NULL DEFAULT 0 CHECK (order_index >= 0),
		content_hash TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS topics (
		id             BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
		slug           TEXT NOT NULL UNIQUE,
		category_id    BIGINT NOT NULL REFERENCES categories(id),
		name           TEXT NOT NULL DEFAULT '',
		description    TEXT NOT NULL DEFAULT '',
		estimated_time INTEGER NOT NULL DEFAULT 0,
		order_index    INTEGER NOT NULL DEFAULT 0 CHECK (order_index >= 0),
		content_hash   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS lessons (
		id               BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
		topic_id         BIGINT NOT NULL REFERENCES topics(id),
		slug             TEXT NOT NULL,
		title            TEXT NOT NULL DEFAULT '',
		summary          TEXT NOT NULL DEFAULT '',
		content          TEXT NOT NULL,
		content_hash     TEXT NOT NULL,
		difficulty_level TEXT NOT NULL CHECK (difficulty_level IN ('beginner', 'intermediate', 'advanced', 'expert')),
		estimated_time   INTEGER NOT NULL DEFAULT 0,
		order_index      INTEGER NOT NULL DEFAULT 0 CHECK (order_index >= 0),
		key_points       JSONB NOT NULL DEFAULT '[]'::jsonb,
		UNIQUE (topic_id, slug)
	)`,
	`CREATE TABLE IF NOT EXISTS code_examples (
		id           BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
		lesson_id    BIGINT NOT NULL REFERENCES lessons(id) ON DELETE CASCADE,
		title        TEXT NOT NULL DEFAULT '',
		description  TEXT NOT NULL DEFAULT '',
		language     TEXT NOT NULL DEFAULT '',
		code         TEXT NOT NULL,
		explanation  TEXT NOT NULL DEFAULT '',
		order_index  INTEGER NOT NULL CHECK (order_index >= 0),
		content_hash TEXT NOT NULL,
		UNIQUE (lesson_id, order_index)
	)`,
	`CREATE TABLE IF NOT EXISTS quiz_questions (
		id             BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
		lesson_id      BIGINT NOT NULL REFERENCES lessons(id) ON DELETE CASCADE,
		question_text  TEXT NOT NULL,
		question_type  TEXT NOT NULL DEFAULT 'multiple_choice',
		options        JSONB NOT NULL,
		correct_answer TEXT NOT NULL,
		explanation    TEXT NOT NULL DEFAULT '',
		difficulty     TEXT NOT NULL DEFAULT 'beginner',
		points         INTEGER NOT NULL DEFAULT 1,
		order_index    INTEGER NOT NULL CHECK (order_index >= 0),
		content_hash   TEXT NOT NULL,
		UNIQUE (lesson_id, order_index)
	)`,
}

func categoryRow(c content.Category) []any {
	return []any{c.Slug, c.Name, c.Description, c.OrderIndex, c.ContentHash}
}

func topicRow(t content.Topic, categoryID int64) []any {
	return []any{t.Slug, categoryID, t.Name, t.Description, t.EstimatedTime, t.OrderIndex, t.ContentHash}
}

func lessonRow(l content.Lesson, topicID int64) []any {
	return []any{topicID, l.Slug, l.Title, l.Summary, l.Content, l.ContentHash,
		string(l.Difficulty), l.EstimatedTime, l.OrderIndex, jsonList(l.KeyPoints)}
}

func exampleRow(e content.CodeExample, lessonID int64) []any {
	return []any{lessonID, e.Title, e.Description, e.Language, e.Code, e.Explanation, e.OrderIndex, e.ContentHash}
}

func questionRow(q content.QuizQuestion, lessonID int64) []any {
	return []any{lessonID, q.QuestionText, q.QuestionType, jsonList(q.Options), q.CorrectAnswer,
		q.Explanation, string(q.Difficulty), q.Points, q.OrderIndex, q.ContentHash}
}

// jsonList encodes an ordered string sequence as a JSON array.
func jsonList(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}
