package content

import (
	"fmt"
	"strings"
)

// ValidationError names the offending record and field and why it was rejected.
type ValidationError struct {
	Record string // e.g. "quiz_question:ddd-fundamentals[2]"
	Field  string // e.g. "options[2]"; empty for record-level failures
	Reason string
}

// Key is the record key with the field path appended.
func (e *ValidationError) Key() string {
	if e.Field == "" {
		return e.Record
	}
	return e.Record + "." + e.Field
}

func (e *ValidationError) Error() string {
	return e.Key() + ": " + e.Reason
}

// RecordKey builds the key used to name a record in errors and reports.
// Children are identified by their lesson and input position.
func RecordKey(kind Kind, raw Raw, position int) string {
	var id string
	switch kind {
	case KindCodeExample, KindQuizQuestion:
		id = fmt.Sprintf("%s[%d]", NormalizeSlug(Text(raw, "lesson_slug")), position)
	default:
		id = NormalizeSlug(Text(raw, "slug"))
		if id == "" {
			id = fmt.Sprintf("#%d", position)
		}
	}
	return string(kind) + ":" + id
}

type validator struct {
	record string
	raw    Raw
	err    *ValidationError
}

func newValidator(kind Kind, raw Raw, position int) *validator {
	v := &validator{record: RecordKey(kind, raw, position), raw: raw}
	v.err = checkShape(kind, v.record, raw)
	return v
}

func (v *validator) fail(field, format string, args ...any) {
	if v.err == nil {
		v.err = &ValidationError{Record: v.record, Field: field, Reason: fmt.Sprintf(format, args...)}
	}
}

func (v *validator) slug(field string) string {
	if v.err != nil {
		return ""
	}
	s := NormalizeSlug(Text(v.raw, field))
	if !ValidSlug(s) {
		v.fail(field, "%q is not a valid slug", s)
	}
	return s
}

func (v *validator) nonNegative(field string, fallback int) int {
	if v.err != nil {
		return 0
	}
	n, present, err := integer(v.raw, field)
	if err != nil {
		v.fail(field, "%v", err)
		return 0
	}
	if !present {
		return fallback
	}
	if n < 0 {
		v.fail(field, "must be non-negative, got %d", n)
	}
	return n
}

func (v *validator) difficulty(field string) Difficulty {
	if v.err != nil {
		return ""
	}
	s := lower(strings.TrimSpace(Text(v.raw, field)))
	switch Difficulty(s) {
	case "":
		return Beginner
	case Beginner, Intermediate, Advanced, Expert:
		return Difficulty(s)
	}
	v.fail(field, "unknown difficulty %q", s)
	return ""
}

func (v *validator) result() error {
	if v.err != nil {
		return v.err
	}
	return nil
}

// ValidateCategory converts a raw category record. position is the 1-based
// input order and becomes order_index when none is declared.
func ValidateCategory(raw Raw, position int) (Category, error) {
	v := newValidator(KindCategory, raw, position)
	c := Category{
		Slug:        v.slug("slug"),
		Name:        Text(raw, "name"),
		Description: Text(raw, "description"),
		OrderIndex:  v.nonNegative("order_index", position),
	}
	if err := v.result(); err != nil {
		return Category{}, err
	}

	d := newDigest(KindCategory)
	d.text("slug", c.Slug)
	d.text("name", c.Name)
	d.text("description", c.Description)
	d.int("order_index", c.OrderIndex)
	c.ContentHash = d.sum()
	return c, nil
}

// ValidateTopic converts a raw topic record.
func ValidateTopic(raw Raw, position int) (Topic, error) {
	v := newValidator(KindTopic, raw, position)
	t := Topic{
		Slug:          v.slug("slug"),
		CategorySlug:  v.slug("category_slug"),
		Name:          Text(raw, "name"),
		Description:   Text(raw, "description"),
		EstimatedTime: v.nonNegative("estimated_time", 0),
		OrderIndex:    v.nonNegative("order_index", position),
	}
	if err := v.result(); err != nil {
		return Topic{}, err
	}

	d := newDigest(KindTopic)
	d.text("slug", t.Slug)
	d.text("category_slug", t.CategorySlug)
	d.text("name", t.Name)
	d.text("description", t.Description)
	d.int("estimated_time", t.EstimatedTime)
	d.int("order_index", t.OrderIndex)
	t.ContentHash = d.sum()
	return t, nil
}

// ValidateLesson converts a raw lesson record. The Markdown body is kept
// byte-for-byte; empty key points are dropped.
func ValidateLesson(raw Raw, position int) (Lesson, error) {
	v := newValidator(KindLesson, raw, position)
	l := Lesson{
		TopicSlug:     v.slug("topic_slug"),
		Slug:          v.slug("slug"),
		Title:         Text(raw, "title"),
		Summary:       Text(raw, "summary"),
		Content:       Text(raw, "content"),
		Difficulty:    v.difficulty("difficulty_level"),
		EstimatedTime: v.nonNegative("estimated_time", 0),
		OrderIndex:    v.nonNegative("order_index", position),
	}
	if v.err == nil {
		points, err := textList(raw, "key_points")
		if err != nil {
			v.fail("key_points", "%v", err)
		}
		l.KeyPoints = make([]string, 0, len(points))
		for _, p := range points {
			if strings.TrimSpace(p) != "" {
				l.KeyPoints = append(l.KeyPoints, p)
			}
		}
	}
	if err := v.result(); err != nil {
		return Lesson{}, err
	}

	d := newDigest(KindLesson)
	d.text("topic_slug", l.TopicSlug)
	d.text("slug", l.Slug)
	d.text("title", l.Title)
	d.text("summary", l.Summary)
	d.text("content", l.Content)
	d.text("difficulty_level", string(l.Difficulty))
	d.int("estimated_time", l.EstimatedTime)
	d.int("order_index", l.OrderIndex)
	d.list("key_points", l.KeyPoints)
	l.ContentHash = d.sum()
	return l, nil
}

// ValidateExample converts a raw code example record. The hash leaves out
// order_index because children are renumbered by position.
func ValidateExample(raw Raw, position int) (CodeExample, error) {
	v := newValidator(KindCodeExample, raw, position)
	e := CodeExample{
		LessonSlug:  v.slug("lesson_slug"),
		Title:       Text(raw, "title"),
		Description: Text(raw, "description"),
		Language:    strings.TrimSpace(Text(raw, "language")),
		Code:        Text(raw, "code"),
		Explanation: Text(raw, "explanation"),
		OrderIndex:  v.nonNegative("order_index", position),
	}
	if err := v.result(); err != nil {
		return CodeExample{}, err
	}

	d := newDigest(KindCodeExample)
	d.text("lesson_slug", e.LessonSlug)
	d.text("title", e.Title)
	d.text("description", e.Description)
	d.text("language", e.Language)
	d.text("code", e.Code)
	d.text("explanation", e.Explanation)
	e.ContentHash = d.sum()
	return e, nil
}

// ValidateQuestion converts a raw quiz question record. Options and the
// correct answer are trimmed; the answer must equal one option exactly.
func ValidateQuestion(raw Raw, position int) (QuizQuestion, error) {
	v := newValidator(KindQuizQuestion, raw, position)
	q := QuizQuestion{
		LessonSlug:    v.slug("lesson_slug"),
		QuestionText:  Text(raw, "question_text"),
		QuestionType:  lower(strings.TrimSpace(Text(raw, "question_type"))),
		CorrectAnswer: strings.TrimSpace(Text(raw, "correct_answer")),
		Explanation:   Text(raw, "explanation"),
		Difficulty:    v.difficulty("difficulty"),
		Points:        v.nonNegative("points", 1),
		OrderIndex:    v.nonNegative("order_index", position),
	}
	if q.QuestionType == "" {
		q.QuestionType = QuestionTypeMultipleChoice
	}
	if q.QuestionType != QuestionTypeMultipleChoice {
		v.fail("question_type", "unsupported question type %q", q.QuestionType)
	}
	if strings.TrimSpace(q.QuestionText) == "" {
		v.fail("question_text", "is empty")
	}

	if v.err == nil {
		options, err := textList(raw, "options")
		if err != nil {
			v.fail("options", "%v", err)
		}
		seen := make(map[string]bool, len(options))
		for i, o := range options {
			o = strings.TrimSpace(o)
			switch {
			case o == "":
				v.fail(fmt.Sprintf("options[%d]", i), "is empty")
			case seen[o]:
				v.fail(fmt.Sprintf("options[%d]", i), "duplicates option %q", o)
			}
			seen[o] = true
			q.Options = append(q.Options, o)
		}
		if len(q.Options) < 2 {
			v.fail("options", "needs at least two options, got %d", len(q.Options))
		}
		if !seen[q.CorrectAnswer] {
			v.fail("correct_answer", "%q is not one of the options", q.CorrectAnswer)
		}
	}
	if err := v.result(); err != nil {
		return QuizQuestion{}, err
	}

	d := newDigest(KindQuizQuestion)
	d.text("lesson_slug", q.LessonSlug)
	d.text("question_text", q.QuestionText)
	d.text("question_type", q.QuestionType)
	d.list("options", q.Options)
	d.text("correct_answer", q.CorrectAnswer)
	d.text("explanation", q.Explanation)
	d.text("difficulty", string(q.Difficulty))
	d.int("points", q.Points)
	q.ContentHash = d.sum()
	return q, nil
}
