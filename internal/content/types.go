// Package content defines the validated domain records of the seed corpus
// and the rules that turn loosely-shaped source records into them.
package content

// Kind tags a source record with the schema it follows.
type Kind string

const (
	KindCategory     Kind = "category"
	KindTopic        Kind = "topic"
	KindLesson       Kind = "lesson"
	KindCodeExample  Kind = "code_example"
	KindQuizQuestion Kind = "quiz_question"
)

// Kinds lists every record kind in parent-first order.
var Kinds = []Kind{KindCategory, KindTopic, KindLesson, KindCodeExample, KindQuizQuestion}

// ParseKind maps a source tag (singular or plural, any case) to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch lower(s) {
	case "category", "categories":
		return KindCategory, true
	case "topic", "topics":
		return KindTopic, true
	case "lesson", "lessons":
		return KindLesson, true
	case "code_example", "code_examples", "example", "examples":
		return KindCodeExample, true
	case "quiz_question", "quiz_questions", "question", "questions", "quiz":
		return KindQuizQuestion, true
	}
	return "", false
}

// Difficulty is drawn from a closed set.
type Difficulty string

const (
	Beginner     Difficulty = "beginner"
	Intermediate Difficulty = "intermediate"
	Advanced     Difficulty = "advanced"
	Expert       Difficulty = "expert"
)

// QuestionTypeMultipleChoice is the only accepted question type.
const QuestionTypeMultipleChoice = "multiple_choice"

// Raw is a record as it appears in a source file: primitive values,
// ordered collections and mappings keyed by field name.
type Raw map[string]any

// Category groups topics.
type Category struct {
	Slug        string
	Name        string
	Description string
	OrderIndex  int
	ContentHash string
}

// Topic groups lessons and is the unit of transactional ingestion.
type Topic struct {
	Slug          string
	CategorySlug  string
	Name          string
	Description   string
	EstimatedTime int // minutes
	OrderIndex    int
	ContentHash   string
}

// Lesson is one page of Markdown plus its code examples and quiz.
type Lesson struct {
	TopicSlug     string
	Slug          string
	Title         string
	Summary       string
	Content       string
	Difficulty    Difficulty
	EstimatedTime int
	OrderIndex    int
	KeyPoints     []string
	ContentHash   string
}

// CodeExample is an annotated snippet attached to a lesson.
type CodeExample struct {
	LessonSlug  string
	Title       string
	Description string
	Language    string
	Code        string
	Explanation string
	OrderIndex  int
	ContentHash string
}

// QuizQuestion is a multiple-choice item attached to a lesson.
type QuizQuestion struct {
	LessonSlug    string
	QuestionText  string
	QuestionType  string
	Options       []string
	CorrectAnswer string
	Explanation   string
	Difficulty    Difficulty
	Points        int
	OrderIndex    int
	ContentHash   string
}
