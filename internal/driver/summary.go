package driver

import (
	"time"

	"github.com/p-n-ai/pai-content/internal/content"
	"github.com/p-n-ai/pai-content/internal/curriculum"
	"github.com/p-n-ai/pai-content/internal/ingest"
)

// Summary is the run report printed as JSON when the run ends.
type Summary struct {
	// Per-kind totals of rows written or verified (inserted + updated + unchanged).
	Topics        int `json:"topics"`
	Lessons       int `json:"lessons"`
	CodeExamples  int `json:"code_examples"`
	QuizQuestions int `json:"quiz_questions"`
	Categories    int `json:"categories"`

	Inserted  int                            `json:"inserted"`
	Updated   int                            `json:"updated"`
	Unchanged int                            `json:"unchanged"`
	Deleted   int                            `json:"deleted"`
	Kinds     map[content.Kind]ingest.Counts `json:"kinds"`

	Retries   int                  `json:"retries"`
	Errors    []ingest.RecordError `json:"errors"`
	Orphans   []string             `json:"orphans"`
	Skipped   int                  `json:"skipped"`
	Cancelled bool                 `json:"cancelled"`
	DryRun    bool                 `json:"dry_run"`
	Elapsed   string               `json:"elapsed"`

	WouldInsert *int     `json:"would_insert,omitempty"`
	WouldUpdate *int     `json:"would_update,omitempty"`
	WouldDelete *int     `json:"would_delete,omitempty"`
	Planned     []string `json:"planned,omitempty"`
}

func newSummary(dryRun bool) *Summary {
	return &Summary{
		Kinds:   make(map[content.Kind]ingest.Counts),
		Errors:  []ingest.RecordError{},
		Orphans: []string{},
		DryRun:  dryRun,
	}
}

// add merges one unit report.
func (s *Summary) add(r ingest.Report) {
	for kind, c := range r.Kinds {
		cur := s.Kinds[kind]
		cur.Add(c)
		s.Kinds[kind] = cur
	}
	if r.Attempts > 1 {
		s.Retries += r.Attempts - 1
	}
	s.Errors = append(s.Errors, r.AllErrors()...)
	s.Planned = append(s.Planned, r.Planned...)
}

// addCorpus records what discovery could not read or place.
func (s *Summary) addCorpus(c *curriculum.Corpus) {
	for _, issue := range c.Issues {
		s.Errors = append(s.Errors, ingest.RecordError{Key: issue.Key, Kind: ingest.ErrorKind(issue.Kind), Message: issue.Message})
	}
	for _, conflict := range c.Conflicts {
		s.Errors = append(s.Errors, ingest.RecordError{
			Key:     conflict.Key,
			Kind:    ingest.Conflict,
			Message: "declared again in " + conflict.Dropped + "; keeping " + conflict.Kept,
		})
	}
}

// finish computes totals. In a dry run nothing was written, so the
// planned counts move to the would_* fields.
func (s *Summary) finish(elapsed time.Duration) {
	var total ingest.Counts
	for _, c := range s.Kinds {
		total.Add(c)
	}
	seen := func(k content.Kind) int {
		c := s.Kinds[k]
		return c.Inserted + c.Updated + c.Unchanged
	}
	s.Categories = seen(content.KindCategory)
	s.Topics = seen(content.KindTopic)
	s.Lessons = seen(content.KindLesson)
	s.CodeExamples = seen(content.KindCodeExample)
	s.QuizQuestions = seen(content.KindQuizQuestion)

	s.Unchanged = total.Unchanged
	if s.DryRun {
		s.WouldInsert, s.WouldUpdate, s.WouldDelete = &total.Inserted, &total.Updated, &total.Deleted
	} else {
		s.Inserted, s.Updated, s.Deleted = total.Inserted, total.Updated, total.Deleted
	}
	s.Elapsed = elapsed.Round(time.Millisecond).String()
}

// Failed reports whether any error other than cancellation was recorded.
func (s *Summary) Failed() bool {
	for _, e := range s.Errors {
		if e.Kind != ingest.Cancelled {
			return true
		}
	}
	return false
}
