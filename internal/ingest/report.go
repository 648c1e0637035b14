package ingest

import (
	"fmt"
	"time"

	"github.com/p-n-ai/pai-content/internal/content"
)

// Counts tallies row outcomes.
type Counts struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Deleted   int `json:"deleted"`
}

// Add accumulates o into c.
func (c *Counts) Add(o Counts) {
	c.Inserted += o.Inserted
	c.Updated += o.Updated
	c.Unchanged += o.Unchanged
	c.Deleted += o.Deleted
}

// Report describes one unit of work: the categories pass or one topic.
type Report struct {
	Topic    string                  `json:"topic,omitempty"`
	Kinds    map[content.Kind]Counts `json:"kinds"`
	Attempts int                     `json:"attempts"`
	Elapsed  time.Duration           `json:"elapsed"`
	// Errors holds record-level problems; the rest of the unit was written.
	Errors []RecordError `json:"errors,omitempty"`
	// Err is set when the whole unit was rolled back.
	Err     error    `json:"-"`
	Planned []string `json:"planned,omitempty"`
}

// Retried reports whether the unit needed more than one attempt.
func (r *Report) Retried() bool { return r.Attempts > 1 }

// Total sums counts across kinds.
func (r *Report) Total() Counts {
	var c Counts
	for _, k := range r.Kinds {
		c.Add(k)
	}
	return c
}

// AllErrors returns record errors plus the rollback error, if any.
func (r *Report) AllErrors() []RecordError {
	errs := append([]RecordError(nil), r.Errors...)
	if r.Err != nil {
		key := "categories"
		if r.Topic != "" {
			key = "topic:" + r.Topic
		}
		errs = append(errs, recordError(key, r.Err))
	}
	return errs
}

// tally accumulates one attempt's outcomes. It is rebuilt on every retry.
type tally struct {
	kinds   map[content.Kind]Counts
	planned []string
	dryRun  bool
}

func newTally(dryRun bool) *tally {
	return &tally{kinds: make(map[content.Kind]Counts), dryRun: dryRun}
}

func (t *tally) add(kind content.Kind, c Counts) {
	cur := t.kinds[kind]
	cur.Add(c)
	t.kinds[kind] = cur
}

func (t *tally) plan(format string, args ...any) {
	if t.dryRun {
		t.planned = append(t.planned, fmt.Sprintf(format, args...))
	}
}
