package curriculum

import (
	"github.com/p-n-ai/pai-content/internal/content"
)

// RawRecord is one record read from a source file, tagged with its kind.
type RawRecord struct {
	Kind   content.Kind
	Fields content.Raw
	Source string // path relative to the root, with "#n" for multi-document files
	Seq    int    // discovery order across the whole corpus
	Parent int    // Seq of the record this one was nested in; 0 when standalone
}

// SourceGroup collects every record that belongs to one topic.
type SourceGroup struct {
	TopicSlug string
	Position  int      // 1-based first-seen order among groups
	Sources   []string // contributing files, in discovery order
	records   []RawRecord
}

// RawRecordBundle is a SourceGroup classified by kind. Children are keyed
// by lesson slug and kept in input order.
type RawRecordBundle struct {
	TopicSlug string
	Position  int
	Topic     *RawRecord
	Lessons   []RawRecord
	Examples  map[string][]RawRecord
	Questions map[string][]RawRecord
	Conflicts []Conflict
}

// Conflict records a second source claiming an entity key already seen.
// The first-seen record is kept.
type Conflict struct {
	Key     string
	Kept    string
	Dropped string
}

// Issue is a problem found while reading or grouping sources.
type Issue struct {
	Key     string
	Kind    string // "source", "validation" or "reference"
	Message string
}

// Corpus is the result of discovery: categories, topic groups in
// first-seen order, and whatever could not be placed.
type Corpus struct {
	Categories []RawRecord
	Groups     []SourceGroup
	Conflicts  []Conflict
	Issues     []Issue
	Files      int
	keys       map[string]bool
}

// HasKey reports whether the corpus declares the entity key, e.g.
// "category:basics", "topic:intro" or "lesson:intro/hello".
func (c *Corpus) HasKey(key string) bool {
	return c.keys[key]
}
