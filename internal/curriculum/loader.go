// Package curriculum discovers seed content under a root directory and
// groups its records by topic.
package curriculum

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/p-n-ai/pai-content/internal/content"
)

// nestedChildren maps a parent kind to the list fields that may carry its
// children inline, and the slug field each child inherits.
var nestedChildren = map[content.Kind][]struct {
	field   string
	kind    content.Kind
	inherit map[string]string // child field -> parent field
}{
	content.KindCategory: {
		{"topics", content.KindTopic, map[string]string{"category_slug": "slug"}},
	},
	content.KindTopic: {
		{"lessons", content.KindLesson, map[string]string{"topic_slug": "slug"}},
	},
	content.KindLesson: {
		{"code_examples", content.KindCodeExample, map[string]string{"lesson_slug": "slug", "topic_slug": "topic_slug"}},
		{"quiz_questions", content.KindQuizQuestion, map[string]string{"lesson_slug": "slug", "topic_slug": "topic_slug"}},
	},
}

// Loader reads the content corpus from the filesystem.
type Loader struct {
	rootDir string
	readers map[string]readFunc
}

// NewLoader creates a loader rooted at rootDir, which must be a readable directory.
func NewLoader(rootDir string) (*Loader, error) {
	info, err := os.Stat(rootDir)
	if err != nil {
		return nil, fmt.Errorf("content root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("content root %s is not a directory", rootDir)
	}
	if _, err := os.ReadDir(rootDir); err != nil {
		return nil, fmt.Errorf("content root: %w", err)
	}
	return &Loader{rootDir: rootDir, readers: readersByExt()}, nil
}

// Discover walks the root in lexicographic path order, reads every
// supported file and groups records by topic. Unreadable files and
// unplaceable records are reported as issues; discovery continues.
func (l *Loader) Discover(ctx context.Context) (*Corpus, error) {
	var records []RawRecord
	corpus := &Corpus{keys: make(map[string]bool)}

	err := filepath.WalkDir(l.rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			corpus.Issues = append(corpus.Issues, Issue{Key: "source:" + l.rel(path), Kind: "source", Message: err.Error()})
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path != l.rootDir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		read, ok := l.readers[strings.ToLower(filepath.Ext(path))]
		if !ok {
			return nil
		}
		rel := l.rel(path)
		data, err := os.ReadFile(path)
		if err != nil {
			corpus.Issues = append(corpus.Issues, Issue{Key: "source:" + rel, Kind: "source", Message: err.Error()})
			return nil
		}
		docs, err := read(data)
		if err != nil {
			slog.Warn("skipping unreadable content file", "path", rel, "error", err)
			corpus.Issues = append(corpus.Issues, Issue{Key: "source:" + rel, Kind: "source", Message: err.Error()})
			return nil
		}
		if len(docs) > 0 {
			corpus.Files++
		}

		for i, doc := range docs {
			source := rel
			if len(docs) > 1 {
				source = fmt.Sprintf("%s#%d", rel, i+1)
			}
			l.flatten(doc.body, doc.defaultKind, nil, 0, source, &records, corpus)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", l.rootDir, err)
	}

	for i := range records {
		records[i].Seq = i + 1
	}
	group(records, corpus)

	slog.Info("content discovered",
		"files", corpus.Files,
		"records", len(records),
		"topics", len(corpus.Groups),
		"categories", len(corpus.Categories),
	)
	return corpus, nil
}

func (l *Loader) rel(path string) string {
	if r, err := filepath.Rel(l.rootDir, path); err == nil {
		return filepath.ToSlash(r)
	}
	return path
}

// flatten turns a decoded document into records, expanding envelopes,
// lists and inline children. parent is the Seq the enclosing record will
// get, which is its 1-based position in out.
func (l *Loader) flatten(body any, defaultKind content.Kind, inherited content.Raw, parent int, source string, out *[]RawRecord, corpus *Corpus) {
	switch v := body.(type) {
	case []any:
		for _, item := range v {
			l.flatten(item, defaultKind, inherited, parent, source, out, corpus)
		}
		return
	case map[string]any:
		if inner, ok := v["records"]; ok && v["kind"] == nil {
			l.flatten(inner, defaultKind, inherited, parent, source, out, corpus)
			return
		}

		kind := defaultKind
		if tag, ok := v["kind"]; ok {
			parsed, known := content.ParseKind(content.Text(content.Raw(v), "kind"))
			if !known {
				corpus.Issues = append(corpus.Issues, Issue{
					Key:     "source:" + source,
					Kind:    "validation",
					Message: fmt.Sprintf("unknown record kind %v", tag),
				})
				return
			}
			kind = parsed
		}
		if kind == "" {
			corpus.Issues = append(corpus.Issues, Issue{
				Key:     "source:" + source,
				Kind:    "validation",
				Message: "record without kind",
			})
			return
		}

		fields := make(content.Raw, len(v)+len(inherited))
		for k, val := range v {
			if k != "kind" {
				fields[k] = val
			}
		}
		for k, val := range inherited {
			if fields[k] == nil {
				fields[k] = val
			}
		}

		nested := nestedChildren[kind]
		for _, n := range nested {
			delete(fields, n.field)
		}
		*out = append(*out, RawRecord{Kind: kind, Fields: fields, Source: source, Parent: parent})
		self := len(*out)

		for _, n := range nested {
			children, ok := v[n.field]
			if !ok {
				continue
			}
			pass := make(content.Raw, len(n.inherit))
			for child, parent := range n.inherit {
				if val := fields[parent]; val != nil {
					pass[child] = val
				}
			}
			l.flatten(children, n.kind, pass, self, source, out, corpus)
		}
	default:
		corpus.Issues = append(corpus.Issues, Issue{
			Key:     "source:" + source,
			Kind:    "validation",
			Message: fmt.Sprintf("unexpected %T where a record was expected", body),
		})
	}
}

// group assigns records to categories and topic groups in discovery order.
func group(records []RawRecord, corpus *Corpus) {
	lessonTopics := make(map[string][]string)
	for _, r := range records {
		if r.Kind != content.KindLesson {
			continue
		}
		lesson := content.NormalizeSlug(content.Text(r.Fields, "slug"))
		topic := content.NormalizeSlug(content.Text(r.Fields, "topic_slug"))
		if lesson == "" || topic == "" || slices.Contains(lessonTopics[lesson], topic) {
			continue
		}
		lessonTopics[lesson] = append(lessonTopics[lesson], topic)
	}

	index := make(map[string]int)
	groupFor := func(topic, source string) *SourceGroup {
		i, ok := index[topic]
		if !ok {
			i = len(corpus.Groups)
			index[topic] = i
			corpus.Groups = append(corpus.Groups, SourceGroup{TopicSlug: topic, Position: i + 1})
		}
		g := &corpus.Groups[i]
		if !slices.Contains(g.Sources, source) {
			g.Sources = append(g.Sources, source)
		}
		return g
	}

	categories := make(map[string]string)
	orphanCount := make(map[string]int)
	for _, r := range records {
		switch r.Kind {
		case content.KindCategory:
			slug := content.NormalizeSlug(content.Text(r.Fields, "slug"))
			if kept, dup := categories[slug]; dup && slug != "" {
				corpus.Conflicts = append(corpus.Conflicts, Conflict{Key: "category:" + slug, Kept: kept, Dropped: r.Source})
				continue
			}
			categories[slug] = r.Source
			corpus.Categories = append(corpus.Categories, r)
			if slug != "" {
				corpus.keys["category:"+slug] = true
			}

		case content.KindTopic, content.KindLesson:
			field := "topic_slug"
			if r.Kind == content.KindTopic {
				field = "slug"
			}
			topic := content.NormalizeSlug(content.Text(r.Fields, field))
			if topic == "" {
				corpus.Issues = append(corpus.Issues, Issue{
					Key:     content.RecordKey(r.Kind, r.Fields, r.Seq),
					Kind:    "validation",
					Message: field + " is required",
				})
				continue
			}
			g := groupFor(topic, r.Source)
			g.records = append(g.records, r)
			if r.Kind == content.KindTopic {
				corpus.keys["topic:"+topic] = true
			} else if lesson := content.NormalizeSlug(content.Text(r.Fields, "slug")); lesson != "" {
				corpus.keys["lesson:"+topic+"/"+lesson] = true
			}

		case content.KindCodeExample, content.KindQuizQuestion:
			lesson := content.NormalizeSlug(content.Text(r.Fields, "lesson_slug"))
			topic := content.NormalizeSlug(content.Text(r.Fields, "topic_slug"))
			if topic == "" {
				switch candidates := lessonTopics[lesson]; len(candidates) {
				case 1:
					topic = candidates[0]
				case 0:
					orphanCount[string(r.Kind)+lesson]++
					corpus.Issues = append(corpus.Issues, Issue{
						Key:     content.RecordKey(r.Kind, r.Fields, orphanCount[string(r.Kind)+lesson]),
						Kind:    "reference",
						Message: fmt.Sprintf("lesson %q is not declared in the corpus", lesson),
					})
					continue
				default:
					orphanCount[string(r.Kind)+lesson]++
					corpus.Issues = append(corpus.Issues, Issue{
						Key:     content.RecordKey(r.Kind, r.Fields, orphanCount[string(r.Kind)+lesson]),
						Kind:    "reference",
						Message: fmt.Sprintf("lesson %q is declared in topics %s; set topic_slug", lesson, strings.Join(candidates, ", ")),
					})
					continue
				}
			}
			g := groupFor(topic, r.Source)
			g.records = append(g.records, r)
		}
	}
}

// Load classifies a group's records into a bundle. Records claiming a key
// already seen in the group are dropped and reported as conflicts, and so
// is everything nested inside a dropped record. Children declared on their
// own still merge into the kept lesson by slug.
func (l *Loader) Load(g SourceGroup) RawRecordBundle {
	b := RawRecordBundle{
		TopicSlug: g.TopicSlug,
		Position:  g.Position,
		Examples:  make(map[string][]RawRecord),
		Questions: make(map[string][]RawRecord),
	}

	seen := make(map[string]string)
	dropped := make(map[int]string) // Seq of a dropped record -> source kept instead
	claim := func(r RawRecord, key string) bool {
		if kept, dup := seen[key]; dup {
			b.Conflicts = append(b.Conflicts, Conflict{Key: key, Kept: kept, Dropped: r.Source})
			dropped[r.Seq] = kept
			return false
		}
		seen[key] = r.Source
		return true
	}
	nested := make(map[string]int)

	for _, r := range g.records {
		if kept, ok := dropped[r.Parent]; ok && r.Parent != 0 {
			dropped[r.Seq] = kept
			n := fmt.Sprintf("%d/%s", r.Parent, r.Kind)
			nested[n]++
			b.Conflicts = append(b.Conflicts, Conflict{Key: entityKey(r, g.TopicSlug, nested[n]), Kept: kept, Dropped: r.Source})
			continue
		}

		switch r.Kind {
		case content.KindTopic:
			if !claim(r, "topic:"+g.TopicSlug) {
				continue
			}
			rec := r
			b.Topic = &rec

		case content.KindLesson:
			slug := content.NormalizeSlug(content.Text(r.Fields, "slug"))
			if slug != "" && !claim(r, "lesson:"+g.TopicSlug+"/"+slug) {
				continue
			}
			b.Lessons = append(b.Lessons, r)

		case content.KindCodeExample, content.KindQuizQuestion:
			lesson := content.NormalizeSlug(content.Text(r.Fields, "lesson_slug"))
			if order := strings.TrimSpace(content.Text(r.Fields, "order_index")); order != "" {
				if !claim(r, fmt.Sprintf("%s:%s/%s@%s", r.Kind, g.TopicSlug, lesson, order)) {
					continue
				}
			}
			if r.Kind == content.KindCodeExample {
				b.Examples[lesson] = append(b.Examples[lesson], r)
			} else {
				b.Questions[lesson] = append(b.Questions[lesson], r)
			}
		}
	}
	return b
}

// entityKey names a record dropped with its parent. n is its position
// among the parent's nested records of the same kind.
func entityKey(r RawRecord, topic string, n int) string {
	switch r.Kind {
	case content.KindTopic:
		return "topic:" + topic
	case content.KindLesson:
		return "lesson:" + topic + "/" + content.NormalizeSlug(content.Text(r.Fields, "slug"))
	}
	return content.RecordKey(r.Kind, r.Fields, n)
}
