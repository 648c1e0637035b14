package curriculum

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"

	"github.com/p-n-ai/pai-content/internal/content"
)

// document is one decoded unit of a source file. A file yields one or more
// documents; each document holds a record, a list of records, or a
// {records: [...]} envelope.
type document struct {
	body        any
	defaultKind content.Kind
}

// readFunc decodes a file into documents.
type readFunc func(data []byte) ([]document, error)

func readersByExt() map[string]readFunc {
	return map[string]readFunc{
		".yaml": readYAML,
		".yml":  readYAML,
		".json": readJSON,
		".md":   readMarkdown,
		".xlsx": readWorkbook,
	}
}

func readYAML(data []byte) ([]document, error) {
	var docs []document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var body any
		err := dec.Decode(&body)
		if errors.Is(err, io.EOF) {
			return docs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("invalid yaml: %w", err)
		}
		if body != nil {
			docs = append(docs, document{body: body})
		}
	}
}

func readJSON(data []byte) ([]document, error) {
	var body any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return []document{{body: body}}, nil
}

// readMarkdown reads a lesson written as YAML frontmatter followed by the
// Markdown body. Files without frontmatter are not records.
func readMarkdown(data []byte) ([]document, error) {
	text := string(data)
	var opener string
	switch {
	case strings.HasPrefix(text, "---\n"):
		opener = "---\n"
	case strings.HasPrefix(text, "---\r\n"):
		opener = "---\r\n"
	default:
		return nil, nil
	}

	rest := text[len(opener):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, fmt.Errorf("unterminated frontmatter")
	}
	front := rest[:end]
	body := rest[end+len("\n---"):]
	// Drop the remainder of the closing delimiter line.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && strings.TrimSpace(body[:nl]) == "" {
		body = body[nl+1:]
	} else if strings.TrimSpace(body) == "" {
		body = ""
	}

	meta := map[string]any{}
	if err := yaml.Unmarshal([]byte(front), &meta); err != nil {
		return nil, fmt.Errorf("invalid frontmatter: %w", err)
	}
	if _, ok := meta["content"]; !ok {
		meta["content"] = body
	}
	return []document{{body: meta, defaultKind: content.KindLesson}}, nil
}

// listColumns hold newline-separated sequences inside a single cell.
var listColumns = map[string]bool{"options": true, "key_points": true}

// readWorkbook reads every sheet named after a record kind. The first row
// is the header; each following non-empty row is a record.
func readWorkbook(data []byte) ([]document, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid workbook: %w", err)
	}
	defer f.Close()

	var docs []document
	for _, sheet := range f.GetSheetList() {
		kind, ok := content.ParseKind(sheet)
		if !ok {
			continue
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("reading sheet %s: %w", sheet, err)
		}
		if len(rows) < 2 {
			continue
		}

		header := make([]string, len(rows[0]))
		for i, h := range rows[0] {
			header[i] = strings.ToLower(strings.TrimSpace(h))
		}

		var records []any
		for _, row := range rows[1:] {
			rec := map[string]any{}
			for i, cell := range row {
				if i >= len(header) || header[i] == "" || strings.TrimSpace(cell) == "" {
					continue
				}
				if listColumns[header[i]] {
					var items []any
					for _, item := range strings.Split(cell, "\n") {
						items = append(items, strings.TrimRight(item, "\r"))
					}
					rec[header[i]] = items
					continue
				}
				rec[header[i]] = cell
			}
			if len(rec) > 0 {
				records = append(records, rec)
			}
		}
		docs = append(docs, document{body: records, defaultKind: kind})
	}
	return docs, nil
}
