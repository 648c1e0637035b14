package content

import (
	"embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemasOnce sync.Once
	schemas     map[Kind]*gojsonschema.Schema
	schemasErr  error
)

func loadSchemas() (map[Kind]*gojsonschema.Schema, error) {
	schemasOnce.Do(func() {
		schemas = make(map[Kind]*gojsonschema.Schema, len(Kinds))
		for _, k := range Kinds {
			data, err := schemaFS.ReadFile("schemas/" + string(k) + ".json")
			if err != nil {
				schemasErr = fmt.Errorf("reading %s schema: %w", k, err)
				return
			}
			s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
			if err != nil {
				schemasErr = fmt.Errorf("compiling %s schema: %w", k, err)
				return
			}
			schemas[k] = s
		}
	})
	return schemas, schemasErr
}

const rootContext = "(root)"

var arrayIndex = regexp.MustCompile(`\.(\d+)`)

// checkShape validates the structural shape of raw against the declarative
// schema for kind. The first violation, by field path, is returned.
func checkShape(kind Kind, record string, raw Raw) *ValidationError {
	all, err := loadSchemas()
	if err != nil {
		return &ValidationError{Record: record, Reason: err.Error()}
	}

	result, err := all[kind].Validate(gojsonschema.NewGoLoader(map[string]any(raw)))
	if err != nil {
		return &ValidationError{Record: record, Reason: fmt.Sprintf("unreadable record: %v", err)}
	}
	if result.Valid() {
		return nil
	}

	errs := result.Errors()
	sort.SliceStable(errs, func(i, j int) bool {
		return shapeField(errs[i]) < shapeField(errs[j])
	})
	first := errs[0]
	reason := first.Description()
	if first.Type() == "required" {
		reason = "is required"
	}
	return &ValidationError{Record: record, Field: shapeField(first), Reason: reason}
}

func shapeField(e gojsonschema.ResultError) string {
	if e.Type() == "required" {
		if p, ok := e.Details()["property"].(string); ok {
			return p
		}
	}
	field := e.Field()
	if field == rootContext {
		return ""
	}
	field = strings.TrimPrefix(field, rootContext+".")
	return arrayIndex.ReplaceAllString(field, "[$1]")
}
