package content

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// NormalizeSlug trims and lower-cases s without checking the slug pattern.
func NormalizeSlug(s string) string {
	return lower(strings.TrimSpace(s))
}

// ValidSlug reports whether s already is a normalized slug.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

func lower(s string) string {
	return cases.Lower(language.Und).String(s)
}

// Text renders a scalar field as a string. Missing and null fields are empty.
func Text(raw Raw, key string) string {
	return scalarText(raw[key])
}

func scalarText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

var intWithUnit = regexp.MustCompile(`^\s*(-?\d+)(?:\s+[A-Za-z]+)?\s*$`)

// integer coerces a field to int. present is false for missing or null
// fields. Strings may carry a trailing unit word ("45 minutes"); anything
// else after the digits, a fraction included, is rejected.
func integer(raw Raw, key string) (n int, present bool, err error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch t := v.(type) {
	case int:
		return t, true, nil
	case int64:
		return int(t), true, nil
	case uint64:
		return int(t), true, nil
	case float64:
		if t != math.Trunc(t) {
			return 0, true, fmt.Errorf("%v is not an integer", t)
		}
		return int(t), true, nil
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return 0, true, fmt.Errorf("%q is not an integer", t.String())
		}
		return int(i), true, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return 0, false, nil
		}
		m := intWithUnit.FindStringSubmatch(t)
		if m == nil {
			return 0, true, fmt.Errorf("%q is not an integer", t)
		}
		i, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, true, fmt.Errorf("%q is not an integer", t)
		}
		return i, true, nil
	}
	return 0, true, fmt.Errorf("unexpected %T", v)
}

// textList renders a sequence field as strings in input order.
func textList(raw Raw, key string) ([]string, error) {
	switch t := raw[key].(type) {
	case nil:
		return nil, nil
	case []string:
		return append([]string(nil), t...), nil
	case []any:
		out := make([]string, len(t))
		for i, v := range t {
			out[i] = scalarText(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", t)
	}
}
