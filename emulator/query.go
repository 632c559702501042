package emulator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// selectPattern accepts
//
//	SELECT * FROM <collection> [[AS] <alias>] [WHERE <alias>.<field> = '<value>']
//
// with case-insensitive keywords and backslash escapes inside the literal.
var selectPattern = regexp.MustCompile(`(?is)^\s*SELECT\s+\*\s+FROM\s+(\w+)(?:\s+(?:AS\s+)?(\w+))?(?:\s+WHERE\s+(\w+)\.(\w+)\s*=\s*'((?:[^'\\]|\\.)*)')?\s*;?\s*$`)

// Filter selects documents whose top-level Field equals Value. An empty
// Field matches every document.
type Filter struct {
	Field string
	Value string
}

// ParseQuery parses the selection queries the delete procedure accepts.
func ParseQuery(query string) (Filter, error) {
	m := selectPattern.FindStringSubmatch(query)
	if m == nil {
		return Filter{}, fmt.Errorf("unsupported query: %q", query)
	}
	collection, alias, ref, field, literal := m[1], m[2], m[3], m[4], m[5]

	if field == "" {
		return Filter{}, nil
	}
	if alias == "" {
		alias = collection
	}
	if ref != alias {
		return Filter{}, fmt.Errorf("unknown identifier %q in WHERE, expected %q", ref, alias)
	}
	return Filter{Field: field, Value: unescape(literal)}, nil
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Match reports whether the JSON document doc passes the filter.
func (f Filter) Match(doc []byte) (bool, error) {
	if f.Field == "" {
		return true, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return false, err
	}
	raw, ok := fields[f.Field]
	if !ok {
		return false, nil
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, nil
	}
	return v == f.Value, nil
}
