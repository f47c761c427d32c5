package realtime

import (
	"fmt"
	"strings"
)

// Filter is a single column predicate in the "column=op.value" form, e.g.
// "recipient_id=eq.42".
type Filter struct {
	Column string
	Op     string
	Value  string
}

// Eq builds an equality filter.
func Eq(column, value string) *Filter {
	return &Filter{Column: column, Op: "eq", Value: value}
}

// ParseFilter parses "column=op.value". Supported ops are eq, neq and in,
// where in takes a parenthesised comma list: "type=in.(a,b)".
func ParseFilter(s string) (*Filter, error) {
	column, rest, ok := strings.Cut(s, "=")
	if !ok || column == "" {
		return nil, fmt.Errorf("invalid filter %q", s)
	}
	op, value, ok := strings.Cut(rest, ".")
	if !ok {
		return nil, fmt.Errorf("invalid filter %q", s)
	}
	switch op {
	case "eq", "neq":
	case "in":
		if !strings.HasPrefix(value, "(") || !strings.HasSuffix(value, ")") {
			return nil, fmt.Errorf("invalid in-list in filter %q", s)
		}
	default:
		return nil, fmt.Errorf("unsupported filter operator %q", op)
	}
	return &Filter{Column: column, Op: op, Value: value}, nil
}

func (f Filter) String() string {
	return f.Column + "=" + f.Op + "." + f.Value
}

// Matches evaluates the filter against a record. Values are compared in
// their text form.
func (f Filter) Matches(record map[string]any) bool {
	v, ok := record[f.Column]
	if !ok || v == nil {
		return f.Op == "neq"
	}
	got := fmt.Sprint(v)

	switch f.Op {
	case "eq":
		return got == f.Value
	case "neq":
		return got != f.Value
	case "in":
		for _, item := range strings.Split(strings.Trim(f.Value, "()"), ",") {
			if strings.TrimSpace(item) == got {
				return true
			}
		}
	}
	return false
}
