package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/vburojevic/wvctx/internal/domain"
)

// WhereClause represents a parsed --where condition
type WhereClause struct {
	Field    string
	Operator string
	Value    string
	regex    *regexp.Regexp // Compiled regex for ~ and !~ operators
}

// ParseWhereClause parses a where clause like "kind=webview" or "package~example"
// Supported operators: =, !=, ~, !~, >=, <=, ^, $
func ParseWhereClause(clause string) (*WhereClause, error) {
	// Try operators in order of length (longest first to avoid partial matches)
	operators := []string{"!~", ">=", "<=", "!=", "~", "=", "^", "$"}

	for _, op := range operators {
		idx := strings.Index(clause, op)
		if idx > 0 {
			field := strings.TrimSpace(clause[:idx])
			value := strings.TrimSpace(clause[idx+len(op):])

			if field == "" || value == "" {
				return nil, fmt.Errorf("invalid where clause: %s", clause)
			}
			if !knownField(field) {
				return nil, fmt.Errorf("unknown field %q in where clause (use name, kind, package, pid, capable)", field)
			}

			wc := &WhereClause{
				Field:    strings.ToLower(field),
				Operator: op,
				Value:    value,
			}

			if op == "~" || op == "!~" {
				re, err := regexp.Compile(value)
				if err != nil {
					return nil, fmt.Errorf("invalid regex in where clause '%s': %w", clause, err)
				}
				wc.regex = re
			}
			if (op == ">=" || op == "<=") && wc.Field != "pid" {
				return nil, fmt.Errorf("operator %s only applies to pid: %s", op, clause)
			}

			return wc, nil
		}
	}

	return nil, fmt.Errorf("no valid operator found in where clause: %s (use =, !=, ~, !~, >=, <=, ^, $)", clause)
}

func knownField(field string) bool {
	switch strings.ToLower(field) {
	case "name", "kind", "package", "pid", "capable":
		return true
	}
	return false
}

// Match checks if a context matches this where clause
func (wc *WhereClause) Match(c domain.Context) bool {
	fieldValue := wc.getFieldValue(c)

	switch wc.Operator {
	case "=":
		return fieldValue == wc.Value
	case "!=":
		return fieldValue != wc.Value
	case "~":
		return wc.regex.MatchString(fieldValue)
	case "!~":
		return !wc.regex.MatchString(fieldValue)
	case "^":
		return strings.HasPrefix(fieldValue, wc.Value)
	case "$":
		return strings.HasSuffix(fieldValue, wc.Value)
	case ">=":
		return wc.comparePID(c, true)
	case "<=":
		return wc.comparePID(c, false)
	}

	return false
}

func (wc *WhereClause) getFieldValue(c domain.Context) string {
	switch wc.Field {
	case "name":
		return c.Name
	case "kind":
		return string(c.Kind)
	case "package":
		return c.Package
	case "pid":
		if c.PID == 0 {
			return ""
		}
		return strconv.Itoa(c.PID)
	case "capable":
		return strconv.FormatBool(c.Capable())
	default:
		return ""
	}
}

// comparePID handles >= and <= on the pid of per-process webviews.
// Contexts without a pid never match.
func (wc *WhereClause) comparePID(c domain.Context, greaterOrEqual bool) bool {
	target, err := strconv.Atoi(wc.Value)
	if err != nil || c.PID == 0 {
		return false
	}
	if greaterOrEqual {
		return c.PID >= target
	}
	return c.PID <= target
}

// WhereFilter is a filter that applies multiple where clauses (AND logic)
type WhereFilter struct {
	clauses []*WhereClause
}

// NewWhereFilter creates a filter from multiple where clause strings
func NewWhereFilter(whereClauses []string) (*WhereFilter, error) {
	if len(whereClauses) == 0 {
		return nil, nil
	}

	filter := &WhereFilter{}
	for _, clause := range whereClauses {
		wc, err := ParseWhereClause(clause)
		if err != nil {
			return nil, err
		}
		filter.clauses = append(filter.clauses, wc)
	}

	return filter, nil
}

// Match returns true if the context matches ALL where clauses (AND logic)
func (f *WhereFilter) Match(c domain.Context) bool {
	if f == nil {
		return true
	}
	for _, clause := range f.clauses {
		if !clause.Match(c) {
			return false
		}
	}
	return true
}
