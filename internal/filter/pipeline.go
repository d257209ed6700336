package filter

import (
	"regexp"

	"github.com/samber/lo"

	"github.com/vburojevic/wvctx/internal/domain"
)

// Pipeline applies --pattern, --exclude and --where to context names, in
// that order. A nil pipeline lets everything through.
type Pipeline struct {
	pattern  *regexp.Regexp
	excludes []*regexp.Regexp
	where    *WhereFilter
}

// NewPipeline returns nil when no filter is configured.
func NewPipeline(pattern *regexp.Regexp, excludes []*regexp.Regexp, where *WhereFilter) *Pipeline {
	if pattern == nil && len(excludes) == 0 && where == nil {
		return nil
	}
	return &Pipeline{pattern: pattern, excludes: excludes, where: where}
}

// Match reports whether c passes every configured filter.
func (p *Pipeline) Match(c domain.Context) bool {
	if p == nil {
		return true
	}
	if p.pattern != nil && !p.pattern.MatchString(c.Name) {
		return false
	}
	for _, ex := range p.excludes {
		if ex.MatchString(c.Name) {
			return false
		}
	}
	return p.where.Match(c)
}

// Apply keeps the contexts that match, preserving order.
func (p *Pipeline) Apply(contexts []domain.Context) []domain.Context {
	if p == nil {
		return contexts
	}
	return lo.Filter(contexts, func(c domain.Context, _ int) bool { return p.Match(c) })
}
