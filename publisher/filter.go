package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters change events using glob patterns against either the
// bare table name or the qualified "schema.table" form. An empty pattern
// list matches everything.
type GlobFilter struct {
	tableGlobs []glob.Glob
}

// NewGlobFilter compiles the table allow-list patterns.
func NewGlobFilter(tablePatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		tableGlobs: make([]glob.Glob, 0, len(tablePatterns)),
	}

	for _, pattern := range tablePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		filter.tableGlobs = append(filter.tableGlobs, g)
	}

	return filter, nil
}

// Match returns true if the table matches any configured pattern.
func (f *GlobFilter) Match(schema, table string) bool {
	if len(f.tableGlobs) == 0 {
		return true
	}

	qualified := schema + "." + table
	for _, g := range f.tableGlobs {
		if g.Match(table) || g.Match(qualified) {
			return true
		}
	}
	return false
}
