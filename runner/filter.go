package runner

import (
	"fmt"

	"github.com/gobwas/glob"
)

// TableFilter selects which tables a processor syncs. Whitelist wins
// when both lists are present; an empty whitelist admits everything not
// blacklisted.
type TableFilter struct {
	whitelist []glob.Glob
	blacklist []glob.Glob
}

func NewTableFilter(whitelist, blacklist []string) (*TableFilter, error) {
	w, err := compileGlobs(whitelist)
	if err != nil {
		return nil, fmt.Errorf("invalid whitelist pattern: %w", err)
	}
	b, err := compileGlobs(blacklist)
	if err != nil {
		return nil, fmt.Errorf("invalid blacklist pattern: %w", err)
	}
	return &TableFilter{whitelist: w, blacklist: b}, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Allow reports whether the table should be synced.
func (f *TableFilter) Allow(table string) bool {
	if len(f.whitelist) > 0 {
		return matchAny(f.whitelist, table)
	}
	return !matchAny(f.blacklist, table)
}

func matchAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
