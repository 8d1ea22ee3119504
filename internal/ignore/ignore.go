// Package ignore compiles gitignore-style patterns and decides whether a
// path should be included in a scan. Matching is done against root-relative
// paths with forward-slash separators, regardless of host conventions.
package ignore

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Denylist is always applied before user-supplied patterns and cannot be
// overridden by include globs. It covers version control metadata,
// dependency and build output directories, virtualenvs, secret files and
// bytecode caches.
var Denylist = []string{
	".git/",
	"**/.git/**",
	"**/.svn/**",
	"**/.hg/**",
	"**/.DS_Store",
	"node_modules/",
	"**/node_modules/**",
	"__pycache__/",
	"**/__pycache__/**",
	".venv/",
	"**/.venv/**",
	"env/",
	"**/env/**",
	".env",
	".env/",
	"**/.env",
	"**/.env/**",
	"dist/",
	"build/",
	"**/*.min.js",
	"**/*.lock",
}

// pattern is a single compiled rule. A pattern that failed validation has
// ok=false and never matches anything; a bad user pattern must not break
// the scan.
type pattern struct {
	glob    string
	dirOnly bool
	ok      bool
}

func compile(raw string) pattern {
	p := strings.TrimSpace(raw)
	if p == "" || strings.HasPrefix(p, "#") || strings.HasPrefix(p, "!") {
		// Comments and negations are inert. Negation support is not part
		// of the matching contract.
		return pattern{}
	}

	dirOnly := strings.HasSuffix(p, "/")
	p = strings.TrimSuffix(p, "/")

	// A leading slash anchors the pattern to the root, as does any slash
	// elsewhere in the pattern. A bare name like "node_modules" matches at
	// any depth.
	anchored := strings.HasPrefix(p, "/")
	p = strings.TrimPrefix(p, "/")
	if !anchored && !strings.Contains(p, "/") {
		p = "**/" + p
	}

	if !doublestar.ValidatePattern(p) {
		return pattern{}
	}
	return pattern{glob: p, dirOnly: dirOnly, ok: true}
}

func (p pattern) match(rel string, isDir bool) bool {
	if !p.ok {
		return false
	}
	if p.dirOnly && !isDir {
		return false
	}
	ok, err := doublestar.Match(p.glob, rel)
	return err == nil && ok
}

// Ruleset is an ordered set of compiled patterns.
type Ruleset struct {
	patterns []pattern
}

// Compile builds a Ruleset. Malformed patterns are kept as inert entries,
// so compilation never fails.
func Compile(raw []string) *Ruleset {
	rs := &Ruleset{patterns: make([]pattern, 0, len(raw))}
	for _, r := range raw {
		rs.patterns = append(rs.patterns, compile(r))
	}
	return rs
}

// Match reports whether rel (a slash-separated root-relative path) matches
// any pattern in the set. A pattern that matches a directory also matches
// everything beneath it.
func (rs *Ruleset) Match(rel string, isDir bool) bool {
	rel = strings.Trim(rel, "/")
	if rel == "" || rel == "." {
		return false
	}
	for _, p := range rs.patterns {
		if p.match(rel, isDir) {
			return true
		}
		// Ancestor directories: "node_modules/" excludes node_modules/x.js.
		for i := len(rel) - 1; i > 0; i-- {
			if rel[i] == '/' && p.match(rel[:i], true) {
				return true
			}
		}
	}
	return false
}

// Filter is the full include/exclude decision for one scan: denylist
// first, then explicit excludes, then the include whitelist (if any).
type Filter struct {
	deny    *Ruleset
	exclude *Ruleset
	include *Ruleset
}

// NewFilter compiles a Filter. An empty includeGlobs list means every
// non-excluded path is kept.
func NewFilter(includeGlobs, excludeGlobs []string) *Filter {
	f := &Filter{
		deny:    Compile(Denylist),
		exclude: Compile(excludeGlobs),
	}
	if len(includeGlobs) > 0 {
		f.include = Compile(includeGlobs)
	}
	return f
}

// Excluded reports whether the path is ruled out by the denylist or the
// explicit excludes. Used for pruning directories during the walk.
func (f *Filter) Excluded(rel string, isDir bool) bool {
	return f.deny.Match(rel, isDir) || f.exclude.Match(rel, isDir)
}

// Include is the final decision for a file path.
func (f *Filter) Include(rel string) bool {
	if f.Excluded(rel, false) {
		return false
	}
	if f.include != nil {
		return f.include.Match(rel, false)
	}
	return true
}
