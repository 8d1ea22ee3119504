// Package scanner walks a directory tree and produces the deterministic,
// filtered file list a task is built from.
package scanner

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Driftcell/foreach/internal/ignore"
)

// codeExts is the allowlist of file extensions considered worth queueing.
var codeExts = map[string]bool{
	".py": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".go": true, ".rs": true, ".java": true, ".kt": true,
	".c": true, ".cc": true, ".cpp": true, ".h": true, ".hpp": true,
	".m": true, ".mm": true, ".rb": true, ".php": true,
	".sh": true, ".zsh": true, ".fish": true, ".ps1": true,
	".sql": true, ".yml": true, ".yaml": true, ".toml": true,
	".ini": true, ".cfg": true, ".md": true, ".txt": true,
}

// Result holds the scan output. Files are root-relative slash paths in
// walk order: lexicographic at each level, depth-first. Warnings record
// subtrees that could not be read; they never abort a scan.
type Result struct {
	Root     string
	Files    []string
	Warnings []string
}

// IsCodeFile reports whether a path has a queueable extension.
func IsCodeFile(path string) bool {
	return codeExts[strings.ToLower(filepath.Ext(path))]
}

// loadIgnoreFiles reads .gitignore and .ignore at the root and returns
// their patterns. Missing or unreadable files contribute nothing.
func loadIgnoreFiles(root string) []string {
	var patterns []string
	for _, name := range []string{".gitignore", ".ignore"} {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				patterns = append(patterns, line)
			}
		}
	}
	return patterns
}

// Scan walks root and returns the ordered list of matching code files.
// Excluded directories are pruned before descent, so large ignored
// subtrees cost nothing. Symlinked directories are not followed.
func Scan(root string, includeGlobs, excludeGlobs []string) (*Result, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}

	excludes := append(loadIgnoreFiles(abs), excludeGlobs...)
	filter := ignore.NewFilter(includeGlobs, excludes)

	res := &Result{Root: abs}
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, walkErr error) error {
		rel, relErr := filepath.Rel(abs, path)
		if relErr != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		if walkErr != nil {
			// Permission denied, vanished mid-walk, etc. Record and move on.
			slog.Warn("scan: skipping unreadable path", "path", path, "error", walkErr)
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", rel, walkErr))
			return nil
		}
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if filter.Excluded(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		// WalkDir does not descend into symlinked directories; a symlink
		// that points at a file is not a regular file either.
		if !d.Type().IsRegular() {
			return nil
		}
		if !IsCodeFile(rel) {
			return nil
		}
		if filter.Include(rel) {
			res.Files = append(res.Files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
