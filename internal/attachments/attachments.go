// Package attachments resolves client-supplied glob patterns into file
// contents injected as task context.
package attachments

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultMaxBytes caps how much of a single attachment is inlined.
const DefaultMaxBytes = 64 * 1024

// File is one resolved attachment.
type File struct {
	// Path is relative to the attachment root.
	Path      string
	Content   string
	Truncated bool
}

// Expand matches the patterns against root and reads each file once. Binary
// files and unreadable entries are skipped. maxBytes <= 0 uses the default.
func Expand(root string, patterns []string, maxBytes int64) ([]File, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	fsys := os.DirFS(root)
	seen := map[string]bool{}
	var paths []string
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("attachment pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if seen[m] {
				continue
			}
			seen[m] = true
			paths = append(paths, m)
		}
	}
	sort.Strings(paths)

	var out []File
	for _, p := range paths {
		f, ok := read(fsys, p, maxBytes)
		if ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func read(fsys fs.FS, path string, maxBytes int64) (File, bool) {
	info, err := fs.Stat(fsys, path)
	if err != nil || info.IsDir() {
		return File{}, false
	}

	raw, err := fs.ReadFile(fsys, path)
	if err != nil {
		return File{}, false
	}

	truncated := false
	if int64(len(raw)) > maxBytes {
		raw = raw[:maxBytes]
		truncated = true
	}
	if !utf8.Valid(raw) {
		return File{}, false
	}
	return File{Path: filepath.ToSlash(path), Content: string(raw), Truncated: truncated}, true
}

// Context renders attachments into a task context mapping. Keys are prefixed
// so they read naturally in worker prompts.
func Context(files []File) map[string]any {
	if len(files) == 0 {
		return nil
	}
	out := make(map[string]any, len(files))
	for _, f := range files {
		content := f.Content
		if f.Truncated {
			content += "\n... (truncated)"
		}
		out["attachment "+f.Path] = content
	}
	return out
}
