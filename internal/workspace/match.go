package workspace

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ValidateGlob rejects malformed patterns and patterns that climb out of
// the root.
func ValidateGlob(pattern string) error {
	if strings.Contains(pattern, "..") {
		return fmt.Errorf("%w: %q contains traversal", ErrInvalidGlob, pattern)
	}
	for _, seg := range strings.Split(pattern, "/") {
		if seg == "**" {
			continue
		}
		if _, err := path.Match(seg, "x"); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidGlob, pattern, err)
		}
	}
	return nil
}

// Match reports whether a slash-separated relative path matches pattern.
// A "**" segment matches any number of path segments. A pattern without a
// slash also matches the base name.
func Match(pattern, rel string) bool {
	rel = filepath.ToSlash(rel)
	if !strings.Contains(pattern, "/") {
		if ok, _ := path.Match(pattern, path.Base(rel)); ok {
			return true
		}
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			rest := pat[1:]
			for i := 0; i <= len(segs); i++ {
				if matchSegments(rest, segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		if ok, _ := path.Match(pat[0], segs[0]); !ok {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}
