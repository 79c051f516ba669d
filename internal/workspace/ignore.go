package workspace

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// harnessIgnoreFile holds extra patterns, in gitignore syntax, for files
// the agent should not see but the repository tracks.
const harnessIgnoreFile = ".harnessignore"

// loadIgnore builds the matcher for the tree under root: .git/info/exclude,
// every .gitignore down the tree, then the root .harnessignore, in that
// order of priority. Negated patterns re-include what an earlier pattern
// excluded.
func loadIgnore(root string) (gitignore.Matcher, error) {
	fs := osfs.New(root)
	patterns, err := gitignore.ReadPatterns(fs, nil)
	if err != nil {
		return nil, fmt.Errorf("read gitignore files: %w", err)
	}
	extra, err := readIgnoreFile(fs, harnessIgnoreFile)
	if err != nil {
		return nil, err
	}
	return gitignore.NewMatcher(append(patterns, extra...)), nil
}

func readIgnoreFile(fs billy.Filesystem, name string) ([]gitignore.Pattern, error) {
	f, err := fs.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	defer f.Close()

	var patterns []gitignore.Pattern
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return patterns, nil
}

// isIgnored reports whether the slash-separated relative path is excluded.
func (w *Workspace) isIgnored(rel string, isDir bool) bool {
	if w.ignore == nil || rel == "." || rel == "" {
		return false
	}
	return w.ignore.Match(strings.Split(rel, "/"), isDir)
}
