package gate

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/go-git/go-git/v5"

	"github.com/fyrsmithlabs/harnessd/internal/workspace"
)

// ChangedFiles lists workspace files modified relative to HEAD, including
// untracked files. When the workspace is not a git repository every
// walkable file is returned.
func ChangedFiles(ctx context.Context, ws *workspace.Workspace) ([]string, error) {
	repo, err := git.PlainOpenWithOptions(ws.Root(), &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return walkAll(ctx, ws)
	}
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		// bare repository
		return walkAll(ctx, ws)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, err
	}

	root := wt.Filesystem.Root()
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	var files []string
	for path, st := range status {
		if st.Worktree == git.Deleted || st.Staging == git.Deleted {
			continue
		}
		if st.Worktree == git.Unmodified && st.Staging == git.Unmodified {
			continue
		}
		abs, err := ws.Resolve(joinRepoPath(root, path))
		if err != nil {
			// outside the workspace when the repo root is an ancestor
			continue
		}
		files = append(files, ws.Rel(abs))
	}
	sort.Strings(files)
	return files, nil
}

func walkAll(ctx context.Context, ws *workspace.Workspace) ([]string, error) {
	var files []string
	err := ws.Walk(ctx, workspace.WalkOptions{}, func(rel string, _ fs.FileInfo) error {
		files = append(files, rel)
		return nil
	})
	return files, err
}

func joinRepoPath(root, path string) string {
	return filepath.Join(root, filepath.FromSlash(path))
}
