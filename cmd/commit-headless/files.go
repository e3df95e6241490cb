package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/odvcencio/commit-headless/pkg/commit"
	"github.com/odvcencio/commit-headless/pkg/object"
	"github.com/odvcencio/commit-headless/pkg/tree"
)

// readChanges turns file arguments into a change set. Paths are relative to
// fsys; a leading "./" is dropped. Missing files become deletions only when
// force is set.
func readChanges(fsys fs.FS, paths []string, force bool) ([]tree.Change, error) {
	if len(paths) == 0 {
		return nil, &commit.ValidationError{Field: "files", Message: "no files given"}
	}
	seen := make(map[string]bool, len(paths))
	var changes []tree.Change
	for _, raw := range paths {
		p := strings.TrimPrefix(raw, "./")
		if _, err := tree.CleanPath(p); err != nil {
			return nil, err
		}
		if seen[p] {
			continue
		}
		seen[p] = true

		info, err := fs.Lstat(fsys, p)
		if errors.Is(err, fs.ErrNotExist) {
			if !force {
				return nil, &commit.ValidationError{Field: "files", Message: fmt.Sprintf("%s does not exist (use --force to delete it)", p)}
			}
			changes = append(changes, tree.Deletion(p))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}

		switch mode := tree.ModeFromFileInfo(info); {
		case info.IsDir():
			return nil, &commit.ValidationError{Field: "files", Message: fmt.Sprintf("%s is a directory", p)}
		case mode == object.TreeModeSymlink:
			target, err := fs.ReadLink(fsys, p)
			if err != nil {
				return nil, fmt.Errorf("read link %s: %w", p, err)
			}
			changes = append(changes, tree.Upsert(p, mode, []byte(target)))
		default:
			data, err := fs.ReadFile(fsys, p)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", p, err)
			}
			changes = append(changes, tree.Upsert(p, mode, data))
		}
	}
	return changes, nil
}
