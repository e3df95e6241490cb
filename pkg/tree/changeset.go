package tree

import (
	"fmt"
	"os"
	"strings"

	"github.com/odvcencio/commit-headless/pkg/object"
)

// Change is one entry of a change set: either new content for a path or a
// deletion of it.
type Change struct {
	Path    string
	Mode    string // object.TreeModeFile when empty
	Content []byte
	Delete  bool
}

// Upsert returns a change writing content at path with the given mode.
func Upsert(path, mode string, content []byte) Change {
	return Change{Path: path, Mode: mode, Content: content}
}

// Deletion returns a change removing path.
func Deletion(path string) Change {
	return Change{Path: path, Delete: true}
}

func (c Change) mode() string {
	if c.Mode == "" {
		return object.TreeModeFile
	}
	return c.Mode
}

// Summary counts the additions and deletions in a change set.
type Summary struct {
	Added   int
	Deleted int
}

// Summarize counts changes by kind.
func Summarize(changes []Change) Summary {
	var s Summary
	for _, c := range changes {
		if c.Delete {
			s.Deleted++
		} else {
			s.Added++
		}
	}
	return s
}

// CleanPath validates a repository path and returns its segments. Paths are
// relative and slash separated; a leading "./" is accepted and dropped.
func CleanPath(p string) ([]string, error) {
	orig := p
	p = strings.TrimPrefix(p, "./")
	if p == "" {
		return nil, &object.EncodingError{Field: "path", Value: orig, Reason: "empty path"}
	}
	if strings.HasPrefix(p, "/") {
		return nil, &object.EncodingError{Field: "path", Value: orig, Reason: "absolute path"}
	}
	if strings.IndexByte(p, 0) >= 0 {
		return nil, &object.EncodingError{Field: "path", Value: orig, Reason: "contains NUL byte"}
	}
	parts := strings.Split(p, "/")
	for _, part := range parts {
		switch part {
		case "":
			return nil, &object.EncodingError{Field: "path", Value: orig, Reason: "empty path segment"}
		case ".", "..":
			return nil, &object.EncodingError{Field: "path", Value: orig, Reason: fmt.Sprintf("%q segment", part)}
		}
	}
	return parts, nil
}

// ModeFromFileInfo derives a tree entry mode from a local file.
func ModeFromFileInfo(info os.FileInfo) string {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return object.TreeModeSymlink
	case info.Mode()&0o111 != 0:
		return object.TreeModeExecutable
	default:
		return object.TreeModeFile
	}
}

func validBlobMode(mode string) bool {
	switch mode {
	case object.TreeModeFile, object.TreeModeExecutable, object.TreeModeSymlink:
		return true
	}
	return false
}
