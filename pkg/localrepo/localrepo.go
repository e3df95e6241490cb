// Package localrepo reads commits and staged changes from a local git
// repository so they can be replayed against a remote without a checkout.
package localrepo

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	gitobj "github.com/go-git/go-git/v5/plumbing/object"

	"github.com/odvcencio/commit-headless/pkg/object"
	"github.com/odvcencio/commit-headless/pkg/tree"
)

// Repo is an opened local repository.
type Repo struct {
	repo *git.Repository
	path string
}

// ChainError reports commits that cannot be pushed as one linear run.
type ChainError struct {
	Commit object.Hash
	Reason string
}

func (e *ChainError) Error() string {
	if e.Commit == "" {
		return "commit range: " + e.Reason
	}
	return fmt.Sprintf("commit %s: %s", e.Commit.Short(), e.Reason)
}

// Open opens the repository containing path, searching parent directories
// for the .git directory.
func Open(path string) (*Repo, error) {
	if path == "" {
		path = "."
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve repository path: %w", err)
	}
	repo, err := git.PlainOpenWithOptions(absPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", absPath, err)
	}
	return &Repo{repo: repo, path: absPath}, nil
}

// Path returns the absolute path Open was called with.
func (r *Repo) Path() string {
	return r.path
}

// Resolve turns a revision (HEAD, HEAD^^, a branch name, a full or short
// hash) into a commit hash.
func (r *Repo) Resolve(rev string) (object.Hash, error) {
	rev = strings.TrimSpace(rev)
	if rev == "" {
		return "", errors.New("empty revision")
	}
	h, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", rev, err)
	}
	return object.Hash(h.String()), nil
}

// PushSet is a linear run of local commits and the objects they introduce.
type PushSet struct {
	// Commits are ordered oldest first.
	Commits []object.Hash
	// Parent is the first parent of the oldest commit, empty for a root commit.
	Parent object.Hash
	// Records hold trees and blobs before the commit that introduces them,
	// and each commit before its child.
	Records []object.Record
}

// Head returns the newest commit of the set.
func (p *PushSet) Head() object.Hash {
	if len(p.Commits) == 0 {
		return ""
	}
	return p.Commits[len(p.Commits)-1]
}

// CollectPush resolves revs and gathers the raw objects needed to recreate
// them remotely. The order of revs does not matter, but together they must
// form a single chain of non-merge commits. Subtrees and blobs that are
// unchanged from a commit's first parent are left out.
func (r *Repo) CollectPush(revs []string) (*PushSet, error) {
	if len(revs) == 0 {
		return nil, &ChainError{Reason: "no commits given"}
	}

	commits := make(map[object.Hash]*object.CommitObj, len(revs))
	raw := make(map[object.Hash]object.Record, len(revs))
	for _, rev := range revs {
		h, err := r.Resolve(rev)
		if err != nil {
			return nil, err
		}
		if _, dup := commits[h]; dup {
			continue
		}
		rec, err := r.read(h, object.TypeCommit)
		if err != nil {
			return nil, err
		}
		c, err := object.UnmarshalCommit(rec.Data)
		if err != nil {
			return nil, fmt.Errorf("parse commit %s: %w", h, err)
		}
		if len(c.Parents) > 1 {
			return nil, &ChainError{Commit: h, Reason: "range includes a merge commit"}
		}
		commits[h] = c
		raw[h] = rec
	}

	order, err := linearize(commits)
	if err != nil {
		return nil, err
	}

	set := &PushSet{Commits: order, Parent: firstParent(commits[order[0]])}
	col := &collector{repo: r, seen: make(map[object.Hash]bool)}
	for _, h := range order {
		c := commits[h]
		var prevTree object.Hash
		if p := firstParent(c); p != "" {
			if pc, ok := commits[p]; ok {
				prevTree = pc.TreeHash
			} else if pc, err := r.commit(p); err == nil {
				prevTree = pc.TreeHash
			}
		}
		if err := col.tree(c.TreeHash, prevTree); err != nil {
			return nil, err
		}
		col.out = append(col.out, raw[h])
	}
	set.Records = col.out
	return set, nil
}

func firstParent(c *object.CommitObj) object.Hash {
	if len(c.Parents) == 0 {
		return ""
	}
	return c.Parents[0]
}

// linearize orders commits so each one's parent precedes it.
func linearize(commits map[object.Hash]*object.CommitObj) ([]object.Hash, error) {
	child := make(map[object.Hash]object.Hash, len(commits))
	var starts []object.Hash
	for h, c := range commits {
		p := firstParent(c)
		if _, inside := commits[p]; p == "" || !inside {
			starts = append(starts, h)
			continue
		}
		if other, forked := child[p]; forked {
			a, b := sortedPair(h, other)
			return nil, &ChainError{Commit: p, Reason: fmt.Sprintf("has two children in the range (%s, %s)", a.Short(), b.Short())}
		}
		child[p] = h
	}
	if len(starts) != 1 {
		sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
		names := make([]string, len(starts))
		for i, h := range starts {
			names[i] = h.Short()
		}
		return nil, &ChainError{Reason: fmt.Sprintf("commits do not form a single linear chain (starts at %s)", strings.Join(names, ", "))}
	}

	order := make([]object.Hash, 0, len(commits))
	for h, ok := starts[0], true; ok; h, ok = child[h] {
		order = append(order, h)
	}
	if len(order) != len(commits) {
		return nil, &ChainError{Reason: "commits do not form a single linear chain"}
	}
	return order, nil
}

func sortedPair(a, b object.Hash) (object.Hash, object.Hash) {
	if b < a {
		return b, a
	}
	return a, b
}

type collector struct {
	repo *Repo
	seen map[object.Hash]bool
	out  []object.Record
}

// tree appends the objects of h that are not present in the tree prev.
func (c *collector) tree(h, prev object.Hash) error {
	if h == prev || c.seen[h] {
		return nil
	}
	rec, err := c.repo.read(h, object.TypeTree)
	if err != nil {
		return err
	}
	t, err := object.UnmarshalTree(rec.Data)
	if err != nil {
		return fmt.Errorf("parse tree %s: %w", h, err)
	}
	var old *object.TreeObj
	if prev != "" {
		if prevRec, err := c.repo.read(prev, object.TypeTree); err == nil {
			old, _ = object.UnmarshalTree(prevRec.Data)
		}
	}

	for _, e := range t.Entries {
		var before object.Hash
		if old != nil {
			if oe, ok := old.Find(e.Name); ok && oe.Kind() == e.Kind() {
				before = oe.Hash
			}
		}
		switch e.Kind() {
		case object.KindSubmodule:
			continue
		case object.KindTree:
			if err := c.tree(e.Hash, before); err != nil {
				return err
			}
		default:
			if e.Hash == before || c.seen[e.Hash] {
				continue
			}
			blob, err := c.repo.read(e.Hash, object.TypeBlob)
			if err != nil {
				return err
			}
			c.add(blob)
		}
	}
	c.add(rec)
	return nil
}

func (c *collector) add(rec object.Record) {
	c.seen[rec.Hash] = true
	c.out = append(c.out, rec)
}

func (r *Repo) commit(h object.Hash) (*object.CommitObj, error) {
	rec, err := r.read(h, object.TypeCommit)
	if err != nil {
		return nil, err
	}
	return object.UnmarshalCommit(rec.Data)
}

// read loads an object's raw bytes and checks they hash back to h.
func (r *Repo) read(h object.Hash, want object.ObjectType) (object.Record, error) {
	obj, err := r.repo.Storer.EncodedObject(plumbing.AnyObject, plumbing.NewHash(string(h)))
	if err != nil {
		return object.Record{}, fmt.Errorf("read object %s: %w", h, err)
	}
	typ, err := recordType(obj.Type())
	if err != nil {
		return object.Record{}, fmt.Errorf("read object %s: %w", h, err)
	}
	if want != "" && typ != want {
		return object.Record{}, fmt.Errorf("object %s is a %s, want %s", h, typ, want)
	}
	rd, err := obj.Reader()
	if err != nil {
		return object.Record{}, fmt.Errorf("read object %s: %w", h, err)
	}
	defer rd.Close()
	data, err := io.ReadAll(rd)
	if err != nil {
		return object.Record{}, fmt.Errorf("read object %s: %w", h, err)
	}
	rec := object.NewRecord(typ, data)
	if rec.Hash != h {
		return object.Record{}, fmt.Errorf("object %s is corrupt (content hashes to %s)", h, rec.Hash)
	}
	return rec, nil
}

func recordType(t plumbing.ObjectType) (object.ObjectType, error) {
	switch t {
	case plumbing.BlobObject:
		return object.TypeBlob, nil
	case plumbing.TreeObject:
		return object.TypeTree, nil
	case plumbing.CommitObject:
		return object.TypeCommit, nil
	case plumbing.TagObject:
		return object.TypeTag, nil
	}
	return "", fmt.Errorf("unsupported object type %s", t)
}

// StagedChanges compares the index with HEAD and returns the difference as
// a change set sorted by path. Submodule entries are ignored.
func (r *Repo) StagedChanges() ([]tree.Change, error) {
	idx, err := r.repo.Storer.Index()
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	head, err := r.headFiles()
	if err != nil {
		return nil, err
	}

	var changes []tree.Change
	staged := make(map[string]bool, len(idx.Entries))
	for _, e := range idx.Entries {
		if e.Stage != 0 {
			return nil, fmt.Errorf("index has unresolved conflicts at %s", e.Name)
		}
		staged[e.Name] = true
		if e.Mode == filemode.Submodule {
			continue
		}
		mode := modeString(e.Mode)
		if prev, ok := head[e.Name]; ok && prev.hash == e.Hash && prev.mode == mode {
			continue
		}
		blob, err := r.repo.BlobObject(e.Hash)
		if err != nil {
			return nil, fmt.Errorf("read staged blob %s: %w", e.Name, err)
		}
		content, err := readBlob(blob)
		if err != nil {
			return nil, fmt.Errorf("read staged blob %s: %w", e.Name, err)
		}
		changes = append(changes, tree.Upsert(e.Name, mode, content))
	}
	for name, f := range head {
		if !staged[name] && f.mode != object.TreeModeSubmodule {
			changes = append(changes, tree.Deletion(name))
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

type headFile struct {
	hash plumbing.Hash
	mode string
}

func (r *Repo) headFiles() (map[string]headFile, error) {
	files := map[string]headFile{}
	ref, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return files, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	c, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read HEAD commit: %w", err)
	}
	t, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("read HEAD tree: %w", err)
	}
	walker := gitobj.NewTreeWalker(t, true, nil)
	defer walker.Close()
	for {
		name, entry, err := walker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("walk HEAD tree: %w", err)
		}
		if entry.Mode == filemode.Dir {
			continue
		}
		files[name] = headFile{hash: entry.Hash, mode: modeString(entry.Mode)}
	}
	return files, nil
}

func readBlob(b *gitobj.Blob) ([]byte, error) {
	rd, err := b.Reader()
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	return io.ReadAll(rd)
}

func modeString(m filemode.FileMode) string {
	switch m {
	case filemode.Dir:
		return object.TreeModeDir
	case filemode.Executable:
		return object.TreeModeExecutable
	case filemode.Symlink:
		return object.TreeModeSymlink
	case filemode.Submodule:
		return object.TreeModeSubmodule
	}
	return object.TreeModeFile
}
