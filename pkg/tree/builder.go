// Package tree applies change sets to git trees without a working directory.
package tree

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/odvcencio/commit-headless/pkg/object"
)

// Loader fetches tree objects that the builder needs to descend into.
type Loader interface {
	LoadTree(ctx context.Context, h object.Hash) (*object.TreeObj, error)
}

// PathConflictError reports a change whose path crosses an entry of the
// wrong kind, such as writing a/b while a is a file.
type PathConflictError struct {
	Path     string
	Conflict string
	Reason   string
}

func (e *PathConflictError) Error() string {
	if e.Conflict != "" && e.Conflict != e.Path {
		return fmt.Sprintf("path conflict at %q: %s (%q)", e.Path, e.Reason, e.Conflict)
	}
	return fmt.Sprintf("path conflict at %q: %s", e.Path, e.Reason)
}

// Result is the outcome of Build.
type Result struct {
	// Root is the hash of the resulting root tree.
	Root object.Hash
	// Objects holds new blobs and rewritten trees, children before parents.
	Objects []object.Record
	// Noops lists deletions of paths absent from the base tree.
	Noops []string
}

type entry struct {
	mode string
	hash object.Hash
	sub  *node // populated once a subtree is descended into
}

type node struct {
	hash    object.Hash // hash in the base tree; empty for new trees
	entries map[string]*entry
	dirty   bool
}

type builder struct {
	ctx    context.Context
	loader Loader
	blobs  map[object.Hash]object.Record
	order  []object.Hash
	noops  []string
}

// Build applies changes in order to the tree base and returns the new root.
// An empty base (or the zero hash) starts from the empty tree. Only the
// subtrees along changed paths are loaded.
func Build(ctx context.Context, loader Loader, base object.Hash, changes []Change) (*Result, error) {
	if base.IsZero() {
		base = ""
	}
	if base != "" && len(changes) == 0 {
		return &Result{Root: base}, nil
	}

	b := &builder{ctx: ctx, loader: loader, blobs: make(map[object.Hash]object.Record)}
	root := &node{hash: base}
	if base == "" {
		root.entries = map[string]*entry{}
		root.dirty = true
	}

	for _, c := range changes {
		if err := b.apply(root, c); err != nil {
			return nil, err
		}
	}

	res := &Result{Noops: b.noops}
	for _, h := range b.order {
		res.Objects = append(res.Objects, b.blobs[h])
	}
	rootHash, _, err := b.write(root, true, &res.Objects)
	if err != nil {
		return nil, err
	}
	res.Root = rootHash
	return res, nil
}

func (b *builder) load(n *node) error {
	if n.entries != nil {
		return nil
	}
	if b.loader == nil {
		return fmt.Errorf("load tree %s: no loader configured", n.hash)
	}
	tr, err := b.loader.LoadTree(b.ctx, n.hash)
	if err != nil {
		return fmt.Errorf("load tree %s: %w", n.hash, err)
	}
	n.entries = make(map[string]*entry, len(tr.Entries))
	for _, e := range tr.Entries {
		n.entries[e.Name] = &entry{mode: e.Mode, hash: e.Hash}
	}
	return nil
}

func (b *builder) apply(root *node, c Change) error {
	parts, err := CleanPath(c.Path)
	if err != nil {
		return err
	}
	if !c.Delete && !validBlobMode(c.mode()) {
		return &object.EncodingError{Field: "mode", Value: c.Mode, Reason: fmt.Sprintf("unsupported mode for %q", c.Path)}
	}
	path := strings.Join(parts, "/")

	// Walk to the parent directory, remembering the nodes passed so they can
	// be marked dirty once the change actually lands.
	trail := []*node{root}
	cur := root
	for i, name := range parts[:len(parts)-1] {
		if err := b.load(cur); err != nil {
			return err
		}
		prefix := strings.Join(parts[:i+1], "/")
		e, ok := cur.entries[name]
		switch {
		case !ok:
			if c.Delete {
				b.noops = append(b.noops, path)
				return nil
			}
			e = &entry{mode: object.TreeModeDir, sub: &node{entries: map[string]*entry{}}}
			cur.entries[name] = e
		case e.mode != object.TreeModeDir:
			if c.Delete {
				b.noops = append(b.noops, path)
				return nil
			}
			return &PathConflictError{Path: path, Conflict: prefix, Reason: "parent is not a directory"}
		case e.sub == nil:
			e.sub = &node{hash: e.hash}
		}
		cur = e.sub
		trail = append(trail, cur)
	}

	if err := b.load(cur); err != nil {
		return err
	}
	name := parts[len(parts)-1]
	existing, ok := cur.entries[name]

	if c.Delete {
		if !ok {
			b.noops = append(b.noops, path)
			return nil
		}
		if existing.mode == object.TreeModeDir {
			return &PathConflictError{Path: path, Reason: "cannot delete a directory"}
		}
		delete(cur.entries, name)
		markDirty(trail)
		return nil
	}

	if ok && existing.mode == object.TreeModeDir {
		return &PathConflictError{Path: path, Reason: "a directory exists at this path"}
	}
	rec := object.NewRecord(object.TypeBlob, c.Content)
	if ok && existing.mode == c.mode() && existing.hash == rec.Hash {
		return nil
	}
	if _, seen := b.blobs[rec.Hash]; !seen {
		b.blobs[rec.Hash] = rec
		b.order = append(b.order, rec.Hash)
	}
	cur.entries[name] = &entry{mode: c.mode(), hash: rec.Hash}
	markDirty(trail)
	return nil
}

func markDirty(trail []*node) {
	for _, n := range trail {
		n.dirty = true
	}
}

// write serializes dirty nodes bottom-up, appending new tree records to out.
// It reports empty=true for a non-root tree with no entries, which the parent
// then omits.
func (b *builder) write(n *node, isRoot bool, out *[]object.Record) (object.Hash, bool, error) {
	if !n.dirty {
		return n.hash, false, nil
	}

	names := make([]string, 0, len(n.entries))
	for name := range n.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	tr := &object.TreeObj{Entries: make([]object.TreeEntry, 0, len(n.entries))}
	for _, name := range names {
		e := n.entries[name]
		h := e.hash
		if e.sub != nil {
			subHash, empty, err := b.write(e.sub, false, out)
			if err != nil {
				return "", false, err
			}
			if empty {
				continue
			}
			h = subHash
		}
		tr.Entries = append(tr.Entries, object.TreeEntry{Name: name, Mode: e.mode, Hash: h})
	}
	if len(tr.Entries) == 0 && !isRoot {
		return "", true, nil
	}

	data, err := object.MarshalTree(tr)
	if err != nil {
		return "", false, err
	}
	rec := object.NewRecord(object.TypeTree, data)
	*out = append(*out, rec)
	return rec.Hash, false, nil
}
