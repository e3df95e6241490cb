package remote

import (
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/commit-headless/pkg/object"
)

// fixture is a commit together with every object it references.
type fixture struct {
	commit  object.Hash
	tree    object.Hash
	records []object.Record // children before parents, commit last
}

// buildFixture creates a commit whose tree holds files; a path with one
// slash lands in a subtree.
func buildFixture(t *testing.T, parent object.Hash, files map[string]string, msg string) fixture {
	t.Helper()
	var f fixture

	dirs := map[string]*object.TreeObj{}
	root := &object.TreeObj{}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		blob := object.NewRecord(object.TypeBlob, []byte(files[name]))
		f.records = append(f.records, blob)
		dir, base, nested := strings.Cut(name, "/")
		if !nested {
			root.Entries = append(root.Entries, object.TreeEntry{Name: name, Mode: object.TreeModeFile, Hash: blob.Hash})
			continue
		}
		if dirs[dir] == nil {
			dirs[dir] = &object.TreeObj{}
		}
		dirs[dir].Entries = append(dirs[dir].Entries, object.TreeEntry{Name: base, Mode: object.TreeModeFile, Hash: blob.Hash})
	}
	for name, tr := range dirs {
		data, err := object.MarshalTree(tr)
		if err != nil {
			t.Fatalf("MarshalTree(%s): %v", name, err)
		}
		rec := object.NewRecord(object.TypeTree, data)
		f.records = append(f.records, rec)
		root.Entries = append(root.Entries, object.TreeEntry{Name: name, Mode: object.TreeModeDir, Hash: rec.Hash})
	}
	data, err := object.MarshalTree(root)
	if err != nil {
		t.Fatalf("MarshalTree(root): %v", err)
	}
	rootRec := object.NewRecord(object.TypeTree, data)
	f.records = append(f.records, rootRec)
	f.tree = rootRec.Hash

	when := time.Unix(1700000000, 0).In(time.FixedZone("", 2*3600))
	c := &object.CommitObj{
		TreeHash:  f.tree,
		Author:    object.Signature{Name: "Fixture", Email: "fixture@example.com", When: when},
		Committer: object.Signature{Name: "Fixture", Email: "fixture@example.com", When: when},
		Message:   msg + "\n",
	}
	if !parent.IsZero() {
		c.Parents = []object.Hash{parent}
	}
	cdata, err := object.MarshalCommit(c)
	if err != nil {
		t.Fatalf("MarshalCommit: %v", err)
	}
	commit := object.NewRecord(object.TypeCommit, cdata)
	f.records = append(f.records, commit)
	f.commit = commit.Hash
	return f
}

func hasRecord(records []object.Record, h object.Hash) bool {
	for _, r := range records {
		if r.Hash == h {
			return true
		}
	}
	return false
}
