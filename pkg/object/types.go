package object

import "time"

// Hash is a 40-character lowercase hex-encoded SHA-1 object id.
type Hash string

// ZeroHash is the all-zero object id git uses for "no object", e.g. the old
// value of a ref that is being created.
const ZeroHash Hash = "0000000000000000000000000000000000000000"

// IsZero reports whether h is empty or the all-zero id.
func (h Hash) IsZero() bool {
	return h == "" || h == ZeroHash
}

// Short returns the first 8 characters of the hash, for display.
func (h Hash) Short() string {
	if len(h) > 8 {
		return string(h[:8])
	}
	return string(h)
}

// ObjectType identifies the kind of object stored.
type ObjectType string

const (
	TypeBlob   ObjectType = "blob"
	TypeTree   ObjectType = "tree"
	TypeCommit ObjectType = "commit"
	TypeTag    ObjectType = "tag"
)

const (
	// Tree mode constants, using Git's canonical mode strings.
	TreeModeDir        = "40000"
	TreeModeFile       = "100644"
	TreeModeExecutable = "100755"
	TreeModeSymlink    = "120000"
	TreeModeSubmodule  = "160000"
)

// EntryKind is the kind of object a tree entry points at.
type EntryKind string

const (
	KindBlob      EntryKind = "blob"
	KindTree      EntryKind = "tree"
	KindSubmodule EntryKind = "commit"
)

// Blob holds raw file data.
type Blob struct {
	Data []byte
}

// TreeEntry is one entry in a tree object.
type TreeEntry struct {
	Name string
	Mode string
	Hash Hash
}

// IsDir reports whether the entry points at a subtree.
func (e TreeEntry) IsDir() bool {
	return e.Mode == TreeModeDir
}

// Kind derives the referenced object kind from the entry mode.
func (e TreeEntry) Kind() EntryKind {
	switch e.Mode {
	case TreeModeDir:
		return KindTree
	case TreeModeSubmodule:
		return KindSubmodule
	default:
		return KindBlob
	}
}

// TreeObj holds tree entries. Serialization sorts them, so callers may keep
// them in any order.
type TreeObj struct {
	Entries []TreeEntry
}

// Find returns the entry with the given name.
func (t *TreeObj) Find(name string) (TreeEntry, bool) {
	for _, e := range t.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return TreeEntry{}, false
}

// Signature is the identity plus timestamp recorded in author and committer
// headers.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// Header is a commit header that is not otherwise modeled (e.g. "encoding").
type Header struct {
	Key   string
	Value string
}

// CommitObj represents a commit pointing to a tree with metadata.
type CommitObj struct {
	TreeHash     Hash
	Parents      []Hash
	Author       Signature
	Committer    Signature
	ExtraHeaders []Header
	Signature    string // armored gpgsig payload, empty when unsigned
	Message      string
}

// Record is a typed object payload, the unit moved by transports.
type Record struct {
	Hash Hash
	Type ObjectType
	Data []byte
}
