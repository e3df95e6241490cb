package object

import (
	"fmt"
	"sync"
)

// MemStore is an in-memory content-addressed object store. It holds objects
// fetched from a remote and objects staged for a push; nothing is persisted.
type MemStore struct {
	mu      sync.RWMutex
	objects map[Hash]Record
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[Hash]Record)}
}

// Has reports whether the store contains an object with the given hash.
func (s *MemStore) Has(h Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[h]
	return ok
}

// Len returns the number of stored objects.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Write stores an object and returns its content hash.
func (s *MemStore) Write(objType ObjectType, data []byte) (Hash, error) {
	rec := NewRecord(objType, data)
	s.Put(rec)
	return rec.Hash, nil
}

// Put stores a record under its own hash. Records are trusted to carry the
// hash of their content; use Write to hash on the way in.
func (s *MemStore) Put(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[rec.Hash]; ok {
		return
	}
	s.objects[rec.Hash] = rec
}

// Read retrieves an object by hash, returning its type and raw content.
func (s *MemStore) Read(h Hash) (ObjectType, []byte, error) {
	rec, ok := s.Lookup(h)
	if !ok {
		return "", nil, fmt.Errorf("object read %s: not found", h)
	}
	return rec.Type, rec.Data, nil
}

// Lookup returns the record for h. Its signature matches the external base
// lookup accepted by ReadPackResolved.
func (s *MemStore) Lookup(h Hash) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.objects[h]
	return rec, ok
}

// ---------------------------------------------------------------------------
// Typed convenience methods
// ---------------------------------------------------------------------------

// WriteBlob serializes and stores a Blob.
func (s *MemStore) WriteBlob(b *Blob) (Hash, error) {
	return s.Write(TypeBlob, MarshalBlob(b))
}

// ReadBlob reads and deserializes a Blob.
func (s *MemStore) ReadBlob(h Hash) (*Blob, error) {
	data, err := s.readTyped(h, TypeBlob)
	if err != nil {
		return nil, err
	}
	return UnmarshalBlob(data)
}

// WriteTree serializes and stores a TreeObj.
func (s *MemStore) WriteTree(tr *TreeObj) (Hash, error) {
	data, err := MarshalTree(tr)
	if err != nil {
		return "", err
	}
	return s.Write(TypeTree, data)
}

// ReadTree reads and deserializes a TreeObj.
func (s *MemStore) ReadTree(h Hash) (*TreeObj, error) {
	data, err := s.readTyped(h, TypeTree)
	if err != nil {
		return nil, err
	}
	return UnmarshalTree(data)
}

// WriteCommit serializes and stores a CommitObj.
func (s *MemStore) WriteCommit(c *CommitObj) (Hash, error) {
	data, err := MarshalCommit(c)
	if err != nil {
		return "", err
	}
	return s.Write(TypeCommit, data)
}

// ReadCommit reads and deserializes a CommitObj.
func (s *MemStore) ReadCommit(h Hash) (*CommitObj, error) {
	data, err := s.readTyped(h, TypeCommit)
	if err != nil {
		return nil, err
	}
	return UnmarshalCommit(data)
}

func (s *MemStore) readTyped(h Hash, want ObjectType) ([]byte, error) {
	objType, data, err := s.Read(h)
	if err != nil {
		return nil, err
	}
	if objType != want {
		return nil, fmt.Errorf("object %s: type mismatch: got %q, want %q", h, objType, want)
	}
	return data, nil
}
