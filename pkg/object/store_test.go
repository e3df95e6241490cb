package object

import (
	"sync"
	"testing"
)

func TestMemStoreWriteRead(t *testing.T) {
	s := NewMemStore()
	data := []byte("hello world")

	h, err := s.Write(TypeBlob, data)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if h != HashObject(TypeBlob, data) {
		t.Fatalf("Write hash = %s, want %s", h, HashObject(TypeBlob, data))
	}
	if !s.Has(h) {
		t.Fatal("Has = false after Write")
	}

	objType, got, err := s.Read(h)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if objType != TypeBlob || string(got) != "hello world" {
		t.Fatalf("Read = (%s, %q), want (blob, %q)", objType, got, data)
	}
}

func TestMemStoreDuplicateWrite(t *testing.T) {
	s := NewMemStore()
	h1, _ := s.Write(TypeBlob, []byte("same"))
	h2, _ := s.Write(TypeBlob, []byte("same"))
	if h1 != h2 {
		t.Fatalf("duplicate write hashes differ: %s vs %s", h1, h2)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestMemStoreReadMissing(t *testing.T) {
	s := NewMemStore()
	if _, _, err := s.Read(hashA); err == nil {
		t.Fatal("expected error reading missing object")
	}
}

func TestMemStoreTypedRoundTrip(t *testing.T) {
	s := NewMemStore()
	blobHash, err := s.WriteBlob(&Blob{Data: []byte("content\n")})
	if err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	treeHash, err := s.WriteTree(&TreeObj{Entries: []TreeEntry{{Name: "f.txt", Mode: TreeModeFile, Hash: blobHash}}})
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}
	c := sampleCommit()
	c.TreeHash = treeHash
	c.Parents = nil
	commitHash, err := s.WriteCommit(c)
	if err != nil {
		t.Fatalf("WriteCommit: %v", err)
	}

	gotCommit, err := s.ReadCommit(commitHash)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}
	gotTree, err := s.ReadTree(gotCommit.TreeHash)
	if err != nil {
		t.Fatalf("ReadTree: %v", err)
	}
	e, ok := gotTree.Find("f.txt")
	if !ok {
		t.Fatal("f.txt missing from tree")
	}
	gotBlob, err := s.ReadBlob(e.Hash)
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	if string(gotBlob.Data) != "content\n" {
		t.Fatalf("blob = %q", gotBlob.Data)
	}
}

func TestMemStoreReadTypeMismatch(t *testing.T) {
	s := NewMemStore()
	h, _ := s.WriteBlob(&Blob{Data: []byte("not a tree")})
	if _, err := s.ReadTree(h); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestMemStoreConcurrentWrites(t *testing.T) {
	s := NewMemStore()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Write(TypeBlob, []byte{byte(i % 4)})
		}(i)
	}
	wg.Wait()
	if s.Len() != 4 {
		t.Fatalf("Len = %d, want 4", s.Len())
	}
}
