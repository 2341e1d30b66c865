package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorePutGet(t *testing.T) {
	s := openTestStore(t)

	doc := Document{"_id": "d1", "name": "ada", "age": float64(36)}
	if err := s.Put("users", "d1", doc); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get("users", "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got["name"] != "ada" || got["age"] != float64(36) {
		t.Errorf("unexpected document: %v", got)
	}

	// Upsert replaces
	doc["name"] = "lovelace"
	if err := s.Put("users", "d1", doc); err != nil {
		t.Fatalf("put replace: %v", err)
	}
	got, _ = s.Get("users", "d1")
	if got["name"] != "lovelace" {
		t.Errorf("expected replaced document, got %v", got)
	}
}

func TestStoreGetMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get("users", "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreGetMany(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("d%d", i)
		if err := s.Put("items", id, Document{"_id": id, "n": float64(i)}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	got, err := s.GetMany("items", []string{"d1", "d3", "ghost"})
	if err != nil {
		t.Fatalf("getmany: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(got))
	}
	if got["d1"]["n"] != float64(1) || got["d3"]["n"] != float64(3) {
		t.Errorf("unexpected results: %v", got)
	}
	if _, present := got["ghost"]; present {
		t.Error("missing id must be absent from the result")
	}
}

func TestStoreGetManyLargeBatch(t *testing.T) {
	s := openTestStore(t)

	// Exceeds one IN-clause chunk
	n := getManyChunk + 50
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("d%04d", i)
		if err := s.Put("items", ids[i], Document{"_id": ids[i]}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := s.GetMany("items", ids)
	if err != nil {
		t.Fatalf("getmany: %v", err)
	}
	if len(got) != n {
		t.Errorf("expected %d results, got %d", n, len(got))
	}
}

func TestStoreDeleteAndScan(t *testing.T) {
	s := openTestStore(t)

	s.Put("items", "a", Document{"_id": "a"})
	s.Put("items", "b", Document{"_id": "b"})
	s.Put("items", "c", Document{"_id": "c"})

	if err := s.Delete("items", "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Deleting a missing document is not an error
	if err := s.Delete("items", "b"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}

	docs, err := s.Scan("items")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs, got %d", len(docs))
	}
	// Ordered by id
	if id0, _ := docs[0].GetID(); id0 != "a" {
		t.Errorf("expected a first, got %v", id0)
	}

	n, err := s.Count("items")
	if err != nil || n != 2 {
		t.Errorf("expected count 2, got %d (%v)", n, err)
	}
}

func TestStoreCollectionCatalog(t *testing.T) {
	s := openTestStore(t)

	created, err := s.CreateCollection("users")
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	created, err = s.CreateCollection("users")
	if err != nil || created {
		t.Fatalf("duplicate create should report false, got created=%v err=%v", created, err)
	}

	meta := CollectionMeta{
		Name:   "users",
		Schema: `{"type":"object"}`,
		Rules:  map[string]string{"read": "true"},
	}
	if err := s.SaveCollectionMeta(meta); err != nil {
		t.Fatalf("save meta: %v", err)
	}

	got, err := s.GetCollectionMeta("users")
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}
	if got.Schema != meta.Schema || got.Rules["read"] != "true" {
		t.Errorf("meta roundtrip failed: %+v", got)
	}

	if err := s.SaveCollectionMeta(CollectionMeta{Name: "ghost"}); !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("expected ErrCollectionNotFound, got %v", err)
	}

	names, err := s.ListCollections()
	if err != nil || len(names) != 1 || names[0] != "users" {
		t.Errorf("unexpected listing: %v (%v)", names, err)
	}

	s.Put("users", "u1", Document{"_id": "u1"})
	if err := s.DropCollection("users"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := s.Get("users", "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("documents should be gone after drop, got %v", err)
	}
	names, _ = s.ListCollections()
	if len(names) != 0 {
		t.Errorf("expected empty catalog, got %v", names)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.CreateCollection("users")
	s.Put("users", "u1", Document{"_id": "u1", "name": "ada"})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := OpenStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	doc, err := s2.Get("users", "u1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if doc["name"] != "ada" {
		t.Errorf("unexpected document after reopen: %v", doc)
	}
}
