package linkdoc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kartikbazzad/linkdoc/storage"
)

func TestDatabaseOpenClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(DefaultOptions(path))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	if db == nil {
		t.Fatal("Expected database instance, got nil")
	}
	if db.IsClosed() {
		t.Error("Database should not be closed after opening")
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Failed to close database: %v", err)
	}
	if !db.IsClosed() {
		t.Error("Database should be closed after Close()")
	}

	if _, err := db.GetCollection("anything"); !errors.Is(err, ErrDatabaseClosed) {
		t.Errorf("expected ErrDatabaseClosed, got %v", err)
	}
}

func TestOpenNilOptions(t *testing.T) {
	if _, err := Open(nil); err == nil {
		t.Fatal("expected error for nil options")
	}
}

func TestCreateCollection(t *testing.T) {
	db := openTestDB(t)

	coll, err := db.CreateCollection("users")
	if err != nil {
		t.Fatalf("Failed to create collection: %v", err)
	}
	if coll == nil || coll.Name() != "users" {
		t.Fatalf("unexpected collection: %v", coll)
	}

	if _, err := db.CreateCollection("users"); !errors.Is(err, ErrCollectionExists) {
		t.Errorf("expected ErrCollectionExists, got %v", err)
	}

	got, err := db.GetCollection("users")
	if err != nil || got != coll {
		t.Errorf("GetCollection returned %v, %v", got, err)
	}

	if _, err := db.GetCollection("ghost"); !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("expected ErrCollectionNotFound, got %v", err)
	}
}

func TestListAndDropCollections(t *testing.T) {
	db := openTestDB(t)

	db.CreateCollection("users")
	db.CreateCollection("posts")

	names := db.ListCollections()
	if len(names) != 2 {
		t.Fatalf("expected 2 collections, got %v", names)
	}

	if err := db.DropCollection("posts"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if err := db.DropCollection("posts"); !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("expected ErrCollectionNotFound on second drop, got %v", err)
	}
	if len(db.ListCollections()) != 1 {
		t.Errorf("expected 1 collection after drop, got %v", db.ListCollections())
	}
}

func TestDatabasePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(DefaultOptions(path))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	users, _ := db.CreateCollection("users")
	posts, _ := db.CreateCollection("posts")
	schema := `{
		"type": "object",
		"properties": {
			"author_id": {
				"type": ["string", "null"],
				"x-linkdoc-ref": { "collection": "users", "on_delete": "restrict" }
			}
		}
	}`
	if err := posts.SetSchema(schema); err != nil {
		t.Fatalf("set schema: %v", err)
	}
	if err := posts.SetRules(map[string]string{"read": "true"}); err != nil {
		t.Fatalf("set rules: %v", err)
	}
	users.Insert(nil, storage.Document{"_id": "u1", "name": "ada"})
	posts.Insert(nil, storage.Document{"_id": "p1", "author_id": "u1"})

	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := Open(DefaultOptions(path))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	posts2, err := db2.GetCollection("posts")
	if err != nil {
		t.Fatalf("get posts after reopen: %v", err)
	}
	if posts2.GetSchema() != schema {
		t.Error("schema not restored from catalog")
	}
	if posts2.GetRules()["read"] != "true" {
		t.Error("rules not restored from catalog")
	}

	// Reference rules are re-parsed on open: restrict must still be enforced
	users2, _ := db2.GetCollection("users")
	if err := users2.Delete(nil, "u1"); !errors.Is(err, ErrReferenceRestrictViolation) {
		t.Errorf("expected restrict enforced after reopen, got %v", err)
	}

	// And population still works
	doc, err := posts2.FindByIDPopulate(nil, "p1", Populate{Path: "author_id"})
	if err != nil {
		t.Fatalf("populate after reopen: %v", err)
	}
	if doc["author_id"].(storage.Document)["name"] != "ada" {
		t.Errorf("unexpected populated author: %v", doc["author_id"])
	}
}

func TestDropCollectionInvalidatesCache(t *testing.T) {
	db := openTestDB(t)

	users, _ := db.CreateCollection("users")
	users.Insert(nil, storage.Document{"_id": "u1"})

	db.cachePut("users", "u1", storage.Document{"_id": "u1"})
	if err := db.DropCollection("users"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, ok := db.cacheGet("users", "u1"); ok {
		t.Error("cache should be invalidated on drop")
	}
}

func TestLoadOptionsEnvOverride(t *testing.T) {
	t.Setenv("LINKDOC_CACHE_SIZE", "128")
	t.Setenv("LINKDOC_LOG_LEVEL", "debug")

	opts, err := LoadOptions("/tmp/x.db")
	if err != nil {
		t.Fatalf("load options: %v", err)
	}
	if opts.CacheSize != 128 {
		t.Errorf("expected cache size 128, got %d", opts.CacheSize)
	}
	if opts.LogLevel != "debug" {
		t.Errorf("expected log level debug, got %s", opts.LogLevel)
	}
	if opts.Path != "/tmp/x.db" {
		t.Errorf("expected path fallback, got %s", opts.Path)
	}
	// Untouched fields keep their defaults
	if opts.Workers != 8 {
		t.Errorf("expected default workers, got %d", opts.Workers)
	}
}

func TestLoadOptionsMalformedEnvFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("THIS IS NOT A KEY VALUE PAIR\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(wd)

	if _, err := LoadOptions("/tmp/x.db"); err == nil {
		t.Fatal("expected error for malformed .env, got nil")
	}
}
