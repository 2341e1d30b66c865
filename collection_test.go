package linkdoc

import (
	"errors"
	"testing"

	"github.com/kartikbazzad/linkdoc/rules"
	"github.com/kartikbazzad/linkdoc/storage"
)

func TestInsertAndFindByID(t *testing.T) {
	db := openTestDB(t)
	users, _ := db.CreateCollection("users")

	doc := storage.Document{"name": "ada"}
	if err := users.Insert(nil, doc); err != nil {
		t.Fatalf("insert: %v", err)
	}

	id, ok := doc.GetID()
	if !ok || id == "" {
		t.Fatal("insert should assign an id")
	}

	got, err := users.FindByID(nil, string(id))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got["name"] != "ada" {
		t.Errorf("unexpected document: %v", got)
	}

	if _, err := users.FindByID(nil, "ghost"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestSchemaValidation(t *testing.T) {
	db := openTestDB(t)
	users, _ := db.CreateCollection("users")

	if err := users.SetSchema(`{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": { "type": "string" },
			"age": { "type": "number" }
		}
	}`); err != nil {
		t.Fatalf("set schema: %v", err)
	}

	if err := users.Insert(nil, storage.Document{"name": "ada", "age": float64(36)}); err != nil {
		t.Fatalf("valid insert: %v", err)
	}
	if err := users.Insert(nil, storage.Document{"age": float64(36)}); err == nil {
		t.Error("expected validation error for missing required field")
	}
	if err := users.Insert(nil, storage.Document{"name": "ada", "age": "old"}); err == nil {
		t.Error("expected validation error for wrong type")
	}

	if err := users.SetSchema(`{ not json`); err == nil {
		t.Error("expected error for invalid schema")
	}
}

func TestFindQuery(t *testing.T) {
	db := openTestDB(t)
	users, _ := db.CreateCollection("users")

	users.InsertBatch(nil, []storage.Document{
		{"_id": "u1", "name": "ada", "age": float64(36), "role": "admin"},
		{"_id": "u2", "name": "grace", "age": float64(45), "role": "admin"},
		{"_id": "u3", "name": "linus", "age": float64(25), "role": "user"},
	})

	t.Run("operator", func(t *testing.T) {
		docs, err := users.FindQuery(nil, map[string]interface{}{
			"age": map[string]interface{}{"$gt": float64(30)},
		})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(docs) != 2 {
			t.Errorf("expected 2 results, got %d", len(docs))
		}
	})

	t.Run("implicit eq", func(t *testing.T) {
		docs, err := users.FindQuery(nil, map[string]interface{}{"role": "user"})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(docs) != 1 || docs[0]["name"] != "linus" {
			t.Errorf("unexpected results: %v", docs)
		}
	})

	t.Run("sort limit skip", func(t *testing.T) {
		docs, err := users.FindQuery(nil, map[string]interface{}{}, QueryOptions{
			SortField: "age", SortDesc: true, Skip: 1, Limit: 1,
		})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(docs) != 1 || docs[0]["name"] != "ada" {
			t.Errorf("expected ada (second oldest), got %v", docs)
		}
	})

	t.Run("projection", func(t *testing.T) {
		docs, err := users.FindQuery(nil, map[string]interface{}{"_id": "u1"}, QueryOptions{
			Fields: []string{"name"},
		})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(docs) != 1 {
			t.Fatalf("expected 1 result, got %d", len(docs))
		}
		if _, present := docs[0]["age"]; present {
			t.Error("age should be projected away")
		}
		if docs[0]["_id"] != "u1" || docs[0]["name"] != "ada" {
			t.Errorf("unexpected projection: %v", docs[0])
		}
	})

	t.Run("count and list", func(t *testing.T) {
		n, err := users.Count()
		if err != nil || n != 3 {
			t.Errorf("expected count 3, got %d (%v)", n, err)
		}
		docs, err := users.List(nil, 1, 2)
		if err != nil || len(docs) != 2 {
			t.Errorf("expected 2 listed, got %v (%v)", docs, err)
		}
	})
}

func TestUpdateAndPatch(t *testing.T) {
	db := openTestDB(t)
	users, _ := db.CreateCollection("users")

	users.Insert(nil, storage.Document{"_id": "u1", "name": "ada", "settings": map[string]interface{}{"theme": "light"}})

	if err := users.Update(nil, "u1", storage.Document{"name": "lovelace"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	doc, _ := users.FindByID(nil, "u1")
	if doc["name"] != "lovelace" {
		t.Errorf("update not applied: %v", doc)
	}
	if _, present := doc["settings"]; present {
		t.Error("update should replace the whole document")
	}

	if err := users.Update(nil, "ghost", storage.Document{}); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}

	if err := users.Patch(nil, "u1", map[string]interface{}{"settings.theme": "dark"}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	doc, _ = users.FindByID(nil, "u1")
	if v, _ := doc.GetPath("settings.theme"); v != "dark" {
		t.Errorf("patch not applied: %v", doc)
	}
	if doc["name"] != "lovelace" {
		t.Error("patch should preserve untouched fields")
	}
}

func TestDelete(t *testing.T) {
	db := openTestDB(t)
	users, _ := db.CreateCollection("users")

	users.Insert(nil, storage.Document{"_id": "u1"})
	if err := users.Delete(nil, "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := users.FindByID(nil, "u1"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound after delete, got %v", err)
	}
	if err := users.Delete(nil, "u1"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound for repeat delete, got %v", err)
	}
}

func TestAccessRules(t *testing.T) {
	db := openTestDB(t)
	notes, _ := db.CreateCollection("notes")

	if err := notes.SetRules(map[string]string{
		"read":   `request.auth.uid == resource.data.owner`,
		"write":  `request.auth.uid == request.resource.data.owner`,
		"delete": `request.auth.uid == resource.data.owner`,
	}); err != nil {
		t.Fatalf("set rules: %v", err)
	}

	owner := &rules.AuthContext{UID: "alice"}
	other := &rules.AuthContext{UID: "bob"}
	admin := &rules.AuthContext{UID: "root", IsAdmin: true}

	doc := storage.Document{"_id": "n1", "owner": "alice", "text": "hi"}
	if err := notes.Insert(owner, doc); err != nil {
		t.Fatalf("owner insert: %v", err)
	}
	if err := notes.Insert(other, storage.Document{"_id": "n2", "owner": "alice"}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied for foreign insert, got %v", err)
	}

	if _, err := notes.FindByID(owner, "n1"); err != nil {
		t.Errorf("owner read: %v", err)
	}
	if _, err := notes.FindByID(other, "n1"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied for foreign read, got %v", err)
	}
	if _, err := notes.FindByID(admin, "n1"); err != nil {
		t.Errorf("admin bypass failed: %v", err)
	}

	if err := notes.Delete(other, "n1"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied for foreign delete, got %v", err)
	}
	if err := notes.Delete(owner, "n1"); err != nil {
		t.Errorf("owner delete: %v", err)
	}
}
