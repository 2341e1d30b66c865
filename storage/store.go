// Package storage implements the persistence layer for linkdoc.
//
// Documents are stored in a single SQLite database file (pure Go driver,
// modernc.org/sqlite): one row per document keyed by (collection, id) with
// the JSON body as a blob, plus a catalog table holding per-collection
// schema and rules. SQLite provides durability and crash recovery, so the
// library carries no WAL or page cache of its own.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound           = errors.New("document not found")
	ErrCollectionNotFound = errors.New("collection not found")
)

// CollectionMeta holds the persisted definition of a collection.
type CollectionMeta struct {
	Name   string
	Schema string            // JSON Schema source ("" = no schema)
	Rules  map[string]string // op -> CEL expression
}

// Store is the SQLite-backed document store.
// All methods are safe for concurrent use; SQLite serializes writers.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) the store at the given file path.
func OpenStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// modernc sqlite is single-writer; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS collections (
			name   TEXT PRIMARY KEY,
			schema TEXT NOT NULL DEFAULT '',
			rules  TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			body       BLOB NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("failed to init store schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateCollection registers a collection in the catalog.
// Returns false if the collection already existed.
func (s *Store) CreateCollection(name string) (bool, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO collections (name) VALUES (?)`, name)
	if err != nil {
		return false, fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DropCollection removes a collection and all of its documents.
func (s *Store) DropCollection(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM documents WHERE collection = ?`, name); err != nil {
		return fmt.Errorf("failed to drop documents of %s: %w", name, err)
	}
	if _, err := tx.Exec(`DELETE FROM collections WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to drop collection %s: %w", name, err)
	}
	return tx.Commit()
}

// ListCollections returns the names of all registered collections.
func (s *Store) ListCollections() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM collections ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// SaveCollectionMeta persists the schema and rules of a collection.
func (s *Store) SaveCollectionMeta(meta CollectionMeta) error {
	rulesJSON, err := encodeRules(meta.Rules)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE collections SET schema = ?, rules = ? WHERE name = ?`,
		meta.Schema, rulesJSON, meta.Name)
	if err != nil {
		return fmt.Errorf("failed to save collection meta: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, meta.Name)
	}
	return nil
}

// GetCollectionMeta loads the persisted definition of a collection.
func (s *Store) GetCollectionMeta(name string) (CollectionMeta, error) {
	var meta CollectionMeta
	var rulesJSON string
	err := s.db.QueryRow(`SELECT name, schema, rules FROM collections WHERE name = ?`, name).
		Scan(&meta.Name, &meta.Schema, &rulesJSON)
	if err == sql.ErrNoRows {
		return meta, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if err != nil {
		return meta, err
	}
	meta.Rules, err = decodeRules(rulesJSON)
	return meta, err
}

// Put inserts or replaces a document.
func (s *Store) Put(collection, id string, doc Document) error {
	body, err := doc.Serialize()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO documents (collection, id, body) VALUES (?, ?, ?)
		 ON CONFLICT(collection, id) DO UPDATE SET body = excluded.body`,
		collection, id, body)
	if err != nil {
		return fmt.Errorf("failed to put document %s/%s: %w", collection, id, err)
	}
	return nil
}

// Get retrieves a single document by id.
func (s *Store) Get(collection, id string) (Document, error) {
	var body []byte
	err := s.db.QueryRow(`SELECT body FROM documents WHERE collection = ? AND id = ?`,
		collection, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if err != nil {
		return nil, err
	}
	return Deserialize(body)
}

// getManyChunk bounds the number of placeholders per IN query.
const getManyChunk = 500

// GetMany retrieves documents by id in a single batched lookup per chunk.
// Missing ids are simply absent from the result map.
func (s *Store) GetMany(collection string, ids []string) (map[string]Document, error) {
	result := make(map[string]Document, len(ids))

	for start := 0; start < len(ids); start += getManyChunk {
		end := start + getManyChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]

		args := make([]interface{}, 0, len(chunk)+1)
		args = append(args, collection)
		for _, id := range chunk {
			args = append(args, id)
		}

		rows, err := s.db.Query(
			`SELECT id, body FROM documents WHERE collection = ? AND id IN (`+placeholders+`)`,
			args...)
		if err != nil {
			return nil, fmt.Errorf("failed to batch-get from %s: %w", collection, err)
		}

		for rows.Next() {
			var id string
			var body []byte
			if err := rows.Scan(&id, &body); err != nil {
				rows.Close()
				return nil, err
			}
			doc, err := Deserialize(body)
			if err != nil {
				rows.Close()
				return nil, err
			}
			result[id] = doc
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return result, nil
}

// Delete removes a document. Deleting a missing document is not an error.
func (s *Store) Delete(collection, id string) error {
	_, err := s.db.Exec(`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, id, err)
	}
	return nil
}

// Scan returns all documents of a collection ordered by id.
func (s *Store) Scan(collection string) ([]Document, error) {
	rows, err := s.db.Query(`SELECT body FROM documents WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to scan collection %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		doc, err := Deserialize(body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Count returns the number of documents in a collection.
func (s *Store) Count(collection string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM documents WHERE collection = ?`, collection).Scan(&n)
	return n, err
}

func encodeRules(rules map[string]string) (string, error) {
	if len(rules) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(rules)
	if err != nil {
		return "", fmt.Errorf("failed to encode rules: %w", err)
	}
	return string(data), nil
}

func decodeRules(rulesJSON string) (map[string]string, error) {
	if rulesJSON == "" || rulesJSON == "{}" {
		return nil, nil
	}
	var rules map[string]string
	if err := json.Unmarshal([]byte(rulesJSON), &rules); err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}
	return rules, nil
}
