// Package linkdoc implements an embedded document database whose headline
// feature is query-time reference population: a document field may hold the
// identifier (or an array of identifiers) of documents in another collection,
// declared in the collection's JSON schema, and read operations can ask for
// those identifiers to be replaced by the referenced documents.
//
// Architecture:
//  1. Database: entry point; owns the store, the resolution cache, the
//     resolver worker pool, and the rules engine.
//  2. Collection: document CRUD, schema validation, reference integrity,
//     query execution.
//  3. Resolver (populate.go): batched reference lookups and substitution.
//  4. storage: SQLite-backed persistence of documents and the catalog.
package linkdoc

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/xeipuuv/gojsonschema"

	"github.com/kartikbazzad/linkdoc/internal/logger"
	"github.com/kartikbazzad/linkdoc/rules"
	"github.com/kartikbazzad/linkdoc/storage"
)

// Database represents a linkdoc database instance.
type Database struct {
	path        string
	store       *storage.Store
	logger      *logger.Logger
	RulesEngine *rules.Engine

	collections map[string]*Collection
	refCache    *lru.Cache[string, storage.Document] // "collection/id" -> canonical doc
	workers     *ants.Pool
	maxDepth    int

	mu     sync.RWMutex // Protects map access and closure state
	closed bool
}

// Options configures a database instance
type Options struct {
	// Path to the database file
	Path string `mapstructure:"path"`

	// CacheSize is the capacity of the reference resolution cache in
	// documents (default: 4096)
	CacheSize int `mapstructure:"cache_size"`

	// Workers bounds the number of concurrent reference lookups
	// (default: 8)
	Workers int `mapstructure:"workers"`

	// MaxPopulateDepth bounds nested population (default: 4)
	MaxPopulateDepth int `mapstructure:"max_populate_depth"`

	// LogLevel is one of debug, info, warn, error (default: info)
	LogLevel string `mapstructure:"log_level"`
}

// DefaultOptions returns default database options
func DefaultOptions(path string) *Options {
	return &Options{
		Path:             path,
		CacheSize:        4096,
		Workers:          8,
		MaxPopulateDepth: 4,
		LogLevel:         "info",
	}
}

// Open opens a database at the given path with the provided options.
// It initializes the store, the resolution cache, the resolver worker pool,
// and the rules engine, then restores collections from the catalog (schema
// compilation and reference rule parsing included).
func Open(opts *Options) (*Database, error) {
	if opts == nil {
		return nil, fmt.Errorf("options cannot be nil")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 4096
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.MaxPopulateDepth <= 0 {
		opts.MaxPopulateDepth = 4
	}

	log := logger.Default()
	log.SetLevel(logger.ParseLevel(opts.LogLevel))

	store, err := storage.OpenStore(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	cache, err := lru.New[string, storage.Document](opts.CacheSize)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create resolution cache: %w", err)
	}

	workers, err := ants.NewPool(opts.Workers, ants.WithPanicHandler(func(v interface{}) {
		log.Error("resolver worker panic: %v", v)
	}))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	engine, err := rules.NewEngine()
	if err != nil {
		workers.Release()
		store.Close()
		return nil, fmt.Errorf("failed to initialize rules engine: %w", err)
	}

	db := &Database{
		path:        opts.Path,
		store:       store,
		logger:      log,
		RulesEngine: engine,
		collections: make(map[string]*Collection),
		refCache:    cache,
		workers:     workers,
		maxDepth:    opts.MaxPopulateDepth,
	}

	// Restore collections from the catalog
	names, err := store.ListCollections()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	for _, name := range names {
		meta, err := store.GetCollectionMeta(name)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to load collection %s: %w", name, err)
		}

		coll := &Collection{name: name, db: db, rules: meta.Rules}

		if meta.Schema != "" {
			loader := gojsonschema.NewStringLoader(meta.Schema)
			schema, err := gojsonschema.NewSchema(loader)
			if err != nil {
				log.Warn("failed to compile schema for collection %s: %v", name, err)
			} else {
				coll.schema = schema
			}
			coll.schemaRaw = meta.Schema

			refRules, err := parseReferenceRules(name, meta.Schema)
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to parse references for collection %s: %w", name, err)
			}
			coll.refRules = refRules
		}

		db.collections[name] = coll
	}

	return db, nil
}

// CreateCollection creates a new collection
func (db *Database) CreateCollection(name string) (*Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrDatabaseClosed
	}

	if _, exists := db.collections[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrCollectionExists, name)
	}

	created, err := db.store.CreateCollection(name)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, fmt.Errorf("%w: %s", ErrCollectionExists, name)
	}

	coll := &Collection{name: name, db: db}
	db.collections[name] = coll
	db.logger.Debug("created collection %s", name)

	return coll, nil
}

// GetCollection returns an existing collection
func (db *Database) GetCollection(name string) (*Collection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrDatabaseClosed
	}

	coll, exists := db.collections[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}

	return coll, nil
}

// DropCollection drops a collection and all of its documents
func (db *Database) DropCollection(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrDatabaseClosed
	}

	if _, exists := db.collections[name]; !exists {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}

	if err := db.store.DropCollection(name); err != nil {
		return err
	}

	delete(db.collections, name)
	db.invalidateCollection(name)

	return nil
}

// ListCollections returns names of all collections
func (db *Database) ListCollections() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	return names
}

// IsClosed returns true if the database is closed
func (db *Database) IsClosed() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.closed
}

// Close closes the database and releases resources
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrDatabaseClosed
	}
	db.closed = true

	db.workers.Release()
	db.refCache.Purge()

	if err := db.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	return nil
}

// referencingRules returns the reference rules across all collections whose
// target is the given collection. Used by delete-policy enforcement.
func (db *Database) referencingRules(target string) []ReferenceRule {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []ReferenceRule
	for _, coll := range db.collections {
		for _, rule := range coll.refRules {
			if rule.TargetCollection == target {
				out = append(out, rule)
			}
		}
	}
	return out
}

// --- Resolution cache ---

func cacheKey(collection, id string) string {
	return collection + "/" + id
}

// cacheGet returns a clone of the cached document, if present. Clones keep
// the cached canonical copy immutable while callers populate into it.
func (db *Database) cacheGet(collection, id string) (storage.Document, bool) {
	doc, ok := db.refCache.Get(cacheKey(collection, id))
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

func (db *Database) cachePut(collection, id string, doc storage.Document) {
	db.refCache.Add(cacheKey(collection, id), doc.Clone())
}

func (db *Database) cacheRemove(collection, id string) {
	db.refCache.Remove(cacheKey(collection, id))
}

// invalidateCollection drops all cached documents of a collection.
func (db *Database) invalidateCollection(collection string) {
	prefix := collection + "/"
	for _, key := range db.refCache.Keys() {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			db.refCache.Remove(key)
		}
	}
}
