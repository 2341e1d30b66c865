package linkdoc

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/kartikbazzad/linkdoc/internal/metrics"
	"github.com/kartikbazzad/linkdoc/internal/query"
	"github.com/kartikbazzad/linkdoc/rules"
	"github.com/kartikbazzad/linkdoc/storage"
)

// Collection represents a logical grouping of documents.
// It owns the collection's JSON schema, the reference rules declared in it,
// and the CEL access rules. Document data lives in the database's store;
// the collection mutex only guards the definition (schema, rules).
type Collection struct {
	name      string
	db        *Database
	mu        sync.RWMutex
	schemaRaw string
	schema    *gojsonschema.Schema
	refRules  []ReferenceRule
	rules     map[string]string // op -> CEL expression
}

// Name returns the collection name
func (c *Collection) Name() string {
	return c.name
}

// GetSchema returns the current JSON schema definition
func (c *Collection) GetSchema() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.schemaRaw
}

// SetSchema updates the collection's schema.
// The schema is compiled, its x-linkdoc-ref declarations are parsed into
// reference rules, and both are persisted to the catalog.
func (c *Collection) SetSchema(schemaStr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if schemaStr == "" {
		c.schema = nil
		c.schemaRaw = ""
		c.refRules = nil
		return c.db.store.SaveCollectionMeta(storage.CollectionMeta{
			Name: c.name, Rules: c.rules,
		})
	}

	loader := gojsonschema.NewStringLoader(schemaStr)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return fmt.Errorf("invalid json schema: %w", err)
	}

	refRules, err := parseReferenceRules(c.name, schemaStr)
	if err != nil {
		return err
	}

	c.schema = schema
	c.schemaRaw = schemaStr
	c.refRules = refRules

	return c.db.store.SaveCollectionMeta(storage.CollectionMeta{
		Name: c.name, Schema: schemaStr, Rules: c.rules,
	})
}

// ReferenceRules returns the reference rules declared in the schema.
func (c *Collection) ReferenceRules() []ReferenceRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ReferenceRule, len(c.refRules))
	copy(out, c.refRules)
	return out
}

// SetRules updates the collection's access rules.
func (c *Collection) SetRules(ruleMap map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = ruleMap
	return c.db.store.SaveCollectionMeta(storage.CollectionMeta{
		Name: c.name, Schema: c.schemaRaw, Rules: ruleMap,
	})
}

// GetRules returns the collection's access rules
func (c *Collection) GetRules() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rules
}

// evaluateRule checks if the operation is allowed by the defined rules.
// Admins bypass rules; collections without rules default to allow.
func (c *Collection) evaluateRule(op string, auth *rules.AuthContext, resource map[string]interface{}, requestData map[string]interface{}) error {
	if auth != nil && auth.IsAdmin {
		return nil
	}

	c.mu.RLock()
	ruleMap := c.rules
	c.mu.RUnlock()

	if len(ruleMap) == 0 {
		return nil
	}

	rule, ok := ruleMap[op]
	if !ok {
		// Writes fall back to a generic "write" rule
		if op == "create" || op == "update" || op == "delete" {
			rule, ok = ruleMap["write"]
		}
	}
	if !ok {
		return nil // No rule for this op -> allow
	}

	allowed, err := c.db.RulesEngine.Evaluate(rule, rules.Context(auth, resource, requestData))
	if err != nil {
		return fmt.Errorf("rule evaluation error: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%w: rule '%s' failed", ErrPermissionDenied, op)
	}

	return nil
}

// validate validates a document against the collection's schema
func (c *Collection) validate(doc storage.Document) error {
	c.mu.RLock()
	schema := c.schema
	c.mu.RUnlock()

	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("document invalid against schema: %v", errs)
	}

	return nil
}

// checkReferences verifies that every reference field of the document points
// at an existing target document.
func (c *Collection) checkReferences(doc storage.Document) error {
	for _, rule := range c.ReferenceRules() {
		value, exists := doc.GetPath(rule.SourceField)
		if !exists {
			continue
		}

		ids, err := referenceIDs(rule, value)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			continue
		}

		found, err := c.db.store.GetMany(rule.TargetCollection, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := found[id]; !ok {
				return fmt.Errorf("%w: %s/%s (via %s.%s)",
					ErrReferenceTargetNotFound, rule.TargetCollection, id, c.name, rule.SourceField)
			}
		}
	}
	return nil
}

// Insert inserts a new document into the collection.
//
// The operation:
//  1. Enforces the "create" access rule.
//  2. Validates the document against the schema.
//  3. Verifies declared references point at existing targets.
//  4. Writes the document (generating a UUID id when absent).
func (c *Collection) Insert(auth *rules.AuthContext, doc storage.Document) (err error) {
	defer func() { metrics.Record("insert", err) }()

	if err = c.evaluateRule("create", auth, doc, doc); err != nil {
		return err
	}
	if err = c.validate(doc); err != nil {
		return err
	}
	if err = c.checkReferences(doc); err != nil {
		return err
	}

	id, hasID := doc.GetID()
	if !hasID || id == "" {
		id = storage.DocumentID(generateID())
		doc.SetID(id)
	}

	if err = c.db.store.Put(c.name, string(id), doc); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	c.db.cacheRemove(c.name, string(id))
	return nil
}

// InsertBatch inserts multiple documents into the collection
func (c *Collection) InsertBatch(auth *rules.AuthContext, docs []storage.Document) error {
	for _, doc := range docs {
		if err := c.Insert(auth, doc); err != nil {
			return err
		}
	}
	return nil
}

// FindByID retrieves a document by its unique ID, subject to the "read" rule.
func (c *Collection) FindByID(auth *rules.AuthContext, id string) (doc storage.Document, err error) {
	defer func() { metrics.Record("find", err) }()

	doc, err = c.db.store.Get(c.name, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}

	if err = c.evaluateRule("read", auth, doc, nil); err != nil {
		return nil, err
	}

	return doc, nil
}

// Find searches for documents matching the given field and value
func (c *Collection) Find(auth *rules.AuthContext, field string, value interface{}) ([]storage.Document, error) {
	if field == "_id" {
		doc, err := c.FindByID(auth, fmt.Sprintf("%v", value))
		if err != nil {
			return nil, err
		}
		return []storage.Document{doc}, nil
	}
	return c.FindQuery(auth, map[string]interface{}{field: value})
}

// FindQuery executes a query against the collection.
// The query is parsed into an AST and evaluated through the iterator
// pipeline: scan -> filter -> sort -> skip -> limit -> projection.
func (c *Collection) FindQuery(auth *rules.AuthContext, queryMap map[string]interface{}, opts ...QueryOptions) (results []storage.Document, err error) {
	defer func() { metrics.Record("query", err) }()

	if auth == nil || !auth.IsAdmin {
		if err = c.evaluateRule("list", auth, nil, nil); err != nil {
			return nil, err
		}
	}

	var opt QueryOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	node, err := query.Parse(queryMap)
	if err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}
	matcher, ok := node.(query.Matcher)
	if !ok {
		return nil, fmt.Errorf("parsed node does not implement Matcher")
	}

	iter, err := NewScanIterator(c)
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	var current Iterator = NewFilterIterator(iter, matcher)

	if opt.SortField != "" {
		current = NewSortIterator(current, opt.SortField, opt.SortDesc)
	}
	if opt.Skip > 0 {
		current = NewSkipIterator(current, opt.Skip)
	}
	if opt.Limit > 0 {
		current = NewLimitIterator(current, opt.Limit)
	}
	if len(opt.Fields) > 0 {
		current = NewProjectionIterator(current, opt.Fields)
	}
	defer current.Close()

	for current.Next() {
		doc, verr := current.Value()
		if verr == nil {
			results = append(results, doc)
		}
	}

	return results, nil
}

// List returns documents with pagination
func (c *Collection) List(auth *rules.AuthContext, skip, limit int) ([]storage.Document, error) {
	return c.FindQuery(auth, map[string]interface{}{}, QueryOptions{Skip: skip, Limit: limit})
}

// Count returns the number of documents in the collection
func (c *Collection) Count() (int, error) {
	return c.db.store.Count(c.name)
}

// Update replaces an existing document.
func (c *Collection) Update(auth *rules.AuthContext, id string, doc storage.Document) (err error) {
	defer func() { metrics.Record("update", err) }()

	oldDoc, err := c.db.store.Get(c.name, id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}

	if err = c.evaluateUpdateRule(auth, oldDoc, doc); err != nil {
		return err
	}

	doc.SetID(storage.DocumentID(id))
	if err = c.validate(doc); err != nil {
		return err
	}
	if err = c.checkReferences(doc); err != nil {
		return err
	}

	if err = c.db.store.Put(c.name, id, doc); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	c.db.cacheRemove(c.name, id)
	return nil
}

// Patch applies a partial update to a document.
// It fetches the current document, merges the patch (supporting dot notation
// and $unset), and performs a full update.
func (c *Collection) Patch(auth *rules.AuthContext, id string, patch map[string]interface{}) (err error) {
	defer func() { metrics.Record("patch", err) }()

	currentDoc, err := c.db.store.Get(c.name, id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}

	newDoc := currentDoc.Clone()
	if err = newDoc.ApplyPatch(patch); err != nil {
		return fmt.Errorf("failed to apply patch: %w", err)
	}
	newDoc.SetID(storage.DocumentID(id))

	if err = c.evaluateUpdateRule(auth, currentDoc, newDoc); err != nil {
		return err
	}
	if err = c.validate(newDoc); err != nil {
		return err
	}
	if err = c.checkReferences(newDoc); err != nil {
		return err
	}

	if err = c.db.store.Put(c.name, id, newDoc); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	c.db.cacheRemove(c.name, id)
	return nil
}

// evaluateUpdateRule checks the update rule with both old and new data in
// context: `resource.data` holds the stored document, `request.resource.data`
// the incoming one.
func (c *Collection) evaluateUpdateRule(auth *rules.AuthContext, oldDoc, newDoc storage.Document) error {
	if auth != nil && auth.IsAdmin {
		return nil
	}

	c.mu.RLock()
	ruleMap := c.rules
	c.mu.RUnlock()

	if len(ruleMap) == 0 {
		return nil
	}
	rule, ok := ruleMap["update"]
	if !ok {
		rule, ok = ruleMap["write"]
	}
	if !ok {
		return nil
	}

	allowed, err := c.db.RulesEngine.Evaluate(rule, rules.Context(auth, oldDoc, newDoc))
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: rule 'update' failed", ErrPermissionDenied)
	}
	return nil
}

// Delete deletes a document, honoring the on_delete policies of every
// reference rule targeting this collection:
//   - restrict: fail if any dependent still references the document
//   - set_null: null the dependents' scalar fields, drop the id from arrays
//   - cascade:  delete the dependents (cycle-guarded by a visited set)
func (c *Collection) Delete(auth *rules.AuthContext, id string) (err error) {
	defer func() { metrics.Record("delete", err) }()
	return c.deleteWithVisited(auth, id, map[string]bool{})
}

func (c *Collection) deleteWithVisited(auth *rules.AuthContext, id string, visited map[string]bool) error {
	key := cacheKey(c.name, id)
	if visited[key] {
		return nil // Already being deleted higher up the cascade
	}
	visited[key] = true

	doc, err := c.db.store.Get(c.name, id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}

	if err := c.evaluateRule("delete", auth, doc, nil); err != nil {
		return err
	}

	if err := c.applyOnDeletePolicies(auth, id, visited); err != nil {
		return err
	}

	if err := c.db.store.Delete(c.name, id); err != nil {
		return err
	}
	c.db.cacheRemove(c.name, id)
	return nil
}

// applyOnDeletePolicies enforces restrict before any mutation, then applies
// set_null and cascade to the dependents.
func (c *Collection) applyOnDeletePolicies(auth *rules.AuthContext, id string, visited map[string]bool) error {
	refRules := c.db.referencingRules(c.name)
	if len(refRules) == 0 {
		return nil
	}

	type dependent struct {
		rule ReferenceRule
		doc  storage.Document
	}
	var dependents []dependent

	for _, rule := range refRules {
		docs, err := c.db.store.Scan(rule.SourceCollection)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			value, exists := doc.GetPath(rule.SourceField)
			if !exists {
				continue
			}
			ids, err := referenceIDs(rule, value)
			if err != nil {
				continue // Malformed stored value; not this delete's problem
			}
			for _, refID := range ids {
				if refID == id {
					dependents = append(dependents, dependent{rule: rule, doc: doc})
					break
				}
			}
		}
	}

	// Restrict wins over everything: check before mutating anything.
	for _, dep := range dependents {
		depID, _ := dep.doc.GetID()
		if visited[cacheKey(dep.rule.SourceCollection, string(depID))] {
			continue
		}
		if dep.rule.OnDelete == onDeleteRestrict {
			return fmt.Errorf("%w: %s/%s still references %s/%s",
				ErrReferenceRestrictViolation, dep.rule.SourceCollection, depID, c.name, id)
		}
	}

	for _, dep := range dependents {
		depID, _ := dep.doc.GetID()
		depKey := cacheKey(dep.rule.SourceCollection, string(depID))
		if visited[depKey] {
			continue
		}

		switch dep.rule.OnDelete {
		case onDeleteSetNull:
			// Re-read the dependent: a previous rule in this loop may have
			// already rewritten it, and the scan copy would be stale.
			cur, err := c.db.store.Get(dep.rule.SourceCollection, string(depID))
			if err != nil {
				continue
			}
			if dep.rule.IsArray {
				removeFromArrayField(cur, dep.rule.SourceField, id)
			} else {
				cur.SetPath(dep.rule.SourceField, nil)
			}
			if err := c.db.store.Put(dep.rule.SourceCollection, string(depID), cur); err != nil {
				return err
			}
			c.db.cacheRemove(dep.rule.SourceCollection, string(depID))

		case onDeleteCascade:
			depColl, err := c.db.GetCollection(dep.rule.SourceCollection)
			if err != nil {
				continue // Collection dropped concurrently
			}
			if err := depColl.deleteWithVisited(auth, string(depID), visited); err != nil {
				return err
			}
		}
	}

	return nil
}

// removeFromArrayField drops every entry equal to id from the array at path.
func removeFromArrayField(doc storage.Document, path, id string) {
	value, exists := doc.GetPath(path)
	if !exists {
		return
	}
	list, ok := value.([]interface{})
	if !ok {
		return
	}
	out := make([]interface{}, 0, len(list))
	for _, item := range list {
		itemID, err := normalizeReferenceValue(item)
		if err != nil || itemID != id {
			out = append(out, item)
		}
	}
	doc.SetPath(path, out)
}

// generateID generates a unique document ID
func generateID() string {
	return uuid.NewString()
}
