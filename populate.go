package linkdoc

import (
	"fmt"
	"sync"
	"time"

	"github.com/kartikbazzad/linkdoc/internal/metrics"
	"github.com/kartikbazzad/linkdoc/internal/query"
	"github.com/kartikbazzad/linkdoc/rules"
	"github.com/kartikbazzad/linkdoc/storage"
)

// Populate describes one population request: replace the identifiers stored
// at Path with the referenced documents. The target collection comes from
// the reference rule declared for Path in the source collection's schema.
type Populate struct {
	// Path is the reference field to populate (dot notation allowed for
	// fields nested in objects)
	Path string

	// Select, when non-empty, limits resolved documents to these top-level
	// fields. _id is kept unless "-_id" is listed.
	Select []string

	// Match filters resolved documents with a regular query; targets that
	// do not match resolve as missing.
	Match map[string]interface{}

	// Limit bounds the number of resolved entries per parent (array refs
	// only), applied after Sort.
	Limit int

	// Sort orders resolved entries per parent (array refs only).
	Sort     string
	SortDesc bool

	// Populate resolves references inside the resolved documents,
	// bounded by the database's MaxPopulateDepth.
	Populate []Populate
}

// FindByIDPopulate retrieves a document and populates the given reference
// fields.
func (c *Collection) FindByIDPopulate(auth *rules.AuthContext, id string, pops ...Populate) (storage.Document, error) {
	doc, err := c.FindByID(auth, id)
	if err != nil {
		return nil, err
	}

	docs := []storage.Document{doc}
	if err := c.db.populateDocs(auth, c, docs, pops, 0); err != nil {
		return nil, err
	}
	return docs[0], nil
}

// FindQueryPopulate executes a query and populates the given reference
// fields on every result.
func (c *Collection) FindQueryPopulate(auth *rules.AuthContext, queryMap map[string]interface{}, pops []Populate, opts ...QueryOptions) ([]storage.Document, error) {
	docs, err := c.FindQuery(auth, queryMap, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.db.populateDocs(auth, c, docs, pops, 0); err != nil {
		return nil, err
	}
	return docs, nil
}

// Populate resolves reference fields on caller-supplied documents of the
// named collection. The input documents are not mutated; populated clones
// are returned.
func (db *Database) Populate(auth *rules.AuthContext, collection string, docs []storage.Document, pops ...Populate) ([]storage.Document, error) {
	coll, err := db.GetCollection(collection)
	if err != nil {
		return nil, err
	}

	clones := make([]storage.Document, len(docs))
	for i, doc := range docs {
		clones[i] = doc.Clone()
	}

	if err := db.populateDocs(auth, coll, clones, pops, 0); err != nil {
		return nil, err
	}
	return clones, nil
}

// popPlan pairs a population request with the reference rule it resolves
// through.
type popPlan struct {
	pop  Populate
	rule ReferenceRule
}

// populateDocs is the resolver. It runs in two stages:
//
//	lookup:       collect the distinct identifiers per target collection
//	              across all requests and documents, then issue one batched
//	              lookup per target collection (concurrently, error-first);
//	substitution: write the resolved documents back into the parents at the
//	              declared paths, applying per-request match/select/sort/limit.
//
// Parents are mutated in place; callers own the slices they pass in.
// Resolved documents are cloned per parent, so sharing a target between
// parents is safe.
func (db *Database) populateDocs(auth *rules.AuthContext, coll *Collection, docs []storage.Document, pops []Populate, depth int) (err error) {
	if depth == 0 {
		defer func() { metrics.Record("populate", err) }()
	}

	if len(pops) == 0 || len(docs) == 0 {
		return nil
	}
	if depth >= db.maxDepth {
		return fmt.Errorf("%w: max depth %d", ErrPopulateDepthExceeded, db.maxDepth)
	}

	refRules := coll.ReferenceRules()

	// Bind each request to its declared reference rule.
	plans := make([]popPlan, 0, len(pops))
	for _, pop := range pops {
		rule, err := ruleForPath(refRules, pop.Path)
		if err != nil {
			return err
		}
		plans = append(plans, popPlan{pop: pop, rule: rule})
	}

	// Lookup stage: distinct ids per target collection. Malformed stored
	// values are skipped; population is defined to be robust to drift.
	wanted := make(map[string]map[string]struct{})
	for _, plan := range plans {
		for _, doc := range docs {
			value, exists := doc.GetPath(plan.pop.Path)
			if !exists {
				continue
			}
			ids, err := referenceIDs(plan.rule, value)
			if err != nil {
				continue
			}
			for _, id := range ids {
				target := plan.rule.TargetCollection
				if wanted[target] == nil {
					wanted[target] = make(map[string]struct{})
				}
				wanted[target][id] = struct{}{}
			}
		}
	}

	resolved, err := db.fetchTargets(auth, wanted)
	if err != nil {
		return err
	}

	// Nested population runs once per distinct resolved document, before
	// substitution clones them into the parents.
	for _, plan := range plans {
		if len(plan.pop.Populate) == 0 {
			continue
		}
		target := plan.rule.TargetCollection
		targetColl, err := db.GetCollection(target)
		if err != nil {
			continue // Target collection was never created; nothing resolved
		}
		targetDocs := make([]storage.Document, 0, len(resolved[target]))
		for _, doc := range resolved[target] {
			targetDocs = append(targetDocs, doc)
		}
		if err := db.populateDocs(auth, targetColl, targetDocs, plan.pop.Populate, depth+1); err != nil {
			return err
		}
	}

	// Substitution stage.
	for _, plan := range plans {
		var matcher query.Matcher
		if len(plan.pop.Match) > 0 {
			node, err := query.Parse(plan.pop.Match)
			if err != nil {
				return fmt.Errorf("invalid match for %s: %w", plan.pop.Path, err)
			}
			m, ok := node.(query.Matcher)
			if !ok {
				return fmt.Errorf("parsed match for %s does not implement Matcher", plan.pop.Path)
			}
			matcher = m
		}

		targets := resolved[plan.rule.TargetCollection]
		for _, doc := range docs {
			substitute(doc, plan, targets, matcher)
		}
	}

	return nil
}

// fetchTargets issues one batched lookup per target collection, fanned out
// on the worker pool. The first failing lookup aborts the whole operation.
// Targets denied by the collection's read rule resolve as missing.
func (db *Database) fetchTargets(auth *rules.AuthContext, wanted map[string]map[string]struct{}) (map[string]map[string]storage.Document, error) {
	resolved := make(map[string]map[string]storage.Document, len(wanted))

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)

	for target, idSet := range wanted {
		target := target
		ids := make([]string, 0, len(idSet))
		for id := range idSet {
			ids = append(ids, id)
		}

		task := func() {
			defer wg.Done()

			start := time.Now()
			docs, err := db.lookupCollection(auth, target, ids)
			metrics.PopulateLookupDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())

			if err != nil {
				once.Do(func() { firstErr = err })
				return
			}

			mu.Lock()
			resolved[target] = docs
			mu.Unlock()
		}

		wg.Add(1)
		if err := db.workers.Submit(task); err != nil {
			// Pool released or overloaded; run inline rather than fail.
			task()
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return resolved, nil
}

// lookupCollection resolves ids against one target collection, consulting
// the resolution cache first and batch-reading the rest from the store.
func (db *Database) lookupCollection(auth *rules.AuthContext, target string, ids []string) (map[string]storage.Document, error) {
	out := make(map[string]storage.Document, len(ids))

	var missing []string
	for _, id := range ids {
		if doc, ok := db.cacheGet(target, id); ok {
			metrics.CacheHitsTotal.Inc()
			out[id] = doc
		} else {
			metrics.CacheMissesTotal.Inc()
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		fetched, err := db.store.GetMany(target, missing)
		if err != nil {
			return nil, fmt.Errorf("populate lookup on %s failed: %w", target, err)
		}
		for id, doc := range fetched {
			db.cachePut(target, id, doc)
			out[id] = doc
		}
	}

	// A declared target collection that was never created resolves
	// everything as missing; that is drift, not an error.
	targetColl, err := db.GetCollection(target)
	if err != nil {
		return map[string]storage.Document{}, nil
	}

	for id, doc := range out {
		if err := targetColl.evaluateRule("read", auth, doc, nil); err != nil {
			delete(out, id)
		}
	}

	return out, nil
}

// substitute writes the resolution result for one request into one parent.
// A scalar reference resolves to the document or null; an array reference
// resolves to the array of resolved documents in stored order, unresolved
// entries dropped.
func substitute(doc storage.Document, plan popPlan, targets map[string]storage.Document, matcher query.Matcher) {
	value, exists := doc.GetPath(plan.pop.Path)
	if !exists || value == nil {
		return // Absent stays absent, null stays null
	}

	if plan.rule.IsArray {
		list, ok := value.([]interface{})
		if !ok {
			return
		}

		collected := make([]storage.Document, 0, len(list))
		for _, item := range list {
			id, err := normalizeReferenceValue(item)
			if err != nil || id == "" {
				continue
			}
			target, ok := targets[id]
			if !ok {
				continue // Dropped: dangling entry or denied by read rule
			}
			if matcher != nil && !matcher.Matches(target) {
				continue
			}
			collected = append(collected, target)
		}

		if plan.pop.Sort != "" {
			sortResolved(collected, plan.pop.Sort, plan.pop.SortDesc)
		}
		if plan.pop.Limit > 0 && len(collected) > plan.pop.Limit {
			collected = collected[:plan.pop.Limit]
		}

		out := make([]interface{}, 0, len(collected))
		for _, target := range collected {
			out = append(out, finalizeTarget(target, plan.pop.Select))
		}
		doc.SetPath(plan.pop.Path, out)
		return
	}

	id, err := normalizeReferenceValue(value)
	if err != nil || id == "" {
		doc.SetPath(plan.pop.Path, nil)
		return
	}
	target, ok := targets[id]
	if !ok || (matcher != nil && !matcher.Matches(target)) {
		doc.SetPath(plan.pop.Path, nil)
		return
	}
	doc.SetPath(plan.pop.Path, finalizeTarget(target, plan.pop.Select))
}

// finalizeTarget clones a resolved document for substitution into a parent,
// applying the request's projection.
func finalizeTarget(target storage.Document, sel []string) storage.Document {
	clone := target.Clone()
	if len(sel) > 0 {
		clone = projectFields(clone, sel)
	}
	return clone
}

func sortResolved(docs []storage.Document, field string, desc bool) {
	// Insertion sort keeps this dependency-free and stable; resolved sets
	// per parent are small. The field may be dot-notation, like Match fields.
	for i := 1; i < len(docs); i++ {
		for j := i; j > 0; j-- {
			prev, _ := docs[j-1].GetPath(field)
			cur, _ := docs[j].GetPath(field)
			cmp := query.CompareValues(prev, cur)
			swap := cmp > 0
			if desc {
				swap = cmp < 0
			}
			if !swap {
				break
			}
			docs[j-1], docs[j] = docs[j], docs[j-1]
		}
	}
}
