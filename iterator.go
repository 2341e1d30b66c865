package linkdoc

import (
	"fmt"
	"sort"

	"github.com/kartikbazzad/linkdoc/internal/query"
	"github.com/kartikbazzad/linkdoc/storage"
)

// Iterator defines the interface for iterating over document results.
// It follows the standard cursor pattern: Next() advances, Value() retrieves.
type Iterator interface {
	Next() bool                       // Advances to the next document. Returns false if exhausted.
	Value() (storage.Document, error) // Returns the current document.
	Close() error                     // Releases resources.
}

// ScanIterator iterates over all documents in a collection.
// The scan snapshot is taken up front from the store.
type ScanIterator struct {
	docs         []storage.Document
	currentIndex int
}

func NewScanIterator(c *Collection) (*ScanIterator, error) {
	docs, err := c.db.store.Scan(c.name)
	if err != nil {
		return nil, err
	}
	return &ScanIterator{docs: docs, currentIndex: -1}, nil
}

func (it *ScanIterator) Next() bool {
	it.currentIndex++
	return it.currentIndex < len(it.docs)
}

func (it *ScanIterator) Value() (storage.Document, error) {
	if it.currentIndex < 0 || it.currentIndex >= len(it.docs) {
		return nil, fmt.Errorf("iterator out of bounds")
	}
	return it.docs[it.currentIndex], nil
}

func (it *ScanIterator) Close() error {
	it.docs = nil
	return nil
}

// FilterIterator filters documents based on a query AST matcher
type FilterIterator struct {
	source  Iterator
	matcher query.Matcher
	current storage.Document
}

func NewFilterIterator(source Iterator, matcher query.Matcher) *FilterIterator {
	return &FilterIterator{source: source, matcher: matcher}
}

func (it *FilterIterator) Next() bool {
	for it.source.Next() {
		doc, err := it.source.Value()
		if err != nil {
			continue
		}
		if it.matcher.Matches(doc) {
			it.current = doc
			return true
		}
	}
	return false
}

func (it *FilterIterator) Value() (storage.Document, error) {
	return it.current, nil
}

func (it *FilterIterator) Close() error {
	return it.source.Close()
}

// LimitIterator limits the number of results
type LimitIterator struct {
	source Iterator
	limit  int
	count  int
}

func NewLimitIterator(source Iterator, limit int) *LimitIterator {
	return &LimitIterator{source: source, limit: limit}
}

func (it *LimitIterator) Next() bool {
	if it.count >= it.limit {
		return false
	}
	if it.source.Next() {
		it.count++
		return true
	}
	return false
}

func (it *LimitIterator) Value() (storage.Document, error) {
	return it.source.Value()
}

func (it *LimitIterator) Close() error {
	return it.source.Close()
}

// SkipIterator skips the first N results
type SkipIterator struct {
	source  Iterator
	skip    int
	skipped bool
}

func NewSkipIterator(source Iterator, skip int) *SkipIterator {
	return &SkipIterator{source: source, skip: skip}
}

func (it *SkipIterator) Next() bool {
	if !it.skipped {
		for i := 0; i < it.skip; i++ {
			if !it.source.Next() {
				return false // Source exhausted before skip finished
			}
		}
		it.skipped = true
	}
	return it.source.Next()
}

func (it *SkipIterator) Value() (storage.Document, error) {
	return it.source.Value()
}

func (it *SkipIterator) Close() error {
	return it.source.Close()
}

// SortIterator buffers all results, sorts them, and iterates
type SortIterator struct {
	source    Iterator
	sortField string
	desc      bool
	docs      []storage.Document
	index     int
	prepared  bool
}

func NewSortIterator(source Iterator, field string, desc bool) *SortIterator {
	return &SortIterator{source: source, sortField: field, desc: desc, index: -1}
}

func (it *SortIterator) Next() bool {
	if !it.prepared {
		for it.source.Next() {
			doc, err := it.source.Value()
			if err == nil {
				it.docs = append(it.docs, doc)
			}
		}
		it.source.Close() // Source fully consumed

		if it.sortField != "" {
			sort.SliceStable(it.docs, func(i, j int) bool {
				result := query.CompareValues(it.docs[i][it.sortField], it.docs[j][it.sortField])
				if it.desc {
					return result > 0
				}
				return result < 0
			})
		}
		it.prepared = true
	}

	it.index++
	return it.index < len(it.docs)
}

func (it *SortIterator) Value() (storage.Document, error) {
	if it.index < 0 || it.index >= len(it.docs) {
		return nil, fmt.Errorf("iterator out of bounds")
	}
	return it.docs[it.index], nil
}

func (it *SortIterator) Close() error {
	it.docs = nil
	return nil
}

// ProjectionIterator trims documents to the requested top-level fields.
// _id is always kept.
type ProjectionIterator struct {
	source Iterator
	fields []string
}

func NewProjectionIterator(source Iterator, fields []string) *ProjectionIterator {
	return &ProjectionIterator{source: source, fields: fields}
}

func (it *ProjectionIterator) Next() bool {
	return it.source.Next()
}

func (it *ProjectionIterator) Value() (storage.Document, error) {
	doc, err := it.source.Value()
	if err != nil {
		return nil, err
	}
	return projectFields(doc, it.fields), nil
}

func (it *ProjectionIterator) Close() error {
	return it.source.Close()
}

// projectFields copies the requested top-level fields into a new document.
// _id survives unless the selection explicitly excludes it with "-_id".
func projectFields(doc storage.Document, fields []string) storage.Document {
	out := make(storage.Document, len(fields)+1)
	keepID := true
	for _, f := range fields {
		if f == "-_id" {
			keepID = false
			continue
		}
		if val, ok := doc[f]; ok {
			out[f] = val
		}
	}
	if keepID {
		if id, ok := doc["_id"]; ok {
			out["_id"] = id
		}
	}
	return out
}
