package linkdoc

// QueryOptions represents query options like sort, limit, skip, and field projection
type QueryOptions struct {
	SortField string
	SortDesc  bool
	Limit     int
	Skip      int
	// Fields, when non-empty, limits returned documents to these top-level
	// keys only (_id is always kept)
	Fields []string
}
