package linkdoc

import "errors"

var (
	// Database / collection errors
	ErrDatabaseClosed     = errors.New("database is closed")
	ErrCollectionExists   = errors.New("collection already exists")
	ErrCollectionNotFound = errors.New("collection does not exist")
	ErrDocumentNotFound   = errors.New("document not found")
	ErrPermissionDenied   = errors.New("permission denied")

	// Reference errors
	ErrReferenceTargetNotFound    = errors.New("reference target not found")
	ErrReferenceRestrictViolation = errors.New("reference restrict violation")
	ErrInvalidReferenceSchema     = errors.New("invalid reference schema")
	ErrInvalidReferenceValue      = errors.New("invalid reference value")

	// Population errors
	ErrNotAReferenceField    = errors.New("path is not a declared reference field")
	ErrPopulateDepthExceeded = errors.New("populate depth exceeded")
)
