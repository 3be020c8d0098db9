package dataset

import "errors"

// Sentinel errors.
var (
	ErrFetch     = errors.New("dataset fetch failed")
	ErrNotFound  = errors.New("dataset file not found")
	ErrMalformed = errors.New("malformed dataset line")
)
