package dedupe

import "errors"

// Sentinel errors.
var (
	ErrMalformedRow = errors.New("malformed dataset row")
)
