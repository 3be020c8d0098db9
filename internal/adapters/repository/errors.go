package repository

import "errors"

// Sentinel kinds for store errors.
var (
	ErrNotFound  = errors.New("uid not found")
	ErrMigration = errors.New("schema migration failed")
	ErrCorrupt   = errors.New("stored state is corrupt")
)
