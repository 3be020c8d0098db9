package service

import "errors"

// Per-participant failures are logged and turned into a score update; only
// ErrTrainingFatal and ErrStoreCorrupt end the process.
var (
	ErrMissingMetadata = errors.New("no submission metadata")
	ErrDataUnavailable = errors.New("dataset unavailable")
	ErrDatasetInvalid  = errors.New("dataset invalid")
	ErrDuplicate       = errors.New("dataset duplicates an earlier submission")
	ErrTrainingFailure = errors.New("training failed")
	ErrTrainingFatal   = errors.New("fatal training fault")
	ErrChainCommit     = errors.New("weight commit failed")
	ErrChainReveal     = errors.New("weight reveal failed")
	ErrStoreCorrupt    = errors.New("score store failure")
	ErrNotStarted      = errors.New("service not started")
)

// IsTerminal reports whether err must stop the validator.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTrainingFatal) || errors.Is(err, ErrStoreCorrupt)
}
