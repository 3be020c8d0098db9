package trainer

import "errors"

// Sentinel errors.
var (
	ErrTraining = errors.New("training failed")
	ErrFatal    = errors.New("fatal accelerator fault")
)
