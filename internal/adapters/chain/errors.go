package chain

import "errors"

// Sentinel errors.
var (
	ErrGateway       = errors.New("chain gateway error")
	ErrBadCommitment = errors.New("malformed submission commitment")
	ErrRejected      = errors.New("extrinsic rejected")
)
