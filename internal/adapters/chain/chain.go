// Package chain talks to the ledger: block height, epochs, the metagraph,
// submission commitments and weight commit-reveal.
package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/flockoff/validator/internal/domain/model"
)

// Result is the ledger's verdict on a commit or reveal extrinsic.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Client is the subset of ledger operations the validator and miner use.
// Weights are dense by uid and not yet quantized.
type Client interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	NextEpochStartBlock(ctx context.Context, netuid int) (uint64, error)
	Metagraph(ctx context.Context, netuid int) ([]model.Participant, error)
	// SubmissionMetadata returns the absent variant when hotkey has no commitment.
	SubmissionMetadata(ctx context.Context, netuid int, hotkey string) (model.Optional[model.Metadata], error)
	CommitWeights(ctx context.Context, netuid int, uids []int, weights []float64, salt []byte) (Result, error)
	RevealWeights(ctx context.Context, netuid int, uids []int, weights []float64, salt []byte) (Result, error)
	StoreSubmissionMetadata(ctx context.Context, netuid int, commitment string) error
}

// EncodeCommitment compresses metadata into the on-chain string
// "namespace:revision:competitionId".
func EncodeCommitment(m model.Metadata) (string, error) {
	for _, part := range []string{m.Namespace, m.Revision, m.CompetitionID} {
		if part == "" || strings.Contains(part, ":") {
			return "", fmt.Errorf("%w: %q", ErrBadCommitment, part)
		}
	}
	return m.Namespace + ":" + m.Revision + ":" + m.CompetitionID, nil
}

// DecodeCommitment parses an on-chain string. Block and timestamp come from the
// ledger record, not the string.
func DecodeCommitment(s string, block uint64, timestamp int64) (model.Metadata, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return model.Metadata{}, fmt.Errorf("%w: %q", ErrBadCommitment, s)
	}
	for _, p := range parts {
		if p == "" {
			return model.Metadata{}, fmt.Errorf("%w: %q", ErrBadCommitment, s)
		}
	}
	return model.Metadata{
		Namespace:     parts[0],
		Revision:      parts[1],
		CompetitionID: parts[2],
		Block:         block,
		Timestamp:     timestamp,
	}, nil
}
