// Package repository persists scores, submissions and commit-reveal state.
package repository

import (
	"context"

	"github.com/flockoff/validator/internal/domain/model"
)

// Store is the validator's durable state. It has a single writer.
type Store interface {
	// InsertOrResetUID creates the uid row, or resets its scores and revisions
	// when the slot now belongs to a different hotkey.
	InsertOrResetUID(ctx context.Context, uid int, hotkey string, rawScore, normalizedScore float64) error
	UpdateRawScore(ctx context.Context, uid int, value float64) error
	UpdateFinalNormalizedScore(ctx context.Context, uid int, value float64) error
	// GetAllNormalizedScores returns one score per requested uid, in order.
	// Unknown uids score 0.
	GetAllNormalizedScores(ctx context.Context, uids []int) ([]float64, error)
	GetRawScore(ctx context.Context, uid int) (model.Optional[float64], error)
	Scores(ctx context.Context) ([]model.ScoreRecord, error)

	GetScoreRevision(ctx context.Context, uid int, namespace string) (model.Optional[string], error)
	SetScoreRevision(ctx context.Context, uid int, namespace, revision, hotkey string) error

	RecordSubmission(ctx context.Context, competitionID string, sub model.Submission) error
	RecordSubmissionLoss(ctx context.Context, competitionID string, uid int, loss float64, eligible bool) error
	// DisqualifySubmission clears the recorded loss and eligibility of uid's
	// submission. A missing submission is not an error.
	DisqualifySubmission(ctx context.Context, competitionID string, uid int) error
	GetCompetitionSubmissions(ctx context.Context, competitionID string) (map[int]model.Submission, error)

	// LoadState restores the pending reveal and last submitted epoch.
	LoadState(ctx context.Context) (model.CommitState, error)
	// SaveCommit stores a new pending reveal and its epoch atomically.
	SaveCommit(ctx context.Context, pending model.PendingReveal, epoch uint64) error
	// SavePendingReveal overwrites the pending reveal, e.g. to bump Attempts.
	SavePendingReveal(ctx context.Context, pending model.PendingReveal) error
	ClearPendingReveal(ctx context.Context) error

	Close() error
}
