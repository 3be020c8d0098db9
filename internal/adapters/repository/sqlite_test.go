package repository_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/flockoff/validator/internal/adapters/repository"
	"github.com/flockoff/validator/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *repository.SQLiteStore {
	t.Helper()
	s, err := repository.Open(context.Background(), ":memory:",
		repository.WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertOrResetUID(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	require.NoError(t, s.InsertOrResetUID(ctx, 3, "h3", model.DefaultRawScore, model.InitialNormalizedScore))
	require.NoError(t, s.UpdateRawScore(ctx, 3, 0.15))
	require.NoError(t, s.UpdateFinalNormalizedScore(ctx, 3, 0.37))
	require.NoError(t, s.SetScoreRevision(ctx, 3, "alice/data", "abc", "h3"))

	// Same hotkey: nothing changes.
	require.NoError(t, s.InsertOrResetUID(ctx, 3, "h3", model.DefaultRawScore, model.InitialNormalizedScore))
	raw, err := s.GetRawScore(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, model.Some(0.15), raw)

	// New hotkey: scores and revisions reset.
	require.NoError(t, s.InsertOrResetUID(ctx, 3, "h33", model.DefaultRawScore, model.InitialNormalizedScore))
	raw, err = s.GetRawScore(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, model.Some(model.DefaultRawScore), raw)

	rev, err := s.GetScoreRevision(ctx, 3, "alice/data")
	require.NoError(t, err)
	assert.False(t, rev.Valid)

	scores, err := s.GetAllNormalizedScores(ctx, []int{3})
	require.NoError(t, err)
	assert.InDelta(t, model.InitialNormalizedScore, scores[0], 1e-12)
}

func TestNormalizedScoresOrder(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	for uid := 0; uid < 3; uid++ {
		require.NoError(t, s.InsertOrResetUID(ctx, uid, "h", model.DefaultRawScore, 0))
		require.NoError(t, s.UpdateFinalNormalizedScore(ctx, uid, float64(uid)/10))
	}

	scores, err := s.GetAllNormalizedScores(ctx, []int{2, 0, 7, 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2, 0, 0, 0.1}, scores)

	records, err := s.Scores(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, 0, records[0].UID)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), records[2].UpdatedAt)
}

func TestUpdateUnknownUID(t *testing.T) {
	s := openMemory(t)
	err := s.UpdateRawScore(context.Background(), 42, 1)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	raw, err := s.GetRawScore(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, raw.Valid)
}

func TestScoreRevision(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	rev, err := s.GetScoreRevision(ctx, 1, "ns")
	require.NoError(t, err)
	assert.False(t, rev.Valid)

	require.NoError(t, s.SetScoreRevision(ctx, 1, "ns", "r1", "h1"))
	require.NoError(t, s.SetScoreRevision(ctx, 1, "ns", "r2", "h1"))
	rev, err = s.GetScoreRevision(ctx, 1, "ns")
	require.NoError(t, err)
	assert.Equal(t, model.Some("r2"), rev)
}

func TestCompetitionSubmissions(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	const day = "20250101"

	sub := model.Submission{UID: 4, Hotkey: "h4", Coldkey: "c4", Block: 4, Timestamp: 10, Namespace: "n4", Revision: "r4"}
	require.NoError(t, s.RecordSubmission(ctx, day, sub))
	require.NoError(t, s.RecordSubmissionLoss(ctx, day, 4, 0.1001, true))

	// Re-recording the same revision keeps the loss.
	require.NoError(t, s.RecordSubmission(ctx, day, sub))
	got, err := s.GetCompetitionSubmissions(ctx, day)
	require.NoError(t, err)
	require.Contains(t, got, 4)
	assert.Equal(t, model.Some(0.1001), got[4].Loss)
	assert.True(t, got[4].Eligible)
	assert.Equal(t, uint64(4), got[4].Block)
	assert.Equal(t, day, got[4].CompetitionID)

	// A new revision clears it.
	sub.Revision = "r5"
	require.NoError(t, s.RecordSubmission(ctx, day, sub))
	got, err = s.GetCompetitionSubmissions(ctx, day)
	require.NoError(t, err)
	assert.False(t, got[4].Loss.Valid)
	assert.False(t, got[4].Eligible)

	other, err := s.GetCompetitionSubmissions(ctx, "20250102")
	require.NoError(t, err)
	assert.Empty(t, other)

	err = s.RecordSubmissionLoss(ctx, "20250102", 4, 1, true)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCommitState(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	st, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Nil(t, st.Pending)
	assert.False(t, st.LastSubmittedEpoch.Valid)

	pending := model.PendingReveal{
		UIDs:        []int{0, 1, 2},
		Weights:     []float64{0.5, 0, 0.25},
		Salt:        []byte{1, 2, 3, 4, 5, 6, 7, 8},
		Epoch:       7200,
		CommittedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
	require.NoError(t, s.SaveCommit(ctx, pending, 7200))

	st, err = s.LoadState(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Pending)
	assert.True(t, pending.CommittedAt.Equal(st.Pending.CommittedAt))
	loaded := *st.Pending
	loaded.CommittedAt = pending.CommittedAt
	assert.Equal(t, pending, loaded)
	assert.Equal(t, model.Some(uint64(7200)), st.LastSubmittedEpoch)

	pending.Attempts = 2
	require.NoError(t, s.SavePendingReveal(ctx, pending))
	st, err = s.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Pending.Attempts)

	require.NoError(t, s.ClearPendingReveal(ctx))
	st, err = s.LoadState(ctx)
	require.NoError(t, err)
	assert.Nil(t, st.Pending)
	assert.Equal(t, model.Some(uint64(7200)), st.LastSubmittedEpoch)
}

func TestStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "scores.db")

	s, err := repository.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.SaveCommit(ctx, model.PendingReveal{
		UIDs: []int{0}, Weights: []float64{1}, Salt: []byte{9, 9, 9, 9, 9, 9, 9, 9},
	}, 360))
	require.NoError(t, s.Close())

	s, err = repository.Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	st, err := s.LoadState(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Pending)
	assert.Equal(t, []byte{9, 9, 9, 9, 9, 9, 9, 9}, st.Pending.Salt)
	assert.Equal(t, model.Some(uint64(360)), st.LastSubmittedEpoch)
}

func TestDisqualifySubmission(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	const day = "20250101"

	sub := model.Submission{UID: 1, Hotkey: "h1", Block: 20, Namespace: "bob/data", Revision: "r1"}
	require.NoError(t, s.RecordSubmission(ctx, day, sub))
	require.NoError(t, s.RecordSubmissionLoss(ctx, day, 1, 0.14, true))
	require.NoError(t, s.DisqualifySubmission(ctx, day, 1))

	// Re-recording the same revision must not restore the loss.
	require.NoError(t, s.RecordSubmission(ctx, day, sub))
	got, err := s.GetCompetitionSubmissions(ctx, day)
	require.NoError(t, err)
	require.Contains(t, got, 1)
	assert.False(t, got[1].Loss.Valid)
	assert.False(t, got[1].Eligible)

	assert.NoError(t, s.DisqualifySubmission(ctx, day, 99))
}
