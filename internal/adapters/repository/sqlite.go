package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flockoff/validator/internal/domain/model"
	"github.com/flockoff/validator/pkg/logger"
	"github.com/flockoff/validator/pkg/metrics"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
)

// validator_state keys.
const (
	keyPendingReveal      = "pending_reveal"
	keyLastSubmittedEpoch = "last_submitted_epoch"
)

// SQLiteStore implements Store on a local sqlite database.
type SQLiteStore struct {
	db     *sql.DB
	logger logger.Logger
	now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for an ephemeral store.
func Open(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	s := &SQLiteStore{
		logger: logger.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One connection keeps writes serialized and :memory: databases shared.
	db.SetMaxOpenConns(1)
	s.db = db

	version, err := migrate(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info(ctx, "score store ready", logger.String("path", path), logger.Int("schema_version", version))
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) observe(op string, start time.Time) {
	metrics.RecordStoreLatency(op, time.Since(start).Seconds())
}

// InsertOrResetUID implements Store.
func (s *SQLiteStore) InsertOrResetUID(ctx context.Context, uid int, hotkey string, rawScore, normalizedScore float64) error {
	defer s.observe("insert_or_reset_uid", time.Now())

	return s.tx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, "select hotkey from miner_scores where uid = ?", uid).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				"insert into miner_scores (uid, hotkey, raw_score, normalized_score, updated_at) values (?, ?, ?, ?, ?)",
				uid, hotkey, rawScore, normalizedScore, s.now().Unix())
			return err
		case err != nil:
			return err
		case current == hotkey:
			return nil
		}

		s.logger.Info(ctx, "uid re-registered; resetting score",
			logger.Int("uid", uid), logger.String("old_hotkey", current), logger.String("hotkey", hotkey))
		if _, err := tx.ExecContext(ctx,
			"update miner_scores set hotkey = ?, raw_score = ?, normalized_score = ?, updated_at = ? where uid = ?",
			hotkey, rawScore, normalizedScore, s.now().Unix(), uid); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "delete from score_revisions where uid = ?", uid)
		return err
	})
}

// UpdateRawScore implements Store.
func (s *SQLiteStore) UpdateRawScore(ctx context.Context, uid int, value float64) error {
	defer s.observe("update_raw_score", time.Now())
	return s.updateScore(ctx, "raw_score", uid, value)
}

// UpdateFinalNormalizedScore implements Store.
func (s *SQLiteStore) UpdateFinalNormalizedScore(ctx context.Context, uid int, value float64) error {
	defer s.observe("update_normalized_score", time.Now())
	return s.updateScore(ctx, "normalized_score", uid, value)
}

// column is one of two fixed names, never user input.
func (s *SQLiteStore) updateScore(ctx context.Context, column string, uid int, value float64) error {
	res, err := s.db.ExecContext(ctx,
		"update miner_scores set "+column+" = ?, updated_at = ? where uid = ?",
		value, s.now().Unix(), uid)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, uid)
	}
	return nil
}

// GetAllNormalizedScores implements Store.
func (s *SQLiteStore) GetAllNormalizedScores(ctx context.Context, uids []int) ([]float64, error) {
	defer s.observe("get_all_normalized_scores", time.Now())

	rows, err := s.db.QueryContext(ctx, "select uid, normalized_score from miner_scores")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byUID := make(map[int]float64)
	for rows.Next() {
		var uid int
		var score float64
		if err := rows.Scan(&uid, &score); err != nil {
			return nil, err
		}
		byUID[uid] = score
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]float64, len(uids))
	for i, uid := range uids {
		out[i] = byUID[uid]
	}
	return out, nil
}

// GetRawScore implements Store.
func (s *SQLiteStore) GetRawScore(ctx context.Context, uid int) (model.Optional[float64], error) {
	var v float64
	err := s.db.QueryRowContext(ctx, "select raw_score from miner_scores where uid = ?", uid).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return model.None[float64](), nil
	}
	if err != nil {
		return model.None[float64](), err
	}
	return model.Some(v), nil
}

// Scores implements Store.
func (s *SQLiteStore) Scores(ctx context.Context) ([]model.ScoreRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"select uid, hotkey, raw_score, normalized_score, updated_at from miner_scores order by uid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScoreRecord
	for rows.Next() {
		var r model.ScoreRecord
		var updated int64
		if err := rows.Scan(&r.UID, &r.Hotkey, &r.RawScore, &r.NormalizedScore, &updated); err != nil {
			return nil, err
		}
		r.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetScoreRevision implements Store.
func (s *SQLiteStore) GetScoreRevision(ctx context.Context, uid int, namespace string) (model.Optional[string], error) {
	var rev string
	err := s.db.QueryRowContext(ctx,
		"select revision from score_revisions where uid = ? and namespace = ?", uid, namespace).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return model.None[string](), nil
	}
	if err != nil {
		return model.None[string](), err
	}
	return model.Some(rev), nil
}

// SetScoreRevision implements Store.
func (s *SQLiteStore) SetScoreRevision(ctx context.Context, uid int, namespace, revision, hotkey string) error {
	defer s.observe("set_score_revision", time.Now())
	_, err := s.db.ExecContext(ctx, `insert into score_revisions (uid, namespace, revision, hotkey, updated_at)
		values (?, ?, ?, ?, ?)
		on conflict(uid, namespace) do update set
			revision = excluded.revision, hotkey = excluded.hotkey, updated_at = excluded.updated_at`,
		uid, namespace, revision, hotkey, s.now().Unix())
	return err
}

// RecordSubmission implements Store. A changed revision clears any recorded loss.
func (s *SQLiteStore) RecordSubmission(ctx context.Context, competitionID string, sub model.Submission) error {
	defer s.observe("record_submission", time.Now())
	_, err := s.db.ExecContext(ctx, `insert into competition_submissions
			(competition_id, uid, hotkey, coldkey, block, timestamp, namespace, revision)
		values (?, ?, ?, ?, ?, ?, ?, ?)
		on conflict(competition_id, uid) do update set
			loss = case when revision = excluded.revision and hotkey = excluded.hotkey then loss else null end,
			is_eligible = case when revision = excluded.revision and hotkey = excluded.hotkey then is_eligible else 0 end,
			hotkey = excluded.hotkey,
			coldkey = excluded.coldkey,
			block = excluded.block,
			timestamp = excluded.timestamp,
			namespace = excluded.namespace,
			revision = excluded.revision`,
		competitionID, sub.UID, sub.Hotkey, sub.Coldkey, int64(sub.Block), sub.Timestamp, sub.Namespace, sub.Revision)
	return err
}

// RecordSubmissionLoss implements Store.
func (s *SQLiteStore) RecordSubmissionLoss(ctx context.Context, competitionID string, uid int, loss float64, eligible bool) error {
	defer s.observe("record_submission_loss", time.Now())
	res, err := s.db.ExecContext(ctx,
		"update competition_submissions set loss = ?, is_eligible = ? where competition_id = ? and uid = ?",
		loss, eligible, competitionID, uid)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: submission %s/%d", ErrNotFound, competitionID, uid)
	}
	return nil
}

// DisqualifySubmission implements Store.
func (s *SQLiteStore) DisqualifySubmission(ctx context.Context, competitionID string, uid int) error {
	defer s.observe("disqualify_submission", time.Now())
	_, err := s.db.ExecContext(ctx,
		"update competition_submissions set loss = null, is_eligible = 0 where competition_id = ? and uid = ?",
		competitionID, uid)
	return err
}

// GetCompetitionSubmissions implements Store.
func (s *SQLiteStore) GetCompetitionSubmissions(ctx context.Context, competitionID string) (map[int]model.Submission, error) {
	rows, err := s.db.QueryContext(ctx, `select uid, hotkey, coldkey, block, timestamp, namespace, revision, loss, is_eligible
		from competition_submissions where competition_id = ?`, competitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]model.Submission)
	for rows.Next() {
		var (
			sub   model.Submission
			block int64
			loss  sql.NullFloat64
		)
		if err := rows.Scan(&sub.UID, &sub.Hotkey, &sub.Coldkey, &block, &sub.Timestamp,
			&sub.Namespace, &sub.Revision, &loss, &sub.Eligible); err != nil {
			return nil, err
		}
		sub.CompetitionID = competitionID
		sub.Block = uint64(block)
		if loss.Valid {
			sub.Loss = model.Some(loss.Float64)
		}
		out[sub.UID] = sub
	}
	return out, rows.Err()
}

// LoadState implements Store.
func (s *SQLiteStore) LoadState(ctx context.Context) (model.CommitState, error) {
	var st model.CommitState

	raw, ok, err := s.getState(ctx, keyPendingReveal)
	if err != nil {
		return st, err
	}
	if ok {
		var p model.PendingReveal
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return st, fmt.Errorf("%w: %s: %w", ErrCorrupt, keyPendingReveal, err)
		}
		if len(p.UIDs) != len(p.Weights) || len(p.Salt) == 0 {
			return st, fmt.Errorf("%w: %s: %d uids, %d weights, %d salt bytes",
				ErrCorrupt, keyPendingReveal, len(p.UIDs), len(p.Weights), len(p.Salt))
		}
		st.Pending = &p
	}

	raw, ok, err = s.getState(ctx, keyLastSubmittedEpoch)
	if err != nil {
		return st, err
	}
	if ok {
		var epoch uint64
		if err := json.Unmarshal([]byte(raw), &epoch); err != nil {
			return st, fmt.Errorf("%w: %s: %w", ErrCorrupt, keyLastSubmittedEpoch, err)
		}
		st.LastSubmittedEpoch = model.Some(epoch)
	}
	return st, nil
}

// SaveCommit implements Store.
func (s *SQLiteStore) SaveCommit(ctx context.Context, pending model.PendingReveal, epoch uint64) error {
	defer s.observe("save_commit", time.Now())
	p, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	e, err := json.Marshal(epoch)
	if err != nil {
		return err
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		if err := putState(ctx, tx, keyPendingReveal, string(p)); err != nil {
			return err
		}
		return putState(ctx, tx, keyLastSubmittedEpoch, string(e))
	})
}

// SavePendingReveal implements Store.
func (s *SQLiteStore) SavePendingReveal(ctx context.Context, pending model.PendingReveal) error {
	p, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		return putState(ctx, tx, keyPendingReveal, string(p))
	})
}

// ClearPendingReveal implements Store.
func (s *SQLiteStore) ClearPendingReveal(ctx context.Context) error {
	defer s.observe("clear_pending_reveal", time.Now())
	_, err := s.db.ExecContext(ctx, "delete from validator_state where k = ?", keyPendingReveal)
	return err
}

func (s *SQLiteStore) getState(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "select v from validator_state where k = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func putState(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx,
		"insert into validator_state (k, v) values (?, ?) on conflict(k) do update set v = excluded.v",
		key, value)
	return err
}

func (s *SQLiteStore) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
