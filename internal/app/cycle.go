package service

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/flockoff/validator/internal/adapters/dataset"
	"github.com/flockoff/validator/internal/adapters/trainer"
	"github.com/flockoff/validator/internal/domain/dedupe"
	"github.com/flockoff/validator/internal/domain/model"
	"github.com/flockoff/validator/internal/domain/scoring"
	"github.com/flockoff/validator/pkg/logger"
	"github.com/flockoff/validator/pkg/metrics"
)

// cycle carries the working state of one RunStep.
type cycle struct {
	id           string
	log          logger.Logger
	participants map[int]model.Participant
	uids         []int
	weights      []float64
	dupSet       []int
	evalSet      []int
	metadata     map[int]model.Metadata
	raw          map[int]float64
	evaluated    int
	interrupted  int
}

// RunStep runs one validation cycle: resolve any pending reveal, evaluate a
// sample of participants, refresh their weights and commit when the gate is
// open. Per-participant failures are absorbed; the returned error is either
// terminal (see IsTerminal) or a context error.
func (s *Service) RunStep(ctx context.Context) (err error) {
	c := &cycle{
		id:       uuid.NewString(),
		metadata: make(map[int]model.Metadata),
		raw:      make(map[int]float64),
	}
	c.log = s.logger.With(logger.String("cycle_id", c.id))
	start := s.now()
	committed := false

	defer func() {
		sum := CycleSummary{
			ID:          c.id,
			StartedAt:   start,
			Duration:    s.now().Sub(start),
			Evaluated:   c.evaluated,
			Interrupted: c.interrupted,
			Committed:   committed,
		}
		result := metrics.ResultSuccess
		if err != nil {
			sum.Err = err.Error()
			result = metrics.ResultFailure
			if IsTerminal(err) {
				result = metrics.ResultFatal
			}
		}
		metrics.RecordCycle(result, sum.Duration.Seconds())
		s.finishCycle(sum)
	}()

	s.setPhase(PhaseRevealing)
	if err := s.cr.reveal(ctx, c.log); err != nil {
		return err
	}

	s.setPhase(PhaseEvaluating)
	ok, err := s.loadParticipants(ctx, c)
	if err != nil || !ok {
		return err
	}
	s.sample(c)
	c.log.Info(ctx, "Cycle started",
		logger.Int("participants", len(c.participants)),
		logger.Int("duplicate_sample", len(c.dupSet)),
		logger.Int("eval_sample", len(c.evalSet)))

	canonical, err := s.loadEvalSet(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Error(ctx, "Evaluation dataset unavailable, skipping evaluation", logger.Error(err))
	} else {
		if err := s.evaluate(ctx, c, canonical); err != nil {
			return err
		}
		if err := s.normalize(ctx, c); err != nil {
			return err
		}
	}

	s.setPhase(PhaseCommitting)
	committed, err = s.cr.commit(ctx, c.log, c.uids, c.weights)
	if err != nil {
		return err
	}
	c.log.Info(ctx, "Cycle finished",
		logger.Int("evaluated", c.evaluated),
		logger.Bool("committed", committed),
		logger.Duration("elapsed", s.now().Sub(start)))
	return nil
}

// loadParticipants registers the metagraph in the store and reads the dense
// weight vector. It reports false when there is nothing to score.
func (s *Service) loadParticipants(ctx context.Context, c *cycle) (bool, error) {
	participants, err := s.chain.Metagraph(ctx, s.netuid)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		c.log.Warn(ctx, "Metagraph unavailable, skipping cycle", logger.Error(err))
		return false, nil
	}
	if len(participants) == 0 {
		c.log.Warn(ctx, "Metagraph is empty, skipping cycle")
		return false, nil
	}

	c.participants = make(map[int]model.Participant, len(participants))
	maxUID := 0
	for _, p := range participants {
		c.participants[p.UID] = p
		if p.UID > maxUID {
			maxUID = p.UID
		}
		if err := s.store.InsertOrResetUID(ctx, p.UID, p.Hotkey, model.DefaultRawScore, model.InitialNormalizedScore); err != nil {
			return false, fmt.Errorf("%w: register uid %d: %w", ErrStoreCorrupt, p.UID, err)
		}
	}
	metrics.UpdateParticipants(len(participants))

	c.uids = make([]int, maxUID+1)
	for i := range c.uids {
		c.uids[i] = i
	}
	weights, err := s.store.GetAllNormalizedScores(ctx, c.uids)
	if err != nil {
		return false, fmt.Errorf("%w: read weights: %w", ErrStoreCorrupt, err)
	}
	c.weights = scoring.FloorAll(weights)
	return true, nil
}

// sample draws the duplicate-check set from the registered uids and the
// evaluation set from the duplicate-check set.
func (s *Service) sample(c *cycle) {
	registered := make([]int, 0, len(c.participants))
	for uid := range c.participants {
		registered = append(registered, uid)
	}
	sort.Ints(registered)

	s.rng.Shuffle(len(registered), func(i, j int) { registered[i], registered[j] = registered[j], registered[i] })
	c.dupSet = registered[:min(s.duplicateSampleSize, len(registered))]

	evalSet := append([]int(nil), c.dupSet...)
	s.rng.Shuffle(len(evalSet), func(i, j int) { evalSet[i], evalSet[j] = evalSet[j], evalSet[i] })
	c.evalSet = evalSet[:min(s.sampleSize, len(evalSet))]
}

func (s *Service) loadEvalSet(ctx context.Context) (dedupe.Set, error) {
	comp := s.competition
	if err := s.fetcher.Fetch(ctx, comp.EvalNamespace, comp.EvalRevision, s.evalDir, false); err != nil {
		return nil, err
	}
	if err := dataset.NormalizeJSONL(s.evalDir); err != nil {
		return nil, err
	}
	rows, err := dataset.LoadJSONL(filepath.Join(s.evalDir, dataset.FileName), 0)
	if err != nil {
		return nil, err
	}
	return dedupe.NewSet(rows)
}

// prefetched is the metadata and dataset of one duplicate-check participant.
type prefetched struct {
	uid     int
	meta    model.Metadata
	hasMeta bool
	rows    dedupe.Set
	err     error
}

// prefetch looks up metadata and downloads datasets for the duplicate-check
// set on a bounded pool. Results keep the order of c.dupSet.
func (s *Service) prefetch(ctx context.Context, c *cycle) ([]prefetched, error) {
	out := make([]prefetched, len(c.dupSet))
	force := make([]bool, len(c.dupSet))
	for i := range force {
		force[i] = s.rng.Float64() < s.forceRefreshProb
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fetchConcurrency)
	for i, uid := range c.dupSet {
		out[i].uid = uid
		g.Go(func() error {
			md, err := s.chain.SubmissionMetadata(gctx, s.netuid, c.participants[uid].Hotkey)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				c.log.Warn(gctx, "Metadata lookup failed", logger.Int("uid", uid), logger.Error(err))
				return nil
			}
			meta, ok := md.Get()
			if !ok {
				return nil
			}
			out[i].meta, out[i].hasMeta = meta, true
			out[i].rows, out[i].err = s.fetchParticipant(gctx, uid, meta, force[i])
			if out[i].err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// evaluate gathers metadata and datasets for the duplicate-check set, runs
// detection, then trains the evaluation set until the commit gate opens.
func (s *Service) evaluate(ctx context.Context, c *cycle, canonical dedupe.Set) error {
	day := s.CompetitionDay()
	fetched, err := s.prefetch(ctx, c)
	if err != nil {
		return err
	}

	entries := make([]dedupe.Entry, 0, len(fetched))
	for _, f := range fetched {
		if !f.hasMeta {
			continue
		}
		uid, meta := f.uid, f.meta
		c.metadata[uid] = meta

		p := c.participants[uid]
		sub := model.Submission{
			UID:           uid,
			Hotkey:        p.Hotkey,
			Coldkey:       p.Coldkey,
			CompetitionID: meta.CompetitionID,
			Block:         meta.Block,
			Timestamp:     meta.Timestamp,
			Namespace:     meta.Namespace,
			Revision:      meta.Revision,
			Eligible:      meta.CompetitionID == s.competition.ID,
		}
		if err := s.store.RecordSubmission(ctx, day, sub); err != nil {
			return fmt.Errorf("%w: record submission uid %d: %w", ErrStoreCorrupt, uid, err)
		}

		if f.err != nil {
			if err := s.assignDefault(ctx, c, day, uid, f.err); err != nil {
				return err
			}
			continue
		}
		entries = append(entries, dedupe.Entry{UID: uid, Block: meta.Block, Timestamp: meta.Timestamp, Rows: f.rows})
	}

	res, err := s.detector.Detect(ctx, canonical, entries)
	if err != nil {
		return err
	}
	metrics.RecordDuplicateGroups(len(res.Groups), len(res.Disqualified))
	for _, uid := range res.Invalid {
		if err := s.assignDefault(ctx, c, day, uid, fmt.Errorf("%w: rows outside evaluation set", ErrDatasetInvalid)); err != nil {
			return err
		}
	}
	for _, uid := range res.Disqualified {
		if err := s.assignDefault(ctx, c, day, uid, ErrDuplicate); err != nil {
			return err
		}
	}
	for _, g := range res.Groups {
		c.log.Info(ctx, "Duplicate group", logger.Any("uids", g))
	}

	seed, err := s.seed()
	if err != nil {
		return fmt.Errorf("%w: seed: %w", ErrTrainingFatal, err)
	}
	for i, uid := range c.evalSet {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if res.Flagged(uid) {
			continue
		}
		if _, done := c.raw[uid]; done {
			continue
		}

		g, err := s.cr.gate(ctx)
		if err != nil {
			c.log.Debug(ctx, "Gate check failed", logger.Error(err))
		} else if g.Open {
			remaining := c.pending(c.evalSet[i:], res)
			c.interrupted = remaining
			for range remaining {
				metrics.RecordEvaluation(metrics.OutcomeInterrupted)
			}
			c.log.Info(ctx, "Commit gate open, stopping evaluation",
				logger.Int("remaining", remaining),
				logger.Int64("blocks_remaining", g.BlocksRemaining))
			break
		}

		if err := s.evaluateOne(ctx, c, uid, seed, day); err != nil {
			return err
		}
	}
	return nil
}

// pending counts the uids the evaluation loop would still train.
func (c *cycle) pending(uids []int, res dedupe.Result) int {
	n := 0
	for _, uid := range uids {
		if res.Flagged(uid) {
			continue
		}
		if _, done := c.raw[uid]; done {
			continue
		}
		if _, ok := c.metadata[uid]; !ok {
			continue
		}
		n++
	}
	return n
}

// fetchParticipant downloads and reads a participant dataset.
func (s *Service) fetchParticipant(ctx context.Context, uid int, meta model.Metadata, force bool) (dedupe.Set, error) {
	dir := s.participantDir(uid)
	if err := s.fetcher.Fetch(ctx, meta.Namespace, meta.Revision, dir, force); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDataUnavailable, err)
	}
	if err := dataset.NormalizeJSONL(dir); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDataUnavailable, err)
	}
	rows, err := dataset.LoadJSONL(filepath.Join(dir, dataset.FileName), s.competition.Rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDataUnavailable, err)
	}
	set, err := dedupe.NewSet(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatasetInvalid, err)
	}
	return set, nil
}

func (s *Service) evaluateOne(ctx context.Context, c *cycle, uid int, seed uint32, day string) error {
	log := c.log.With(logger.Int("uid", uid))
	meta, ok := c.metadata[uid]
	if !ok {
		metrics.RecordEvaluation(metrics.OutcomeMissingMetadata)
		log.Debug(ctx, "Skipping participant", logger.Error(ErrMissingMetadata))
		return nil
	}
	eligible := meta.CompetitionID == s.competition.ID

	last, err := s.store.GetScoreRevision(ctx, uid, meta.Namespace)
	if err != nil {
		return fmt.Errorf("%w: score revision uid %d: %w", ErrStoreCorrupt, uid, err)
	}
	if rev, ok := last.Get(); ok && rev == meta.Revision {
		stored, err := s.store.GetRawScore(ctx, uid)
		if err != nil {
			return fmt.Errorf("%w: raw score uid %d: %w", ErrStoreCorrupt, uid, err)
		}
		raw, ok := stored.Get()
		if !ok {
			raw = model.DefaultRawScore
		}
		c.raw[uid] = raw
		if raw != model.DefaultRawScore {
			if err := s.store.RecordSubmissionLoss(ctx, day, uid, raw, eligible); err != nil {
				return fmt.Errorf("%w: record loss uid %d: %w", ErrStoreCorrupt, uid, err)
			}
		} else if err := s.store.DisqualifySubmission(ctx, day, uid); err != nil {
			return fmt.Errorf("%w: disqualify uid %d: %w", ErrStoreCorrupt, uid, err)
		}
		metrics.RecordEvaluation(metrics.OutcomeReused)
		log.Debug(ctx, "Revision unchanged, reusing score", logger.Float64("raw_score", raw))
		return nil
	}

	started := time.Now()
	loss, err := s.engine.Evaluate(ctx, trainer.Request{
		Seed:        seed,
		Benchmark:   s.competition.Bench,
		Rows:        s.competition.Rows,
		CacheDir:    s.cacheDir,
		DatasetDir:  s.participantDir(uid),
		EvalDataDir: s.evalDir,
	})
	metrics.RecordTrainingLatency(time.Since(started).Seconds())
	if err != nil {
		switch {
		case trainer.IsFatal(err):
			return fmt.Errorf("%w: uid %d: %w", ErrTrainingFatal, uid, err)
		case ctx.Err() != nil:
			return ctx.Err()
		}
		return s.assignDefault(ctx, c, day, uid, fmt.Errorf("%w: %w", ErrTrainingFailure, err))
	}

	c.raw[uid] = loss
	c.evaluated++
	if err := s.store.UpdateRawScore(ctx, uid, loss); err != nil {
		return fmt.Errorf("%w: raw score uid %d: %w", ErrStoreCorrupt, uid, err)
	}
	if err := s.store.SetScoreRevision(ctx, uid, meta.Namespace, meta.Revision, c.participants[uid].Hotkey); err != nil {
		return fmt.Errorf("%w: score revision uid %d: %w", ErrStoreCorrupt, uid, err)
	}
	if err := s.store.RecordSubmissionLoss(ctx, day, uid, loss, eligible); err != nil {
		return fmt.Errorf("%w: record loss uid %d: %w", ErrStoreCorrupt, uid, err)
	}
	metrics.RecordEvaluation(metrics.OutcomeScored)
	log.Info(ctx, "Evaluated", logger.Float64("loss", loss), logger.String("revision", meta.Revision))
	return nil
}

// assignDefault records the sentinel raw score for uid, withdraws its
// submission for the day from winner selection and logs why.
func (s *Service) assignDefault(ctx context.Context, c *cycle, day string, uid int, cause error) error {
	outcome := metrics.OutcomeTrainingFailure
	switch {
	case errors.Is(cause, ErrDataUnavailable):
		outcome = metrics.OutcomeDataUnavailable
	case errors.Is(cause, ErrDatasetInvalid):
		outcome = metrics.OutcomeInvalid
	case errors.Is(cause, ErrDuplicate):
		outcome = metrics.OutcomeDuplicate
	}
	metrics.RecordEvaluation(outcome)
	c.log.Warn(ctx, "Assigned default score", logger.Int("uid", uid), logger.Error(cause))

	c.raw[uid] = model.DefaultRawScore
	if err := s.store.UpdateRawScore(ctx, uid, model.DefaultRawScore); err != nil {
		return fmt.Errorf("%w: raw score uid %d: %w", ErrStoreCorrupt, uid, err)
	}
	if err := s.store.DisqualifySubmission(ctx, day, uid); err != nil {
		return fmt.Errorf("%w: disqualify uid %d: %w", ErrStoreCorrupt, uid, err)
	}
	return nil
}

// normalize turns this cycle's raw scores into floored weights. Uids without
// a fresh raw score keep their stored weight.
func (s *Service) normalize(ctx context.Context, c *cycle) error {
	params := scoring.ParamsFor(s.competition)
	expected := model.Some(s.competition.ID)

	uids := make([]int, 0, len(c.raw))
	for uid := range c.raw {
		uids = append(uids, uid)
	}
	sort.Ints(uids)

	for _, uid := range uids {
		submitted := model.None[string]()
		if meta, ok := c.metadata[uid]; ok {
			submitted = model.Some(meta.CompetitionID)
		}
		w := scoring.Floor(scoring.Score(model.Some(c.raw[uid]), params, submitted, expected))
		if uid < len(c.weights) {
			c.weights[uid] = w
		}
		if err := s.store.UpdateFinalNormalizedScore(ctx, uid, w); err != nil {
			return fmt.Errorf("%w: weight uid %d: %w", ErrStoreCorrupt, uid, err)
		}
	}
	return nil
}

func (s *Service) participantDir(uid int) string {
	return filepath.Join(s.dataDir, fmt.Sprintf(participantDirPattern, uid))
}

func (s *Service) seed() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(s.entropy, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
