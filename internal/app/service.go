// Package service runs the validator: it evaluates participant datasets each
// cycle, turns losses into weights and submits them through commit-reveal.
package service

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/flockoff/validator/internal/adapters/chain"
	"github.com/flockoff/validator/internal/adapters/dataset"
	"github.com/flockoff/validator/internal/adapters/repository"
	"github.com/flockoff/validator/internal/adapters/trainer"
	"github.com/flockoff/validator/internal/domain/dedupe"
	"github.com/flockoff/validator/internal/domain/model"
	"github.com/flockoff/validator/internal/domain/scoring"
	"github.com/flockoff/validator/internal/domain/winner"
	"github.com/flockoff/validator/pkg/logger"
)

// Defaults used when no option overrides them.
const (
	DefaultNetUID              = 96
	DefaultSampleSize          = 10
	DefaultDuplicateSampleSize = 50
	DefaultBlockThreshold      = 50
	DefaultForceRefreshProb    = 0.2
	DefaultFetchConcurrency    = 4
	DefaultLoopInterval        = 30 * time.Second
	DefaultStepTimeout         = 2 * time.Hour
	competitionDayLayout       = "20060102"
	participantDirPattern      = "miner_%d"
)

// Phase is what the validator is doing right now.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRevealing  Phase = "revealing"
	PhaseEvaluating Phase = "evaluating"
	PhaseCommitting Phase = "committing"
	PhaseStopped    Phase = "stopped"
)

// Dependencies are the adapters a Service drives.
type Dependencies struct {
	Store   repository.Store
	Chain   chain.Client
	Fetcher dataset.Fetcher
	Engine  trainer.Engine
}

// CycleSummary describes the most recent finished cycle.
type CycleSummary struct {
	ID          string        `json:"id"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Evaluated   int           `json:"evaluated"`
	Interrupted int           `json:"interrupted"`
	Committed   bool          `json:"committed"`
	Err         string        `json:"error,omitempty"`
}

// PendingSummary describes an outstanding reveal without exposing the salt.
type PendingSummary struct {
	Epoch       uint64    `json:"epoch"`
	Attempts    int       `json:"attempts"`
	UIDs        int       `json:"uids"`
	CommittedAt time.Time `json:"committed_at"`
}

// Status is a point-in-time view of the validator.
type Status struct {
	Phase              Phase           `json:"phase"`
	CompetitionID      string          `json:"competition_id"`
	LastSubmittedEpoch *uint64         `json:"last_submitted_epoch,omitempty"`
	PendingReveal      *PendingSummary `json:"pending_reveal,omitempty"`
	LastCycle          *CycleSummary   `json:"last_cycle,omitempty"`
}

// Service is the validator orchestrator. A single goroutine runs cycles;
// the query methods are safe to call concurrently.
type Service struct {
	store    repository.Store
	chain    chain.Client
	fetcher  dataset.Fetcher
	engine   trainer.Engine
	detector *dedupe.Detector
	selector *winner.Selector
	logger   logger.Logger

	netuid              int
	competition         model.Competition
	sampleSize          int
	duplicateSampleSize int
	blockThreshold      int64
	forceRefreshProb    float64
	fetchConcurrency    int
	maxRevealAttempts   int
	loopInterval        time.Duration
	stepTimeout         time.Duration
	cacheDir            string
	dataDir             string
	evalDir             string

	rng     *rand.Rand
	entropy io.Reader
	now     func() time.Time

	cr *commitReveal

	mu        sync.RWMutex
	started   bool
	running   bool
	phase     Phase
	lastCycle *CycleSummary

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
}

// New creates a Service. All dependencies are required.
func New(deps Dependencies, opts ...Option) (*Service, error) {
	if deps.Store == nil || deps.Chain == nil || deps.Fetcher == nil || deps.Engine == nil {
		return nil, errors.New("service: store, chain, fetcher and engine are required")
	}

	s := &Service{
		store:               deps.Store,
		chain:               deps.Chain,
		fetcher:             deps.Fetcher,
		engine:              deps.Engine,
		detector:            dedupe.NewDetector(),
		selector:            winner.NewSelector(),
		logger:              logger.Nop(),
		netuid:              DefaultNetUID,
		sampleSize:          DefaultSampleSize,
		duplicateSampleSize: DefaultDuplicateSampleSize,
		blockThreshold:      DefaultBlockThreshold,
		forceRefreshProb:    DefaultForceRefreshProb,
		fetchConcurrency:    DefaultFetchConcurrency,
		loopInterval:        DefaultLoopInterval,
		stepTimeout:         DefaultStepTimeout,
		cacheDir:            "cache",
		dataDir:             "data",
		evalDir:             "eval_data",
		rng:                 rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		entropy:             crand.Reader,
		now:                 time.Now,
		phase:               PhaseIdle,
		shutdown:            make(chan struct{}),
		done:                make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.cr = &commitReveal{
		store:             s.store,
		chain:             s.chain,
		netuid:            s.netuid,
		threshold:         s.blockThreshold,
		maxRevealAttempts: s.maxRevealAttempts,
		entropy:           s.entropy,
		now:               s.now,
		logger:            s.logger.Named("commit_reveal"),
	}
	return s, nil
}

// Start restores the commit-reveal state and recomputes every stored weight
// from its raw score under the current competition parameters.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if err := s.cr.load(ctx); err != nil {
		return err
	}
	if err := s.recomputeWeights(ctx); err != nil {
		return err
	}

	s.started = true
	s.logger.Info(ctx, "Validator started",
		logger.Int("netuid", s.netuid),
		logger.String("competition_id", s.competition.ID))
	return nil
}

func (s *Service) recomputeWeights(ctx context.Context) error {
	records, err := s.store.Scores(ctx)
	if err != nil {
		return fmt.Errorf("%w: list scores: %w", ErrStoreCorrupt, err)
	}
	params := scoring.ParamsFor(s.competition)
	id := model.Some(s.competition.ID)
	for _, r := range records {
		w := scoring.Floor(scoring.Score(model.Some(r.RawScore), params, id, id))
		if err := s.store.UpdateFinalNormalizedScore(ctx, r.UID, w); err != nil {
			return fmt.Errorf("%w: uid %d: %w", ErrStoreCorrupt, r.UID, err)
		}
	}
	s.logger.Debug(ctx, "Recomputed stored weights", logger.Int("uids", len(records)))
	return nil
}

// Run executes cycles until ctx is cancelled, Shutdown is called, or a cycle
// fails with a terminal error. Non-terminal cycle errors are logged.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.running {
		s.mu.Unlock()
		return errors.New("service: already running")
	}
	s.running = true
	s.mu.Unlock()
	defer close(s.done)
	defer s.setPhase(PhaseStopped)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.shutdown:
			cancel()
		case <-runCtx.Done():
		}
	}()

	for {
		stepCtx, stepCancel := context.WithTimeout(runCtx, s.stepTimeout)
		err := s.RunStep(stepCtx)
		stepCancel()
		if err != nil {
			if IsTerminal(err) {
				s.logger.Error(ctx, "Validator stopping on terminal error", logger.Error(err))
				return err
			}
			if runCtx.Err() == nil {
				s.logger.Warn(ctx, "Cycle ended with error", logger.Error(err))
			}
		}

		select {
		case <-runCtx.Done():
			s.logger.Info(ctx, "Validator loop stopped")
			return nil
		case <-time.After(s.loopInterval):
		}
	}
}

// Shutdown stops Run and waits for the current cycle to unwind.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() { close(s.shutdown) })

	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if !running {
		return nil
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the current phase, commit-reveal state and last cycle.
func (s *Service) Status() Status {
	st := s.cr.snapshot()

	s.mu.RLock()
	out := Status{Phase: s.phase, CompetitionID: s.competition.ID}
	if s.lastCycle != nil {
		c := *s.lastCycle
		out.LastCycle = &c
	}
	s.mu.RUnlock()

	if epoch, ok := st.LastSubmittedEpoch.Get(); ok {
		out.LastSubmittedEpoch = &epoch
	}
	if p := st.Pending; p != nil {
		out.PendingReveal = &PendingSummary{
			Epoch:       p.Epoch,
			Attempts:    p.Attempts,
			UIDs:        len(p.UIDs),
			CommittedAt: p.CommittedAt,
		}
	}
	return out
}

// Scores returns every stored score row ordered by uid.
func (s *Service) Scores(ctx context.Context) ([]model.ScoreRecord, error) {
	records, err := s.store.Scores(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UID < records[j].UID })
	return records, nil
}

// Winners returns the winning uids for a competition-day, keyed by the
// current hotkey owners. An empty competitionID means today.
func (s *Service) Winners(ctx context.Context, competitionID string) ([]int, error) {
	if competitionID == "" {
		competitionID = s.CompetitionDay()
	}
	subs, err := s.store.GetCompetitionSubmissions(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	participants, err := s.chain.Metagraph(ctx, s.netuid)
	if err != nil {
		return nil, err
	}

	owners := make(map[int]string, len(participants))
	for _, p := range participants {
		owners[p.UID] = p.Hotkey
	}
	list := make([]model.Submission, 0, len(subs))
	for _, sub := range subs {
		list = append(list, sub)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UID < list[j].UID })
	return s.selector.Select(list, owners), nil
}

// CompetitionDay is the UTC date key submissions are grouped under.
func (s *Service) CompetitionDay() string {
	return s.now().UTC().Format(competitionDayLayout)
}

func (s *Service) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Service) finishCycle(c CycleSummary) {
	s.mu.Lock()
	s.lastCycle = &c
	s.phase = PhaseIdle
	s.mu.Unlock()
}
