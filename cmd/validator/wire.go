package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/flockoff/validator/internal/adapters/chain"
	"github.com/flockoff/validator/internal/adapters/dataset"
	"github.com/flockoff/validator/internal/adapters/repository"
	"github.com/flockoff/validator/internal/adapters/trainer"
	service "github.com/flockoff/validator/internal/app"
	"github.com/flockoff/validator/internal/domain/dedupe"
	"github.com/flockoff/validator/internal/domain/winner"
)

func newChainClient(e *env) *chain.HTTPClient {
	return chain.NewHTTPClient(e.cfg.ChainURL,
		chain.WithHTTPClient(&http.Client{Timeout: e.cfg.ChainTimeout}),
		chain.WithRateLimit(e.cfg.ChainRPS, e.cfg.ChainBurst),
		chain.WithLogger(e.log.Named("chain")),
	)
}

// newService opens the store and builds the orchestrator. The caller owns the
// returned store.
func newService(ctx context.Context, e *env) (*service.Service, repository.Store, error) {
	cfg := e.cfg

	store, err := repository.Open(ctx, cfg.DBPath, repository.WithLogger(e.log.Named("store")))
	if err != nil {
		return nil, nil, fmt.Errorf("open score store: %w", err)
	}
	engine, err := trainer.NewCommandEngine(cfg.TrainCommand, trainer.WithLogger(e.log.Named("trainer")))
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	fetcher := dataset.NewHTTPFetcher(cfg.DatasetURL, dataset.WithLogger(e.log.Named("dataset")))

	svc, err := service.New(service.Dependencies{
		Store:   store,
		Chain:   newChainClient(e),
		Fetcher: fetcher,
		Engine:  engine,
	},
		service.WithLogger(e.log.Named("validator")),
		service.WithNetUID(cfg.NetUID),
		service.WithCompetition(cfg.Competition()),
		service.WithSampleSizes(cfg.DuplicateSampleSize, cfg.SampleSize),
		service.WithBlockThreshold(cfg.BlockThreshold),
		service.WithDirs(cfg.CacheDir, cfg.DataDir, cfg.EvalDir),
		service.WithForceRefreshProbability(cfg.ForceRefreshProbability),
		service.WithFetchConcurrency(cfg.FetchConcurrency),
		service.WithMaxRevealAttempts(cfg.MaxRevealAttempts),
		service.WithLoopInterval(cfg.LoopInterval),
		service.WithStepTimeout(cfg.StepTimeout),
		service.WithDetector(dedupe.NewDetector(dedupe.WithThreshold(cfg.DuplicateThreshold))),
		service.WithSelector(winner.NewSelector(winner.WithLossThresholdPct(cfg.WinnerLossSlack))),
	)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return svc, store, nil
}
