// Package testutil holds in-memory stand-ins for the ledger, dataset host and
// training engine.
package testutil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/flockoff/validator/internal/adapters/chain"
	"github.com/flockoff/validator/internal/adapters/dataset"
	"github.com/flockoff/validator/internal/adapters/trainer"
	"github.com/flockoff/validator/internal/domain/model"
)

// WeightCall records one commit or reveal.
type WeightCall struct {
	UIDs    []int
	Weights []float64
	Salt    []byte
}

// Chain is a scriptable ledger.
type Chain struct {
	mu sync.Mutex

	block        uint64
	nextEpoch    uint64
	participants []model.Participant
	metadata     map[string]model.Metadata
	commitments  map[string]string

	commitReject string
	revealReject string
	metagraphErr error

	commits []WeightCall
	reveals []WeightCall
}

var _ chain.Client = (*Chain)(nil)

// NewChain creates a ledger at block with the next epoch starting at nextEpoch.
func NewChain(block, nextEpoch uint64) *Chain {
	return &Chain{
		block:       block,
		nextEpoch:   nextEpoch,
		metadata:    make(map[string]model.Metadata),
		commitments: make(map[string]string),
	}
}

// SetBlock moves the ledger to block.
func (c *Chain) SetBlock(block uint64) {
	c.mu.Lock()
	c.block = block
	c.mu.Unlock()
}

// SetNextEpoch moves the next epoch boundary.
func (c *Chain) SetNextEpoch(block uint64) {
	c.mu.Lock()
	c.nextEpoch = block
	c.mu.Unlock()
}

// SetParticipants replaces the metagraph.
func (c *Chain) SetParticipants(ps ...model.Participant) {
	c.mu.Lock()
	c.participants = append([]model.Participant(nil), ps...)
	c.mu.Unlock()
}

// SetMetadata publishes a submission for hotkey.
func (c *Chain) SetMetadata(hotkey string, md model.Metadata) {
	c.mu.Lock()
	c.metadata[hotkey] = md
	c.mu.Unlock()
}

// RejectCommits makes commits fail with msg; an empty msg accepts them again.
func (c *Chain) RejectCommits(msg string) {
	c.mu.Lock()
	c.commitReject = msg
	c.mu.Unlock()
}

// RejectReveals makes reveals fail with msg; an empty msg accepts them again.
func (c *Chain) RejectReveals(msg string) {
	c.mu.Lock()
	c.revealReject = msg
	c.mu.Unlock()
}

// FailMetagraph makes Metagraph return err.
func (c *Chain) FailMetagraph(err error) {
	c.mu.Lock()
	c.metagraphErr = err
	c.mu.Unlock()
}

// Commits returns every accepted or rejected commit call.
func (c *Chain) Commits() []WeightCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WeightCall(nil), c.commits...)
}

// Reveals returns every reveal call.
func (c *Chain) Reveals() []WeightCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WeightCall(nil), c.reveals...)
}

// Commitment returns the stored commitment string for hotkey.
func (c *Chain) Commitment(hotkey string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.commitments[hotkey]
	return s, ok
}

func (c *Chain) CurrentBlock(_ context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block, nil
}

func (c *Chain) NextEpochStartBlock(_ context.Context, _ int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextEpoch, nil
}

func (c *Chain) Metagraph(_ context.Context, _ int) ([]model.Participant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metagraphErr != nil {
		return nil, c.metagraphErr
	}
	return append([]model.Participant(nil), c.participants...), nil
}

func (c *Chain) SubmissionMetadata(_ context.Context, _ int, hotkey string) (model.Optional[model.Metadata], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	md, ok := c.metadata[hotkey]
	if !ok {
		return model.None[model.Metadata](), nil
	}
	return model.Some(md), nil
}

func (c *Chain) CommitWeights(_ context.Context, _ int, uids []int, weights []float64, salt []byte) (chain.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits = append(c.commits, copyCall(uids, weights, salt))
	if c.commitReject != "" {
		return chain.Result{Success: false, Message: c.commitReject}, nil
	}
	return chain.Result{Success: true}, nil
}

func (c *Chain) RevealWeights(_ context.Context, _ int, uids []int, weights []float64, salt []byte) (chain.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reveals = append(c.reveals, copyCall(uids, weights, salt))
	if c.revealReject != "" {
		return chain.Result{Success: false, Message: c.revealReject}, nil
	}
	return chain.Result{Success: true}, nil
}

func (c *Chain) StoreSubmissionMetadata(_ context.Context, _ int, commitment string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// The fake has a single signing identity.
	c.commitments["self"] = commitment
	return nil
}

func copyCall(uids []int, weights []float64, salt []byte) WeightCall {
	return WeightCall{
		UIDs:    append([]int(nil), uids...),
		Weights: append([]float64(nil), weights...),
		Salt:    append([]byte(nil), salt...),
	}
}

// ErrNoDataset is returned by Fetcher for unknown repositories.
var ErrNoDataset = errors.New("testutil: no such dataset")

// Fetcher serves datasets from memory, writing them as data.jsonl.
type Fetcher struct {
	mu       sync.Mutex
	datasets map[string][]string
	fetches  map[string]int
}

var _ dataset.Fetcher = (*Fetcher)(nil)

// NewFetcher creates an empty dataset host.
func NewFetcher() *Fetcher {
	return &Fetcher{datasets: make(map[string][]string), fetches: make(map[string]int)}
}

// Put publishes rows under namespace@revision.
func (f *Fetcher) Put(namespace, revision string, rows ...string) {
	f.mu.Lock()
	f.datasets[namespace+"@"+revision] = rows
	f.mu.Unlock()
}

// Fetches returns how many times namespace@revision was downloaded.
func (f *Fetcher) Fetches(namespace, revision string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[namespace+"@"+revision]
}

func (f *Fetcher) Fetch(_ context.Context, namespace, revision, destDir string, forceRefresh bool) error {
	f.mu.Lock()
	rows, ok := f.datasets[namespace+"@"+revision]
	f.mu.Unlock()
	if !ok {
		return ErrNoDataset
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(destDir, dataset.FileName)
	if !forceRefresh {
		if _, err := os.Stat(dest); err == nil {
			return nil
		}
	}

	f.mu.Lock()
	f.fetches[namespace+"@"+revision]++
	f.mu.Unlock()
	return os.WriteFile(dest, []byte(strings.Join(rows, "\n")+"\n"), 0o644)
}

// Engine returns preset losses keyed by the base name of the dataset directory.
type Engine struct {
	mu     sync.Mutex
	losses map[string]float64
	errs   map[string]error
	calls  []trainer.Request
	hook   func(trainer.Request)
}

var _ trainer.Engine = (*Engine)(nil)

// NewEngine creates an engine with no preset results.
func NewEngine() *Engine {
	return &Engine{losses: make(map[string]float64), errs: make(map[string]error)}
}

// SetLoss makes datasets in a directory named dir score loss.
func (e *Engine) SetLoss(dir string, loss float64) {
	e.mu.Lock()
	e.losses[dir] = loss
	e.mu.Unlock()
}

// SetError makes datasets in a directory named dir fail with err.
func (e *Engine) SetError(dir string, err error) {
	e.mu.Lock()
	e.errs[dir] = err
	e.mu.Unlock()
}

// OnEvaluate runs fn after every evaluation.
func (e *Engine) OnEvaluate(fn func(trainer.Request)) {
	e.mu.Lock()
	e.hook = fn
	e.mu.Unlock()
}

// Calls returns every request seen.
func (e *Engine) Calls() []trainer.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]trainer.Request(nil), e.calls...)
}

func (e *Engine) Evaluate(_ context.Context, req trainer.Request) (float64, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req)
	key := filepath.Base(req.DatasetDir)
	loss, ok := e.losses[key]
	err := e.errs[key]
	hook := e.hook
	e.mu.Unlock()

	if hook != nil {
		defer hook(req)
	}
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, trainer.ErrTraining
	}
	return loss, nil
}
