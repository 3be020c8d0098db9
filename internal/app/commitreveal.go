package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/flockoff/validator/internal/adapters/chain"
	"github.com/flockoff/validator/internal/adapters/repository"
	"github.com/flockoff/validator/internal/domain/model"
	"github.com/flockoff/validator/pkg/logger"
	"github.com/flockoff/validator/pkg/metrics"
)

// saltSize is the byte length of a commit salt.
const saltSize = 8

// Gate is one reading of the commit gate.
type Gate struct {
	Open            bool
	CurrentBlock    uint64
	NextEpoch       uint64
	BlocksRemaining int64
}

// commitReveal owns the durable commit-reveal state. Every transition is
// written to the store before memory is updated.
type commitReveal struct {
	store             repository.Store
	chain             chain.Client
	netuid            int
	threshold         int64
	maxRevealAttempts int
	entropy           io.Reader
	now               func() time.Time
	logger            logger.Logger

	mu                 sync.RWMutex
	pending            *model.PendingReveal
	lastSubmittedEpoch model.Optional[uint64]
}

func (c *commitReveal) load(ctx context.Context) error {
	st, err := c.store.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("%w: load commit state: %w", ErrStoreCorrupt, err)
	}

	c.mu.Lock()
	c.pending = st.Pending
	c.lastSubmittedEpoch = st.LastSubmittedEpoch
	c.mu.Unlock()

	metrics.UpdatePendingReveal(st.Pending != nil)
	if epoch, ok := st.LastSubmittedEpoch.Get(); ok {
		metrics.UpdateLastSubmittedEpoch(epoch)
	}
	if st.Pending != nil {
		c.logger.Info(ctx, "Resuming pending reveal",
			logger.Uint64("epoch", st.Pending.Epoch),
			logger.Int("attempts", st.Pending.Attempts))
	}
	return nil
}

// snapshot returns a copy of the current state.
func (c *commitReveal) snapshot() model.CommitState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := model.CommitState{LastSubmittedEpoch: c.lastSubmittedEpoch}
	if c.pending != nil {
		p := *c.pending
		st.Pending = &p
	}
	return st
}

// reveal submits the pending reveal, if any. Ledger failures keep the reveal
// pending; only store failures are returned.
func (c *commitReveal) reveal(ctx context.Context, log logger.Logger) error {
	c.mu.RLock()
	if c.pending == nil {
		c.mu.RUnlock()
		return nil
	}
	p := *c.pending
	c.mu.RUnlock()

	res, err := c.chain.RevealWeights(ctx, c.netuid, p.UIDs, p.Weights, p.Salt)
	if err == nil && res.Success {
		if err := c.store.ClearPendingReveal(ctx); err != nil {
			return fmt.Errorf("%w: clear pending reveal: %w", ErrStoreCorrupt, err)
		}
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()

		metrics.RecordReveal(metrics.ResultSuccess)
		metrics.UpdatePendingReveal(false)
		log.Info(ctx, "Revealed weights", logger.Uint64("epoch", p.Epoch), logger.Int("attempts", p.Attempts+1))
		return nil
	}

	if err == nil {
		err = fmt.Errorf("%w: %s", ErrChainReveal, res.Message)
	} else {
		err = fmt.Errorf("%w: %w", ErrChainReveal, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.Attempts++
	if c.maxRevealAttempts > 0 && p.Attempts >= c.maxRevealAttempts {
		if err := c.store.ClearPendingReveal(ctx); err != nil {
			return fmt.Errorf("%w: abandon pending reveal: %w", ErrStoreCorrupt, err)
		}
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()

		metrics.RecordReveal(metrics.ResultAbandoned)
		metrics.UpdatePendingReveal(false)
		log.Error(ctx, "Abandoned pending reveal",
			logger.Uint64("epoch", p.Epoch), logger.Int("attempts", p.Attempts), logger.Error(err))
		return nil
	}

	if err := c.store.SavePendingReveal(ctx, p); err != nil {
		return fmt.Errorf("%w: save pending reveal: %w", ErrStoreCorrupt, err)
	}
	c.mu.Lock()
	c.pending = &p
	c.mu.Unlock()

	metrics.RecordReveal(metrics.ResultFailure)
	log.Warn(ctx, "Reveal failed, will retry next cycle",
		logger.Uint64("epoch", p.Epoch), logger.Int("attempts", p.Attempts), logger.Error(err))
	return nil
}

// gate reads the ledger and decides whether a commit may be issued now.
// The gate stays shut while a reveal is pending or the epoch was already
// submitted.
func (c *commitReveal) gate(ctx context.Context) (Gate, error) {
	next, err := c.chain.NextEpochStartBlock(ctx, c.netuid)
	if err != nil {
		return Gate{}, err
	}
	current, err := c.chain.CurrentBlock(ctx)
	if err != nil {
		return Gate{}, err
	}

	g := Gate{CurrentBlock: current, NextEpoch: next}
	if next > current {
		g.BlocksRemaining = int64(next - current)
	}
	metrics.UpdateBlocksToEpoch(g.BlocksRemaining)

	c.mu.RLock()
	submitted := c.lastSubmittedEpoch.Valid && c.lastSubmittedEpoch.Value == next
	pending := c.pending != nil
	c.mu.RUnlock()

	g.Open = g.BlocksRemaining <= c.threshold && !submitted && !pending
	return g, nil
}

// commit issues a commit for uids/weights when the gate is open. A rejected
// commit leaves the state unchanged so the next cycle retries.
func (c *commitReveal) commit(ctx context.Context, log logger.Logger, uids []int, weights []float64) (bool, error) {
	g, err := c.gate(ctx)
	if err != nil {
		log.Warn(ctx, "Could not read commit gate", logger.Error(err))
		return false, nil
	}
	if !g.Open {
		log.Debug(ctx, "Commit gate closed",
			logger.Int64("blocks_remaining", g.BlocksRemaining), logger.Uint64("next_epoch", g.NextEpoch))
		return false, nil
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(c.entropy, salt); err != nil {
		return false, fmt.Errorf("%w: salt: %w", ErrChainCommit, err)
	}

	res, err := c.chain.CommitWeights(ctx, c.netuid, uids, weights, salt)
	if err != nil || !res.Success {
		if err == nil {
			err = fmt.Errorf("%w: %s", ErrChainCommit, res.Message)
		} else {
			err = fmt.Errorf("%w: %w", ErrChainCommit, err)
		}
		metrics.RecordCommit(metrics.ResultFailure)
		log.Warn(ctx, "Commit failed, will retry", logger.Uint64("next_epoch", g.NextEpoch), logger.Error(err))
		return false, nil
	}

	p := model.PendingReveal{
		UIDs:        append([]int(nil), uids...),
		Weights:     append([]float64(nil), weights...),
		Salt:        salt,
		Epoch:       g.NextEpoch,
		CommittedAt: c.now().UTC(),
	}
	if err := c.store.SaveCommit(ctx, p, g.NextEpoch); err != nil {
		return false, fmt.Errorf("%w: save commit: %w", ErrStoreCorrupt, err)
	}

	c.mu.Lock()
	c.pending = &p
	c.lastSubmittedEpoch = model.Some(g.NextEpoch)
	c.mu.Unlock()

	metrics.RecordCommit(metrics.ResultSuccess)
	metrics.UpdatePendingReveal(true)
	metrics.UpdateLastSubmittedEpoch(g.NextEpoch)
	log.Info(ctx, "Committed weights",
		logger.Uint64("epoch", g.NextEpoch), logger.Int("uids", len(uids)))
	return true, nil
}
