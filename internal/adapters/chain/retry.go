package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flockoff/validator/pkg/logger"
)

// RetryPolicy bounds CommitWithRetry.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
	MaxRetries      uint64
}

// DefaultRetryPolicy retries for up to ten minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 2 * time.Second,
		MaxInterval:     time.Minute,
		MaxElapsed:      10 * time.Minute,
		MaxRetries:      20,
	}
}

// CommitWithRetry stores a submission commitment, retrying with exponential
// backoff until it succeeds, the policy is exhausted, or ctx is cancelled.
func CommitWithRetry(ctx context.Context, c Client, netuid int, commitment string, p RetryPolicy, log logger.Logger) error {
	if log == nil {
		log = logger.Nop()
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = p.MaxElapsed

	var b backoff.BackOff = eb
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, p.MaxRetries)
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	op := func() error {
		attempt++
		return c.StoreSubmissionMetadata(ctx, netuid, commitment)
	}
	notify := func(err error, wait time.Duration) {
		log.Warn(ctx, "commitment failed; retrying",
			logger.Int("attempt", attempt), logger.Duration("wait", wait), logger.Error(err))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("commitment gave up after %d attempts: %w", attempt, err)
	}
	log.Info(ctx, "commitment stored", logger.String("commitment", commitment), logger.Int("attempts", attempt))
	return nil
}
