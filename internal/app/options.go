package service

import (
	"io"
	"math/rand/v2"
	"time"

	"github.com/flockoff/validator/internal/domain/dedupe"
	"github.com/flockoff/validator/internal/domain/model"
	"github.com/flockoff/validator/internal/domain/winner"
	"github.com/flockoff/validator/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithNetUID sets the subnet the validator scores.
func WithNetUID(netuid int) Option {
	return func(s *Service) {
		if netuid >= 0 {
			s.netuid = netuid
		}
	}
}

// WithCompetition sets the competition parameters.
func WithCompetition(c model.Competition) Option {
	return func(s *Service) {
		s.competition = c
	}
}

// WithSampleSizes sets how many participants are checked for duplicates and
// how many of those are trained each cycle.
func WithSampleSizes(duplicate, eval int) Option {
	return func(s *Service) {
		if duplicate > 0 {
			s.duplicateSampleSize = duplicate
		}
		if eval > 0 {
			s.sampleSize = eval
		}
	}
}

// WithBlockThreshold sets how close to the epoch boundary the commit gate opens.
func WithBlockThreshold(blocks int64) Option {
	return func(s *Service) {
		if blocks > 0 {
			s.blockThreshold = blocks
		}
	}
}

// WithDirs sets the training cache, participant data root and evaluation dataset directories.
func WithDirs(cacheDir, dataDir, evalDir string) Option {
	return func(s *Service) {
		if cacheDir != "" {
			s.cacheDir = cacheDir
		}
		if dataDir != "" {
			s.dataDir = dataDir
		}
		if evalDir != "" {
			s.evalDir = evalDir
		}
	}
}

// WithForceRefreshProbability sets the chance a cached dataset is re-downloaded.
func WithForceRefreshProbability(p float64) Option {
	return func(s *Service) {
		if p >= 0 && p <= 1 {
			s.forceRefreshProb = p
		}
	}
}

// WithFetchConcurrency bounds parallel dataset downloads.
func WithFetchConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.fetchConcurrency = n
		}
	}
}

// WithMaxRevealAttempts drops a pending reveal after n failures; 0 never drops.
func WithMaxRevealAttempts(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxRevealAttempts = n
		}
	}
}

// WithLoopInterval sets the pause between cycles.
func WithLoopInterval(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.loopInterval = d
		}
	}
}

// WithStepTimeout bounds a single cycle.
func WithStepTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.stepTimeout = d
		}
	}
}

// WithRand sets the source used for sampling and refresh decisions.
func WithRand(r *rand.Rand) Option {
	return func(s *Service) {
		if r != nil {
			s.rng = r
		}
	}
}

// WithEntropy sets the reader salts and training seeds are drawn from.
func WithEntropy(r io.Reader) Option {
	return func(s *Service) {
		if r != nil {
			s.entropy = r
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDetector overrides the duplicate detector.
func WithDetector(d *dedupe.Detector) Option {
	return func(s *Service) {
		if d != nil {
			s.detector = d
		}
	}
}

// WithSelector overrides the winner selector.
func WithSelector(sel *winner.Selector) Option {
	return func(s *Service) {
		if sel != nil {
			s.selector = sel
		}
	}
}
