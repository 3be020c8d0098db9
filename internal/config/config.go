// Package config defines validator configuration structures and loading hooks.
//
// Conventions:
// - Keys are flat snake_case so the same name works in YAML and in FLOCK_* env vars.
// - New(ctx) returns a Config populated with defaults; Load layers file and env on top.
package config

import (
	"context"
	"time"

	"github.com/flockoff/validator/internal/domain/model"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	// LogFormat selects text or json log lines.
	LogFormat string `koanf:"log_format" validate:"oneof=text json"`

	// Addr configures the HTTP status listen address, e.g. ":9090".
	Addr string `koanf:"addr" validate:"required"`

	// NetUID is the subnet whose epoch boundaries gate commits.
	NetUID int `koanf:"netuid" validate:"min=0"`
	// ChainURL is the base URL of the ledger gateway.
	ChainURL string `koanf:"chain_url" validate:"required,url"`
	// ChainRPS and ChainBurst throttle gateway calls.
	ChainRPS   float64 `koanf:"chain_rps" validate:"gt=0"`
	ChainBurst int     `koanf:"chain_burst" validate:"min=1"`
	// ChainTimeout bounds a single gateway request.
	ChainTimeout time.Duration `koanf:"chain_timeout" validate:"gt=0"`

	// DatasetURL is the base URL datasets are resolved against.
	DatasetURL string `koanf:"dataset_url" validate:"required,url"`

	// DBPath locates the sqlite score store.
	DBPath string `koanf:"db_path" validate:"required"`
	// CacheDir, DataDir and EvalDir are the training cache, participant dataset root
	// and evaluation dataset directory.
	CacheDir string `koanf:"cache_dir" validate:"required"`
	DataDir  string `koanf:"data_dir" validate:"required"`
	EvalDir  string `koanf:"eval_dir" validate:"required"`

	// SampleSize is the number of participants trained per cycle.
	SampleSize int `koanf:"sample_size" validate:"min=1"`
	// DuplicateSampleSize is the number of participants checked for collusion per cycle.
	DuplicateSampleSize int `koanf:"duplicate_sample_size" validate:"min=1"`
	// BlockThreshold opens the commit gate this many blocks before the epoch boundary.
	BlockThreshold int64 `koanf:"block_threshold" validate:"min=1"`
	// LoopInterval is the pause between cycles.
	LoopInterval time.Duration `koanf:"loop_interval" validate:"gte=0"`
	// StepTimeout bounds one cycle.
	StepTimeout time.Duration `koanf:"step_timeout" validate:"gt=0"`
	// ForceRefreshProbability is the chance a cached participant dataset is re-downloaded.
	ForceRefreshProbability float64 `koanf:"force_refresh_probability" validate:"min=0,max=1"`
	// FetchConcurrency bounds parallel participant dataset downloads.
	FetchConcurrency int `koanf:"fetch_concurrency" validate:"min=1"`
	// DuplicateThreshold is the shared-row count above which two datasets collude.
	DuplicateThreshold int `koanf:"duplicate_threshold" validate:"min=1"`
	// WinnerLossSlack is the fraction above the best loss that still wins.
	WinnerLossSlack float64 `koanf:"winner_loss_slack" validate:"min=0"`
	// MaxRevealAttempts drops a pending reveal after that many failures; 0 retries forever.
	MaxRevealAttempts int `koanf:"max_reveal_attempts" validate:"min=0"`

	// Competition parameters.
	CompetitionID string  `koanf:"competition_id" validate:"required"`
	Bench         float64 `koanf:"bench" validate:"gt=0"`
	MinBench      float64 `koanf:"min_bench" validate:"gt=0"`
	MaxBench      float64 `koanf:"max_bench" validate:"gtfield=MinBench"`
	BenchHeight   float64 `koanf:"bench_height" validate:"min=0,max=1"`
	Power         float64 `koanf:"power" validate:"gt=0"`
	Rows          int     `koanf:"rows" validate:"min=1"`
	EvalNamespace string  `koanf:"eval_namespace" validate:"required"`
	EvalRevision  string  `koanf:"eval_revision" validate:"required"`

	// TrainCommand is the training executable and its leading arguments.
	TrainCommand string `koanf:"train_command" validate:"required"`
}

// New creates a Config with defaults. Context is accepted first to satisfy the
// project-wide convention.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:                "info",
		LogFormat:               "text",
		Addr:                    ":9090",
		NetUID:                  96,
		ChainURL:                "http://127.0.0.1:9944",
		ChainRPS:                5,
		ChainBurst:              5,
		ChainTimeout:            30 * time.Second,
		DatasetURL:              "https://huggingface.co",
		DBPath:                  "scores.db",
		CacheDir:                "cache",
		DataDir:                 "data",
		EvalDir:                 "eval_data",
		SampleSize:              10,
		DuplicateSampleSize:     50,
		BlockThreshold:          50,
		LoopInterval:            30 * time.Second,
		StepTimeout:             2 * time.Hour,
		ForceRefreshProbability: 0.2,
		FetchConcurrency:        4,
		DuplicateThreshold:      100,
		WinnerLossSlack:         0.1,
		MaxRevealAttempts:       0,
		CompetitionID:           "1",
		Bench:                   0.16,
		MinBench:                0.14,
		MaxBench:                0.2,
		BenchHeight:             0.16,
		Power:                   2,
		Rows:                    250,
		EvalNamespace:           "flock-io/eval",
		EvalRevision:            "main",
		TrainCommand:            "flock-train",
	}
}

// Competition returns the scoring parameters of the configured competition.
func (c *Config) Competition() model.Competition {
	return model.Competition{
		ID:            c.CompetitionID,
		Bench:         c.Bench,
		MinBench:      c.MinBench,
		MaxBench:      c.MaxBench,
		BenchHeight:   c.BenchHeight,
		Power:         c.Power,
		Rows:          c.Rows,
		EvalNamespace: c.EvalNamespace,
		EvalRevision:  c.EvalRevision,
	}
}
