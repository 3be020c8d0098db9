// Package trainer runs the external training procedure that yields an
// evaluation loss for one participant dataset.
package trainer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/flockoff/validator/pkg/logger"
)

// fatalMarker in the error output of a failed run signals an accelerator fault.
const fatalMarker = "CUDA"

// Request describes one evaluation run.
type Request struct {
	Seed        uint32
	Benchmark   float64
	Rows        int
	CacheDir    string
	DatasetDir  string
	EvalDataDir string
}

// Engine evaluates a dataset and returns its loss. Errors wrap ErrTraining,
// or ErrFatal when the process must not continue.
type Engine interface {
	Evaluate(ctx context.Context, req Request) (float64, error)
}

// Option applies a configuration option to the CommandEngine.
type Option func(*CommandEngine)

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return func(e *CommandEngine) {
		if l != nil {
			e.logger = l
		}
	}
}

// CommandEngine runs an external training command. The command must print a
// final JSON line of the form {"loss": <float>} on stdout.
type CommandEngine struct {
	argv   []string
	logger logger.Logger
}

var _ Engine = (*CommandEngine)(nil)

// NewCommandEngine creates an engine for a whitespace-separated command line.
func NewCommandEngine(command string, opts ...Option) (*CommandEngine, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrTraining)
	}
	e := &CommandEngine{argv: argv, logger: logger.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Evaluate implements Engine.
func (e *CommandEngine) Evaluate(ctx context.Context, req Request) (float64, error) {
	args := append(append([]string(nil), e.argv[1:]...),
		"--seed", strconv.FormatUint(uint64(req.Seed), 10),
		"--benchmark", strconv.FormatFloat(req.Benchmark, 'g', -1, 64),
		"--rows", strconv.Itoa(req.Rows),
		"--cache-dir", req.CacheDir,
		"--data-dir", req.DatasetDir,
		"--eval-data-dir", req.EvalDataDir,
	)
	cmd := exec.CommandContext(ctx, e.argv[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}
	if err != nil {
		// Only a failed run's error output can carry an accelerator fault.
		if strings.Contains(stderr.String(), fatalMarker) {
			return 0, fmt.Errorf("%w: %w: %s", ErrFatal, err, tail(stderr.String()))
		}
		return 0, fmt.Errorf("%w: %w: %s", ErrTraining, err, tail(stderr.String()))
	}

	loss, err := parseLoss(stdout.Bytes())
	if err != nil {
		return 0, err
	}
	e.logger.Debug(ctx, "training finished", logger.Float64("loss", loss), logger.String("data_dir", req.DatasetDir))
	return loss, nil
}

type lossLine struct {
	Loss *float64 `json:"loss"`
}

// parseLoss returns the loss from the last {"loss": x} line.
func parseLoss(out []byte) (float64, error) {
	var found *float64
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var l lossLine
		if json.Unmarshal([]byte(line), &l) == nil && l.Loss != nil {
			found = l.Loss
		}
	}
	if found == nil {
		return 0, fmt.Errorf("%w: no loss reported", ErrTraining)
	}
	return *found, nil
}

func tail(s string) string {
	const n = 400
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}

// IsFatal reports whether err must terminate the process.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
