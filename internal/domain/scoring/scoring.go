// Package scoring maps an evaluation loss onto a bounded weight.
package scoring

import (
	"math"

	"github.com/flockoff/validator/internal/domain/model"
)

// Scoring constants.
const (
	// DefaultNormalizedScore is returned whenever the inputs cannot be scored.
	DefaultNormalizedScore = 0.0
	// MinWeightThreshold is the dust floor applied to final weights.
	MinWeightThreshold = 1e-6
)

// Params are the competition parameters a score depends on. Each may be absent.
type Params struct {
	Bench       model.Optional[float64]
	MinBench    model.Optional[float64]
	MaxBench    model.Optional[float64]
	Power       model.Optional[float64]
	BenchHeight float64
}

// ParamsFor lifts a loaded competition into scoring parameters.
func ParamsFor(c model.Competition) Params {
	return Params{
		Bench:       model.Some(c.Bench),
		MinBench:    model.Some(c.MinBench),
		MaxBench:    model.Some(c.MaxBench),
		Power:       model.Some(c.Power),
		BenchHeight: c.BenchHeight,
	}
}

// Score normalizes loss into [0,1]. Lower loss scores higher. It never fails:
// inputs that cannot be scored map to 0 (absent loss) or DefaultNormalizedScore.
func Score(loss model.Optional[float64], p Params, submittedID, expectedID model.Optional[string]) float64 {
	l, ok := loss.Get()
	if !ok {
		return 0
	}
	power, ok := p.Power.Get()
	if !ok || power <= 0 {
		return DefaultNormalizedScore
	}
	expected, ok := expectedID.Get()
	if !ok {
		return DefaultNormalizedScore
	}
	if submitted, ok := submittedID.Get(); !ok || submitted != expected {
		return DefaultNormalizedScore
	}
	bench, ok := p.Bench.Get()
	if !ok || bench <= 0 {
		return DefaultNormalizedScore
	}
	minBench, okMin := p.MinBench.Get()
	maxBench, okMax := p.MaxBench.Get()
	if !okMin || !okMax || minBench >= maxBench {
		return DefaultNormalizedScore
	}

	h := p.BenchHeight
	switch {
	case l < minBench:
		return 1
	case l > maxBench:
		return 0
	case l <= bench:
		if bench == minBench {
			return h
		}
		return clamp((1-h)*math.Pow((l-bench)/(minBench-bench), power) + h)
	default:
		if bench == maxBench {
			return h
		}
		return clamp(-h*math.Pow((l-bench)/(maxBench-bench), power) + h)
	}
}

// Floor zeroes a weight below MinWeightThreshold.
func Floor(w float64) float64 {
	if w < MinWeightThreshold {
		return 0
	}
	return w
}

// FloorAll applies Floor to every weight in place and returns ws.
func FloorAll(ws []float64) []float64 {
	for i, w := range ws {
		ws[i] = Floor(w)
	}
	return ws
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
