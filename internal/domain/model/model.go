// Package model contains domain models passed between layers.
package model

import "time"

// Score sentinels shared by the store and the orchestrator.
const (
	// DefaultRawScore marks a uid as unevaluated or invalid. It lies above any
	// sane max bench, so it normalizes to zero.
	DefaultRawScore = 999.0
	// InitialNormalizedScore is the starting weight of a fresh registration.
	InitialNormalizedScore = 1.0 / 255.0
)

// Optional holds a value that may be absent.
type Optional[T any] struct {
	Value T
	Valid bool
}

// Some wraps a present value.
func Some[T any](v T) Optional[T] { return Optional[T]{Value: v, Valid: true} }

// None returns the absent variant.
func None[T any]() Optional[T] { return Optional[T]{} }

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) { return o.Value, o.Valid }

// Participant is one registered slot in the current metagraph.
type Participant struct {
	UID     int
	Hotkey  string
	Coldkey string
}

// Metadata is the on-chain record of a participant's dataset submission.
type Metadata struct {
	Namespace     string
	Revision      string
	CompetitionID string
	Block         uint64
	Timestamp     int64
}

// Submission is one participant's entry for a competition-day.
// Block and Timestamp order submissions; lower is earlier and preferred.
type Submission struct {
	UID             int
	Hotkey          string
	Coldkey         string
	CompetitionID   string
	Block           uint64
	Timestamp       int64
	Namespace       string
	Revision        string
	Loss            Optional[float64]
	Eligible        bool
	NormalizedScore float64
}

// Before reports whether s was committed strictly earlier than o, breaking
// full ties by uid so orderings are total.
func (s Submission) Before(o Submission) bool {
	if s.Block != o.Block {
		return s.Block < o.Block
	}
	if s.Timestamp != o.Timestamp {
		return s.Timestamp < o.Timestamp
	}
	return s.UID < o.UID
}

// Competition holds immutable per-cycle scoring parameters.
type Competition struct {
	ID            string
	Bench         float64
	MinBench      float64
	MaxBench      float64
	BenchHeight   float64
	Power         float64
	Rows          int
	EvalNamespace string
	EvalRevision  string
}

// ScoreRecord is the persisted per-uid score row.
type ScoreRecord struct {
	UID             int
	Hotkey          string
	RawScore        float64
	NormalizedScore float64
	UpdatedAt       time.Time
}

// Evaluated reports whether the raw score holds a genuine loss.
func (r ScoreRecord) Evaluated() bool {
	return r.RawScore != DefaultRawScore
}

// PendingReveal is a committed weight vector awaiting reveal.
type PendingReveal struct {
	UIDs        []int     `json:"uids"`
	Weights     []float64 `json:"weights"`
	Salt        []byte    `json:"salt"`
	Epoch       uint64    `json:"epoch"`
	Attempts    int       `json:"attempts"`
	CommittedAt time.Time `json:"committed_at"`
}

// CommitState is the durable commit-reveal state restored at startup.
type CommitState struct {
	Pending            *PendingReveal
	LastSubmittedEpoch Optional[uint64]
}
