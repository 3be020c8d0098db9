package dedupe

import (
	"context"
	"sort"

	"github.com/flockoff/validator/internal/domain/model"
)

// DefaultDuplicateCount is the default shared-row threshold.
const DefaultDuplicateCount = 100

// Entry is one sampled participant dataset. A nil Rows means the dataset could
// not be read; such entries are skipped.
type Entry struct {
	UID       int
	Block     uint64
	Timestamp int64
	Rows      Set
}

// Result is the outcome of one detection pass.
type Result struct {
	// Invalid holds uids whose rows are not all in the canonical set.
	Invalid []int
	// Groups holds collusion groups, each sorted earliest submitter first.
	Groups [][]int
	// Disqualified holds every group member except the earliest.
	Disqualified []int
	// Skipped holds uids without a readable dataset.
	Skipped []int
}

// Flagged reports whether uid was found invalid or disqualified.
func (r Result) Flagged(uid int) bool {
	for _, u := range r.Invalid {
		if u == uid {
			return true
		}
	}
	for _, u := range r.Disqualified {
		if u == uid {
			return true
		}
	}
	return false
}

// Detector checks participant datasets against the canonical evaluation set
// and against each other.
type Detector struct {
	threshold int
}

// NewDetector creates a Detector.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{threshold: DefaultDuplicateCount}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect validates every entry against canonical, then walks the valid
// entries earliest submitter first. Each unprocessed entry collects every later
// unprocessed entry sharing more than the threshold; collected entries are
// processed and never anchor or join another group. Output is independent of
// input order.
func (d *Detector) Detect(ctx context.Context, canonical Set, entries []Entry) (Result, error) {
	var res Result

	valid := make([]Entry, 0, len(entries))
	for _, e := range entries {
		switch {
		case e.Rows == nil:
			res.Skipped = append(res.Skipped, e.UID)
		case !e.Rows.SubsetOf(canonical):
			res.Invalid = append(res.Invalid, e.UID)
		default:
			valid = append(valid, e)
		}
	}
	sort.Ints(res.Skipped)
	sort.Ints(res.Invalid)

	sort.Slice(valid, func(i, j int) bool { return before(valid[i], valid[j]) })

	processed := make([]bool, len(valid))
	for i := range valid {
		if processed[i] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		processed[i] = true
		group := []int{valid[i].UID}
		for j := i + 1; j < len(valid); j++ {
			if processed[j] {
				continue
			}
			if valid[i].Rows.Intersect(valid[j].Rows) > d.threshold {
				processed[j] = true
				group = append(group, valid[j].UID)
			}
		}
		if len(group) > 1 {
			res.Groups = append(res.Groups, group)
			res.Disqualified = append(res.Disqualified, group[1:]...)
		}
	}
	return res, nil
}

func before(a, b Entry) bool {
	return model.Submission{UID: a.UID, Block: a.Block, Timestamp: a.Timestamp}.
		Before(model.Submission{UID: b.UID, Block: b.Block, Timestamp: b.Timestamp})
}
