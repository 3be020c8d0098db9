// Package winner selects the ranked winners of a competition-day.
package winner

import (
	"sort"

	"github.com/flockoff/validator/internal/domain/model"
)

// LossThresholdPct is the default slack above the best loss that still qualifies.
const LossThresholdPct = 0.1

// Option applies a configuration option to the Selector.
type Option func(*Selector)

// WithLossThresholdPct overrides the eligibility slack. Negative values are ignored.
func WithLossThresholdPct(pct float64) Option {
	return func(s *Selector) {
		if pct >= 0 {
			s.thresholdPct = pct
		}
	}
}

// Selector picks winners from scored submissions.
type Selector struct {
	thresholdPct float64
}

// NewSelector creates a Selector.
func NewSelector(opts ...Option) *Selector {
	s := &Selector{thresholdPct: LossThresholdPct}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns winner uids in reward order, or nil when nothing qualifies.
// owners maps each uid to the hotkey currently registered at that slot.
func (s *Selector) Select(subs []model.Submission, owners map[int]string) []int {
	scored := make([]model.Submission, 0, len(subs))
	for _, sub := range subs {
		if sub.Loss.Valid && sub.Eligible {
			scored = append(scored, sub)
		}
	}
	if len(scored) == 0 {
		return nil
	}

	best := scored[0].Loss.Value
	for _, sub := range scored[1:] {
		if sub.Loss.Value < best {
			best = sub.Loss.Value
		}
	}
	threshold := best * (1 + s.thresholdPct)

	var eligible []model.Submission
	for _, sub := range scored {
		if sub.Loss.Value <= threshold {
			eligible = append(eligible, sub)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Before(eligible[j]) })

	// Replacement candidates, best loss first.
	byLoss := append([]model.Submission(nil), scored...)
	sort.Slice(byLoss, func(i, j int) bool {
		if byLoss[i].Loss.Value != byLoss[j].Loss.Value {
			return byLoss[i].Loss.Value < byLoss[j].Loss.Value
		}
		return byLoss[i].UID < byLoss[j].UID
	})

	ownerUIDs := make([]int, 0, len(owners))
	for uid := range owners {
		ownerUIDs = append(ownerUIDs, uid)
	}
	sort.Ints(ownerUIDs)

	r := &reconciler{
		owners:    owners,
		ownerUIDs: ownerUIDs,
		byLoss:    byLoss,
		taken:     make(map[int]bool, len(eligible)),
	}
	for _, sub := range eligible {
		r.taken[sub.UID] = true
	}

	winners := make([]int, 0, len(eligible))
	for _, sub := range eligible {
		if r.current(sub) {
			winners = append(winners, sub.UID)
			continue
		}
		delete(r.taken, sub.UID)
		if uid, ok := r.replace(sub); ok {
			r.taken[uid] = true
			winners = append(winners, uid)
		}
	}
	return winners
}

type reconciler struct {
	owners    map[int]string
	ownerUIDs []int
	byLoss    []model.Submission
	// taken holds uids already placed or still queued as winners.
	taken map[int]bool
}

// current reports whether sub's hotkey still owns its slot.
func (r *reconciler) current(sub model.Submission) bool {
	hk, ok := r.owners[sub.UID]
	return ok && hk == sub.Hotkey
}

// replace finds a substitute for a submission whose slot changed hands.
func (r *reconciler) replace(lost model.Submission) (int, bool) {
	// The identity moved to another slot.
	for _, uid := range r.ownerUIDs {
		if r.owners[uid] == lost.Hotkey && !r.taken[uid] {
			return uid, true
		}
	}
	// Best submission from the same owner.
	for _, sub := range r.byLoss {
		if sub.Coldkey == lost.Coldkey && r.open(sub, lost) {
			return sub.UID, true
		}
	}
	// Best submission overall.
	for _, sub := range r.byLoss {
		if r.open(sub, lost) {
			return sub.UID, true
		}
	}
	return 0, false
}

func (r *reconciler) open(sub, lost model.Submission) bool {
	return sub.UID != lost.UID && !r.taken[sub.UID] && r.current(sub)
}
