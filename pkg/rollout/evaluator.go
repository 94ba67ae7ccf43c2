package rollout

import (
	"github.com/drover-io/drover/pkg/types"
)

// Decision is the outcome of evaluating a running group
type Decision int

const (
	// DecisionHold leaves the group running; neither condition is met.
	DecisionHold Decision = iota
	// DecisionAdvance marks the group finished and starts the next one.
	DecisionAdvance
	// DecisionFail marks the group and its rollout as failed.
	DecisionFail
)

func (d Decision) String() string {
	switch d {
	case DecisionHold:
		return "hold"
	case DecisionAdvance:
		return "advance"
	case DecisionFail:
		return "fail"
	}
	return "unknown"
}

// Evaluator inspects a running group's action outcomes against its
// success and error thresholds. It is pure: callers pass the group's
// actions and apply the returned decision.
type Evaluator struct{}

// NewEvaluator creates a new evaluator
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate decides whether a group advances, fails or is held, and
// returns the per-state action counts for the group's denormalized
// counters.
//
// Thresholds use integer arithmetic to keep rounding explicit: the
// success condition THRESHOLD p is met once finished*100 >= p*total, and
// the error condition THRESHOLD e is met once errored*100 > e*total, so
// an error threshold of zero fails the group on the first errored
// action. Canceled actions count as neither finished nor errored; they
// reduce the reachable success percentage instead.
func (e *Evaluator) Evaluate(group *types.RolloutGroup, actions []*types.Action) (Decision, map[types.ActionState]int) {
	counts := make(map[types.ActionState]int, len(actions))
	for _, a := range actions {
		counts[a.Status]++
	}

	total := group.TotalTargets
	if total == 0 {
		// Every member already held the distribution set; nothing to
		// wait for.
		return DecisionAdvance, counts
	}

	errored := counts[types.ActionStateError]
	if errored*100 > group.ErrorThreshold*total {
		return DecisionFail, counts
	}

	finished := counts[types.ActionStateFinished]
	if finished*100 >= group.SuccessThreshold*total {
		return DecisionAdvance, counts
	}

	return DecisionHold, counts
}
