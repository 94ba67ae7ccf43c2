package rollout

import (
	"testing"

	"github.com/drover-io/drover/pkg/types"
	"github.com/stretchr/testify/assert"
)

func actionsInStates(states map[types.ActionState]int) []*types.Action {
	var actions []*types.Action
	for state, n := range states {
		for i := 0; i < n; i++ {
			actions = append(actions, &types.Action{Status: state})
		}
	}
	return actions
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name             string
		total            int
		successThreshold int
		errorThreshold   int
		states           map[types.ActionState]int
		want             Decision
	}{
		{
			name:  "empty group advances",
			total: 0,
			want:  DecisionAdvance,
		},
		{
			name:             "all running holds",
			total:            4,
			successThreshold: 50,
			errorThreshold:   100,
			states:           map[types.ActionState]int{types.ActionStateRunning: 4},
			want:             DecisionHold,
		},
		{
			name:             "half finished meets 50 percent",
			total:            4,
			successThreshold: 50,
			errorThreshold:   100,
			states: map[types.ActionState]int{
				types.ActionStateFinished: 2,
				types.ActionStateRunning:  2,
			},
			want: DecisionAdvance,
		},
		{
			name:             "just below threshold holds",
			total:            3,
			successThreshold: 50,
			errorThreshold:   100,
			states: map[types.ActionState]int{
				types.ActionStateFinished: 1,
				types.ActionStateRunning:  2,
			},
			want: DecisionHold,
		},
		{
			name:             "threshold 100 needs every action finished",
			total:            4,
			successThreshold: 100,
			errorThreshold:   100,
			states: map[types.ActionState]int{
				types.ActionStateFinished: 3,
				types.ActionStateError:    1,
			},
			want: DecisionHold,
		},
		{
			name:             "error threshold zero fails on first error",
			total:            10,
			successThreshold: 50,
			errorThreshold:   0,
			states: map[types.ActionState]int{
				types.ActionStateError:   1,
				types.ActionStateRunning: 9,
			},
			want: DecisionFail,
		},
		{
			name:             "errors at threshold do not fail",
			total:            10,
			successThreshold: 50,
			errorThreshold:   20,
			states: map[types.ActionState]int{
				types.ActionStateError:   2,
				types.ActionStateRunning: 8,
			},
			want: DecisionHold,
		},
		{
			name:             "errors above threshold fail",
			total:            10,
			successThreshold: 50,
			errorThreshold:   20,
			states: map[types.ActionState]int{
				types.ActionStateError:   3,
				types.ActionStateRunning: 7,
			},
			want: DecisionFail,
		},
		{
			name:             "error condition wins over success",
			total:            10,
			successThreshold: 50,
			errorThreshold:   10,
			states: map[types.ActionState]int{
				types.ActionStateFinished: 7,
				types.ActionStateError:    3,
			},
			want: DecisionFail,
		},
		{
			name:             "canceled actions reduce reachable success",
			total:            4,
			successThreshold: 100,
			errorThreshold:   100,
			states: map[types.ActionState]int{
				types.ActionStateFinished: 3,
				types.ActionStateCanceled: 1,
			},
			want: DecisionHold,
		},
		{
			name:             "success threshold zero advances immediately",
			total:            4,
			successThreshold: 0,
			errorThreshold:   100,
			states:           map[types.ActionState]int{types.ActionStateRunning: 4},
			want:             DecisionAdvance,
		},
	}

	evaluator := NewEvaluator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			group := &types.RolloutGroup{
				TotalTargets:     tt.total,
				SuccessThreshold: tt.successThreshold,
				ErrorThreshold:   tt.errorThreshold,
			}
			got, counts := evaluator.Evaluate(group, actionsInStates(tt.states))
			assert.Equal(t, tt.want, got, "decision")
			for state, n := range tt.states {
				assert.Equal(t, n, counts[state], "count for %s", state)
			}
		})
	}
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "hold", DecisionHold.String())
	assert.Equal(t, "advance", DecisionAdvance.String())
	assert.Equal(t, "fail", DecisionFail.String())
}
