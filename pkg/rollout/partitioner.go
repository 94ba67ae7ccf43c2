package rollout

import (
	"fmt"
	"sort"
	"time"

	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/query"
	"github.com/drover-io/drover/pkg/storage"
	"github.com/drover-io/drover/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Definition describes a rollout to create. Either GroupCount (equal
// split) or Groups (explicit per-group percentages of the remaining
// population) must be set.
type Definition struct {
	Name        string
	Description string
	SetID       string
	Query       string
	ForceType   types.ForceType
	GroupCount  int
	Groups      []types.GroupSpec

	// Default conditions for groups that do not override them.
	SuccessThreshold int
	ErrorThreshold   int
}

// Partitioner splits a target population into an ordered sequence of
// disjoint rollout groups. It persists group membership but never
// creates actions; actions are created when a group starts.
type Partitioner struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewPartitioner creates a new partitioner
func NewPartitioner(store storage.Store) *Partitioner {
	return &Partitioner{
		store:  store,
		logger: log.WithComponent("partitioner"),
	}
}

// Partition materializes the rollout's groups from the targets matching
// the filter. Membership is assigned in ascending target ID order so
// repeated creation over the same population is reproducible.
func (p *Partitioner) Partition(rollout *types.Rollout, def Definition, filter *query.Filter) ([]*types.RolloutGroup, error) {
	targets, err := p.store.ListTargets(rollout.Tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}

	var members []string
	for _, t := range targets {
		if filter.Match(t) {
			members = append(members, t.ID)
		}
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("query %q: %w", def.Query, types.ErrEmptyRollout)
	}
	sort.Strings(members)

	var sizes []int
	specs := def.Groups
	if len(def.Groups) > 0 {
		sizes, err = percentageSizes(len(members), def.Groups)
	} else {
		sizes, err = equalSizes(len(members), def.GroupCount)
	}
	if err != nil {
		return nil, err
	}
	if specs == nil {
		specs = make([]types.GroupSpec, def.GroupCount)
	}

	groups := make([]*types.RolloutGroup, 0, len(sizes))
	offset := 0
	now := time.Now()
	for i, size := range sizes {
		spec := specs[i]
		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("group-%d", i+1)
		}
		success, errPct := def.SuccessThreshold, def.ErrorThreshold
		if spec.SuccessThreshold != nil {
			success = *spec.SuccessThreshold
		}
		if spec.ErrorThreshold != nil {
			errPct = *spec.ErrorThreshold
		}
		group := &types.RolloutGroup{
			ID:               uuid.New().String(),
			Tenant:           rollout.Tenant,
			RolloutID:        rollout.ID,
			Index:            i,
			Name:             name,
			Status:           types.GroupStatusReady,
			Members:          members[offset : offset+size],
			SuccessThreshold: success,
			ErrorThreshold:   errPct,
			TotalTargets:     size,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := p.store.CreateRolloutGroup(group); err != nil {
			return nil, fmt.Errorf("failed to persist group %d: %w", i, err)
		}
		groups = append(groups, group)
		offset += size
	}

	p.logger.Info().Str("rollout_id", rollout.ID).Int("targets", len(members)).
		Int("groups", len(groups)).Msg("partitioned rollout population")

	return groups, nil
}

// equalSizes splits total into count groups of floor(total/count), the
// remainder going one-per-group to the earliest groups.
func equalSizes(total, count int) ([]int, error) {
	if count <= 0 {
		return nil, fmt.Errorf("group count %d: %w", count, types.ErrInvalidGroupDefinition)
	}
	base := total / count
	rem := total % count
	sizes := make([]int, count)
	for i := range sizes {
		sizes[i] = base
		if i < rem {
			sizes[i]++
		}
	}
	return sizes, nil
}

// percentageSizes carves each group's percentage out of the population
// still unassigned; the final group must take 100 percent of what
// remains so the partition is exhaustive.
func percentageSizes(total int, specs []types.GroupSpec) ([]int, error) {
	for i, spec := range specs {
		if spec.Percent <= 0 || spec.Percent > 100 {
			return nil, fmt.Errorf("group %d percent %d: %w", i, spec.Percent, types.ErrInvalidGroupDefinition)
		}
	}
	if specs[len(specs)-1].Percent != 100 {
		return nil, fmt.Errorf("final group must take the full remainder: %w", types.ErrInvalidGroupDefinition)
	}

	sizes := make([]int, len(specs))
	remaining := total
	for i, spec := range specs {
		if i == len(specs)-1 {
			sizes[i] = remaining
			break
		}
		sizes[i] = remaining * spec.Percent / 100
		remaining -= sizes[i]
	}
	return sizes, nil
}
