package sweeper

import (
	"fmt"

	"github.com/drover-io/drover/pkg/action"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/query"
	"github.com/drover-io/drover/pkg/storage"
	"github.com/drover-io/drover/pkg/types"
	"github.com/robfig/cron"
	"github.com/rs/zerolog"
)

// Sweeper assigns a distribution set to every target newly matching a
// persisted filter query that carries an auto-assign reference. It shares
// the action state machine with the orchestrator but knows nothing about
// rollout grouping.
type Sweeper struct {
	store    storage.Store
	machine  *action.Machine
	logger   zerolog.Logger
	schedule string
	cron     *cron.Cron
}

// NewSweeper creates a new auto-assignment sweeper. The schedule is a
// cron spec, e.g. "@every 5m".
func NewSweeper(store storage.Store, machine *action.Machine, schedule string) *Sweeper {
	if schedule == "" {
		schedule = "@every 5m"
	}
	return &Sweeper{
		store:    store,
		machine:  machine,
		logger:   log.WithComponent("sweeper"),
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start schedules the sweep loop
func (s *Sweeper) Start() error {
	if err := s.cron.AddFunc(s.schedule, s.Sweep); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	return nil
}

// Stop stops the sweep loop
func (s *Sweeper) Stop() {
	s.cron.Stop()
}

// Sweep runs one auto-assignment pass over all tenants. A failure for
// one tenant, filter or target never aborts the rest of the pass.
func (s *Sweeper) Sweep() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SweepDuration)
		metrics.SweepCyclesTotal.Inc()
	}()

	tenants, err := s.store.ListTenants()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list tenants")
		return
	}

	for _, tenant := range tenants {
		if err := s.sweepTenant(tenant); err != nil {
			s.logger.Error().Err(err).Str("tenant", tenant).Msg("sweep failed for tenant")
		}
	}
}

func (s *Sweeper) sweepTenant(tenant string) error {
	filters, err := s.store.ListTargetFilters(tenant)
	if err != nil {
		return fmt.Errorf("failed to list target filters: %w", err)
	}

	for _, filter := range filters {
		if filter.AutoAssignSet == "" {
			continue
		}
		// Re-read per filter: an earlier filter in the same pass may have
		// assigned to these targets, and a stale AssignedSet would make
		// Assign cancel-and-recreate instead of skip.
		targets, err := s.store.ListTargets(tenant)
		if err != nil {
			return fmt.Errorf("failed to list targets: %w", err)
		}
		s.sweepFilter(tenant, filter, targets)
	}
	return nil
}

func (s *Sweeper) sweepFilter(tenant string, filter *types.TargetFilter, targets []*types.Target) {
	parsed, err := query.Parse(filter.Query)
	if err != nil {
		// A stored filter should never be malformed; skip it rather
		// than fail the pass.
		s.logger.Error().Err(err).Str("filter_id", filter.ID).Msg("stored filter query is invalid")
		return
	}

	for _, target := range targets {
		if !parsed.Match(target) {
			continue
		}
		// Targets that picked up the set on an earlier sweep are
		// skipped inside Assign; only count real assignments.
		if target.AssignedSet == filter.AutoAssignSet || target.InstalledSet == filter.AutoAssignSet {
			continue
		}

		act, err := s.machine.Assign(tenant, target.ID, filter.AutoAssignSet, action.AssignOptions{
			ForceType: filter.AutoAssignForce,
		})
		if err != nil {
			s.logger.Error().Err(err).Str("target_id", target.ID).
				Str("filter_id", filter.ID).Msg("auto-assignment failed for target")
			continue
		}
		if act != nil {
			metrics.SweepAssignments.Inc()
			s.logger.Info().Str("target_id", target.ID).Str("set_id", filter.AutoAssignSet).
				Str("filter_id", filter.ID).Msg("auto-assigned distribution set")
		}
	}
}
