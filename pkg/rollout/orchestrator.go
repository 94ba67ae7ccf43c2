package rollout

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drover-io/drover/pkg/action"
	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/query"
	"github.com/drover-io/drover/pkg/storage"
	"github.com/drover-io/drover/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Orchestrator drives rollout lifecycles: it creates rollouts through the
// partitioner, starts groups through the action state machine, and
// re-evaluates running groups periodically and after terminal device
// feedback.
type Orchestrator struct {
	store       storage.Store
	machine     *action.Machine
	broker      *events.Broker
	partitioner *Partitioner
	evaluator   *Evaluator
	logger      zerolog.Logger
	interval    time.Duration

	// One lock per rollout makes group advancement single-writer within
	// this process; the store-level version check fences everything else.
	rolloutLocks sync.Map

	stopCh chan struct{}
}

// NewOrchestrator creates a new rollout orchestrator
func NewOrchestrator(store storage.Store, machine *action.Machine, broker *events.Broker, interval time.Duration) *Orchestrator {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Orchestrator{
		store:       store,
		machine:     machine,
		broker:      broker,
		partitioner: NewPartitioner(store),
		evaluator:   NewEvaluator(),
		logger:      log.WithComponent("orchestrator"),
		interval:    interval,
		stopCh:      make(chan struct{}),
	}
}

// Run begins the evaluation loop
func (o *Orchestrator) Run() {
	go o.run()
}

// Shutdown stops the evaluation loop
func (o *Orchestrator) Shutdown() {
	close(o.stopCh)
}

// run evaluates on a fixed interval and opportunistically when a
// rollout-owned action reaches a terminal state.
func (o *Orchestrator) run() {
	sub := o.broker.Subscribe()
	defer o.broker.Unsubscribe(sub)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.evaluateAll()
		case event := <-sub:
			if event.RolloutID == "" {
				continue
			}
			switch event.Type {
			case events.EventActionFinished, events.EventActionFailed, events.EventActionCanceled:
				if err := o.evaluateRollout(event.Tenant, event.RolloutID); err != nil {
					o.logger.Error().Err(err).Str("rollout_id", event.RolloutID).
						Msg("opportunistic evaluation failed")
				}
			}
		case <-o.stopCh:
			return
		}
	}
}

// evaluateAll runs one evaluation cycle over every tenant. Failures are
// isolated per rollout and never abort the cycle.
func (o *Orchestrator) evaluateAll() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.EvaluationDuration)
		metrics.EvaluationCyclesTotal.Inc()
	}()

	tenants, err := o.store.ListTenants()
	if err != nil {
		o.logger.Error().Err(err).Msg("failed to list tenants")
		return
	}

	rolloutCounts := make(map[types.RolloutStatus]int)
	targetCounts := make(map[types.TargetUpdateStatus]int)

	for _, tenant := range tenants {
		if targets, err := o.store.ListTargets(tenant); err == nil {
			for _, t := range targets {
				targetCounts[t.UpdateStatus]++
			}
		}

		rollouts, err := o.store.ListRollouts(tenant)
		if err != nil {
			o.logger.Error().Err(err).Str("tenant", tenant).Msg("failed to list rollouts")
			continue
		}
		for _, r := range rollouts {
			rolloutCounts[r.Status]++
			if r.Status != types.RolloutStatusRunning {
				continue
			}
			if err := o.evaluateRollout(tenant, r.ID); err != nil {
				o.logger.Error().Err(err).Str("rollout_id", r.ID).Msg("evaluation failed")
			}
		}
	}

	// Refresh the fleet gauges from this cycle's census.
	metrics.RolloutsTotal.Reset()
	for status, n := range rolloutCounts {
		metrics.RolloutsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
	metrics.TargetsTotal.Reset()
	for status, n := range targetCounts {
		metrics.TargetsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (o *Orchestrator) lockRollout(tenant, id string) *sync.Mutex {
	mu, _ := o.rolloutLocks.LoadOrStore(tenant+"/"+id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Create validates the definition, materializes the groups and leaves
// the rollout ready to start.
func (o *Orchestrator) Create(tenant string, def Definition) (*types.Rollout, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("rollout name must not be empty: %w", types.ErrInvalidGroupDefinition)
	}

	// Reject a malformed query before anything is persisted.
	filter, err := query.Parse(def.Query)
	if err != nil {
		return nil, err
	}

	set, err := o.store.GetDistributionSet(tenant, def.SetID)
	if err != nil {
		return nil, err
	}
	if !set.Complete {
		return nil, fmt.Errorf("distribution set %s: %w", def.SetID, types.ErrIncompleteDistributionSet)
	}

	forceType := def.ForceType
	if forceType == "" {
		forceType = types.ForceTypeForced
	}

	now := time.Now()
	rollout := &types.Rollout{
		ID:               uuid.New().String(),
		Tenant:           tenant,
		Name:             def.Name,
		Description:      def.Description,
		SetID:            def.SetID,
		Query:            def.Query,
		ForceType:        forceType,
		Status:           types.RolloutStatusCreating,
		SuccessThreshold: def.SuccessThreshold,
		ErrorThreshold:   def.ErrorThreshold,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := o.store.CreateRollout(rollout); err != nil {
		return nil, fmt.Errorf("failed to persist rollout: %w", err)
	}

	groups, err := o.partitioner.Partition(rollout, def, filter)
	if err != nil {
		// Creation is atomic from the caller's perspective: drop the
		// half-created rollout.
		rollout.Deleted = true
		rollout.UpdatedAt = time.Now()
		if uerr := o.store.UpdateRollout(rollout); uerr != nil {
			o.logger.Error().Err(uerr).Str("rollout_id", rollout.ID).
				Msg("failed to discard rollout after partition failure")
		}
		return nil, err
	}

	rollout.GroupCount = len(groups)
	for _, g := range groups {
		rollout.TotalTargets += len(g.Members)
	}
	rollout.Status = types.RolloutStatusReady
	rollout.UpdatedAt = time.Now()
	if err := o.store.UpdateRollout(rollout); err != nil {
		return nil, fmt.Errorf("failed to mark rollout ready: %w", err)
	}

	o.publish(events.EventRolloutCreated, rollout, "rollout created")
	o.logger.Info().Str("rollout_id", rollout.ID).Str("name", rollout.Name).
		Int("targets", rollout.TotalTargets).Int("groups", rollout.GroupCount).
		Msg("rollout created")

	return rollout, nil
}

// Start transitions a ready rollout to running and starts its first
// group. Any other current status is rejected.
func (o *Orchestrator) Start(tenant, id string) error {
	mu := o.lockRollout(tenant, id)
	mu.Lock()
	defer mu.Unlock()

	rollout, err := o.store.GetRollout(tenant, id)
	if err != nil {
		return err
	}
	if rollout.Status != types.RolloutStatusReady {
		return fmt.Errorf("rollout %s is %s: %w", id, rollout.Status, types.ErrIllegalRolloutState)
	}

	groups, err := o.store.ListRolloutGroups(tenant, id)
	if err != nil {
		return err
	}

	version := rollout.Version
	rollout.Status = types.RolloutStatusRunning
	rollout.StartedAt = time.Now()
	rollout.UpdatedAt = rollout.StartedAt
	if err := o.store.UpdateRolloutCAS(rollout, version); err != nil {
		return err
	}

	for i, group := range groups {
		if i == 0 {
			continue
		}
		group.Status = types.GroupStatusScheduled
		group.UpdatedAt = time.Now()
		if err := o.store.UpdateRolloutGroup(group); err != nil {
			return fmt.Errorf("failed to schedule group %d: %w", group.Index, err)
		}
	}
	if err := o.startGroup(rollout, groups[0]); err != nil {
		return err
	}

	o.publish(events.EventRolloutStarted, rollout, "rollout started")
	return nil
}

// Pause freezes progression without touching in-flight actions. Only
// legal from running.
func (o *Orchestrator) Pause(tenant, id string) error {
	return o.transition(tenant, id, types.RolloutStatusRunning, types.RolloutStatusPaused,
		events.EventRolloutPaused, "rollout paused")
}

// Resume returns a paused rollout to running; the evaluator picks it up
// on the next cycle.
func (o *Orchestrator) Resume(tenant, id string) error {
	return o.transition(tenant, id, types.RolloutStatusPaused, types.RolloutStatusRunning,
		events.EventRolloutResumed, "rollout resumed")
}

func (o *Orchestrator) transition(tenant, id string, from, to types.RolloutStatus, eventType events.EventType, message string) error {
	mu := o.lockRollout(tenant, id)
	mu.Lock()
	defer mu.Unlock()

	rollout, err := o.store.GetRollout(tenant, id)
	if err != nil {
		return err
	}
	if rollout.Status != from {
		return fmt.Errorf("rollout %s is %s: %w", id, rollout.Status, types.ErrIllegalRolloutState)
	}

	version := rollout.Version
	rollout.Status = to
	rollout.UpdatedAt = time.Now()
	if err := o.store.UpdateRolloutCAS(rollout, version); err != nil {
		return err
	}
	o.publish(eventType, rollout, message)
	return nil
}

// Stop ceases group progression for good. In-flight actions are left for
// the operator to cancel individually.
func (o *Orchestrator) Stop(tenant, id string) error {
	mu := o.lockRollout(tenant, id)
	mu.Lock()
	defer mu.Unlock()

	rollout, err := o.store.GetRollout(tenant, id)
	if err != nil {
		return err
	}
	switch rollout.Status {
	case types.RolloutStatusFinished, types.RolloutStatusError, types.RolloutStatusStopped:
		return fmt.Errorf("rollout %s is %s: %w", id, rollout.Status, types.ErrIllegalRolloutState)
	}

	version := rollout.Version
	rollout.Status = types.RolloutStatusStopped
	rollout.UpdatedAt = time.Now()
	if err := o.store.UpdateRolloutCAS(rollout, version); err != nil {
		return err
	}
	o.publish(events.EventRolloutStopped, rollout, "rollout stopped")
	return nil
}

// Delete soft-deletes a rollout, stopping it first when still live. The
// audit trail of groups and actions stays behind.
func (o *Orchestrator) Delete(tenant, id string) error {
	mu := o.lockRollout(tenant, id)
	mu.Lock()
	defer mu.Unlock()

	rollout, err := o.store.GetRollout(tenant, id)
	if err != nil {
		return err
	}

	switch rollout.Status {
	case types.RolloutStatusFinished, types.RolloutStatusError, types.RolloutStatusStopped:
	default:
		rollout.Status = types.RolloutStatusStopped
	}
	rollout.Deleted = true
	rollout.UpdatedAt = time.Now()
	return o.store.UpdateRollout(rollout)
}

// EvaluateNow forces an immediate evaluation of one rollout, used by
// tests and the management adapter.
func (o *Orchestrator) EvaluateNow(tenant, id string) error {
	return o.evaluateRollout(tenant, id)
}

// evaluateRollout inspects the currently running group of one rollout
// and applies the evaluator's decision. Overlapping evaluations are
// harmless: the version check makes the loser a no-op.
func (o *Orchestrator) evaluateRollout(tenant, id string) error {
	mu := o.lockRollout(tenant, id)
	mu.Lock()
	defer mu.Unlock()

	rollout, err := o.store.GetRollout(tenant, id)
	if err != nil {
		return err
	}
	if rollout.Status != types.RolloutStatusRunning {
		// Paused, stopped or terminal rollouts are skipped entirely.
		return nil
	}
	version := rollout.Version

	groups, err := o.store.ListRolloutGroups(tenant, id)
	if err != nil {
		return err
	}

	running := findByStatus(groups, types.GroupStatusRunning)
	if running == nil {
		// No running group left: either everything finished or the
		// next scheduled group still has to be started.
		if next := findByStatus(groups, types.GroupStatusScheduled); next != nil {
			if err := o.casTouch(rollout, version); err != nil {
				return o.swallowConflict(err)
			}
			return o.startGroup(rollout, next)
		}
		return o.finishRollout(rollout, version)
	}

	actions, err := o.store.ListActionsByGroup(tenant, running.ID)
	if err != nil {
		return err
	}

	decision, counts := o.evaluator.Evaluate(running, actions)

	running.StatusCounts = counts
	running.UpdatedAt = time.Now()
	if err := o.store.UpdateRolloutGroup(running); err != nil {
		return err
	}

	switch decision {
	case DecisionHold:
		return nil

	case DecisionFail:
		rollout.Status = types.RolloutStatusError
		rollout.UpdatedAt = time.Now()
		if err := o.store.UpdateRolloutCAS(rollout, version); err != nil {
			return o.swallowConflict(err)
		}
		running.Status = types.GroupStatusError
		running.UpdatedAt = rollout.UpdatedAt
		if err := o.store.UpdateRolloutGroup(running); err != nil {
			return err
		}
		o.publish(events.EventGroupFailed, rollout, fmt.Sprintf("group %d failed", running.Index))
		o.publish(events.EventRolloutFailed, rollout, "error condition met")
		o.logger.Warn().Str("rollout_id", rollout.ID).Int("group", running.Index).
			Msg("rollout failed, error condition met")
		return nil

	case DecisionAdvance:
		// Fence the advancement before mutating groups so a racing
		// evaluation cycle cannot double-advance.
		if err := o.casTouch(rollout, version); err != nil {
			return o.swallowConflict(err)
		}
		running.Status = types.GroupStatusFinished
		running.UpdatedAt = time.Now()
		if err := o.store.UpdateRolloutGroup(running); err != nil {
			return err
		}
		o.publish(events.EventGroupFinished, rollout, fmt.Sprintf("group %d finished", running.Index))

		if next := findNextScheduled(groups, running.Index); next != nil {
			return o.startGroup(rollout, next)
		}
		return o.finishRollout(rollout, rollout.Version)
	}
	return nil
}

// startGroup creates one action per member target and marks the group
// running. Per-target failures are isolated; members that already hold
// the distribution set simply produce no action.
func (o *Orchestrator) startGroup(rollout *types.Rollout, group *types.RolloutGroup) error {
	created := 0
	for _, targetID := range group.Members {
		act, err := o.machine.Assign(rollout.Tenant, targetID, rollout.SetID, action.AssignOptions{
			ForceType: rollout.ForceType,
			RolloutID: rollout.ID,
			GroupID:   group.ID,
		})
		if err != nil {
			o.logger.Error().Err(err).Str("target_id", targetID).
				Str("rollout_id", rollout.ID).Msg("failed to assign rollout action")
			continue
		}
		if act != nil {
			created++
		}
	}

	group.Status = types.GroupStatusRunning
	group.TotalTargets = created
	group.UpdatedAt = time.Now()
	if err := o.store.UpdateRolloutGroup(group); err != nil {
		return fmt.Errorf("failed to mark group %d running: %w", group.Index, err)
	}

	metrics.GroupsStarted.Inc()
	o.publish(events.EventGroupStarted, rollout, fmt.Sprintf("group %d started", group.Index))
	o.logger.Info().Str("rollout_id", rollout.ID).Int("group", group.Index).
		Int("actions", created).Msg("rollout group started")
	return nil
}

func (o *Orchestrator) finishRollout(rollout *types.Rollout, version int64) error {
	rollout.Status = types.RolloutStatusFinished
	rollout.UpdatedAt = time.Now()
	if err := o.store.UpdateRolloutCAS(rollout, version); err != nil {
		return o.swallowConflict(err)
	}
	o.publish(events.EventRolloutFinished, rollout, "all groups finished")
	o.logger.Info().Str("rollout_id", rollout.ID).Msg("rollout finished")
	return nil
}

// casTouch bumps the rollout version without changing its status.
func (o *Orchestrator) casTouch(rollout *types.Rollout, version int64) error {
	rollout.UpdatedAt = time.Now()
	return o.store.UpdateRolloutCAS(rollout, version)
}

// swallowConflict turns a lost version race into a no-op; the next cycle
// re-reads the advanced state.
func (o *Orchestrator) swallowConflict(err error) error {
	if errors.Is(err, types.ErrConflict) {
		metrics.EvaluationConflicts.Inc()
		return nil
	}
	return err
}

func findByStatus(groups []*types.RolloutGroup, status types.GroupStatus) *types.RolloutGroup {
	for _, g := range groups {
		if g.Status == status {
			return g
		}
	}
	return nil
}

func findNextScheduled(groups []*types.RolloutGroup, after int) *types.RolloutGroup {
	for _, g := range groups {
		if g.Index > after && g.Status == types.GroupStatusScheduled {
			return g
		}
	}
	return nil
}

func (o *Orchestrator) publish(eventType events.EventType, rollout *types.Rollout, message string) {
	if o.broker == nil {
		return
	}
	o.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Tenant:    rollout.Tenant,
		RolloutID: rollout.ID,
		Message:   message,
	})
}
