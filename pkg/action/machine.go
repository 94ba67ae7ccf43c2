package action

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/storage"
	"github.com/drover-io/drover/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CancelObsoleteMessage is appended to an action that is superseded by a
// newer assignment to the same target.
const CancelObsoleteMessage = "cancel obsolete action due to new update"

// Machine owns the lifecycle of device assignments. Every mutation of an
// action or of a target's assignment pointers goes through it.
type Machine struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger

	// One lock per target serializes check-cancel-create so the single
	// active action invariant holds without a global lock.
	targetLocks sync.Map
}

// NewMachine creates a new action state machine
func NewMachine(store storage.Store, broker *events.Broker) *Machine {
	return &Machine{
		store:  store,
		broker: broker,
		logger: log.WithComponent("action"),
	}
}

// AssignOptions tunes how an assignment is created
type AssignOptions struct {
	ForceType ForceTypeOption
	ForcedAt  time.Time
	Weight    int
	RolloutID string
	GroupID   string
	// Scheduled creates the action in the scheduled state instead of
	// running, for assignments gated by a maintenance window or weight.
	Scheduled bool
	// Offline records the set as already installed, for updates applied
	// out of band. The action is created closed and the device is never
	// contacted.
	Offline bool
}

// ForceTypeOption aliases the domain force type for option literals
type ForceTypeOption = types.ForceType

func (m *Machine) lockTarget(tenant, targetID string) *sync.Mutex {
	mu, _ := m.targetLocks.LoadOrStore(tenant+"/"+targetID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Assign creates a new update action for (target, set). A prior active
// update action is transitioned to canceling first; re-assigning a set the
// target already has assigned or installed is a no-op returning nil.
func (m *Machine) Assign(tenant, targetID, setID string, opts AssignOptions) (*types.Action, error) {
	mu := m.lockTarget(tenant, targetID)
	mu.Lock()
	defer mu.Unlock()

	target, err := m.store.GetTarget(tenant, targetID)
	if err != nil {
		return nil, err
	}

	set, err := m.store.GetDistributionSet(tenant, setID)
	if err != nil {
		return nil, err
	}
	if !set.Complete {
		return nil, fmt.Errorf("distribution set %s: %w", setID, types.ErrIncompleteDistributionSet)
	}

	if target.AssignedSet == setID || target.InstalledSet == setID {
		m.logger.Debug().Str("target_id", targetID).Str("set_id", setID).
			Msg("distribution set already assigned, skipping")
		return nil, nil
	}

	// Override rule: a new update cancels the previous active one.
	if prior, err := m.store.GetActiveUpdateAction(tenant, targetID); err == nil {
		if err := m.transitionToCanceling(prior, CancelObsoleteMessage); err != nil {
			return nil, fmt.Errorf("failed to cancel obsolete action %s: %w", prior.ID, err)
		}
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	forceType := opts.ForceType
	if forceType == "" {
		forceType = types.ForceTypeForced
	}

	status := types.ActionStateRunning
	if opts.Scheduled {
		status = types.ActionStateScheduled
	}
	if opts.Offline {
		status = types.ActionStateFinished
	}

	now := time.Now()
	action := &types.Action{
		ID:        uuid.New().String(),
		Tenant:    tenant,
		TargetID:  targetID,
		SetID:     setID,
		Kind:      types.ActionKindUpdate,
		Status:    status,
		Active:    !opts.Offline,
		ForceType: forceType,
		ForcedAt:  opts.ForcedAt,
		Weight:    opts.Weight,
		RolloutID: opts.RolloutID,
		GroupID:   opts.GroupID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.store.CreateAction(action); err != nil {
		return nil, fmt.Errorf("failed to create action: %w", err)
	}
	message := "assigned distribution set " + set.Name
	if opts.Offline {
		message = "offline assignment of distribution set " + set.Name
	}
	if err := m.appendStatus(action, status, message); err != nil {
		return nil, err
	}

	target.AssignedSet = setID
	if opts.Offline {
		target.InstalledSet = setID
		target.InstalledAt = now
		target.UpdateStatus = types.TargetStatusInSync
	} else {
		target.UpdateStatus = types.TargetStatusPending
	}
	target.UpdatedAt = now
	if err := m.store.UpdateTarget(target); err != nil {
		return nil, fmt.Errorf("failed to update target assignment: %w", err)
	}

	metrics.ActionsCreated.Inc()
	if opts.Offline {
		metrics.ActionsTerminated.WithLabelValues(string(types.ActionStateFinished)).Inc()
		m.publish(events.EventActionFinished, action, "offline assignment")
	} else {
		m.publish(events.EventActionCreated, action, "update assigned")
	}

	m.logger.Info().Str("target_id", targetID).Str("set_id", setID).
		Str("action_id", action.ID).Msg("created update action")

	return action, nil
}

// Cancel transitions an active action to canceling, awaiting device
// acknowledgment. Canceling, canceled and terminal actions are rejected.
func (m *Machine) Cancel(tenant, actionID string) (*types.Action, error) {
	action, err := m.store.GetAction(tenant, actionID)
	if err != nil {
		return nil, err
	}
	if !action.Active || action.Status == types.ActionStateCanceling {
		return nil, fmt.Errorf("action %s in state %s: %w", actionID, action.Status, types.ErrActionNotCancelable)
	}
	if err := m.transitionToCanceling(action, "cancel requested by operator"); err != nil {
		return nil, err
	}
	return action, nil
}

// ForceQuit immediately terminates an action that is already canceling,
// without waiting for the device to acknowledge.
func (m *Machine) ForceQuit(tenant, actionID string) (*types.Action, error) {
	action, err := m.store.GetAction(tenant, actionID)
	if err != nil {
		return nil, err
	}
	if action.Status != types.ActionStateCanceling {
		return nil, fmt.Errorf("action %s in state %s: %w", actionID, action.Status, types.ErrActionNotCancelable)
	}

	action.Status = types.ActionStateCanceled
	action.Active = false
	action.UpdatedAt = time.Now()
	if err := m.store.UpdateAction(action); err != nil {
		return nil, err
	}
	if err := m.appendStatus(action, types.ActionStateCanceled, "force quit by operator"); err != nil {
		return nil, err
	}

	m.clearAssignment(action)
	metrics.ActionsTerminated.WithLabelValues(string(types.ActionStateCanceled)).Inc()
	m.publish(events.EventActionCanceled, action, "force quit")
	return action, nil
}

// SwitchToForced upgrades a soft action to forced in place. Idempotent
// when the action is already forced.
func (m *Machine) SwitchToForced(tenant, actionID string) (*types.Action, error) {
	action, err := m.store.GetAction(tenant, actionID)
	if err != nil {
		return nil, err
	}
	if !action.Active {
		return nil, fmt.Errorf("action %s in state %s: %w", actionID, action.Status, types.ErrIllegalActionState)
	}
	if action.ForceType == types.ForceTypeForced {
		return action, nil
	}

	action.ForceType = types.ForceTypeForced
	action.UpdatedAt = time.Now()
	if err := m.store.UpdateAction(action); err != nil {
		return nil, err
	}
	m.logger.Info().Str("action_id", actionID).Msg("switched action to forced")
	return action, nil
}

// promoteTimeForced upgrades a timeforced action to forced once its
// forced time has passed. Evaluated whenever the device reports in,
// which is the only moment the force type matters to it.
func (m *Machine) promoteTimeForced(action *types.Action) {
	if action.ForceType != types.ForceTypeTimeForced || action.ForcedAt.IsZero() {
		return
	}
	if time.Now().Before(action.ForcedAt) {
		return
	}
	action.ForceType = types.ForceTypeForced
	action.UpdatedAt = time.Now()
	if err := m.store.UpdateAction(action); err != nil {
		m.logger.Error().Err(err).Str("action_id", action.ID).
			Msg("failed to promote timeforced action")
		return
	}
	m.logger.Info().Str("action_id", action.ID).Msg("timeforced action promoted to forced")
}

// progressRank orders the device progress states so repeated or stale
// reports never move an action backwards.
var progressRank = map[types.ActionState]int{
	types.ActionStateScheduled:  0,
	types.ActionStateRunning:    1,
	types.ActionStateRetrieved:  2,
	types.ActionStateDownload:   3,
	types.ActionStateDownloaded: 4,
}

// ReportStatus records device feedback for an action and advances its
// state. It is the only asynchronous input to the engine.
func (m *Machine) ReportStatus(tenant, actionID string, status types.ActionState, messages ...string) (*types.Action, error) {
	action, err := m.store.GetAction(tenant, actionID)
	if err != nil {
		return nil, err
	}

	m.touchTarget(action)
	if action.Active {
		m.promoteTimeForced(action)
	}

	if action.Status.Terminal() {
		// Closed actions only accept warning annotations.
		if status == types.ActionStateWarning {
			return action, m.appendStatus(action, types.ActionStateWarning, messages...)
		}
		return nil, fmt.Errorf("action %s already %s: %w", actionID, action.Status, types.ErrIllegalActionState)
	}

	switch status {
	case types.ActionStateFinished:
		return m.finish(action, messages...)

	case types.ActionStateError:
		return m.fail(action, messages...)

	case types.ActionStateCanceled:
		if action.Status != types.ActionStateCanceling {
			return nil, fmt.Errorf("action %s is not canceling: %w", actionID, types.ErrIllegalActionState)
		}
		action.Status = types.ActionStateCanceled
		action.Active = false
		action.UpdatedAt = time.Now()
		if err := m.store.UpdateAction(action); err != nil {
			return nil, err
		}
		if err := m.appendStatus(action, types.ActionStateCanceled, messages...); err != nil {
			return nil, err
		}
		m.clearAssignment(action)
		metrics.ActionsTerminated.WithLabelValues(string(types.ActionStateCanceled)).Inc()
		m.publish(events.EventActionCanceled, action, "cancel confirmed by device")
		return action, nil

	case types.ActionStateCancelRejected:
		if action.Status != types.ActionStateCanceling {
			return nil, fmt.Errorf("action %s is not canceling: %w", actionID, types.ErrIllegalActionState)
		}
		action.Status = types.ActionStateRunning
		action.UpdatedAt = time.Now()
		if err := m.store.UpdateAction(action); err != nil {
			return nil, err
		}
		return action, m.appendStatus(action, types.ActionStateCancelRejected, messages...)

	case types.ActionStateWarning:
		return action, m.appendStatus(action, types.ActionStateWarning, messages...)

	case types.ActionStateRunning, types.ActionStateRetrieved,
		types.ActionStateDownload, types.ActionStateDownloaded:
		// While a cancel is pending the device may still report
		// progress; record it without leaving canceling.
		if action.Status != types.ActionStateCanceling &&
			progressRank[status] > progressRank[action.Status] {
			action.Status = status
			action.UpdatedAt = time.Now()
			if err := m.store.UpdateAction(action); err != nil {
				return nil, err
			}
		}
		return action, m.appendStatus(action, status, messages...)
	}

	return nil, fmt.Errorf("unknown action status %q: %w", status, types.ErrIllegalActionState)
}

func (m *Machine) finish(action *types.Action, messages ...string) (*types.Action, error) {
	action.Status = types.ActionStateFinished
	action.Active = false
	action.UpdatedAt = time.Now()
	if err := m.store.UpdateAction(action); err != nil {
		return nil, err
	}
	if err := m.appendStatus(action, types.ActionStateFinished, messages...); err != nil {
		return nil, err
	}

	target, err := m.store.GetTarget(action.Tenant, action.TargetID)
	if err == nil {
		target.InstalledSet = action.SetID
		target.InstalledAt = action.UpdatedAt
		if target.AssignedSet == action.SetID {
			target.UpdateStatus = types.TargetStatusInSync
		}
		target.UpdatedAt = action.UpdatedAt
		if err := m.store.UpdateTarget(target); err != nil {
			m.logger.Error().Err(err).Str("target_id", target.ID).
				Msg("failed to record installation on target")
		}
	}

	metrics.ActionsTerminated.WithLabelValues(string(types.ActionStateFinished)).Inc()
	m.publish(events.EventActionFinished, action, "update finished")
	return action, nil
}

func (m *Machine) fail(action *types.Action, messages ...string) (*types.Action, error) {
	action.Status = types.ActionStateError
	action.Active = false
	action.UpdatedAt = time.Now()
	if err := m.store.UpdateAction(action); err != nil {
		return nil, err
	}
	if err := m.appendStatus(action, types.ActionStateError, messages...); err != nil {
		return nil, err
	}

	target, err := m.store.GetTarget(action.Tenant, action.TargetID)
	if err == nil {
		target.UpdateStatus = types.TargetStatusError
		target.UpdatedAt = action.UpdatedAt
		if err := m.store.UpdateTarget(target); err != nil {
			m.logger.Error().Err(err).Str("target_id", target.ID).
				Msg("failed to record error status on target")
		}
	}

	metrics.ActionsTerminated.WithLabelValues(string(types.ActionStateError)).Inc()
	m.publish(events.EventActionFailed, action, "update failed")
	return action, nil
}

func (m *Machine) transitionToCanceling(action *types.Action, message string) error {
	action.Status = types.ActionStateCanceling
	action.UpdatedAt = time.Now()
	if err := m.store.UpdateAction(action); err != nil {
		return err
	}
	if err := m.appendStatus(action, types.ActionStateCanceling, message); err != nil {
		return err
	}
	m.publish(events.EventActionCanceling, action, message)
	m.logger.Info().Str("action_id", action.ID).Str("target_id", action.TargetID).
		Msg("action transitioned to canceling")
	return nil
}

// clearAssignment drops the target's assigned pointer when the canceled
// action was the one that set it.
func (m *Machine) clearAssignment(action *types.Action) {
	target, err := m.store.GetTarget(action.Tenant, action.TargetID)
	if err != nil {
		return
	}
	if target.AssignedSet == action.SetID {
		target.AssignedSet = target.InstalledSet
		target.UpdatedAt = time.Now()
		if err := m.store.UpdateTarget(target); err != nil {
			m.logger.Error().Err(err).Str("target_id", target.ID).
				Msg("failed to clear target assignment")
		}
	}
}

// touchTarget records that the device just talked to us.
func (m *Machine) touchTarget(action *types.Action) {
	target, err := m.store.GetTarget(action.Tenant, action.TargetID)
	if err != nil {
		return
	}
	target.LastSeen = time.Now()
	if err := m.store.UpdateTarget(target); err != nil {
		m.logger.Debug().Err(err).Str("target_id", target.ID).Msg("failed to update last seen")
	}
}

func (m *Machine) appendStatus(action *types.Action, status types.ActionState, messages ...string) error {
	entry := &types.ActionStatus{
		ID:       uuid.New().String(),
		Tenant:   action.Tenant,
		ActionID: action.ID,
		Status:   status,
		Messages: messages,
		At:       time.Now(),
	}
	if err := m.store.AppendActionStatus(entry); err != nil {
		return fmt.Errorf("failed to append action status: %w", err)
	}
	return nil
}

func (m *Machine) publish(eventType events.EventType, action *types.Action, message string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Tenant:    action.Tenant,
		RolloutID: action.RolloutID,
		ActionID:  action.ID,
		TargetID:  action.TargetID,
		Message:   message,
	})
}
