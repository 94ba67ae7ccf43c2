package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/drover-io/drover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTargetCRUD(t *testing.T) {
	store := newTestStore(t)

	target := &types.Target{
		ID:           "device-1",
		Tenant:       "acme",
		Name:         "edge gateway",
		UpdateStatus: types.TargetStatusRegistered,
		Attributes:   map[string]string{"region": "eu"},
	}
	require.NoError(t, store.CreateTarget(target))

	got, err := store.GetTarget("acme", "device-1")
	require.NoError(t, err)
	assert.Equal(t, "edge gateway", got.Name)
	assert.Equal(t, "eu", got.Attributes["region"])

	got.UpdateStatus = types.TargetStatusInSync
	require.NoError(t, store.UpdateTarget(got))

	got, err = store.GetTarget("acme", "device-1")
	require.NoError(t, err)
	assert.Equal(t, types.TargetStatusInSync, got.UpdateStatus)

	_, err = store.GetTarget("acme", "missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	// Other tenants never see it.
	_, err = store.GetTarget("other", "device-1")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestListTargetsSkipsDeleted(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.CreateTarget(&types.Target{ID: id, Tenant: "acme"}))
	}
	require.NoError(t, store.UpdateTarget(&types.Target{ID: "b", Tenant: "acme", Deleted: true}))

	targets, err := store.ListTargets("acme")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "a", targets[0].ID)
	assert.Equal(t, "c", targets[1].ID)
}

func TestListTargetsPage(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		require.NoError(t, store.CreateTarget(&types.Target{ID: id, Tenant: "acme"}))
	}

	page, total, err := store.ListTargetsPage("acme", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "t1", page[0].ID)

	page, total, err = store.ListTargetsPage("acme", 4, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 1)
	assert.Equal(t, "t5", page[0].ID)

	page, total, err = store.ListTargetsPage("acme", 10, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, page)
}

func TestActionListing(t *testing.T) {
	store := newTestStore(t)

	base := time.Now()
	actions := []*types.Action{
		{ID: "a1", Tenant: "acme", TargetID: "dev", Kind: types.ActionKindUpdate, Active: false, Status: types.ActionStateFinished, CreatedAt: base},
		{ID: "a2", Tenant: "acme", TargetID: "dev", Kind: types.ActionKindUpdate, Active: true, Status: types.ActionStateRunning, GroupID: "g1", RolloutID: "r1", CreatedAt: base.Add(time.Second)},
		{ID: "a3", Tenant: "acme", TargetID: "other", Kind: types.ActionKindUpdate, Active: true, Status: types.ActionStateRunning, GroupID: "g1", RolloutID: "r1", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, a := range actions {
		require.NoError(t, store.CreateAction(a))
	}

	byTarget, err := store.ListActionsByTarget("acme", "dev")
	require.NoError(t, err)
	assert.Len(t, byTarget, 2)

	byGroup, err := store.ListActionsByGroup("acme", "g1")
	require.NoError(t, err)
	assert.Len(t, byGroup, 2)

	byRollout, err := store.ListActionsByRollout("acme", "r1")
	require.NoError(t, err)
	assert.Len(t, byRollout, 2)

	active, err := store.GetActiveUpdateAction("acme", "dev")
	require.NoError(t, err)
	assert.Equal(t, "a2", active.ID)

	_, err = store.GetActiveUpdateAction("acme", "nobody")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestActionOrderingByWeight(t *testing.T) {
	store := newTestStore(t)

	base := time.Now()
	require.NoError(t, store.CreateAction(&types.Action{ID: "low", Tenant: "acme", TargetID: "dev", Kind: types.ActionKindUpdate, Active: true, Weight: 1, CreatedAt: base}))
	require.NoError(t, store.CreateAction(&types.Action{ID: "high", Tenant: "acme", TargetID: "dev", Kind: types.ActionKindUpdate, Active: true, Weight: 10, CreatedAt: base.Add(time.Second)}))

	actions, err := store.ListActionsByTarget("acme", "dev")
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "high", actions[0].ID)
}

func TestActionStatusHistoryOrdered(t *testing.T) {
	store := newTestStore(t)

	base := time.Now()
	states := []types.ActionState{
		types.ActionStateRunning,
		types.ActionStateDownloaded,
		types.ActionStateFinished,
	}
	for i, state := range states {
		require.NoError(t, store.AppendActionStatus(&types.ActionStatus{
			ID:       string(rune('a' + i)),
			Tenant:   "acme",
			ActionID: "act-1",
			Status:   state,
			At:       base.Add(time.Duration(i) * time.Second),
		}))
	}

	history, err := store.ListActionStatuses("acme", "act-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, state := range states {
		assert.Equal(t, state, history[i].Status)
	}
}

func TestUpdateRolloutCAS(t *testing.T) {
	store := newTestStore(t)

	rollout := &types.Rollout{ID: "r1", Tenant: "acme", Status: types.RolloutStatusReady}
	require.NoError(t, store.CreateRollout(rollout))

	rollout.Status = types.RolloutStatusRunning
	require.NoError(t, store.UpdateRolloutCAS(rollout, 0))
	assert.Equal(t, int64(1), rollout.Version)

	// A writer still holding the old version loses.
	stale := &types.Rollout{ID: "r1", Tenant: "acme", Status: types.RolloutStatusPaused}
	err := store.UpdateRolloutCAS(stale, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConflict))

	got, err := store.GetRollout("acme", "r1")
	require.NoError(t, err)
	assert.Equal(t, types.RolloutStatusRunning, got.Status)
	assert.Equal(t, int64(1), got.Version)
}

func TestUpdateRolloutCASMissing(t *testing.T) {
	store := newTestStore(t)

	err := store.UpdateRolloutCAS(&types.Rollout{ID: "ghost", Tenant: "acme"}, 0)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestRolloutGroupsSortedByIndex(t *testing.T) {
	store := newTestStore(t)

	for _, idx := range []int{2, 0, 1} {
		require.NoError(t, store.CreateRolloutGroup(&types.RolloutGroup{
			ID: string(rune('a' + idx)), Tenant: "acme", RolloutID: "r1", Index: idx,
		}))
	}

	groups, err := store.ListRolloutGroups("acme", "r1")
	require.NoError(t, err)
	require.Len(t, groups, 3)
	for i, g := range groups {
		assert.Equal(t, i, g.Index)
	}
}

func TestTargetFilterCRUD(t *testing.T) {
	store := newTestStore(t)

	filter := &types.TargetFilter{ID: "f1", Tenant: "acme", Name: "eu fleet", Query: "attribute.region==eu"}
	require.NoError(t, store.CreateTargetFilter(filter))

	got, err := store.GetTargetFilter("acme", "f1")
	require.NoError(t, err)
	assert.Equal(t, "eu fleet", got.Name)

	require.NoError(t, store.DeleteTargetFilter("acme", "f1"))
	_, err = store.GetTargetFilter("acme", "f1")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestListTenants(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateTarget(&types.Target{ID: "t1", Tenant: "beta"}))
	require.NoError(t, store.CreateRollout(&types.Rollout{ID: "r1", Tenant: "acme"}))
	require.NoError(t, store.CreateTargetFilter(&types.TargetFilter{ID: "f1", Tenant: "acme"}))

	tenants, err := store.ListTenants()
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "beta"}, tenants)
}
