package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/drover-io/drover/pkg/action"
	"github.com/drover-io/drover/pkg/rollout"
	"github.com/drover-io/drover/pkg/storage"
	"github.com/drover-io/drover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenant = "acme"

func newTestServer(t *testing.T) (*Server, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	machine := action.NewMachine(store, nil)
	orch := rollout.NewOrchestrator(store, machine, nil, time.Minute)
	return NewServer(store, orch, machine), store
}

func doJSON(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/api/v1/"+tenant+path, &buf)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func seedFleet(t *testing.T, store storage.Store, n int) {
	t.Helper()
	require.NoError(t, store.CreateDistributionSet(&types.DistributionSet{
		ID: "ds-1", Tenant: tenant, Name: "firmware 2.0", Complete: true,
	}))
	for i := 0; i < n; i++ {
		require.NoError(t, store.CreateTarget(&types.Target{
			ID:     fmt.Sprintf("device-%02d", i),
			Tenant: tenant,
			Name:   fmt.Sprintf("device-%02d", i),
		}))
	}
}

func rolloutBody(groups int) map[string]interface{} {
	return map[string]interface{}{
		"name":              "fleet update",
		"distributionSetId": "ds-1",
		"targetFilterQuery": "name==device*",
		"amountGroups":      groups,
	}
}

func TestCreateAndGetTarget(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/targets", &types.Target{ID: "dev-1", Name: "gateway"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, server, http.MethodGet, "/targets/dev-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var target types.Target
	decodeBody(t, rec, &target)
	assert.Equal(t, "gateway", target.Name)
	assert.Equal(t, types.TargetStatusRegistered, target.UpdateStatus)
	assert.Equal(t, tenant, target.Tenant)

	rec = doJSON(t, server, http.MethodGet, "/targets/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTargetsFilterAndPaging(t *testing.T) {
	server, store := newTestServer(t)
	seedFleet(t, store, 5)

	rec := doJSON(t, server, http.MethodGet, "/targets?offset=0&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page pagedResponse
	decodeBody(t, rec, &page)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 2, page.Size)

	rec = doJSON(t, server, http.MethodGet, "/targets?q=name==device-00", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &page)
	assert.Equal(t, 1, page.Total)

	// A malformed query is a client error, not a server error.
	rec = doJSON(t, server, http.MethodGet, "/targets?q=bogus==x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRolloutLifecycle(t *testing.T) {
	server, store := newTestServer(t)
	seedFleet(t, store, 4)

	rec := doJSON(t, server, http.MethodPost, "/rollouts", rolloutBody(2))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created types.Rollout
	decodeBody(t, rec, &created)
	assert.Equal(t, types.RolloutStatusReady, created.Status)
	// Absent thresholds default to full success, errors tolerated.
	assert.Equal(t, 100, created.SuccessThreshold)
	assert.Equal(t, 100, created.ErrorThreshold)

	rec = doJSON(t, server, http.MethodPost, "/rollouts/"+created.ID+"/start", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Illegal transitions map to 405.
	rec = doJSON(t, server, http.MethodPost, "/rollouts/"+created.ID+"/start", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	rec = doJSON(t, server, http.MethodPost, "/rollouts/"+created.ID+"/resume", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/rollouts/"+created.ID+"/pause", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, server, http.MethodPost, "/rollouts/"+created.ID+"/resume", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, server, http.MethodGet, "/rollouts/"+created.ID+"/groups", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var groups pagedResponse
	decodeBody(t, rec, &groups)
	assert.Equal(t, 2, groups.Total)

	rec = doJSON(t, server, http.MethodPost, "/rollouts/"+created.ID+"/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, server, http.MethodDelete, "/rollouts/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, server, http.MethodGet, "/rollouts/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRolloutValidation(t *testing.T) {
	server, store := newTestServer(t)
	seedFleet(t, store, 4)

	body := rolloutBody(2)
	body["targetFilterQuery"] = "name="
	rec := doJSON(t, server, http.MethodPost, "/rollouts", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = rolloutBody(2)
	body["distributionSetId"] = "ds-missing"
	rec = doJSON(t, server, http.MethodPost, "/rollouts", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	body = rolloutBody(2)
	body["targetFilterQuery"] = "name==printer*"
	rec = doJSON(t, server, http.MethodPost, "/rollouts", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeviceFeedbackFlow(t *testing.T) {
	server, store := newTestServer(t)
	seedFleet(t, store, 1)

	rec := doJSON(t, server, http.MethodPost, "/targets/device-00/assignDS",
		map[string]interface{}{"distributionSetId": "ds-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var act types.Action
	decodeBody(t, rec, &act)
	assert.Equal(t, types.ActionStateRunning, act.Status)

	// Re-assigning the same set creates nothing.
	rec = doJSON(t, server, http.MethodPost, "/targets/device-00/assignDS",
		map[string]interface{}{"distributionSetId": "ds-1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, server, http.MethodPut, "/actions/"+act.ID+"/status",
		map[string]interface{}{"status": "downloaded", "messages": []string{"95 MB"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, server, http.MethodPut, "/actions/"+act.ID+"/status",
		map[string]interface{}{"status": "finished"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Feedback on a closed action maps to 405.
	rec = doJSON(t, server, http.MethodPut, "/actions/"+act.ID+"/status",
		map[string]interface{}{"status": "error"})
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doJSON(t, server, http.MethodGet, "/actions/"+act.ID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history pagedResponse
	decodeBody(t, rec, &history)
	assert.Equal(t, 3, history.Total)

	target, err := store.GetTarget(tenant, "device-00")
	require.NoError(t, err)
	assert.Equal(t, "ds-1", target.InstalledSet)
}

func TestCancelEndpoints(t *testing.T) {
	server, _ := newTestServer(t)
	seedFleetServer(t, server)

	rec := doJSON(t, server, http.MethodPost, "/targets/dev-1/assignDS",
		map[string]interface{}{"distributionSetId": "ds-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var act types.Action
	decodeBody(t, rec, &act)

	// Force quit before cancel is illegal.
	rec = doJSON(t, server, http.MethodPost, "/actions/"+act.ID+"/forcequit", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/actions/"+act.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/actions/"+act.ID+"/forcequit", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var quit types.Action
	decodeBody(t, rec, &quit)
	assert.Equal(t, types.ActionStateCanceled, quit.Status)
}

// seedFleetServer seeds through the API itself, exercising the create
// handlers on the way.
func seedFleetServer(t *testing.T, server *Server) {
	t.Helper()
	rec := doJSON(t, server, http.MethodPost, "/distributionsets", &types.DistributionSet{
		ID: "ds-1", Name: "firmware 2.0",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/targets", &types.Target{ID: "dev-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestTargetFilterEndpoints(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/targetfilters", &types.TargetFilter{
		Name:  "eu fleet",
		Query: "attribute.region==eu",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var filter types.TargetFilter
	decodeBody(t, rec, &filter)
	assert.NotEmpty(t, filter.ID)

	// Filters with a bad query are rejected before persisting.
	rec = doJSON(t, server, http.MethodPost, "/targetfilters", &types.TargetFilter{
		Name:  "broken",
		Query: "region=",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, server, http.MethodGet, "/targetfilters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page pagedResponse
	decodeBody(t, rec, &page)
	assert.Equal(t, 1, page.Total)

	rec = doJSON(t, server, http.MethodDelete, "/targetfilters/"+filter.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
