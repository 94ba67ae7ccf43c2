package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/drover-io/drover/pkg/action"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/query"
	"github.com/drover-io/drover/pkg/rollout"
	"github.com/drover-io/drover/pkg/storage"
	"github.com/drover-io/drover/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Server is the management HTTP adapter. It is a thin layer: every
// operation delegates to the orchestrator, the action machine or the
// store; no rollout logic lives here.
type Server struct {
	store        storage.Store
	orchestrator *rollout.Orchestrator
	machine      *action.Machine
	logger       zerolog.Logger
	router       *mux.Router
	httpServer   *http.Server
}

// NewServer creates a new management API server
func NewServer(store storage.Store, orchestrator *rollout.Orchestrator, machine *action.Machine) *Server {
	s := &Server{
		store:        store,
		orchestrator: orchestrator,
		machine:      machine,
		logger:       log.WithComponent("api"),
	}
	s.router = s.routes()
	return s
}

// Start begins serving the management API
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("management API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts down the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// Handler returns the router, used by tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)
	v1 := r.PathPrefix("/api/v1/{tenant}").Subrouter()

	// Rollouts
	v1.HandleFunc("/rollouts", s.createRollout).Methods(http.MethodPost)
	v1.HandleFunc("/rollouts", s.listRollouts).Methods(http.MethodGet)
	v1.HandleFunc("/rollouts/{id}", s.getRollout).Methods(http.MethodGet)
	v1.HandleFunc("/rollouts/{id}", s.deleteRollout).Methods(http.MethodDelete)
	v1.HandleFunc("/rollouts/{id}/start", s.startRollout).Methods(http.MethodPost)
	v1.HandleFunc("/rollouts/{id}/pause", s.pauseRollout).Methods(http.MethodPost)
	v1.HandleFunc("/rollouts/{id}/resume", s.resumeRollout).Methods(http.MethodPost)
	v1.HandleFunc("/rollouts/{id}/stop", s.stopRollout).Methods(http.MethodPost)
	v1.HandleFunc("/rollouts/{id}/groups", s.listRolloutGroups).Methods(http.MethodGet)
	v1.HandleFunc("/groups/{id}/targets", s.listGroupTargets).Methods(http.MethodGet)

	// Targets
	v1.HandleFunc("/targets", s.createTarget).Methods(http.MethodPost)
	v1.HandleFunc("/targets", s.listTargets).Methods(http.MethodGet)
	v1.HandleFunc("/targets/{id}", s.getTarget).Methods(http.MethodGet)
	v1.HandleFunc("/targets/{id}/assignDS", s.assignDistributionSet).Methods(http.MethodPost)
	v1.HandleFunc("/targets/{id}/actions", s.listTargetActions).Methods(http.MethodGet)

	// Actions
	v1.HandleFunc("/actions/{id}", s.getAction).Methods(http.MethodGet)
	v1.HandleFunc("/actions/{id}/status", s.listActionStatuses).Methods(http.MethodGet)
	v1.HandleFunc("/actions/{id}/status", s.reportActionStatus).Methods(http.MethodPut)
	v1.HandleFunc("/actions/{id}/cancel", s.cancelAction).Methods(http.MethodPost)
	v1.HandleFunc("/actions/{id}/forcequit", s.forceQuitAction).Methods(http.MethodPost)
	v1.HandleFunc("/actions/{id}/forced", s.switchActionToForced).Methods(http.MethodPost)

	// Distribution sets
	v1.HandleFunc("/distributionsets", s.createDistributionSet).Methods(http.MethodPost)
	v1.HandleFunc("/distributionsets", s.listDistributionSets).Methods(http.MethodGet)

	// Target filters
	v1.HandleFunc("/targetfilters", s.createTargetFilter).Methods(http.MethodPost)
	v1.HandleFunc("/targetfilters", s.listTargetFilters).Methods(http.MethodGet)
	v1.HandleFunc("/targetfilters/{id}", s.deleteTargetFilter).Methods(http.MethodDelete)

	return r
}

// statusRecorder captures the response code for the request counter
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

// pagedResponse wraps list responses with paging metadata
type pagedResponse struct {
	Total   int         `json:"total"`
	Size    int         `json:"size"`
	Content interface{} `json:"content"`
}

func pageParams(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return offset, limit
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.logger.Error().Err(err).Msg("failed to encode response")
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrInvalidQuerySyntax),
		errors.Is(err, types.ErrEmptyRollout),
		errors.Is(err, types.ErrInvalidGroupDefinition),
		errors.Is(err, types.ErrIncompleteDistributionSet),
		errors.Is(err, errMalformedBody):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrIllegalRolloutState),
		errors.Is(err, types.ErrIllegalActionState),
		errors.Is(err, types.ErrActionNotCancelable):
		status = http.StatusMethodNotAllowed
	case errors.Is(err, types.ErrConflict):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

var errMalformedBody = errors.New("malformed request body")

func (s *Server) decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	return nil
}

// Rollout handlers

type rolloutRequest struct {
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	SetID            string            `json:"distributionSetId"`
	Query            string            `json:"targetFilterQuery"`
	ForceType        types.ForceType   `json:"forceType"`
	GroupCount       int               `json:"amountGroups"`
	Groups           []types.GroupSpec `json:"groups"`
	SuccessThreshold *int              `json:"successThreshold"`
	ErrorThreshold   *int              `json:"errorThreshold"`
}

func (s *Server) createRollout(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	var req rolloutRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	// Absent conditions default to "all must finish" and "never fail on
	// errors"; threshold zero stays expressible for fail-fast groups.
	successThreshold := 100
	if req.SuccessThreshold != nil {
		successThreshold = *req.SuccessThreshold
	}
	errorThreshold := 100
	if req.ErrorThreshold != nil {
		errorThreshold = *req.ErrorThreshold
	}

	created, err := s.orchestrator.Create(tenant, rollout.Definition{
		Name:             req.Name,
		Description:      req.Description,
		SetID:            req.SetID,
		Query:            req.Query,
		ForceType:        req.ForceType,
		GroupCount:       req.GroupCount,
		Groups:           req.Groups,
		SuccessThreshold: successThreshold,
		ErrorThreshold:   errorThreshold,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listRollouts(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	rollouts, err := s.store.ListRollouts(tenant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	offset, limit := pageParams(r)
	total := len(rollouts)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := rollouts[offset:end]
	s.writeJSON(w, http.StatusOK, pagedResponse{Total: total, Size: len(page), Content: page})
}

func (s *Server) getRollout(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rollout, err := s.store.GetRollout(vars["tenant"], vars["id"])
	if err != nil || rollout.Deleted {
		s.writeError(w, fmt.Errorf("rollout %s: %w", vars["id"], types.ErrNotFound))
		return
	}
	s.writeJSON(w, http.StatusOK, rollout)
}

func (s *Server) deleteRollout(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.orchestrator.Delete(vars["tenant"], vars["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) startRollout(w http.ResponseWriter, r *http.Request) {
	s.rolloutOp(w, r, s.orchestrator.Start)
}

func (s *Server) pauseRollout(w http.ResponseWriter, r *http.Request) {
	s.rolloutOp(w, r, s.orchestrator.Pause)
}

func (s *Server) resumeRollout(w http.ResponseWriter, r *http.Request) {
	s.rolloutOp(w, r, s.orchestrator.Resume)
}

func (s *Server) stopRollout(w http.ResponseWriter, r *http.Request) {
	s.rolloutOp(w, r, s.orchestrator.Stop)
}

func (s *Server) rolloutOp(w http.ResponseWriter, r *http.Request, op func(tenant, id string) error) {
	vars := mux.Vars(r)
	if err := op(vars["tenant"], vars["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) listRolloutGroups(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	groups, err := s.store.ListRolloutGroups(vars["tenant"], vars["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pagedResponse{Total: len(groups), Size: len(groups), Content: groups})
}

func (s *Server) listGroupTargets(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	group, err := s.store.GetRolloutGroup(vars["tenant"], vars["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	offset, limit := pageParams(r)
	total := len(group.Members)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := group.Members[offset:end]
	s.writeJSON(w, http.StatusOK, pagedResponse{Total: total, Size: len(page), Content: page})
}

// Target handlers

func (s *Server) createTarget(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	var target types.Target
	if err := s.decode(r, &target); err != nil {
		s.writeError(w, err)
		return
	}
	target.Tenant = tenant
	if target.ID == "" {
		target.ID = uuid.New().String()
	}
	if target.UpdateStatus == "" {
		target.UpdateStatus = types.TargetStatusRegistered
	}
	now := time.Now()
	target.CreatedAt = now
	target.UpdatedAt = now
	if err := s.store.CreateTarget(&target); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, &target)
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]

	q := r.URL.Query().Get("q")
	if q == "" {
		offset, limit := pageParams(r)
		targets, total, err := s.store.ListTargetsPage(tenant, offset, limit)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, pagedResponse{Total: total, Size: len(targets), Content: targets})
		return
	}

	filter, err := query.Parse(q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	all, err := s.store.ListTargets(tenant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var matched []*types.Target
	for _, t := range all {
		if filter.Match(t) {
			matched = append(matched, t)
		}
	}
	offset, limit := pageParams(r)
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := matched[offset:end]
	s.writeJSON(w, http.StatusOK, pagedResponse{Total: total, Size: len(page), Content: page})
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	target, err := s.store.GetTarget(vars["tenant"], vars["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, target)
}

type assignRequest struct {
	SetID      string          `json:"distributionSetId"`
	ForceType  types.ForceType `json:"forceType"`
	ForcedTime time.Time       `json:"forcedTime"`
	Weight     int             `json:"weight"`
	Scheduled  bool            `json:"scheduled"`
	Offline    bool            `json:"offline"`
}

func (s *Server) assignDistributionSet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req assignRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	act, err := s.machine.Assign(vars["tenant"], vars["id"], req.SetID, action.AssignOptions{
		ForceType: req.ForceType,
		ForcedAt:  req.ForcedTime,
		Weight:    req.Weight,
		Scheduled: req.Scheduled,
		Offline:   req.Offline,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if act == nil {
		// Already assigned or installed, nothing created.
		s.writeJSON(w, http.StatusOK, map[string]string{"result": "already assigned"})
		return
	}
	s.writeJSON(w, http.StatusCreated, act)
}

func (s *Server) listTargetActions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	actions, err := s.store.ListActionsByTarget(vars["tenant"], vars["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pagedResponse{Total: len(actions), Size: len(actions), Content: actions})
}

// Action handlers

func (s *Server) getAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	act, err := s.store.GetAction(vars["tenant"], vars["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, act)
}

func (s *Server) listActionStatuses(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	statuses, err := s.store.ListActionStatuses(vars["tenant"], vars["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pagedResponse{Total: len(statuses), Size: len(statuses), Content: statuses})
}

type statusReport struct {
	Status   types.ActionState `json:"status"`
	Messages []string          `json:"messages"`
}

// reportActionStatus is the device feedback channel: the sole
// asynchronous input that advances action state.
func (s *Server) reportActionStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var report statusReport
	if err := s.decode(r, &report); err != nil {
		s.writeError(w, err)
		return
	}
	act, err := s.machine.ReportStatus(vars["tenant"], vars["id"], report.Status, report.Messages...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, act)
}

func (s *Server) cancelAction(w http.ResponseWriter, r *http.Request) {
	s.actionOp(w, r, s.machine.Cancel)
}

func (s *Server) forceQuitAction(w http.ResponseWriter, r *http.Request) {
	s.actionOp(w, r, s.machine.ForceQuit)
}

func (s *Server) switchActionToForced(w http.ResponseWriter, r *http.Request) {
	s.actionOp(w, r, s.machine.SwitchToForced)
}

func (s *Server) actionOp(w http.ResponseWriter, r *http.Request, op func(tenant, id string) (*types.Action, error)) {
	vars := mux.Vars(r)
	act, err := op(vars["tenant"], vars["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, act)
}

// Distribution set handlers

func (s *Server) createDistributionSet(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	var set types.DistributionSet
	if err := s.decode(r, &set); err != nil {
		s.writeError(w, err)
		return
	}
	set.Tenant = tenant
	if set.ID == "" {
		set.ID = uuid.New().String()
	}
	set.Complete = set.IsComplete()
	set.CreatedAt = time.Now()
	if err := s.store.CreateDistributionSet(&set); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, &set)
}

func (s *Server) listDistributionSets(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	sets, err := s.store.ListDistributionSets(tenant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pagedResponse{Total: len(sets), Size: len(sets), Content: sets})
}

// Target filter handlers

func (s *Server) createTargetFilter(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	var filter types.TargetFilter
	if err := s.decode(r, &filter); err != nil {
		s.writeError(w, err)
		return
	}
	// Validate the stored query up front; the sweeper trusts it.
	if _, err := query.Parse(filter.Query); err != nil {
		s.writeError(w, err)
		return
	}
	filter.Tenant = tenant
	if filter.ID == "" {
		filter.ID = uuid.New().String()
	}
	now := time.Now()
	filter.CreatedAt = now
	filter.UpdatedAt = now
	if err := s.store.CreateTargetFilter(&filter); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, &filter)
}

func (s *Server) listTargetFilters(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	filters, err := s.store.ListTargetFilters(tenant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pagedResponse{Total: len(filters), Size: len(filters), Content: filters})
}

func (s *Server) deleteTargetFilter(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.store.DeleteTargetFilter(vars["tenant"], vars["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}
