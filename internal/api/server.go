// Package api exposes the coordinator over HTTP: agent ingest
// (heartbeats, status pushes), the operator CRUD surface, and the
// health and metrics endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/flock/internal/coordinator"
	"github.com/example/flock/internal/observability"
	"github.com/example/flock/internal/state"
	"github.com/example/flock/pkg/flockapi"
)

type Server struct {
	coord   *coordinator.Coordinator
	logger  *log.Logger
	metrics *observability.Registry
	router  *mux.Router
}

func NewServer(coord *coordinator.Coordinator, logger *log.Logger, metrics *observability.Registry) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if metrics == nil {
		metrics = observability.Default
	}
	s := &Server{coord: coord, logger: logger, metrics: metrics, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/metrics/app", s.handleAppMetrics).Methods(http.MethodGet)
	r.HandleFunc("/metrics/json", s.handleJSONMetrics).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	v1.HandleFunc("/status", s.handleClusterStatus).Methods(http.MethodGet)

	v1.HandleFunc("/nodes", s.handleListNodes).Methods(http.MethodGet)
	v1.HandleFunc("/nodes/{id}", s.handleGetNode).Methods(http.MethodGet)
	v1.HandleFunc("/nodes/{id}", s.handleDeleteNode).Methods(http.MethodDelete)

	v1.HandleFunc("/workloads", s.handleDeploy).Methods(http.MethodPost)
	v1.HandleFunc("/workloads", s.handleListWorkloads).Methods(http.MethodGet)
	v1.HandleFunc("/workloads/{id}", s.handleGetWorkload).Methods(http.MethodGet)
	v1.HandleFunc("/workloads/{id}", s.handleDeleteWorkload).Methods(http.MethodDelete)
	v1.HandleFunc("/workloads/{id}/stop", s.handleStopWorkload).Methods(http.MethodPost)
	v1.HandleFunc("/workloads/{id}/status", s.handleStatusPush).Methods(http.MethodPost)
	v1.HandleFunc("/workloads/{id}/events", s.handleListEvents).Methods(http.MethodGet)

	v1.HandleFunc("/rules", s.handleCreateRule).Methods(http.MethodPost)
	v1.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	v1.HandleFunc("/rules/{id}", s.handleGetRule).Methods(http.MethodGet)
	v1.HandleFunc("/rules/{id}", s.handleUpdateRule).Methods(http.MethodPut)
	v1.HandleFunc("/rules/{id}", s.handleDeleteRule).Methods(http.MethodDelete)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAppMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.RenderPrometheus()))
}

func (s *Server) handleJSONMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req flockapi.HeartbeatRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Hostname == "" && req.NodeID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("hostname or node_id required"))
		return
	}
	n, err := s.coord.Heartbeat(r.Context(), req)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flockapi.HeartbeatResponse{NodeID: n.ID, Status: n.Status})
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.coord.ClusterStatus(r.Context())
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.coord.ListNodes(r.Context())
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, viewNode(n))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.coord.GetNode(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewNode(n))
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.DeleteNode(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeMapped(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deployRequest struct {
	Type             string            `json:"type"`
	Command          string            `json:"command"`
	Args             []string          `json:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	CPURequired      int               `json:"cpu_required"`
	MemoryRequiredMB int               `json:"memory_required_mb"`
	Constraints      map[string]string `json:"constraints,omitempty"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if !s.decode(w, r, &req) {
		return
	}
	wl, err := s.coord.Deploy(r.Context(), state.WorkloadRecord{
		Type:             req.Type,
		Command:          req.Command,
		Args:             req.Args,
		Env:              req.Env,
		CPURequired:      req.CPURequired,
		MemoryRequiredMB: req.MemoryRequiredMB,
		Constraints:      req.Constraints,
	})
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewWorkload(wl))
}

func (s *Server) handleListWorkloads(w http.ResponseWriter, r *http.Request) {
	workloads, err := s.coord.ListWorkloads(r.Context())
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	out := make([]workloadView, 0, len(workloads))
	for _, wl := range workloads {
		out = append(out, viewWorkload(wl))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetWorkload(w http.ResponseWriter, r *http.Request) {
	wl, err := s.coord.GetWorkload(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewWorkload(wl))
}

func (s *Server) handleDeleteWorkload(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.DeleteWorkload(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeMapped(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopWorkload(w http.ResponseWriter, r *http.Request) {
	wl, err := s.coord.Stop(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewWorkload(wl))
}

func (s *Server) handleStatusPush(w http.ResponseWriter, r *http.Request) {
	var push flockapi.StatusPush
	if !s.decode(w, r, &push) {
		return
	}
	push.WorkloadID = mux.Vars(r)["id"]
	wl, err := s.coord.UpdateWorkloadStatus(r.Context(), push)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewWorkload(wl))
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.coord.ListWorkloadEvents(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, ev := range events {
		out = append(out, viewEvent(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

type ruleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	RuleText    string `json:"rule_text"`
	Enabled     bool   `json:"enabled"`
	Priority    int    `json:"priority"`
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !s.decode(w, r, &req) {
		return
	}
	rule, err := s.coord.CreateRule(r.Context(), state.SchedulingRuleRecord{
		Name:        req.Name,
		Description: req.Description,
		RuleText:    req.RuleText,
		Enabled:     req.Enabled,
		Priority:    req.Priority,
	})
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewRule(rule))
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.coord.ListRules(r.Context())
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	out := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		out = append(out, viewRule(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.coord.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRule(rule))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !s.decode(w, r, &req) {
		return
	}
	existing, err := s.coord.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	existing.Name = req.Name
	existing.Description = req.Description
	existing.RuleText = req.RuleText
	existing.Enabled = req.Enabled
	existing.Priority = req.Priority
	rule, err := s.coord.UpdateRule(r.Context(), existing)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRule(rule))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.DeleteRule(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeMapped(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (s *Server) writeMapped(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, state.ErrInvalidState):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, state.ErrRuleSyntax):
		s.writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, state.ErrNoCandidates):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.logger.Printf("api: internal error: %v", err)
		s.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.metrics.IncCounter("flock_api_errors_total", map[string]string{"code": http.StatusText(code)}, 1)
	writeJSON(w, code, flockapi.ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// --- response shapes ---

type nodeView struct {
	ID              string            `json:"id"`
	Hostname        string            `json:"hostname"`
	Status          string            `json:"status"`
	CPUTotal        int               `json:"cpu_total"`
	MemoryTotalMB   int               `json:"memory_total_mb"`
	CPUUsed         int               `json:"cpu_used"`
	MemoryUsedMB    int               `json:"memory_used_mb"`
	Hypervisor      string            `json:"hypervisor,omitempty"`
	Capabilities    map[string]string `json:"capabilities,omitempty"`
	AgentURL        string            `json:"agent_url,omitempty"`
	LastHeartbeatAt *time.Time        `json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func viewNode(n state.NodeRecord) nodeView {
	return nodeView{
		ID: n.ID, Hostname: n.Hostname, Status: n.Status,
		CPUTotal: n.CPUTotal, MemoryTotalMB: n.MemoryTotalMB,
		CPUUsed: n.CPUUsed, MemoryUsedMB: n.MemoryUsedMB,
		Hypervisor: n.Hypervisor, Capabilities: n.Capabilities,
		AgentURL: n.AgentURL, LastHeartbeatAt: n.LastHeartbeatAt,
		CreatedAt: n.CreatedAt, UpdatedAt: n.UpdatedAt,
	}
}

type workloadView struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	Status           string            `json:"status"`
	Command          string            `json:"command"`
	Args             []string          `json:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	CPURequired      int               `json:"cpu_required"`
	MemoryRequiredMB int               `json:"memory_required_mb"`
	Constraints      map[string]string `json:"constraints,omitempty"`
	NodeID           string            `json:"node_id,omitempty"`
	Error            string            `json:"error,omitempty"`
	IP               string            `json:"ip,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	StoppedAt        *time.Time        `json:"stopped_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func viewWorkload(w state.WorkloadRecord) workloadView {
	return workloadView{
		ID: w.ID, Type: w.Type, Status: w.Status,
		Command: w.Command, Args: w.Args, Env: w.Env,
		CPURequired: w.CPURequired, MemoryRequiredMB: w.MemoryRequiredMB,
		Constraints: w.Constraints, NodeID: w.NodeID,
		Error: w.Error, IP: w.IP,
		StartedAt: w.StartedAt, StoppedAt: w.StoppedAt,
		CreatedAt: w.CreatedAt, UpdatedAt: w.UpdatedAt,
	}
}

type eventView struct {
	ID         string            `json:"id"`
	WorkloadID string            `json:"workload_id"`
	EventType  string            `json:"event_type"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	InsertedAt time.Time         `json:"inserted_at"`
}

func viewEvent(ev state.WorkloadEventRecord) eventView {
	return eventView{ID: ev.ID, WorkloadID: ev.WorkloadID, EventType: ev.EventType, Metadata: ev.Metadata, InsertedAt: ev.InsertedAt}
}

type ruleView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	RuleText    string    `json:"rule_text"`
	Enabled     bool      `json:"enabled"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func viewRule(r state.SchedulingRuleRecord) ruleView {
	return ruleView{
		ID: r.ID, Name: r.Name, Description: r.Description,
		RuleText: r.RuleText, Enabled: r.Enabled, Priority: r.Priority,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}
