// Package server is the agent's RPC surface the coordinator
// dispatches to.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/flock/pkg/flockapi"
	"github.com/example/flock/worker/internal/executor"
)

type Server struct {
	exec   *executor.Executor
	logger *log.Logger
	router *mux.Router
}

func New(exec *executor.Executor, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{exec: exec, logger: logger, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/workloads/start", s.handleStart).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/workloads/stop", s.handleStop).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/workloads/exec", s.handleExec).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/workloads", s.handleList).Methods(http.MethodGet)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req flockapi.StartWorkloadRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.exec.Start(req); err != nil {
		s.logger.Printf("agent: start %s: %v", req.WorkloadID, err)
		writeJSON(w, http.StatusOK, flockapi.StartWorkloadResponse{
			WorkloadID: req.WorkloadID,
			Status:     "failed",
			Error:      err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, flockapi.StartWorkloadResponse{
		WorkloadID: req.WorkloadID,
		Status:     "running",
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req flockapi.StopWorkloadRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.exec.Stop(r.Context(), req.WorkloadID); err != nil {
		if errors.Is(err, executor.ErrUnknownWorkload) {
			writeJSON(w, http.StatusNotFound, flockapi.ErrorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, flockapi.ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, flockapi.StopWorkloadResponse{WorkloadID: req.WorkloadID, Status: "stopped"})
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req flockapi.ExecRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.exec.Exec(r.Context(), req.WorkloadID, req.Command)
	if err != nil {
		if errors.Is(err, executor.ErrUnknownWorkload) {
			writeJSON(w, http.StatusNotFound, flockapi.ErrorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, flockapi.ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"running": s.exec.Running()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, flockapi.ErrorResponse{Error: err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
