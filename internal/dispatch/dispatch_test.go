package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/flock/internal/state"
	"github.com/example/flock/pkg/flockapi"
)

func agentServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestStartHappyPath(t *testing.T) {
	srv := agentServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/workloads/start" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req flockapi.StartWorkloadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.WorkloadID != "w1" || req.Command != "sleep" {
			t.Errorf("wrong request: %+v", req)
		}
		json.NewEncoder(w).Encode(flockapi.StartWorkloadResponse{
			WorkloadID: "w1", Status: "running", IP: "10.0.0.5",
		})
	})
	exec := NewHTTPExecutor()
	res, err := exec.Start(context.Background(),
		state.WorkloadRecord{ID: "w1", Type: state.WorkloadProcess, Command: "sleep", Args: []string{"60"}},
		state.NodeRecord{ID: "n1", AgentURL: srv.URL})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.IP != "10.0.0.5" {
		t.Fatalf("ip = %q", res.IP)
	}
}

func TestStartAgentRejection(t *testing.T) {
	srv := agentServer(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(flockapi.StartWorkloadResponse{
			WorkloadID: "w1", Status: "failed", Error: "no such binary",
		})
	})
	exec := NewHTTPExecutor()
	_, err := exec.Start(context.Background(),
		state.WorkloadRecord{ID: "w1"}, state.NodeRecord{ID: "n1", AgentURL: srv.URL})
	if err == nil || !strings.Contains(err.Error(), "no such binary") {
		t.Fatalf("expected the agent's error, got %v", err)
	}
}

func TestStopUnknownWorkloadMapsToNotFound(t *testing.T) {
	srv := agentServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(flockapi.ErrorResponse{Error: "unknown workload"})
	})
	exec := NewHTTPExecutor()
	err := exec.Stop(context.Background(),
		state.WorkloadRecord{ID: "w1"}, state.NodeRecord{ID: "n1", AgentURL: srv.URL})
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMissingAgentURLIsUnreachable(t *testing.T) {
	exec := NewHTTPExecutor()
	_, err := exec.Start(context.Background(), state.WorkloadRecord{ID: "w1"}, state.NodeRecord{ID: "n1"})
	if !errors.Is(err, state.ErrAgentUnreachable) {
		t.Fatalf("expected ErrAgentUnreachable, got %v", err)
	}
}

func TestTransportFailureIsUnreachable(t *testing.T) {
	srv := agentServer(t, func(http.ResponseWriter, *http.Request) {})
	url := srv.URL
	srv.Close()
	exec := NewHTTPExecutor()
	_, err := exec.Start(context.Background(), state.WorkloadRecord{ID: "w1"}, state.NodeRecord{ID: "n1", AgentURL: url})
	if !errors.Is(err, state.ErrAgentUnreachable) {
		t.Fatalf("expected ErrAgentUnreachable, got %v", err)
	}
}

func TestAgentErrorBodySurfaces(t *testing.T) {
	srv := agentServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(flockapi.ErrorResponse{Error: "disk full"})
	})
	exec := NewHTTPExecutor()
	err := exec.Stop(context.Background(), state.WorkloadRecord{ID: "w1"}, state.NodeRecord{ID: "n1", AgentURL: srv.URL})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected the agent error body, got %v", err)
	}
}

func TestExecRoundTrip(t *testing.T) {
	srv := agentServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req flockapi.ExecRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(req.Command) != 2 || req.Command[0] != "cat" {
			t.Errorf("wrong command: %v", req.Command)
		}
		json.NewEncoder(w).Encode(flockapi.ExecResponse{ExitCode: 0, Stdout: "hello"})
	})
	exec := NewHTTPExecutor()
	resp, err := exec.Exec(context.Background(),
		state.WorkloadRecord{ID: "w1"}, state.NodeRecord{ID: "n1", AgentURL: srv.URL},
		[]string{"cat", "/etc/hostname"})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if resp.Stdout != "hello" || resp.ExitCode != 0 {
		t.Fatalf("resp = %+v", resp)
	}
}
