package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/flock/internal/bus"
	"github.com/example/flock/internal/config"
	"github.com/example/flock/internal/coordinator"
	"github.com/example/flock/internal/dispatch"
	"github.com/example/flock/internal/factstore"
	"github.com/example/flock/internal/placement"
	"github.com/example/flock/internal/state"
	"github.com/example/flock/pkg/flockapi"
)

var t0 = time.Unix(1700000000, 0)

type okExecutor struct{}

func (okExecutor) Start(context.Context, state.WorkloadRecord, state.NodeRecord) (dispatch.StartResult, error) {
	return dispatch.StartResult{IP: "10.0.0.9"}, nil
}

func (okExecutor) Stop(context.Context, state.WorkloadRecord, state.NodeRecord) error { return nil }

func (okExecutor) Exec(context.Context, state.WorkloadRecord, state.NodeRecord, []string) (flockapi.ExecResponse, error) {
	return flockapi.ExecResponse{}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ms := state.NewMemoryStore()
	b := bus.New()
	logger := log.New(logWriter{t}, "", 0)
	fs, err := factstore.New(factstore.Options{
		Store: ms, Bus: b, Logger: logger,
		Clock: func() time.Time { return t0 },
	})
	if err != nil {
		t.Fatalf("factstore: %v", err)
	}
	if err := fs.Start(context.Background()); err != nil {
		t.Fatalf("factstore start: %v", err)
	}
	placer, err := placement.NewEngine(fs, config.StrategySpread, 1)
	if err != nil {
		t.Fatalf("placement: %v", err)
	}
	coord := coordinator.New(coordinator.Options{
		Store: ms, Bus: b, Facts: fs, Placer: placer,
		Dispatcher: dispatch.New(okExecutor{}, logger, nil),
		Logger:     logger,
		Clock:      func() time.Time { return t0 },
	})
	srv := httptest.NewServer(NewServer(coord, logger, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

type logWriter struct{ t *testing.T }

func (w logWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func heartbeat(t *testing.T, srv *httptest.Server, hostname string) flockapi.HeartbeatResponse {
	t.Helper()
	resp := postJSON(t, srv.URL+"/v1/heartbeat", flockapi.HeartbeatRequest{
		Hostname:      hostname,
		CPUTotal:      8,
		MemoryTotalMB: 16384,
		AgentURL:      "http://" + hostname + ":7421",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status = %d", resp.StatusCode)
	}
	var hb flockapi.HeartbeatResponse
	decodeBody(t, resp, &hb)
	return hb
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestHeartbeatRegistersNode(t *testing.T) {
	srv := newTestServer(t)
	hb := heartbeat(t, srv, "host-1")
	if hb.NodeID == "" || hb.Status != state.NodeAvailable {
		t.Fatalf("heartbeat response = %+v", hb)
	}

	resp, err := http.Get(srv.URL + "/v1/nodes/" + hb.NodeID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get node status = %d", resp.StatusCode)
	}
}

func TestHeartbeatWithoutIdentityIsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/v1/heartbeat", flockapi.HeartbeatRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDeployReturnsCreated(t *testing.T) {
	srv := newTestServer(t)
	heartbeat(t, srv, "host-1")

	resp := postJSON(t, srv.URL+"/v1/workloads", map[string]any{
		"type":               "process",
		"command":            "sleep",
		"args":               []string{"60"},
		"cpu_required":       2,
		"memory_required_mb": 1024,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var wl struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		IP     string `json:"ip"`
	}
	decodeBody(t, resp, &wl)
	if wl.Status != state.StatusRunning || wl.IP != "10.0.0.9" {
		t.Fatalf("workload = %+v", wl)
	}
}

func TestDeployInvalidTypeIsConflict(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/v1/workloads", map[string]any{
		"type": "container", "command": "x", "cpu_required": 1, "memory_required_mb": 64,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestUnknownWorkloadIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/workloads/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStopPendingWorkloadIsConflict(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/v1/workloads", map[string]any{
		"type": "process", "command": "sleep", "cpu_required": 1, "memory_required_mb": 64,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("deploy status = %d", resp.StatusCode)
	}
	var wl struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &wl)

	stop := postJSON(t, srv.URL+"/v1/workloads/"+wl.ID+"/stop", map[string]any{})
	if stop.StatusCode != http.StatusConflict {
		t.Fatalf("stop status = %d, want 409", stop.StatusCode)
	}
}

func TestRuleSyntaxErrorIsUnprocessable(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/v1/rules", map[string]any{
		"name": "broken", "rule_text": "not valid datalog", "enabled": true,
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestRuleRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/v1/rules", map[string]any{
		"name":      "prefer-available",
		"rule_text": `preferred(N) :- node(N, _, available).`,
		"enabled":   true,
		"priority":  10,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var rule struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &rule)

	get, err := http.Get(srv.URL + "/v1/rules/" + rule.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", get.StatusCode)
	}

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/rules/"+rule.ID, nil)
	if err != nil {
		t.Fatalf("build delete: %v", err)
	}
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", del.StatusCode)
	}
}

func TestClusterStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)
	heartbeat(t, srv, "host-1")
	resp, err := http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var status struct {
		Nodes map[string]int `json:"nodes"`
	}
	decodeBody(t, resp, &status)
	if status.Nodes[state.NodeAvailable] != 1 {
		t.Fatalf("nodes = %v", status.Nodes)
	}
}

func TestMalformedJSONIsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/v1/workloads", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
