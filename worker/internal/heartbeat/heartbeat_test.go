package heartbeat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/flock/pkg/flockapi"
)

func newCoordinatorStub(t *testing.T, nodeID string) (*httptest.Server, chan flockapi.HeartbeatRequest) {
	t.Helper()
	beats := make(chan flockapi.HeartbeatRequest, 8)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var req flockapi.HeartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode heartbeat: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		beats <- req
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(flockapi.HeartbeatResponse{NodeID: nodeID, Status: "available"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, beats
}

func recvBeat(t *testing.T, beats chan flockapi.HeartbeatRequest) flockapi.HeartbeatRequest {
	t.Helper()
	select {
	case b := <-beats:
		return b
	case <-time.After(2 * time.Second):
		t.Fatalf("no heartbeat received")
		return flockapi.HeartbeatRequest{}
	}
}

func TestSendRegistersAndAdoptsNodeID(t *testing.T) {
	srv, beats := newCoordinatorStub(t, "node-abc")
	c := New(srv.URL, "agent-1", "http://agent-1:7421", "firecracker", time.Minute, nil)

	if err := c.send(context.Background()); err != nil {
		t.Fatalf("send: %v", err)
	}
	first := recvBeat(t, beats)
	if first.NodeID != "" {
		t.Fatalf("first heartbeat must not carry a node id, got %q", first.NodeID)
	}
	if first.Hostname != "agent-1" || first.AgentURL != "http://agent-1:7421" || first.Hypervisor != "firecracker" {
		t.Fatalf("heartbeat identity = %+v", first)
	}
	if first.CPUTotal <= 0 || first.MemoryTotalMB <= 0 {
		t.Fatalf("capacity not reported: %+v", first)
	}
	if c.NodeID() != "node-abc" {
		t.Fatalf("node id = %q", c.NodeID())
	}

	if err := c.send(context.Background()); err != nil {
		t.Fatalf("second send: %v", err)
	}
	second := recvBeat(t, beats)
	if second.NodeID != "node-abc" {
		t.Fatalf("second heartbeat must carry the assigned node id, got %q", second.NodeID)
	}
}

func TestStartSendsImmediately(t *testing.T) {
	srv, beats := newCoordinatorStub(t, "node-abc")
	c := New(srv.URL, "agent-1", "http://agent-1:7421", "", time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()
	recvBeat(t, beats)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Start did not return after cancel")
	}
}

func TestPushStatus(t *testing.T) {
	pushes := make(chan flockapi.StatusPush, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/workloads/w1/status", func(w http.ResponseWriter, r *http.Request) {
		var p flockapi.StatusPush
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode push: %v", err)
		}
		pushes <- p
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": "w1"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(srv.URL, "agent-1", "http://agent-1:7421", "", time.Minute, nil)
	if err := c.PushStatus(context.Background(), "w1", "failed", "exit status 3"); err != nil {
		t.Fatalf("push status: %v", err)
	}
	select {
	case p := <-pushes:
		if p.WorkloadID != "w1" || p.Status != "failed" || p.Error != "exit status 3" {
			t.Fatalf("push = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("push never arrived")
	}
}

func TestPostSurfacesCoordinatorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, "agent-1", "http://agent-1:7421", "", time.Minute, nil)
	if err := c.send(context.Background()); err == nil {
		t.Fatalf("expected error on 500 response")
	}
}
