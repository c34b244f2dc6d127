// Package dispatch carries start and stop commands from the
// coordinator to the agent that owns the target node. Start is
// synchronous with a deadline; stop is fire-and-forget.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/example/flock/internal/observability"
	"github.com/example/flock/internal/state"
	"github.com/example/flock/pkg/flockapi"
)

const (
	startTimeout = 30 * time.Second
	stopTimeout  = 60 * time.Second
)

// StartResult is what a successful start reports back.
type StartResult struct {
	IP string
}

// Executor reaches the runtime that actually starts and stops
// workloads on a node.
type Executor interface {
	Start(ctx context.Context, w state.WorkloadRecord, n state.NodeRecord) (StartResult, error)
	Stop(ctx context.Context, w state.WorkloadRecord, n state.NodeRecord) error
	Exec(ctx context.Context, w state.WorkloadRecord, n state.NodeRecord, command []string) (flockapi.ExecResponse, error)
}

// HTTPExecutor talks to the agent listening at the node's agent URL.
type HTTPExecutor struct {
	client *http.Client
}

func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{client: &http.Client{}}
}

func (e *HTTPExecutor) Start(ctx context.Context, w state.WorkloadRecord, n state.NodeRecord) (StartResult, error) {
	req := flockapi.StartWorkloadRequest{
		WorkloadID:       w.ID,
		Type:             w.Type,
		Command:          w.Command,
		Args:             w.Args,
		Env:              w.Env,
		CPURequired:      w.CPURequired,
		MemoryRequiredMB: w.MemoryRequiredMB,
	}
	var resp flockapi.StartWorkloadResponse
	if err := e.post(ctx, n, "/v1/workloads/start", req, &resp); err != nil {
		return StartResult{}, err
	}
	if resp.Error != "" {
		return StartResult{}, fmt.Errorf("agent rejected start: %s", resp.Error)
	}
	return StartResult{IP: resp.IP}, nil
}

func (e *HTTPExecutor) Stop(ctx context.Context, w state.WorkloadRecord, n state.NodeRecord) error {
	var resp flockapi.StopWorkloadResponse
	return e.post(ctx, n, "/v1/workloads/stop", flockapi.StopWorkloadRequest{WorkloadID: w.ID}, &resp)
}

func (e *HTTPExecutor) Exec(ctx context.Context, w state.WorkloadRecord, n state.NodeRecord, command []string) (flockapi.ExecResponse, error) {
	var resp flockapi.ExecResponse
	err := e.post(ctx, n, "/v1/workloads/exec", flockapi.ExecRequest{WorkloadID: w.ID, Command: command}, &resp)
	return resp, err
}

func (e *HTTPExecutor) post(ctx context.Context, n state.NodeRecord, path string, in, out any) error {
	if n.AgentURL == "" {
		return fmt.Errorf("%w: node %s has no agent url", state.ErrAgentUnreachable, n.ID)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.AgentURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: %s%s", state.ErrTimeout, n.AgentURL, path)
		}
		return fmt.Errorf("%w: %v", state.ErrAgentUnreachable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", state.ErrAgentUnreachable, err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("%w: agent has no workload", state.ErrNotFound)
	default:
		var er flockapi.ErrorResponse
		if json.Unmarshal(raw, &er) == nil && er.Error != "" {
			return fmt.Errorf("agent error: %s", er.Error)
		}
		return fmt.Errorf("agent returned %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Dispatcher wraps an Executor with the timeout policy and error
// taxonomy the coordinator expects.
type Dispatcher struct {
	exec    Executor
	logger  *log.Logger
	metrics *observability.Registry
}

func New(exec Executor, logger *log.Logger, metrics *observability.Registry) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	if metrics == nil {
		metrics = observability.Default
	}
	return &Dispatcher{exec: exec, logger: logger, metrics: metrics}
}

// Start dispatches synchronously and waits up to the start deadline
// (30 s for process workloads, 60 s for microvm workloads) for the
// agent to report the workload running.
func (d *Dispatcher) Start(ctx context.Context, w state.WorkloadRecord, n state.NodeRecord) (StartResult, error) {
	timeout := startTimeout
	if w.Type == state.WorkloadMicroVM {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "dispatch.start")
	defer span.End()
	res, err := d.exec.Start(ctx, w, n)
	if err != nil {
		d.metrics.IncCounter("flock_dispatch_total", map[string]string{"op": "start", "outcome": "error"}, 1)
		return StartResult{}, err
	}
	d.metrics.IncCounter("flock_dispatch_total", map[string]string{"op": "start", "outcome": "ok"}, 1)
	return res, nil
}

// Stop dispatches in the background. Failures are logged and counted,
// not returned; the workload record has already moved on and a failed
// stop is not retried.
func (d *Dispatcher) Stop(w state.WorkloadRecord, n state.NodeRecord) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		ctx, span := observability.StartSpan(ctx, "dispatch.stop")
		defer span.End()
		if err := d.exec.Stop(ctx, w, n); err != nil {
			d.logger.Printf("dispatch: stop %s on %s: %v", w.ID, n.ID, err)
			d.metrics.IncCounter("flock_dispatch_total", map[string]string{"op": "stop", "outcome": "error"}, 1)
			return
		}
		d.metrics.IncCounter("flock_dispatch_total", map[string]string{"op": "stop", "outcome": "ok"}, 1)
	}()
}

// Exec runs a command inside a running workload and returns its
// output.
func (d *Dispatcher) Exec(ctx context.Context, w state.WorkloadRecord, n state.NodeRecord, command []string) (flockapi.ExecResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	return d.exec.Exec(ctx, w, n, command)
}
