// Package heartbeat reports this node's capacity and workload status
// to the coordinator.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/example/flock/pkg/flockapi"
	"github.com/example/flock/worker/internal/sysinfo"
)

type Client struct {
	baseURL      string
	hostname     string
	advertiseURL string
	hypervisor   string
	interval     time.Duration
	logger       *log.Logger
	httpClient   *http.Client

	mu     sync.Mutex
	nodeID string
}

func New(baseURL, hostname, advertiseURL, hypervisor string, interval time.Duration, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		hostname:     hostname,
		advertiseURL: advertiseURL,
		hypervisor:   hypervisor,
		interval:     interval,
		logger:       logger,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
	}
}

// NodeID is the id the coordinator assigned on first heartbeat, empty
// until then.
func (c *Client) NodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID
}

// Start sends one heartbeat immediately, then one per interval until
// ctx is done.
func (c *Client) Start(ctx context.Context) {
	if err := c.send(ctx); err != nil {
		c.logger.Printf("heartbeat failed: %v", err)
	}
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.send(ctx); err != nil {
				c.logger.Printf("heartbeat failed: %v", err)
			}
		}
	}
}

func (c *Client) send(ctx context.Context) error {
	cap := sysinfo.ReadCapacity()
	payload := flockapi.HeartbeatRequest{
		NodeID:        c.NodeID(),
		Hostname:      c.hostname,
		CPUTotal:      cap.CPUTotal,
		MemoryTotalMB: cap.MemoryTotalMB,
		CPUUsed:       cap.CPUUsed,
		MemoryUsedMB:  cap.MemoryUsedMB,
		Hypervisor:    c.hypervisor,
		Capabilities:  sysinfo.Capabilities(),
		AgentURL:      c.advertiseURL,
	}
	var resp flockapi.HeartbeatResponse
	if err := c.post(ctx, "/v1/heartbeat", payload, &resp); err != nil {
		return err
	}
	c.mu.Lock()
	c.nodeID = resp.NodeID
	c.mu.Unlock()
	return nil
}

// PushStatus reports a workload state change the node observed, such
// as a process exiting.
func (c *Client) PushStatus(ctx context.Context, workloadID, status, errMsg string) error {
	push := flockapi.StatusPush{WorkloadID: workloadID, Status: status, Error: errMsg}
	var out json.RawMessage
	return c.post(ctx, "/v1/workloads/"+workloadID+"/status", push, &out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("coordinator returned %s for %s", resp.Status, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
