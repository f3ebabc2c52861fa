package it

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cheddar/seaport/internal/config"
	"github.com/cheddar/seaport/internal/node"
	"github.com/cheddar/seaport/internal/registry"
)

// Cluster represents a test cluster of in-process nodes
type Cluster struct {
	nodes []*Node
	mu    sync.Mutex
}

// Node represents a single node in the test cluster
type Node struct {
	ID       string
	Addr     string
	WSAddr   string
	HTTPAddr string
	IsServer bool
	Peers    []string

	node   *node.Node
	cancel context.CancelFunc
	done   chan error
}

// NewCluster creates a new test cluster harness
func NewCluster() *Cluster {
	return &Cluster{
		nodes: make([]*Node, 0),
	}
}

// StartNode starts a single node that dials peers ("id=addr" entries).
// listen may be empty to pick a free port.
func (c *Cluster) StartNode(ctx context.Context, nodeID, listen string, isServer bool, peers []string) (*Node, error) {
	if listen == "" {
		listen = "127.0.0.1:0"
	}
	cfg := config.Defaults()
	cfg.NodeID = nodeID
	cfg.Listen = listen
	cfg.WSListen = "127.0.0.1:0"
	cfg.MetricsListen = "127.0.0.1:0"
	cfg.IsServer = isServer
	cfg.Peers = strings.Join(peers, ",")
	cfg.Fanout = 0
	cfg.DialTimeout = 2 * time.Second
	cfg.ReconnectInterval = 200 * time.Millisecond
	if len(peers) > 0 {
		cfg.MinPeers = 1
	}

	nd, err := node.NewNode(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create node %s: %w", nodeID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- nd.Start(runCtx) }()

	select {
	case <-nd.Ready():
	case err := <-done:
		cancel()
		return nil, fmt.Errorf("failed to start node %s: %w", nodeID, err)
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	n := &Node{
		ID:       nodeID,
		Addr:     nd.Addr().String(),
		WSAddr:   nd.WSAddr().String(),
		HTTPAddr: nd.HTTPAddr().String(),
		IsServer: isServer,
		Peers:    peers,
		node:     nd,
		cancel:   cancel,
		done:     done,
	}

	// Wait for node to be ready
	if err := c.waitForReady(ctx, n, 10*time.Second); err != nil {
		n.Stop()
		return nil, fmt.Errorf("node %s failed to become ready: %w", nodeID, err)
	}

	c.mu.Lock()
	c.nodes = append(c.nodes, n)
	c.mu.Unlock()
	return n, nil
}

// waitForReady waits for a node to be ready by checking health endpoint
func (c *Cluster) waitForReady(ctx context.Context, n *Node, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-n.done:
			n.done <- err
			return fmt.Errorf("node %s exited: %v", n.ID, err)
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout waiting for node %s to be ready", n.ID)
			}

			resp, err := http.Get("http://" + n.HTTPAddr + "/healthz")
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
	}
}

// Stop stops all nodes in the cluster
func (c *Cluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.nodes {
		n.Stop()
	}
	c.nodes = nil
}

// Stop stops a single node and waits for it to shut down
func (n *Node) Stop() error {
	if n.cancel == nil {
		return nil
	}
	n.cancel()
	n.cancel = nil
	return <-n.done
}

// Registry returns the node's registry
func (n *Node) Registry() *registry.Registry {
	return n.node.Registry()
}

// Services queries the node's HTTP endpoint
func (n *Node) Services(ctx context.Context, filter string) ([]registry.Service, error) {
	u := "http://" + n.HTTPAddr + "/services?filter=" + url.QueryEscape(filter)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("services on %s: status %d", n.ID, resp.StatusCode)
	}
	var out []registry.Service
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode services: %w", err)
	}
	return out, nil
}

// StartCluster starts one server and two clients that dial it
func (c *Cluster) StartCluster(ctx context.Context) error {
	server, err := c.StartNode(ctx, "n1", "", true, nil)
	if err != nil {
		c.Stop()
		return err
	}
	seed := "n1=" + server.Addr
	for i := 2; i <= 3; i++ {
		nodeID := fmt.Sprintf("n%d", i)
		if _, err := c.StartNode(ctx, nodeID, "", false, []string{seed}); err != nil {
			c.Stop()
			return fmt.Errorf("failed to start node %s: %w", nodeID, err)
		}
	}
	return nil
}

// GetNode returns a node by ID
func (c *Cluster) GetNode(nodeID string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.nodes {
		if n.ID == nodeID {
			return n
		}
	}
	return nil
}

// KillNode stops a specific node and removes it from the cluster
func (c *Cluster) KillNode(nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, n := range c.nodes {
		if n.ID == nodeID {
			c.nodes = append(c.nodes[:i], c.nodes[i+1:]...)
			if err := n.Stop(); err != nil {
				return fmt.Errorf("failed to stop node %s: %w", nodeID, err)
			}
			return nil
		}
	}
	return fmt.Errorf("node %s not found", nodeID)
}

// RestartNode restarts a stopped node on its previous address with the same
// id and peers
func (c *Cluster) RestartNode(ctx context.Context, prev *Node) (*Node, error) {
	return c.StartNode(ctx, prev.ID, prev.Addr, prev.IsServer, prev.Peers)
}
