package network

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/kadsim/internal/keyspace"
)

// Health states reported in NodeHealth.Status.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth tracks the health status of a single node.
type NodeHealth struct {
	LastCheck        time.Time   // Timestamp of the last check
	LastHealthy      time.Time   // Timestamp of the last successful check
	NodeID           keyspace.ID // Node being checked
	Status           string      // StatusUnknown, StatusHealthy or StatusUnhealthy
	ConsecutiveFails int         // Checks failed in a row
}

// HealthMonitor checks every node of a network on a fixed interval and reports
// nodes that fail maxFailures checks in a row.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[keyspace.ID]*NodeHealth
	checkFunc   func(ctx context.Context, id keyspace.ID) error
	onUnhealthy func(id keyspace.ID)
	log         *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	mu          sync.RWMutex // Protects nodes
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor that checks every interval. A nil logger
// disables logging. The monitor does nothing until Start is called.
//
// Example:
//
//	monitor := NewHealthMonitor(time.Second, logger)
//	monitor.SetCheckFunction(ping)
//	go monitor.Start(ctx, net.IDs)
func NewHealthMonitor(interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &HealthMonitor{
		interval:    interval,
		maxFailures: DefaultMaxFailures,
		nodes:       make(map[keyspace.ID]*NodeHealth),
		log:         logger.Named("health"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnUnhealthy sets the callback invoked once when a node turns unhealthy.
// The callback runs on its own goroutine.
func (h *HealthMonitor) SetOnUnhealthy(callback func(id keyspace.ID)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// SetCheckFunction sets the check. A nil error means the node is healthy.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, id keyspace.ID) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = checkFunc
}

// Start checks the nodes returned by nodeProvider once immediately and then
// every interval. It blocks until ctx or the monitor is cancelled. A nil ctx
// uses the monitor's own.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []keyspace.ID) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info("health monitor started", zap.Duration("interval", h.interval))

	h.checkAllNodes(ctx, nodeProvider())
	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(ctx, nodeProvider())
		case <-ctx.Done():
			h.log.Debug("health monitor stopping")
			return
		}
	}
}

// Stop cancels the monitor and waits for Start to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// checkAllNodes checks each node and drops records of nodes no longer present.
func (h *HealthMonitor) checkAllNodes(ctx context.Context, ids []keyspace.ID) {
	current := make(map[keyspace.ID]bool, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		current[id] = true
		h.checkNode(ctx, id)
	}

	h.mu.Lock()
	for id := range h.nodes {
		if !current[id] {
			delete(h.nodes, id)
			h.log.Debug("removed node from health monitoring", zap.String("node", id.Short()))
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkNode(ctx context.Context, id keyspace.ID) {
	h.mu.Lock()
	health, exists := h.nodes[id]
	if !exists {
		now := time.Now()
		health = &NodeHealth{
			NodeID:      id,
			Status:      StatusUnknown,
			LastCheck:   now,
			LastHealthy: now,
		}
		h.nodes[id] = health
	}
	check := h.checkFunc
	h.mu.Unlock()

	var err error
	if check != nil {
		err = check(ctx, id)
	}
	if ctx.Err() != nil {
		// Shutting down; a cancelled check says nothing about the node.
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err == nil {
		if health.Status == StatusUnhealthy {
			h.log.Info("node recovered", zap.String("node", id.Short()))
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		return
	}

	health.ConsecutiveFails++
	h.log.Debug("health check failed",
		zap.String("node", id.Short()),
		zap.Int("attempt", health.ConsecutiveFails),
		zap.Int("max", h.maxFailures),
		zap.Error(err))

	if health.ConsecutiveFails < h.maxFailures || health.Status == StatusUnhealthy {
		return
	}
	health.Status = StatusUnhealthy
	h.log.Warn("node marked unhealthy",
		zap.String("node", id.Short()),
		zap.Int("failures", health.ConsecutiveFails))
	if h.onUnhealthy != nil {
		go h.onUnhealthy(id)
	}
}

// GetNodeHealth returns a copy of the record for id, or nil if it is not monitored.
func (h *HealthMonitor) GetNodeHealth(id keyspace.ID) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[id]
	if !exists {
		return nil
	}
	c := *health
	return &c
}

// GetAllNodeHealth returns copies of every record.
func (h *HealthMonitor) GetAllNodeHealth() map[keyspace.ID]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[keyspace.ID]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		c := *health
		result[id] = &c
	}
	return result
}

// IsHealthy reports whether id passed its latest check. Unmonitored nodes are
// not healthy.
func (h *HealthMonitor) IsHealthy(id keyspace.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[id]
	return exists && health.Status == StatusHealthy
}
