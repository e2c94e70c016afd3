package coordinator

import (
	"context"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"
)

// HealthMonitor runs the liveness sweep. Nodes report liveness by sending
// heartbeats; the monitor never probes them. On every tick it demotes each
// active node whose last heartbeat is older than the timeout.
//
// State transitions driven by the monitor:
//
//	ACTIVE ──(no heartbeat for timeout)──▶ SUSPECT (active=false)
//
// The reverse transition happens in Registry.Heartbeat and Registry.Register.
//
// Thread Safety:
// All methods are safe for concurrent access. Start blocks and should run in
// its own goroutine.
type HealthMonitor struct {
	registry    *Registry
	onUnhealthy func(nodeID int) // invoked asynchronously for each demotion
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration // sweep period
	timeout     time.Duration // heartbeat age that demotes a node
	mu          sync.RWMutex  // protects onUnhealthy
	wg          sync.WaitGroup
}

// NewHealthMonitor creates a monitor that sweeps registry every interval and
// demotes nodes silent for longer than timeout.
//
// Parameters:
//   - registry: node records to sweep
//   - interval: how often to sweep (default deployment: 10s)
//   - timeout: heartbeat age after which a node is inactive (default: 15s)
//
// Example:
//
//	monitor := NewHealthMonitor(reg, 10*time.Second, 15*time.Second)
//	monitor.SetOnUnhealthy(coord.scheduleRepair)
//	go monitor.Start(ctx)
func NewHealthMonitor(registry *Registry, interval, timeout time.Duration) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		registry: registry,
		interval: interval,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetOnUnhealthy sets the callback invoked when the sweep demotes a node.
// The callback runs in its own goroutine.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// Start runs the sweep loop in the current goroutine until ctx is cancelled
// or Stop is called.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	logs.Infof("health monitor: started (interval %v, timeout %v)", h.interval, h.timeout)

	for {
		select {
		case <-ticker.C:
			h.Sweep()
		case <-ctx.Done():
			logs.Debugf("health monitor: context cancelled")
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop terminates Start and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	logs.Infof("health monitor: stopped")
}

// Sweep performs one liveness pass and returns the ids it demoted.
//
// Implementation:
//  1. Collect active nodes whose heartbeat is older than timeout
//  2. Mark each inactive; a node revived concurrently may already be active
//     again, in which case MarkInactive still demotes it until its next beat
//  3. Fire the callback for every node that actually changed state
func (h *HealthMonitor) Sweep() []int {
	var demoted []int
	for _, id := range h.registry.Stale(h.timeout) {
		if !h.registry.MarkInactive(id) {
			continue
		}
		logs.Warnf("health monitor: node %d missed heartbeats for %v, marked inactive", id, h.timeout)
		demoted = append(demoted, id)

		h.mu.RLock()
		cb := h.onUnhealthy
		h.mu.RUnlock()
		if cb != nil {
			go cb(id)
		}
	}
	return demoted
}
