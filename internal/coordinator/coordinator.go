package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"

	"github.com/dreamware/quorumledger/internal/cluster"
	"github.com/dreamware/quorumledger/internal/config"
)

// ErrUnknownNode is returned for operations naming a node id that never
// registered.
var ErrUnknownNode = errors.New("unknown node")

// Options configures a Coordinator. Zero durations fall back to the
// defaults of config.Default.
type Options struct {
	// LivenessTimeout is the heartbeat age after which a node is inactive.
	LivenessTimeout time.Duration
	// SweepInterval is the period of the liveness sweep.
	SweepInterval time.Duration
	// Timeouts bound every coordinator-to-node RPC.
	Timeouts config.Timeouts
}

// OptionsFromConfig builds Options from a validated configuration.
func OptionsFromConfig(cfg config.Config) (Options, error) {
	if err := cfg.ValidateCoordinator(); err != nil {
		return Options{}, err
	}
	return Options{
		LivenessTimeout: cfg.Coordinator.LivenessTimeout,
		SweepInterval:   cfg.Coordinator.SweepInterval,
		Timeouts:        cfg.Timeouts,
	}, nil
}

func (o Options) withDefaults() Options {
	def := config.Default()
	orDefault := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	orDefault(&o.LivenessTimeout, def.Coordinator.LivenessTimeout)
	orDefault(&o.SweepInterval, def.Coordinator.SweepInterval)
	orDefault(&o.Timeouts.Query, def.Timeouts.Query)
	orDefault(&o.Timeouts.Transfer, def.Timeouts.Transfer)
	orDefault(&o.Timeouts.QuorumWait, def.Timeouts.QuorumWait)
	orDefault(&o.Timeouts.Audit, def.Timeouts.Audit)
	orDefault(&o.Timeouts.Freeze, def.Timeouts.Freeze)
	orDefault(&o.Timeouts.Snapshot, def.Timeouts.Snapshot)
	orDefault(&o.Timeouts.RepairDelay, def.Timeouts.RepairDelay)
	return o
}

// Coordinator routes client requests to worker nodes and keeps the replica
// registry current.
//
// Architecture:
//
//	clients ──▶ client port ──▶ QueryBalance / Transfer / Audit
//	                                   │
//	                                   ▼
//	                         LoadBalancer ◀── Registry ◀── node port
//	                                   │         ▲      (REGISTRO, HEARTBEAT)
//	                                   ▼         │
//	                              worker nodes   HealthMonitor (sweep)
//
// Thread Safety:
// All exported methods are safe for concurrent use. Global audits are
// serialized; everything else runs concurrently and synchronizes through
// the Registry.
type Coordinator struct {
	opts     Options
	registry *Registry
	balancer *LoadBalancer
	monitor  *HealthMonitor

	// call performs one RPC; tests substitute scripted nodes.
	call cluster.CallFunc

	client *cluster.Server
	nodes  *cluster.Server

	auditMu  sync.Mutex
	inflight sync.Map // repair task key → struct{}

	mu     sync.Mutex // protects closed
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator with an empty registry. Nothing listens until
// Start is called.
//
// Example:
//
//	opts, err := coordinator.OptionsFromConfig(cfg)
//	if err != nil {
//	    return err
//	}
//	c := coordinator.New(opts)
//	if err := c.Start(cfg.Coordinator.ClientAddr(), cfg.Coordinator.NodeAddr()); err != nil {
//	    return err
//	}
//	defer c.Close()
func New(opts Options) *Coordinator {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewRegistry()
	c := &Coordinator{
		opts:     opts,
		registry: reg,
		balancer: NewLoadBalancer(reg),
		monitor:  NewHealthMonitor(reg, opts.SweepInterval, opts.LivenessTimeout),
		call:     cluster.Call,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.monitor.SetOnUnhealthy(c.scheduleRepair)
	c.client = cluster.NewServer("coordinator/client", cluster.HandlerFunc(c.serveClient))
	c.nodes = cluster.NewServer("coordinator/nodes", cluster.HandlerFunc(c.serveNode))
	return c
}

// Registry exposes the node and replica registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Balancer exposes the load balancer.
func (c *Coordinator) Balancer() *LoadBalancer { return c.balancer }

// Start binds the client and node listeners, then serves both and runs the
// liveness sweep in the background until Close.
//
// Parameters:
//   - clientAddr: listen address for client requests (e.g. ":5000")
//   - nodeAddr: listen address for node registration and heartbeats
//     (e.g. ":5001")
//
// Returns:
//   - error: if either address cannot be bound; nothing is left running
func (c *Coordinator) Start(clientAddr, nodeAddr string) error {
	if err := c.client.Listen(clientAddr); err != nil {
		return fmt.Errorf("coordinator: listen clients on %s: %w", clientAddr, err)
	}
	if err := c.nodes.Listen(nodeAddr); err != nil {
		c.client.Close()
		return fmt.Errorf("coordinator: listen nodes on %s: %w", nodeAddr, err)
	}

	for _, srv := range []*cluster.Server{c.client, c.nodes} {
		c.goBackground(func(context.Context) {
			if err := srv.Serve(); err != nil {
				logs.Errorf(err, "coordinator: server stopped")
			}
		})
	}
	c.goBackground(c.monitor.Start)
	logs.Infof("coordinator: clients on %s, nodes on %s", c.client.Addr(), c.nodes.Addr())
	return nil
}

// ClientAddr returns the bound client listener address.
func (c *Coordinator) ClientAddr() string { return c.client.Addr() }

// NodeAddr returns the bound node listener address.
func (c *Coordinator) NodeAddr() string { return c.nodes.Addr() }

// Close stops the listeners, the sweep and pending repairs, and waits for
// background goroutines to exit.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	err := errors.Join(c.client.Close(), c.nodes.Close())
	c.monitor.Stop()
	c.wg.Wait()
	logs.Infof("coordinator: stopped")
	return err
}

// goBackground runs fn on a tracked goroutine. It returns false once Close
// has started.
func (c *Coordinator) goBackground(fn func(ctx context.Context)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
	return true
}

// Register applies a node registration. A node that comes back after being
// marked inactive is scheduled for repair.
func (c *Coordinator) Register(reg cluster.Registration) {
	rejoined := c.registry.Register(reg)
	keys := make([]string, 0, len(reg.Partitions))
	for _, p := range reg.Partitions {
		keys = append(keys, p.Key())
	}
	logs.Infof("coordinator: node %d registered at %s hosting %v", reg.Node.ID, reg.Node.Addr(), keys)
	if rejoined {
		logs.Infof("coordinator: node %d rejoined after being inactive", reg.Node.ID)
		c.scheduleRepair(reg.Node.ID)
	}
}

// Heartbeat records a heartbeat. Heartbeats from unknown ids are ignored.
func (c *Coordinator) Heartbeat(id int) {
	known, revived := c.registry.Heartbeat(id)
	if !known {
		logs.Warnf("coordinator: heartbeat from unregistered node %d", id)
		return
	}
	logs.Debugf("coordinator: heartbeat from node %d", id)
	if revived {
		logs.Infof("coordinator: node %d is alive again", id)
		c.scheduleRepair(id)
	}
}

// callNode sends one line to a node with the given timeout, counting the
// call in the node's in-flight load.
func (c *Coordinator) callNode(ctx context.Context, id int, line string, timeout time.Duration) (string, error) {
	rec, ok := c.registry.Node(id)
	if !ok {
		return "", fmt.Errorf("%w: %w %d", cluster.ErrNodeUnreachable, ErrUnknownNode, id)
	}
	rec.load.Add(1)
	defer rec.load.Add(-1)

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.call(cctx, rec.Info().Addr(), line)
}

// markUnreachable demotes a node after a failed RPC.
func (c *Coordinator) markUnreachable(id int, err error) {
	if c.registry.MarkInactive(id) {
		logs.Warnf("coordinator: node %d marked inactive: %v", id, err)
	}
}
