package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/quorumledger/internal/cluster"
	"github.com/dreamware/quorumledger/internal/config"
	"github.com/dreamware/quorumledger/internal/ledger"
)

// Options configures a Node.
type Options struct {
	ID          int
	AdvertiseIP string
	// Port is the advertised peer port. It is also the listen port unless
	// Listen says otherwise.
	Port   int
	Listen string

	// Coordinator is the host:port of the coordinator's node listener.
	// Empty disables membership (useful for standalone peers in tests).
	Coordinator string
	// Sibling receives replica pushes and is polled by the repair sweep.
	// Empty disables both.
	Sibling string

	DataDir    string
	Partitions []int

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	RepairInterval    time.Duration
	FreezeLease       time.Duration
	PeerTimeout       time.Duration
}

// OptionsFromConfig builds Options from a validated configuration.
func OptionsFromConfig(cfg config.Config) (Options, error) {
	if err := cfg.ValidateNode(); err != nil {
		return Options{}, err
	}
	port, err := cfg.Node.Port()
	if err != nil {
		return Options{}, err
	}
	return Options{
		ID:                cfg.Node.ID,
		AdvertiseIP:       cfg.Node.AdvertiseIP,
		Port:              port,
		Listen:            cfg.Node.Listen,
		Coordinator:       cfg.Node.Coordinator,
		Sibling:           cfg.Node.Sibling,
		DataDir:           cfg.Node.DataDir,
		Partitions:        append([]int(nil), cfg.Node.Partitions...),
		HeartbeatInterval: cfg.Node.HeartbeatInterval,
		ReconnectDelay:    cfg.Node.ReconnectDelay,
		RepairInterval:    cfg.Node.RepairInterval,
		FreezeLease:       cfg.Node.FreezeLease,
		PeerTimeout:       cfg.Timeouts.Snapshot,
	}, nil
}

// PartitionFile returns the data file of one partition replica.
//
// Example:
//
//	PartitionFile("./data", 2, 1) // "data/particion_2_rep1.dat"
func PartitionFile(dataDir string, partitionID, nodeID int) string {
	return filepath.Join(dataDir, fmt.Sprintf("particion_%d_rep%d.dat", partitionID, nodeID))
}

// Node is a worker process: a fixed set of partition stores plus the
// listeners and loops that expose them to the cluster.
//
// The partition map is built once in New and never modified, so lookups
// need no locking. Each Store serializes its own mutations.
type Node struct {
	opts       Options
	partitions map[int]*ledger.Store

	call cluster.CallFunc
	send func(ctx context.Context, addr, line string) error

	server  *cluster.Server
	pushers map[int]*siblingPusher

	registered chan struct{}
	regOnce    sync.Once

	pushes sync.WaitGroup
}

// New opens every configured partition file, creating empty ones as needed.
func New(opts Options) (*Node, error) {
	if opts.ID <= 0 {
		return nil, errors.New("worker: node id must be positive")
	}
	if len(opts.Partitions) == 0 {
		return nil, errors.New("worker: no partitions configured")
	}
	if opts.FreezeLease <= 0 {
		opts.FreezeLease = 30 * time.Second
	}
	if opts.PeerTimeout <= 0 {
		opts.PeerTimeout = 30 * time.Second
	}

	n := &Node{
		opts:       opts,
		partitions: make(map[int]*ledger.Store, len(opts.Partitions)),
		call:       cluster.Call,
		send:       cluster.Send,
		registered: make(chan struct{}),
		pushers:    make(map[int]*siblingPusher, len(opts.Partitions)),
	}
	for _, pid := range opts.Partitions {
		if !cluster.ValidPartition(pid) {
			return nil, fmt.Errorf("worker: unknown partition %d", pid)
		}
		if _, dup := n.partitions[pid]; dup {
			return nil, fmt.Errorf("worker: partition %d listed twice", pid)
		}
		store, err := ledger.Open(pid, PartitionFile(opts.DataDir, pid, opts.ID))
		if err != nil {
			return nil, fmt.Errorf("worker: open partition %d: %w", pid, err)
		}
		n.partitions[pid] = store
		n.pushers[pid] = &siblingPusher{}
	}
	n.server = cluster.NewServer(fmt.Sprintf("node[%d]", opts.ID), n)
	logs.Infof("node[%d]: loaded partitions %v from %s", opts.ID, n.PartitionIDs(), opts.DataDir)
	return n, nil
}

// ID returns the node id.
func (n *Node) ID() int { return n.opts.ID }

// Partition returns the store of a hosted partition.
func (n *Node) Partition(pid int) (*ledger.Store, bool) {
	s, ok := n.partitions[pid]
	return s, ok
}

// PartitionIDs returns the hosted partition ids in ascending order.
func (n *Node) PartitionIDs() []int {
	ids := make([]int, 0, len(n.partitions))
	for pid := range n.partitions {
		ids = append(ids, pid)
	}
	slices.Sort(ids)
	return ids
}

// Registration returns the REGISTRO payload announcing this node.
func (n *Node) Registration() cluster.Registration {
	reg := cluster.Registration{Node: cluster.NodeInfo{ID: n.opts.ID, IP: n.opts.AdvertiseIP, Port: n.opts.Port}}
	for _, pid := range n.PartitionIDs() {
		reg.Partitions = append(reg.Partitions, cluster.PartitionRef{Resource: cluster.ResourceAccounts, Partition: pid})
	}
	return reg
}

// Listen binds the peer listener. When Options.Port is zero the bound port
// is advertised instead.
func (n *Node) Listen() error {
	addr := n.opts.Listen
	if addr == "" {
		addr = fmt.Sprintf(":%d", n.opts.Port)
	}
	if err := n.server.Listen(addr); err != nil {
		return fmt.Errorf("worker: listen %s: %w", addr, err)
	}
	if n.opts.Port == 0 {
		n.opts.Port = portOf(n.server.Addr())
	}
	return nil
}

// Addr returns the bound peer listener address.
func (n *Node) Addr() string { return n.server.Addr() }

// Run serves peers and keeps the node registered until ctx is cancelled.
// Listen must have been called.
func (n *Node) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- n.server.Serve() }()

	var wg sync.WaitGroup
	if n.opts.Coordinator != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.maintainMembership(ctx)
		}()
	}
	if n.opts.Sibling != "" && n.opts.RepairInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.repairLoop(ctx)
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	n.server.Close()
	wg.Wait()
	n.pushes.Wait()
	logs.Infof("node[%d]: stopped", n.opts.ID)
	return err
}

// Registered is closed after the first successful registration.
func (n *Node) Registered() <-chan struct{} { return n.registered }

// Close releases the listener without waiting for background loops.
func (n *Node) Close() error {
	return n.server.Close()
}
