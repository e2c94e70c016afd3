// Package coordinator implements the routing and consistency layer of the
// ledger cluster. See doc.go for complete package documentation.
package coordinator

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/quorumledger/internal/cluster"
)

// NodeRecord is the coordinator's view of one worker node.
//
// A record is created on the node's first registration and never deleted.
// Re-registering with the same id reuses the record and overwrites its
// address.
//
// Thread Safety:
// Active, load and heartbeat fields are atomics so the liveness sweep, the
// heartbeat handler and request paths can update them without a shared
// lock. The address and partition list are guarded by mu.
type NodeRecord struct {
	id int

	mu         sync.RWMutex
	info       cluster.NodeInfo
	partitions []string

	active        atomic.Bool
	load          atomic.Int64
	lastHeartbeat atomic.Int64 // unix nanoseconds
}

// ID returns the node id.
func (n *NodeRecord) ID() int { return n.id }

// Info returns the registered address of the node.
func (n *NodeRecord) Info() cluster.NodeInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.info
}

// Partitions returns the partition keys the node declared, in declaration
// order.
func (n *NodeRecord) Partitions() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]string(nil), n.partitions...)
}

// Active reports whether the node is currently considered alive.
func (n *NodeRecord) Active() bool { return n.active.Load() }

// Load returns the number of requests currently in flight to the node.
func (n *NodeRecord) Load() int64 { return n.load.Load() }

// LastHeartbeat returns the time of the last registration or heartbeat.
func (n *NodeRecord) LastHeartbeat() time.Time {
	return time.Unix(0, n.lastHeartbeat.Load())
}

// NodeStatus is an immutable snapshot of a NodeRecord for reporting.
type NodeStatus struct {
	ID            int       `json:"id"`
	Addr          string    `json:"addr"`
	Active        bool      `json:"active"`
	Load          int64     `json:"load"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Partitions    []string  `json:"partitions"`
}

// Status returns a snapshot of the record.
func (n *NodeRecord) Status() NodeStatus {
	return NodeStatus{
		ID:            n.id,
		Addr:          n.Info().Addr(),
		Active:        n.Active(),
		Load:          n.Load(),
		LastHeartbeat: n.LastHeartbeat(),
		Partitions:    n.Partitions(),
	}
}

// replicaSet is the ordered list of node ids hosting one partition key.
type replicaSet struct {
	mu  sync.RWMutex
	ids []int
}

// Registry holds node records and the replica registry, which maps
// "<resource>_<partitionId>" keys to the ordered ids of the nodes hosting
// that partition.
//
// Architecture:
//
//	┌────────────────────────────────────────┐
//	│               Registry                 │
//	├────────────────────────────────────────┤
//	│  nodes:    id → *NodeRecord            │
//	│  replicas: "CUENTA_2" → [1, 3, 4]      │
//	├────────────────────────────────────────┤
//	│  account 100 → partition 2 → CUENTA_2  │
//	│             → nodes [1, 3, 4]          │
//	└────────────────────────────────────────┘
//
// Both maps are append-only: node ids are never removed from a replica list,
// only marked inactive on their record.
//
// Concurrency Model:
//   - nodes and replicas are sync.Map values, so registrations for
//     different ids and lookups of unrelated keys never contend
//   - each replica list has its own RWMutex
//   - returned slices are copies
type Registry struct {
	nodes    sync.Map // int → *NodeRecord
	replicas sync.Map // string → *replicaSet

	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{now: time.Now}
}

// Register records a node registration: the node record is created or its
// address overwritten, the node is marked active with a fresh heartbeat, and
// its id is appended to every declared partition key it is not yet listed
// under.
//
// Returns:
//   - rejoined: true when the id was already known and inactive, which
//     means the node may have missed writes and needs repair
func (r *Registry) Register(reg cluster.Registration) (rejoined bool) {
	keys := make([]string, 0, len(reg.Partitions))
	for _, p := range reg.Partitions {
		if key := p.Key(); !slices.Contains(keys, key) {
			keys = append(keys, key)
		}
	}

	fresh := &NodeRecord{id: reg.Node.ID}
	v, loaded := r.nodes.LoadOrStore(reg.Node.ID, fresh)
	rec := v.(*NodeRecord)

	rec.mu.Lock()
	rec.info = reg.Node
	for _, key := range keys {
		if !slices.Contains(rec.partitions, key) {
			rec.partitions = append(rec.partitions, key)
		}
	}
	rec.mu.Unlock()

	rec.lastHeartbeat.Store(r.now().UnixNano())
	wasActive := rec.active.Swap(true)

	for _, key := range keys {
		v, _ := r.replicas.LoadOrStore(key, &replicaSet{})
		set := v.(*replicaSet)
		set.mu.Lock()
		if !slices.Contains(set.ids, reg.Node.ID) {
			set.ids = append(set.ids, reg.Node.ID)
		}
		set.mu.Unlock()
	}
	return loaded && !wasActive
}

// Heartbeat refreshes the node's heartbeat time and marks it active.
//
// Returns:
//   - known: false if the id never registered (nothing is recorded)
//   - revived: true if the node was inactive before this heartbeat
func (r *Registry) Heartbeat(id int) (known, revived bool) {
	rec, ok := r.Node(id)
	if !ok {
		return false, false
	}
	rec.lastHeartbeat.Store(r.now().UnixNano())
	return true, !rec.active.Swap(true)
}

// Touch refreshes the heartbeat time without changing the active flag.
func (r *Registry) Touch(id int) {
	if rec, ok := r.Node(id); ok {
		rec.lastHeartbeat.Store(r.now().UnixNano())
	}
}

// MarkInactive demotes a node. It returns true if the node was active.
func (r *Registry) MarkInactive(id int) bool {
	rec, ok := r.Node(id)
	if !ok {
		return false
	}
	return rec.active.Swap(false)
}

// MarkActive promotes a node. It returns true if the node was inactive.
func (r *Registry) MarkActive(id int) bool {
	rec, ok := r.Node(id)
	if !ok {
		return false
	}
	return !rec.active.Swap(true)
}

// Node returns the record of a registered node.
func (r *Registry) Node(id int) (*NodeRecord, bool) {
	v, ok := r.nodes.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*NodeRecord), true
}

// Replicas returns the ids hosting key in registration order, or nil if no
// node ever declared it.
func (r *Registry) Replicas(key string) []int {
	v, ok := r.replicas.Load(key)
	if !ok {
		return nil
	}
	set := v.(*replicaSet)
	set.mu.RLock()
	defer set.mu.RUnlock()
	return append([]int(nil), set.ids...)
}

// Keys returns every partition key known to the registry, sorted.
func (r *Registry) Keys() []string {
	var keys []string
	r.replicas.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	slices.Sort(keys)
	return keys
}

// Nodes returns a status snapshot of every node, ordered by id.
func (r *Registry) Nodes() []NodeStatus {
	var out []NodeStatus
	r.nodes.Range(func(_, v any) bool {
		out = append(out, v.(*NodeRecord).Status())
		return true
	})
	slices.SortFunc(out, func(a, b NodeStatus) int { return a.ID - b.ID })
	return out
}

// Stale returns the ids of active nodes whose last heartbeat is older than
// timeout.
func (r *Registry) Stale(timeout time.Duration) []int {
	cutoff := r.now().Add(-timeout).UnixNano()
	var ids []int
	r.nodes.Range(func(_, v any) bool {
		rec := v.(*NodeRecord)
		if rec.Active() && rec.lastHeartbeat.Load() < cutoff {
			ids = append(ids, rec.id)
		}
		return true
	})
	slices.Sort(ids)
	return ids
}
