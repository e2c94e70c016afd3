package coordinator

// LoadBalancer picks the node that should serve a read for a partition.
//
// Selection rule:
//   - only nodes listed under the partition key are considered
//   - inactive nodes are skipped
//   - the node with the fewest in-flight requests wins
//   - equal loads resolve to the node registered first for that key
//
// Thread Safety:
// LoadBalancer keeps no state of its own; it reads the registry, which is
// safe for concurrent use. Loads may change between selection and use.
type LoadBalancer struct {
	registry *Registry
}

// NewLoadBalancer creates a balancer over registry.
func NewLoadBalancer(registry *Registry) *LoadBalancer {
	return &LoadBalancer{registry: registry}
}

// SelectNode returns the least-loaded active node hosting key. The second
// result is false when no such node exists.
func (lb *LoadBalancer) SelectNode(key string) (int, bool) {
	return lb.selectExcluding(key, nil)
}

// selectExcluding is SelectNode ignoring the ids in skip.
func (lb *LoadBalancer) selectExcluding(key string, skip map[int]bool) (int, bool) {
	best, found := 0, false
	var bestLoad int64
	for _, id := range lb.registry.Replicas(key) {
		if skip[id] {
			continue
		}
		rec, ok := lb.registry.Node(id)
		if !ok || !rec.Active() {
			continue
		}
		if load := rec.Load(); !found || load < bestLoad {
			best, bestLoad, found = id, load, true
		}
	}
	return best, found
}

// Ranked returns the active nodes hosting key ordered by the selection rule.
func (lb *LoadBalancer) Ranked(key string) []int {
	skip := make(map[int]bool)
	var out []int
	for {
		id, ok := lb.selectExcluding(key, skip)
		if !ok {
			return out
		}
		out = append(out, id)
		skip[id] = true
	}
}
