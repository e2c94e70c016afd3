package coordinator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/quorumledger/internal/cluster"
)

// fakeClock is a settable time source for registry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	rejoined := r.Register(registration(1, 1, 2))
	assert.False(t, rejoined)
	r.Register(registration(2, 2, 3))

	rec, ok := r.Node(1)
	require.True(t, ok)
	assert.True(t, rec.Active())
	assert.Equal(t, "127.0.0.1:6001", rec.Info().Addr())
	assert.Equal(t, []string{"CUENTA_1", "CUENTA_2"}, rec.Partitions())

	assert.Equal(t, []int{1}, r.Replicas("CUENTA_1"))
	assert.Equal(t, []int{1, 2}, r.Replicas("CUENTA_2"))
	assert.Equal(t, []int{2}, r.Replicas("CUENTA_3"))
	assert.Nil(t, r.Replicas("CUENTA_9"))
	assert.Equal(t, []string{"CUENTA_1", "CUENTA_2", "CUENTA_3"}, r.Keys())
}

func TestRegistryReRegister(t *testing.T) {
	r := NewRegistry()
	r.Register(registration(1, 2))
	r.Register(registration(2, 2))

	moved := registration(1, 2, 2, 3)
	moved.Node.IP = "10.0.0.1"
	assert.False(t, r.Register(moved), "re-registering an active node is not a rejoin")

	rec, _ := r.Node(1)
	assert.Equal(t, "10.0.0.1", rec.Info().IP)
	assert.Equal(t, []int{1, 2}, r.Replicas("CUENTA_2"), "ids are listed once per key")
	assert.Equal(t, []string{"CUENTA_2", "CUENTA_3"}, rec.Partitions())

	r.MarkInactive(1)
	assert.True(t, r.Register(registration(1, 2)))
	assert.True(t, rec.Active())
}

func TestRegistryConcurrentRegistrations(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for id := 1; id <= 50; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.Register(registration(id, 1+id%cluster.NumPartitions, 2))
		}(id)
	}
	wg.Wait()

	assert.Len(t, r.Replicas("CUENTA_2"), 50)
	assert.Len(t, r.Nodes(), 50)
	total := len(r.Replicas("CUENTA_1")) + len(r.Replicas("CUENTA_3"))
	assert.Equal(t, 33, total)
}

func TestRegistryHeartbeat(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry()
	r.now = clock.Now

	known, revived := r.Heartbeat(1)
	assert.False(t, known)
	assert.False(t, revived)

	r.Register(registration(1, 1))
	clock.Advance(time.Second)
	known, revived = r.Heartbeat(1)
	assert.True(t, known)
	assert.False(t, revived)

	rec, _ := r.Node(1)
	assert.True(t, clock.Now().Equal(rec.LastHeartbeat()))

	require.True(t, r.MarkInactive(1))
	assert.False(t, r.MarkInactive(1))
	_, revived = r.Heartbeat(1)
	assert.True(t, revived)
}

func TestRegistryStale(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry()
	r.now = clock.Now

	r.Register(registration(1, 1))
	r.Register(registration(2, 1))
	r.Register(registration(3, 1))
	clock.Advance(10 * time.Second)
	r.Heartbeat(2)
	r.MarkInactive(3)
	clock.Advance(6 * time.Second)

	assert.Equal(t, []int{1}, r.Stale(15*time.Second), "inactive nodes are not reported")

	r.Touch(1)
	assert.Empty(t, r.Stale(15*time.Second))
	rec, _ := r.Node(1)
	assert.True(t, rec.Active())
}

func TestRegistryMarkActive(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.MarkActive(7))

	r.Register(registration(7, 3))
	assert.False(t, r.MarkActive(7))
	r.MarkInactive(7)
	assert.True(t, r.MarkActive(7))
}

func TestRegistryNodes(t *testing.T) {
	r := NewRegistry()
	r.Register(registration(3, 3))
	r.Register(registration(1, 1))
	r.MarkInactive(3)

	rec, _ := r.Node(1)
	rec.load.Add(2)

	nodes := r.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, 1, nodes[0].ID)
	assert.Equal(t, "127.0.0.1:6001", nodes[0].Addr)
	assert.True(t, nodes[0].Active)
	assert.Equal(t, int64(2), nodes[0].Load)
	assert.Equal(t, []string{"CUENTA_1"}, nodes[0].Partitions)
	assert.Equal(t, 3, nodes[1].ID)
	assert.False(t, nodes[1].Active)
}
