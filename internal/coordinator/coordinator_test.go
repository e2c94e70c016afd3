package coordinator

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/quorumledger/internal/cluster"
	"github.com/dreamware/quorumledger/internal/config"
)

// nodeFunc scripts the replies of one fake worker.
type nodeFunc func(line string) (string, error)

// scriptedCluster stands in for cluster.Call. Node n listens on
// 127.0.0.1:6000+n; a node without a script is unreachable.
type scriptedCluster struct {
	mu      sync.Mutex
	scripts map[int]nodeFunc
	calls   []string
}

func newScriptedCluster() *scriptedCluster {
	return &scriptedCluster{scripts: make(map[int]nodeFunc)}
}

func (s *scriptedCluster) set(id int, f nodeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[id] = f
}

func (s *scriptedCluster) call(ctx context.Context, addr, line string) (string, error) {
	_, p, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(p)
	id := port - 6000

	s.mu.Lock()
	s.calls = append(s.calls, strconv.Itoa(id)+" "+line)
	f := s.scripts[id]
	s.mu.Unlock()

	if f == nil {
		return "", cluster.ErrNodeUnreachable
	}
	type reply struct {
		resp string
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		resp, err := f(line)
		done <- reply{resp, err}
	}()
	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return "", cluster.ErrNodeUnreachable
	}
}

// callsTo returns the lines sent to node id that start with prefix.
func (s *scriptedCluster) callsTo(id int, prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		if rest, ok := strings.CutPrefix(c, strconv.Itoa(id)+" "); ok && strings.HasPrefix(rest, prefix) {
			out = append(out, rest)
		}
	}
	return out
}

func (s *scriptedCluster) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

const testSnapshot = `{"cuentas":{"100":{"id_cliente":1,"saldo":1000.00,"tipo":"Ahorros"}}}`

// healthyNode answers every worker operation successfully. sums maps a
// partition id to its ARQUEO total.
func healthyNode(sums map[int]string) nodeFunc {
	return func(line string) (string, error) {
		parts := cluster.Split(line, 2)
		switch parts[0] {
		case cluster.OpQuery:
			return "SALDO|1000.00", nil
		case cluster.OpLocalAudit:
			pid, _ := strconv.Atoi(parts[1])
			return "ARQUEO|" + sums[pid], nil
		case cluster.OpGetPartition:
			return testSnapshot, nil
		}
		return cluster.RespOK, nil
	}
}

func testTimeouts() config.Timeouts {
	return config.Timeouts{
		Query:       time.Second,
		Transfer:    time.Second,
		QuorumWait:  300 * time.Millisecond,
		Audit:       time.Second,
		Freeze:      time.Second,
		Snapshot:    time.Second,
		RepairDelay: 10 * time.Millisecond,
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *scriptedCluster) {
	t.Helper()
	c := New(Options{
		LivenessTimeout: time.Minute,
		SweepInterval:   time.Hour,
		Timeouts:        testTimeouts(),
	})
	sc := newScriptedCluster()
	c.call = sc.call
	t.Cleanup(func() { c.Close() })
	return c, sc
}

func registration(id int, pids ...int) cluster.Registration {
	reg := cluster.Registration{Node: cluster.NodeInfo{ID: id, IP: "127.0.0.1", Port: 6000 + id}}
	for _, pid := range pids {
		reg.Partitions = append(reg.Partitions, cluster.PartitionRef{Resource: cluster.ResourceAccounts, Partition: pid})
	}
	return reg
}

func active(c *Coordinator, id int) bool {
	rec, ok := c.registry.Node(id)
	return ok && rec.Active()
}

func TestNewAppliesDefaults(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	def := config.Default()
	assert.Equal(t, def.Timeouts, c.opts.Timeouts)
	assert.Equal(t, def.Coordinator.LivenessTimeout, c.opts.LivenessTimeout)
	assert.Equal(t, def.Coordinator.SweepInterval, c.opts.SweepInterval)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Coordinator.LivenessTimeout = 20 * time.Second
	cfg.Timeouts.QuorumWait = 18 * time.Second

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, opts.LivenessTimeout)
	assert.Equal(t, 18*time.Second, opts.Timeouts.QuorumWait)

	cfg.Coordinator.ClientPort = 0
	_, err = OptionsFromConfig(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRegisterSchedulesRepairOnRejoin(t *testing.T) {
	c, sc := newTestCoordinator(t)
	sc.set(1, healthyNode(nil))
	sc.set(2, healthyNode(nil))

	c.Register(registration(1, 2))
	c.Register(registration(2, 2))
	c.registry.MarkInactive(2)

	c.Register(registration(2, 2))

	assert.Eventually(t, func() bool {
		return len(sc.callsTo(2, cluster.OpUpdatePartition)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"OBTENER_PARTICION|2"}, sc.callsTo(1, cluster.OpGetPartition))
	assert.Equal(t, "ACTUALIZAR_PARTICION|2|"+testSnapshot, sc.callsTo(2, cluster.OpUpdatePartition)[0])
}

func TestFirstRegistrationDoesNotRepair(t *testing.T) {
	c, sc := newTestCoordinator(t)
	c.Register(registration(1, 2))
	c.Register(registration(2, 2))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sc.count())
}

func TestHeartbeatRevivalSchedulesRepair(t *testing.T) {
	c, sc := newTestCoordinator(t)
	sc.set(1, healthyNode(nil))
	sc.set(2, healthyNode(nil))
	c.Register(registration(1, 1))
	c.Register(registration(2, 1))

	c.Heartbeat(2)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, sc.count(), "a heartbeat from an active node changes nothing")

	c.registry.MarkInactive(2)
	c.Heartbeat(2)
	assert.True(t, active(c, 2))
	assert.Eventually(t, func() bool {
		return len(sc.callsTo(2, cluster.OpUpdatePartition)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	c.Heartbeat(42)
	_, ok := c.registry.Node(42)
	assert.False(t, ok, "unknown ids are not recorded")
}

func TestStartAndClose(t *testing.T) {
	c := New(Options{Timeouts: testTimeouts()})
	require.NoError(t, c.Start("127.0.0.1:0", "127.0.0.1:0"))
	assert.NotEmpty(t, c.ClientAddr())
	assert.NotEmpty(t, c.NodeAddr())
	assert.NotEqual(t, c.ClientAddr(), c.NodeAddr())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := net.DialTimeout("tcp", c.ClientAddr(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestStartFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	c := New(Options{})
	defer c.Close()
	assert.Error(t, c.Start("127.0.0.1:0", ln.Addr().String()))
}
