package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/quorumledger/internal/cluster"
	"github.com/dreamware/quorumledger/internal/config"
	"github.com/dreamware/quorumledger/internal/coordinator"
	"github.com/dreamware/quorumledger/internal/ledger"
	"github.com/dreamware/quorumledger/internal/worker"
)

// accounts is the seed data of every replica. The total is 5000.50.
var accounts = map[int][]ledger.Account{
	1: {
		{ID: 102, ClientID: 2, Balance: decimal.RequireFromString("1000.00"), Kind: "Ahorros"},
		{ID: 105, ClientID: 5, Balance: decimal.RequireFromString("500.00"), Kind: "Corriente"},
	},
	2: {
		{ID: 100, ClientID: 1, Balance: decimal.RequireFromString("1000.00"), Kind: "Ahorros"},
		{ID: 103, ClientID: 3, Balance: decimal.RequireFromString("1000.00"), Kind: "Ahorros"},
		{ID: 106, ClientID: 6, Balance: decimal.RequireFromString("500.50"), Kind: "Corriente"},
	},
	3: {
		{ID: 101, ClientID: 1, Balance: decimal.RequireFromString("250.00"), Kind: "Ahorros"},
		{ID: 104, ClientID: 4, Balance: decimal.RequireFromString("750.00"), Kind: "Ahorros"},
	},
}

// hosts lists the nodes holding each partition: every partition lives on
// two of the three nodes.
var hosts = map[int][]int{
	1: {1, 2},
	2: {2, 3},
	3: {3, 1},
}

// partitionsOf returns the partitions hosted by node id in ascending order.
func partitionsOf(id int) []int {
	var pids []int
	for pid := 1; pid <= cluster.NumPartitions; pid++ {
		if slices.Contains(hosts[pid], id) {
			pids = append(pids, pid)
		}
	}
	return pids
}

var nodeIDs = []int{1, 2, 3}

// TestSystem is an in-process cluster: one coordinator and three nodes
// talking over loopback TCP.
type TestSystem struct {
	t     *testing.T
	coord *coordinator.Coordinator
	dirs  map[int]string

	mu      sync.Mutex
	nodes   map[int]*worker.Node
	cancels map[int]context.CancelFunc
	done    map[int]chan struct{}
}

func NewTestSystem(t *testing.T) *TestSystem {
	t.Helper()
	c := coordinator.New(coordinator.Options{
		LivenessTimeout: time.Minute,
		SweepInterval:   time.Hour,
		Timeouts: config.Timeouts{
			Query:       2 * time.Second,
			Transfer:    2 * time.Second,
			QuorumWait:  3 * time.Second,
			Audit:       2 * time.Second,
			Freeze:      2 * time.Second,
			Snapshot:    2 * time.Second,
			RepairDelay: 50 * time.Millisecond,
		},
	})
	require.NoError(t, c.Start("127.0.0.1:0", "127.0.0.1:0"))

	ts := &TestSystem{
		t:       t,
		coord:   c,
		dirs:    make(map[int]string),
		nodes:   make(map[int]*worker.Node),
		cancels: make(map[int]context.CancelFunc),
		done:    make(map[int]chan struct{}),
	}
	t.Cleanup(ts.Stop)

	for _, id := range nodeIDs {
		ts.dirs[id] = t.TempDir()
		for _, pid := range partitionsOf(id) {
			var clients []ledger.Client
			for _, a := range accounts[pid] {
				clients = append(clients, ledger.Client{ID: a.ClientID, Name: "Cliente", Email: "c@email.com", Phone: "900000000"})
			}
			require.NoError(t, ledger.WriteSeed(worker.PartitionFile(ts.dirs[id], pid, id), clients, accounts[pid]))
		}
	}
	for _, id := range nodeIDs {
		ts.StartNode(id)
	}
	return ts
}

// StartNode runs node id from its data directory and waits for it to
// register.
func (ts *TestSystem) StartNode(id int) *worker.Node {
	ts.t.Helper()
	n, err := worker.New(worker.Options{
		ID:                id,
		AdvertiseIP:       "127.0.0.1",
		Listen:            "127.0.0.1:0",
		Coordinator:       ts.coord.NodeAddr(),
		DataDir:           ts.dirs[id],
		Partitions:        partitionsOf(id),
		HeartbeatInterval: 50 * time.Millisecond,
		ReconnectDelay:    50 * time.Millisecond,
		FreezeLease:       5 * time.Second,
		PeerTimeout:       2 * time.Second,
	})
	require.NoError(ts.t, err)
	require.NoError(ts.t, n.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Run(ctx)
	}()

	select {
	case <-n.Registered():
	case <-time.After(5 * time.Second):
		cancel()
		ts.t.Fatalf("node %d did not register", id)
	}

	ts.mu.Lock()
	ts.nodes[id], ts.cancels[id], ts.done[id] = n, cancel, done
	ts.mu.Unlock()
	return n
}

// KillNode stops node id and waits for its listener to close.
func (ts *TestSystem) KillNode(id int) {
	ts.mu.Lock()
	cancel, done := ts.cancels[id], ts.done[id]
	delete(ts.nodes, id)
	delete(ts.cancels, id)
	delete(ts.done, id)
	ts.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Stop shuts down every node and then the coordinator.
func (ts *TestSystem) Stop() {
	ts.mu.Lock()
	ids := make([]int, 0, len(ts.cancels))
	for id := range ts.cancels {
		ids = append(ids, id)
	}
	ts.mu.Unlock()
	for _, id := range ids {
		ts.KillNode(id)
	}
	ts.coord.Close()
}

// Client sends one line to the coordinator's client port.
func (ts *TestSystem) Client(line string) string {
	ts.t.Helper()
	resp, err := cluster.Call(context.Background(), ts.coord.ClientAddr(), line)
	require.NoError(ts.t, err)
	return resp
}

// Balance reads an account directly from node id's replica.
func (ts *TestSystem) Balance(id int, account int64) string {
	ts.t.Helper()
	ts.mu.Lock()
	n := ts.nodes[id]
	ts.mu.Unlock()
	require.NotNil(ts.t, n, "node %d is not running", id)

	store, ok := n.Partition(cluster.PartitionOf(account))
	require.True(ts.t, ok, "node %d does not host account %d", id, account)
	b, err := store.Balance(account)
	require.NoError(ts.t, err)
	return ledger.FormatAmount(b)
}

func TestClusterOperations(t *testing.T) {
	ts := NewTestSystem(t)

	t.Run("audit of the seed data", func(t *testing.T) {
		assert.Equal(t, "ARQUEO|5000.50", ts.Client("ARQUEO"))
	})

	t.Run("query", func(t *testing.T) {
		assert.Equal(t, "SALDO|1000.00", ts.Client("CONSULTAR_SALDO|100"))
		assert.Equal(t, "SALDO|750.00", ts.Client("CONSULTAR_SALDO|104"))
		assert.Equal(t, "ERROR|CUENTA_NO_EXISTE", ts.Client("CONSULTAR_SALDO|109"))
	})

	t.Run("transfer reaches every replica", func(t *testing.T) {
		require.Equal(t, "OK|TRANSFERENCIA_EXITOSA", ts.Client("TRANSFERIR_FONDOS|100|103|200.25"))
		for _, id := range hosts[2] {
			assert.Equal(t, "799.75", ts.Balance(id, 100), "node %d", id)
			assert.Equal(t, "1200.25", ts.Balance(id, 103), "node %d", id)
		}
		assert.Equal(t, "SALDO|799.75", ts.Client("CONSULTAR_SALDO|100"))
	})

	t.Run("rejected transfers", func(t *testing.T) {
		assert.Equal(t, "ERROR|SALDO_INSUFICIENTE", ts.Client("TRANSFERIR_FONDOS|105|102|900.00"))
		assert.Equal(t, "ERROR|TRANSFERENCIA_ENTRE_PARTICIONES_NO_SOPORTADA", ts.Client("TRANSFERIR_FONDOS|100|101|1.00"))
		assert.Equal(t, "ERROR|FORMATO_INVALIDO", ts.Client("TRANSFERIR_FONDOS|100|103|-1"))
		for _, id := range hosts[1] {
			assert.Equal(t, "500.00", ts.Balance(id, 105), "node %d", id)
		}
	})

	t.Run("transfers preserve the total", func(t *testing.T) {
		assert.Equal(t, "ARQUEO|5000.50", ts.Client("ARQUEO"))
	})
}

func TestClusterNodeFailureAndRepair(t *testing.T) {
	ts := NewTestSystem(t)

	// node 3 holds replicas of partitions 2 and 3
	ts.KillNode(3)

	assert.Equal(t, "SALDO|250.00", ts.Client("CONSULTAR_SALDO|101"), "reads fail over to node 1")

	// the dead replica does not vote; node 2 alone is a majority of replies
	require.Equal(t, "OK|TRANSFERENCIA_EXITOSA", ts.Client("TRANSFERIR_FONDOS|100|103|10.00"))
	assert.Equal(t, "990.00", ts.Balance(2, 100))

	nodes := ts.coord.Registry().Nodes()
	for _, n := range nodes {
		assert.Equal(t, n.ID != 3, n.Active, "node %d", n.ID)
	}
	assert.Equal(t, "ARQUEO|5000.50", ts.Client("ARQUEO"), "audit uses the surviving replicas")

	// on rejoin the coordinator copies the missed write back
	ts.StartNode(3)
	require.Eventually(t, func() bool {
		return ts.Balance(3, 100) == "990.00" && ts.Balance(3, 103) == "1010.00"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "250.00", ts.Balance(3, 101))
	assert.Equal(t, "ARQUEO|5000.50", ts.Client("ARQUEO"))
}
