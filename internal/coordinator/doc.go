// Package coordinator implements the routing and consistency layer of the
// ledger cluster: it tracks which worker nodes host which partitions, routes
// client requests to them, runs quorum writes and global audits, and repairs
// replicas that fell behind.
//
// # Overview
//
// The coordinator holds no account data. Workers own the partitions and
// announce themselves over the node port; clients talk to the coordinator
// over the client port. Both ports carry newline-delimited text messages
// whose fields are separated by '|'.
//
// # Architecture
//
//	┌─────────────────────────────────────────────┐
//	│                COORDINATOR                  │
//	├─────────────────────────────────────────────┤
//	│                                             │
//	│  ┌───────────────────────────────────────┐  │
//	│  │   Registry                            │  │
//	│  │   - node id → NodeRecord              │  │
//	│  │   - "CUENTA_<pid>" → [node ids]       │  │
//	│  │   - active flag, load, heartbeat      │  │
//	│  └───────────────────────────────────────┘  │
//	│                                             │
//	│  ┌───────────────────────────────────────┐  │
//	│  │   HealthMonitor                       │  │
//	│  │   - periodic heartbeat-age sweep      │  │
//	│  │   - demotion triggers repair          │  │
//	│  └───────────────────────────────────────┘  │
//	│                                             │
//	│  ┌───────────────────────────────────────┐  │
//	│  │   LoadBalancer                        │  │
//	│  │   - least in-flight active replica    │  │
//	│  └───────────────────────────────────────┘  │
//	│                                             │
//	│  ┌───────────────────────────────────────┐  │
//	│  │   Operations                          │  │
//	│  │   - QueryBalance (read with failover) │  │
//	│  │   - Transfer (majority of replies)    │  │
//	│  │   - Audit (freeze, sum, unfreeze)     │  │
//	│  │   - Repair / resync (snapshot copy)   │  │
//	│  └───────────────────────────────────────┘  │
//	│                                             │
//	└─────────────────────────────────────────────┘
//
// # Node Lifecycle
//
// Each node id moves through these states:
//
//	UNKNOWN ──REGISTRO──▶ ACTIVE ◀──HEARTBEAT / REGISTRO / repair── SUSPECT
//	                        │                                          ▲
//	                        └──── missed heartbeats / failed RPC ──────┘
//
// Records are never removed. A suspect node keeps its place in every
// replica list but is skipped by reads, writes and audits. When it comes
// back through a heartbeat or a fresh registration, a repair is scheduled
// after Timeouts.RepairDelay that copies each of its partitions from a
// healthy replica.
//
// # Partitioning
//
// Accounts map to one of three partitions by cluster.PartitionOf:
//
//	partition(id) = |id| mod 3 + 1
//
//	account 100 → partition 2 → key "CUENTA_2" → nodes [1, 3]
//	account 102 → partition 1 → key "CUENTA_1" → nodes [1, 2]
//
// Transfers between accounts of different partitions are rejected.
//
// # Quorum Writes
//
// Transfer sends TRANSFERIR to every active replica at once and waits up to
// Timeouts.QuorumWait. Only replies are counted:
//
//	replies  OK  ERROR  result
//	   2      2    0    OK|TRANSFERENCIA_EXITOSA
//	   2      1    1    ERROR|CONSISTENCIA_NO_GARANTIZADA
//	   3      2    1    OK|TRANSFERENCIA_EXITOSA
//	   2      0    2    ERROR|<shared reason> (e.g. SALDO_INSUFICIENTE)
//	   0      -    -    ERROR|TIEMPO_EXCEDIDO or ERROR|NODOS_NO_DISPONIBLES
//
// Replicas that fail or time out are marked inactive. Nothing is rolled
// back: a write that misses quorum may still be applied on some replicas
// until a later repair overwrites them. After a committed write, replicas
// that did not answer OK are resynchronised in the background.
//
// # Global Audit
//
// Audit freezes one replica of each partition (BLOQUEAR_ARQUEO|<pid>),
// sums their ARQUEO|<pid> totals in parallel and always releases the
// freezes (DESBLOQUEAR_ARQUEO|<pid>). A frozen worker blocks transfers and
// imports on that partition but keeps serving reads, and thaws by itself
// when its freeze lease runs out. Audits are serialized.
//
// # Concurrency and Synchronization
//
// Lock Granularity:
//   - Registry maps are sync.Map values; unrelated keys never contend
//   - Each replica list and node address has its own RWMutex
//   - Active flag, load counter and heartbeat time are atomics
//
// Goroutine Patterns:
//   - One goroutine per accepted connection on each listener
//   - One goroutine per replica during a quorum fan-out, reporting into a
//     buffered channel so late replies never block
//   - Repairs and resyncs run on tracked goroutines that Close waits for
//
// Timeouts:
//
//	Query:       5s    // CONSULTAR and repair pings
//	Transfer:    10s   // one TRANSFERIR call
//	QuorumWait:  15s   // whole quorum collection
//	Audit:       10s   // one ARQUEO call
//	Freeze:      5s    // BLOQUEAR/DESBLOQUEAR
//	Snapshot:    30s   // OBTENER/ACTUALIZAR_PARTICION
//	RepairDelay: 5s    // wait before a scheduled repair
//
// # Usage Example
//
//	cfg, err := config.FromEnv()
//	if err != nil {
//	    return err
//	}
//	opts, err := coordinator.OptionsFromConfig(cfg)
//	if err != nil {
//	    return err
//	}
//	c := coordinator.New(opts)
//	if err := c.Start(cfg.Coordinator.ClientAddr(), cfg.Coordinator.NodeAddr()); err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	admin := &http.Server{Addr: cfg.Coordinator.AdminAddr, Handler: c.AdminHandler()}
//	go admin.ListenAndServe()
//
// # Limitations
//
//   - Single coordinator; its registry is rebuilt from registrations after
//     a restart
//   - No cross-partition transfers
//   - No rollback of partially applied writes
//   - Unfreeze after a failed audit is best effort
//
// # See Also
//
// Related packages:
//   - internal/cluster: wire protocol, partition hashing, TCP transport
//   - internal/worker: the node side of every message sent here
//   - cmd/coordinator: process entry point
package coordinator
