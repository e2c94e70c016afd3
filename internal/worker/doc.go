// Package worker implements a ledger worker node.
//
// A node hosts a fixed set of partitions, each backed by a ledger.Store, and
// serves them over the line protocol to the coordinator and to peers:
//
//	┌──────────────────────────────────────────────┐
//	│                    Node                      │
//	├──────────────────────────────────────────────┤
//	│  peer listener (cluster.Server)              │
//	│    CONSULTAR  TRANSFERIR  ARQUEO             │
//	│    OBTENER_PARTICION  ACTUALIZAR_PARTICION   │
//	│    SINCRONIZAR  BLOQUEAR/DESBLOQUEAR_ARQUEO  │
//	├──────────────────────────────────────────────┤
//	│  membership  REGISTRO once, HEARTBEAT/10s,   │
//	│              reconnect after 5s              │
//	│  replication push to sibling after transfer  │
//	│  repair      pull from sibling every 30s     │
//	├──────────────────────────────────────────────┤
//	│  partitions  map[pid]*ledger.Store           │
//	└──────────────────────────────────────────────┘
//
// Replies:
//
//	CONSULTAR|<id>                 SALDO|<amount> | ERROR|<reason>
//	TRANSFERIR|<src>|<dst>|<amt>   OK | ERROR|<reason>
//	ARQUEO[|<pid>]                 ARQUEO|<sum>
//	OBTENER_PARTICION|<pid>        <snapshot json> | ERROR|PARTICION_NO_EXISTE
//	ACTUALIZAR_PARTICION|<pid>|<j> OK | ERROR|<reason>
//	SINCRONIZAR|<pid>|<json>       OK | ERROR|<reason>
//	BLOQUEAR_ARQUEO[|<pid>]        OK
//	DESBLOQUEAR_ARQUEO[|<pid>]     OK
//	HEARTBEAT                      OK
//
// The audit operations without a partition argument act on every hosted
// partition. BLOQUEAR_ARQUEO closes each partition's mutation gate until
// DESBLOQUEAR_ARQUEO or until the freeze lease runs out.
//
// The sibling push and the repair sweep are best-effort: the coordinator's
// quorum and resync paths are authoritative.
package worker
