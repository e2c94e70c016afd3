// Package ledger implements the per-partition account store hosted by worker
// nodes: clients, accounts and the append-only transaction history of one
// partition, kept in memory and mirrored to a flat file that is rewritten in
// full on every mutation.
//
// # Overview
//
// A Store owns exactly one partition. Every account it holds satisfies
// cluster.PartitionOf(account.ID) == store.ID() when the data was seeded
// correctly; the store itself does not reshard or reject foreign ids.
//
//	┌─────────────────────────────────────┐
//	│            ledger.Store             │
//	├─────────────────────────────────────┤
//	│  clients:      id → Client          │
//	│  accounts:     id → Account         │
//	│  transactions: []Transaction        │
//	│  gate: mutation gate (audit freeze) │
//	│  mu:   RWMutex over the maps        │
//	├─────────────────────────────────────┤
//	│  particion_<pid>_rep<node>.dat      │
//	└─────────────────────────────────────┘
//
// # Concurrency
//
// One reader/writer lock per partition is the only serialization boundary for
// account data:
//   - Transfer and ImportSnapshot take the exclusive lock, mutate, flush the
//     file and only then release the lock
//   - Balance, LocalSum and ExportSnapshot take the shared lock
//   - No method ever holds the locks of two partitions
//
// Mutations additionally pass through a gate. Freeze closes the gate so that
// transfers and imports block while reads continue; Thaw (or the expiry of
// the freeze lease) reopens it. This is how a global audit obtains a stable
// sum without stopping balance queries.
//
// # Persistence
//
// The partition file is a sequence of pipe-delimited records, one per line:
//
//	CLIENTE|<id>|<name>|<email>|<phone>
//	CUENTA|<id>|<clientId>|<balance>|<kind>
//	TRANSACCION|<id>|<src>|<dst>|<amount>|<timestamp>|<status>
//
// The file is the compacted state; it is written to a temporary sibling and
// renamed into place. A crash in the middle of the write can still lose the
// last mutation, which is an accepted durability gap.
//
// # Snapshots
//
// ExportSnapshot and ImportSnapshot exchange the account set as
//
//	{"cuentas":{"<id>":{"id_cliente":<int>,"saldo":<2 decimals>,"tipo":"<kind>"}}}
//
// Decoding is strict: unknown fields, missing fields, non-integer ids,
// negative balances or trailing data reject the whole snapshot and leave the
// partition untouched.
package ledger
