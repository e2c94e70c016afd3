// Package cluster provides the shared vocabulary of the ledger cluster: how
// accounts map to partitions, how partitions are named in the replica
// registry, and the newline-delimited text protocol spoken between clients,
// the coordinator and worker nodes.
//
// # Overview
//
// The cluster is a hub-and-spoke topology. A single coordinator routes client
// requests to worker nodes, and every worker hosts a static set of ledger
// partitions:
//
//	              ┌──────────────┐
//	 clients ───▶ │ Coordinator  │ ◀─── REGISTRO / HEARTBEAT
//	              │ :5000 :5001  │
//	              └──────┬───────┘
//	                     │ CONSULTAR / TRANSFERIR / ARQUEO ...
//	      ┌──────────────┼──────────────┐
//	      ▼              ▼              ▼
//	┌───────────┐ ┌───────────┐ ┌───────────┐
//	│  Node 1   │ │  Node 2   │ │  Node 3   │
//	│ CUENTA_1  │ │ CUENTA_1  │ │ CUENTA_2  │
//	│ CUENTA_2  │ │ CUENTA_3  │ │ CUENTA_3  │
//	└───────────┘ └───────────┘ └───────────┘
//
// # Partitioning
//
// Accounts are placed by PartitionOf, which is (|id| mod 3) + 1. The mapping
// is fixed for the lifetime of the cluster; there is no resharding.
// Partitions are identified in the coordinator's registry by a key of the form
// "<resource>_<partitionId>", for example "CUENTA_2".
//
// # Wire Protocol
//
// Every message is a single line of UTF-8 text terminated by '\n' with fields
// separated by '|'. Responses are either a success line (SALDO|..., OK,
// ARQUEO|...) or ERROR|<reason> where reason is one of the Reason constants.
//
// Call performs one request/response exchange against a peer over a fresh TCP
// connection, bounded by the context deadline. Any dial, write, read or
// deadline failure is reported as ErrNodeUnreachable so callers can treat the
// peer as down without inspecting transport details.
package cluster
