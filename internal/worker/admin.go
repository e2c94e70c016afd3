package worker

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/dreamware/quorumledger/internal/ledger"
)

// NodeInfo is the body of GET /info.
type NodeInfo struct {
	NodeID      int                    `json:"node_id"`
	Address     string                 `json:"address"`
	Coordinator string                 `json:"coordinator,omitempty"`
	Sibling     string                 `json:"sibling,omitempty"`
	Partitions  []ledger.PartitionInfo `json:"partitions"`
	Count       int                    `json:"partition_count"`
}

// Info returns a monitoring summary of the node.
func (n *Node) Info() NodeInfo {
	info := NodeInfo{
		NodeID:      n.opts.ID,
		Address:     n.Addr(),
		Coordinator: n.opts.Coordinator,
		Sibling:     n.opts.Sibling,
	}
	for _, pid := range n.PartitionIDs() {
		info.Partitions = append(info.Partitions, n.partitions[pid].Info())
	}
	info.Count = len(info.Partitions)
	return info
}

// AdminHandler returns the HTTP monitoring API:
//
//	GET /health           liveness probe
//	GET /info             node and partition summary
//	GET /partitions/{id}  one partition summary
func (n *Node) AdminHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc("/info", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, n.Info())
	}).Methods(http.MethodGet)
	r.HandleFunc("/partitions/{id}", n.handlePartitionInfo).Methods(http.MethodGet)
	return r
}

func (n *Node) handlePartitionInfo(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid partition id", http.StatusBadRequest)
		return
	}
	store, ok := n.partitions[pid]
	if !ok {
		http.Error(w, "partition not hosted", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, store.Info())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
