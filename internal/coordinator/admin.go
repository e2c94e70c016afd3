package coordinator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// ReplicaStatus is one replica entry of GET /partitions.
type ReplicaStatus struct {
	NodeID int  `json:"node_id"`
	Active bool `json:"active"`
}

// PartitionStatus lists the replicas registered for one partition key.
type PartitionStatus struct {
	Key      string          `json:"key"`
	Replicas []ReplicaStatus `json:"replicas"`
}

// Partitions returns the replica registry in key order.
func (c *Coordinator) Partitions() []PartitionStatus {
	keys := c.registry.Keys()
	out := make([]PartitionStatus, 0, len(keys))
	for _, key := range keys {
		ps := PartitionStatus{Key: key}
		for _, id := range c.registry.Replicas(key) {
			rec, ok := c.registry.Node(id)
			ps.Replicas = append(ps.Replicas, ReplicaStatus{NodeID: id, Active: ok && rec.Active()})
		}
		out = append(out, ps)
	}
	return out
}

// AdminHandler returns the HTTP operations API.
//
// Endpoints:
//
//	GET  /health              liveness probe
//	GET  /nodes               node records ordered by id
//	GET  /partitions          replica registry
//	POST /nodes/{id}/repair   run Repair for one node synchronously
//
// Example:
//
//	srv := &http.Server{Addr: ":8080", Handler: c.AdminHandler()}
//	go srv.ListenAndServe()
func (c *Coordinator) AdminHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc("/nodes", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Nodes []NodeStatus `json:"nodes"`
		}{Nodes: c.registry.Nodes()})
	}).Methods(http.MethodGet)
	r.HandleFunc("/partitions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Partitions []PartitionStatus `json:"partitions"`
		}{Partitions: c.Partitions()})
	}).Methods(http.MethodGet)
	r.HandleFunc("/nodes/{id}/repair", c.handleRepair).Methods(http.MethodPost)
	return r
}

func (c *Coordinator) handleRepair(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid node id", http.StatusBadRequest)
		return
	}
	if err := c.Repair(r.Context(), id); err != nil {
		if errors.Is(err, ErrUnknownNode) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	rec, _ := c.registry.Node(id)
	writeJSON(w, http.StatusOK, rec.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
