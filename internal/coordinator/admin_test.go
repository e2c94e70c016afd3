package coordinator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminHandler(t *testing.T) {
	c, sc := newTestCoordinator(t)
	c.Register(registration(2, 2, 3))
	c.Register(registration(1, 2))
	c.registry.MarkInactive(2)
	sc.set(1, healthyNode(nil))
	h := c.AdminHandler()

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("nodes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nodes", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body struct {
			Nodes []NodeStatus `json:"nodes"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		require.Len(t, body.Nodes, 2)
		assert.Equal(t, 1, body.Nodes[0].ID)
		assert.True(t, body.Nodes[0].Active)
		assert.Equal(t, "127.0.0.1:6002", body.Nodes[1].Addr)
		assert.False(t, body.Nodes[1].Active)
	})

	t.Run("partitions", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/partitions", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Partitions []PartitionStatus `json:"partitions"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, []PartitionStatus{
			{Key: "CUENTA_2", Replicas: []ReplicaStatus{{NodeID: 2, Active: false}, {NodeID: 1, Active: true}}},
			{Key: "CUENTA_3", Replicas: []ReplicaStatus{{NodeID: 2, Active: false}}},
		}, body.Partitions)
	})

	tests := []struct {
		name   string
		method string
		path   string
		code   int
	}{
		{"repair unknown node", http.MethodPost, "/nodes/9/repair", http.StatusNotFound},
		{"repair bad id", http.MethodPost, "/nodes/x/repair", http.StatusBadRequest},
		{"repair unreachable node", http.MethodPost, "/nodes/2/repair", http.StatusBadGateway},
		{"repair needs POST", http.MethodGet, "/nodes/1/repair", http.StatusMethodNotAllowed},
		{"nodes is read only", http.MethodPost, "/nodes", http.StatusMethodNotAllowed},
		{"unknown path", http.MethodGet, "/shards", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.code, rec.Code)
		})
	}

	t.Run("repair", func(t *testing.T) {
		sc.set(2, healthyNode(nil))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/nodes/2/repair", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var st NodeStatus
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
		assert.Equal(t, 2, st.ID)
		assert.True(t, st.Active)
	})
}
