package worker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/quorumledger/internal/ledger"
)

func TestAdminHandler(t *testing.T) {
	n := newSeededNode(t, testOptions(t, 1, 1, 2))
	p2, _ := n.Partition(2)
	p2.Freeze(0)
	defer p2.Thaw()
	h := n.AdminHandler()

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("info", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var info NodeInfo
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
		assert.Equal(t, 1, info.NodeID)
		assert.Equal(t, 2, info.Count)
		require.Len(t, info.Partitions, 2)
		assert.Equal(t, 1, info.Partitions[0].ID)
		assert.Equal(t, "2000.00", info.Partitions[0].Sum)
		assert.Equal(t, 3, info.Partitions[1].Accounts)
		assert.True(t, info.Partitions[1].Frozen)
	})

	t.Run("partition", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/partitions/2", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var info ledger.PartitionInfo
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
		assert.Equal(t, "2500.50", info.Sum)
	})

	tests := []struct {
		method string
		path   string
		code   int
	}{
		{http.MethodGet, "/partitions/3", http.StatusNotFound},
		{http.MethodGet, "/partitions/x", http.StatusBadRequest},
		{http.MethodPost, "/info", http.StatusMethodNotAllowed},
		{http.MethodGet, "/missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}
