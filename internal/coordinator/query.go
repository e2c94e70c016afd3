package coordinator

import (
	"context"
	"strconv"

	logs "github.com/danmuck/smplog"

	"github.com/dreamware/quorumledger/internal/cluster"
)

// QueryBalance answers CONSULTAR_SALDO for one account.
//
// The least-loaded active replica of the account's partition is asked
// first. A replica that fails at the transport level is marked inactive and
// the next one is tried, so a read only fails when every replica is gone.
//
// Returns one of:
//   - SALDO|<amount> or the node's own ERROR response, relayed verbatim
//   - ERROR|PARTICION_NO_ENCONTRADA when no node ever declared the
//     partition (no node is contacted)
//   - ERROR|TODOS_LOS_NODOS_INACTIVOS when all replicas are inactive or
//     failed during this call
//   - ERROR|TIEMPO_EXCEDIDO when ctx ends first
func (c *Coordinator) QueryBalance(ctx context.Context, accountID int64) string {
	key := cluster.PartitionKey(cluster.ResourceAccounts, cluster.PartitionOf(accountID))
	if len(c.registry.Replicas(key)) == 0 {
		return cluster.ErrorLine(cluster.ReasonPartitionNotFound)
	}

	line := cluster.Join(cluster.OpQuery, strconv.FormatInt(accountID, 10))
	tried := make(map[int]bool)
	for {
		id, ok := c.balancer.selectExcluding(key, tried)
		if !ok {
			logs.Warnf("coordinator: no active node for %s", key)
			return cluster.ErrorLine(cluster.ReasonAllNodesInactive)
		}
		tried[id] = true

		resp, err := c.callNode(ctx, id, line, c.opts.Timeouts.Query)
		if err == nil {
			return resp
		}
		if ctx.Err() != nil {
			return cluster.ErrorLine(cluster.ReasonTimeout)
		}
		c.markUnreachable(id, err)
	}
}
