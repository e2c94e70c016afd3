package coordinator

import (
	"context"

	logs "github.com/danmuck/smplog"

	"github.com/dreamware/quorumledger/internal/cluster"
	"github.com/dreamware/quorumledger/internal/ledger"
)

// serveClient dispatches one client request line:
//
//	CONSULTAR_SALDO|<id>
//	TRANSFERIR_FONDOS|<src>|<dst>|<amount>
//	ARQUEO
func (c *Coordinator) serveClient(ctx context.Context, line string) string {
	parts := cluster.Split(line, 0)
	logs.Debugf("coordinator: client <- %s", parts[0])

	switch parts[0] {
	case cluster.OpQueryBalance:
		if len(parts) != 2 {
			return cluster.ErrorLine(cluster.ReasonInvalidFormat)
		}
		id, err := cluster.ParseAccountID(parts[1])
		if err != nil {
			return cluster.ErrorLine(cluster.ReasonInvalidFormat)
		}
		return c.QueryBalance(ctx, id)

	case cluster.OpTransferFunds:
		if len(parts) != 4 {
			return cluster.ErrorLine(cluster.ReasonInvalidFormat)
		}
		src, err1 := cluster.ParseAccountID(parts[1])
		dst, err2 := cluster.ParseAccountID(parts[2])
		amount, err3 := ledger.ParseAmount(parts[3])
		if err1 != nil || err2 != nil || err3 != nil {
			return cluster.ErrorLine(cluster.ReasonInvalidFormat)
		}
		return c.Transfer(ctx, src, dst, amount)

	case cluster.OpAudit:
		if len(parts) != 1 {
			return cluster.ErrorLine(cluster.ReasonInvalidFormat)
		}
		return c.Audit(ctx)
	}
	return cluster.ErrorLine(cluster.ReasonUnsupported)
}

// serveNode dispatches one message from a worker's membership link.
// Heartbeats are one-way and get no reply.
func (c *Coordinator) serveNode(_ context.Context, line string) string {
	switch op := cluster.Split(line, 2)[0]; op {
	case cluster.OpRegister:
		reg, err := cluster.ParseRegistration(line)
		if err != nil {
			logs.Warnf("coordinator: rejected registration: %v", err)
			return cluster.ErrorLine(cluster.ReasonInvalidFormat)
		}
		c.Register(reg)
		return cluster.RespRegistered

	case cluster.OpHeartbeat:
		id, err := cluster.ParseHeartbeat(line)
		if err != nil {
			logs.Warnf("coordinator: ignored heartbeat: %v", err)
			return ""
		}
		c.Heartbeat(id)
		return ""
	}
	return cluster.ErrorLine(cluster.ReasonUnsupported)
}
