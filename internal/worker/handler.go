package worker

import (
	"context"
	"errors"
	"net"
	"strconv"

	logs "github.com/danmuck/smplog"
	"github.com/shopspring/decimal"

	"github.com/dreamware/quorumledger/internal/cluster"
	"github.com/dreamware/quorumledger/internal/ledger"
)

// ServeLine dispatches one request from the coordinator or a peer and
// returns the response line. It implements cluster.Handler.
func (n *Node) ServeLine(_ context.Context, line string) string {
	parts := cluster.Split(line, 0)
	op := parts[0]
	logs.Debugf("node[%d]: <- %s", n.opts.ID, op)

	switch op {
	case cluster.OpQuery:
		return n.handleQuery(parts)
	case cluster.OpTransfer:
		return n.handleTransfer(parts)
	case cluster.OpLocalAudit:
		return n.handleAudit(parts)
	case cluster.OpGetPartition:
		return n.handleGetPartition(parts)
	case cluster.OpUpdatePartition, cluster.OpSyncPartition:
		// the JSON payload is taken verbatim, separators included
		return n.handleImport(cluster.Split(line, 3))
	case cluster.OpFreeze:
		return n.handleFreeze(parts, true)
	case cluster.OpUnfreeze:
		return n.handleFreeze(parts, false)
	case cluster.OpPing:
		return cluster.RespOK
	}
	return cluster.ErrorLine(cluster.ReasonUnsupported)
}

// CONSULTAR|<accountId>
func (n *Node) handleQuery(parts []string) string {
	if len(parts) != 2 {
		return cluster.ErrorLine(cluster.ReasonInvalidFormat)
	}
	id, err := cluster.ParseAccountID(parts[1])
	if err != nil {
		return cluster.ErrorLine(cluster.ReasonInvalidFormat)
	}
	store, ok := n.partitions[cluster.PartitionOf(id)]
	if !ok {
		return cluster.ErrorLine(cluster.ReasonPartitionNotLocal)
	}
	balance, err := store.Balance(id)
	if err != nil {
		return cluster.ErrorLine(reasonFor(err))
	}
	return cluster.Join(cluster.RespBalance, ledger.FormatAmount(balance))
}

// TRANSFERIR|<src>|<dst>|<amount>
func (n *Node) handleTransfer(parts []string) string {
	if len(parts) != 4 {
		return cluster.ErrorLine(cluster.ReasonInvalidFormat)
	}
	src, err1 := cluster.ParseAccountID(parts[1])
	dst, err2 := cluster.ParseAccountID(parts[2])
	amount, err3 := ledger.ParseAmount(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return cluster.ErrorLine(cluster.ReasonInvalidFormat)
	}
	pid := cluster.PartitionOf(src)
	if cluster.PartitionOf(dst) != pid {
		return cluster.ErrorLine(cluster.ReasonCrossPartition)
	}
	store, ok := n.partitions[pid]
	if !ok {
		return cluster.ErrorLine(cluster.ReasonPartitionNotLocal)
	}

	tx, snap, err := store.TransferSnapshot(src, dst, amount)
	if err != nil {
		return cluster.ErrorLine(reasonFor(err))
	}
	logs.Debugf("node[%d]: committed %s", n.opts.ID, tx.GlobalID())
	n.pushToSibling(pid, tx.ID, snap)
	return cluster.RespOK
}

// ARQUEO or ARQUEO|<pid>
func (n *Node) handleAudit(parts []string) string {
	stores, reason := n.scope(parts, cluster.ReasonPartitionNotLocal)
	if reason != "" {
		return cluster.ErrorLine(reason)
	}
	total := decimal.Zero
	for _, s := range stores {
		total = total.Add(s.LocalSum())
	}
	return cluster.Join(cluster.RespAudit, ledger.FormatAmount(total))
}

// OBTENER_PARTICION|<pid>; the response is the bare snapshot JSON.
func (n *Node) handleGetPartition(parts []string) string {
	if len(parts) != 2 {
		return cluster.ErrorLine(cluster.ReasonInvalidFormat)
	}
	store, reason := n.partitionArg(parts[1])
	if reason != "" {
		return cluster.ErrorLine(reason)
	}
	payload, err := store.ExportSnapshot()
	if err != nil {
		logs.Errorf(err, "node[%d]: export partition %d", n.opts.ID, store.ID())
		return cluster.ErrorLine(cluster.ReasonInternal)
	}
	return string(payload)
}

// ACTUALIZAR_PARTICION|<pid>|<json> and SINCRONIZAR|<pid>|<json>
func (n *Node) handleImport(parts []string) string {
	if len(parts) != 3 {
		return cluster.ErrorLine(cluster.ReasonInvalidFormat)
	}
	store, reason := n.partitionArg(parts[1])
	if reason != "" {
		return cluster.ErrorLine(reason)
	}
	if err := store.ImportSnapshot([]byte(parts[2])); err != nil {
		if !errors.Is(err, ledger.ErrMalformedSnapshot) {
			logs.Errorf(err, "node[%d]: import partition %d", n.opts.ID, store.ID())
		}
		return cluster.ErrorLine(reasonFor(err))
	}
	logs.Infof("node[%d]: partition %d replaced by %s", n.opts.ID, store.ID(), parts[0])
	return cluster.RespOK
}

// BLOQUEAR_ARQUEO[|<pid>] and DESBLOQUEAR_ARQUEO[|<pid>]
func (n *Node) handleFreeze(parts []string, freeze bool) string {
	stores, reason := n.scope(parts, cluster.ReasonPartitionNotLocal)
	if reason != "" {
		return cluster.ErrorLine(reason)
	}
	for _, s := range stores {
		if freeze {
			s.Freeze(n.opts.FreezeLease)
		} else {
			s.Thaw()
		}
	}
	return cluster.RespOK
}

// scope resolves the optional partition argument of the audit operations:
// none means every hosted partition.
func (n *Node) scope(parts []string, missing cluster.Reason) ([]*ledger.Store, cluster.Reason) {
	switch len(parts) {
	case 1:
		out := make([]*ledger.Store, 0, len(n.partitions))
		for _, pid := range n.PartitionIDs() {
			out = append(out, n.partitions[pid])
		}
		return out, ""
	case 2:
		pid, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, cluster.ReasonInvalidFormat
		}
		s, ok := n.partitions[pid]
		if !ok {
			return nil, missing
		}
		return []*ledger.Store{s}, ""
	}
	return nil, cluster.ReasonInvalidFormat
}

func (n *Node) partitionArg(arg string) (*ledger.Store, cluster.Reason) {
	pid, err := strconv.Atoi(arg)
	if err != nil {
		return nil, cluster.ReasonInvalidFormat
	}
	s, ok := n.partitions[pid]
	if !ok {
		return nil, cluster.ReasonPartitionMissing
	}
	return s, ""
}

// reasonFor maps ledger errors to wire reasons.
func reasonFor(err error) cluster.Reason {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return cluster.ReasonAccountNotFound
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return cluster.ReasonInsufficientFunds
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrMalformedSnapshot):
		return cluster.ReasonInvalidFormat
	}
	return cluster.ReasonInternal
}

func portOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(p)
	return port
}
