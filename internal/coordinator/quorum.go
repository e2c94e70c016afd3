package coordinator

import (
	"context"
	"strconv"
	"time"

	logs "github.com/danmuck/smplog"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"

	"github.com/dreamware/quorumledger/internal/cluster"
	"github.com/dreamware/quorumledger/internal/ledger"
)

// vote is the outcome of one replica's TRANSFERIR call.
type vote struct {
	node int
	resp string
	err  error
}

// tally counts quorum votes. Only replies count as responses; transport
// failures and replicas still pending at the deadline are non-votes.
type tally struct {
	ok       []int
	rejected []int
	reasons  map[cluster.Reason]int
	failed   []int
}

func newTally() *tally {
	return &tally{reasons: make(map[cluster.Reason]int)}
}

func (t *tally) add(v vote) {
	switch {
	case v.err != nil:
		t.failed = append(t.failed, v.node)
	case v.resp == cluster.RespOK:
		t.ok = append(t.ok, v.node)
	default:
		reason, isErr := cluster.ReasonOf(v.resp)
		if !isErr {
			reason = cluster.ReasonInternal
		}
		t.rejected = append(t.rejected, v.node)
		t.reasons[reason]++
	}
}

func (t *tally) responses() int { return len(t.ok) + len(t.rejected) }

// committed reports whether OK votes are a strict majority of responses.
func (t *tally) committed() bool {
	return len(t.ok)*2 > t.responses()
}

// agreedReason returns the error reason shared by a strict majority of
// responses, if any.
func (t *tally) agreedReason() (cluster.Reason, bool) {
	for reason, n := range t.reasons {
		if n*2 > t.responses() {
			return reason, true
		}
	}
	return "", false
}

// Transfer answers TRANSFERIR_FONDOS with a quorum write.
//
// Algorithm:
//  1. Reject pairs whose accounts live in different partitions
//  2. Send TRANSFERIR concurrently to every active replica of the partition
//  3. Collect replies until all arrive or QuorumWait elapses; replicas that
//     fail or do not answer in time are marked inactive and do not vote
//  4. Commit when OK replies are a strict majority of the replies received
//
// There is no rollback. When the write commits, every replica that did not
// answer OK is resynchronised in the background from one that did. When it
// does not, replicas may disagree until the next repair.
//
// Returns one of:
//   - OK|TRANSFERENCIA_EXITOSA
//   - ERROR|TRANSFERENCIA_ENTRE_PARTICIONES_NO_SOPORTADA
//   - ERROR|PARTICION_NO_ENCONTRADA when no node ever declared the partition
//   - ERROR|NODOS_NO_DISPONIBLES when no replica is active or none replied
//   - ERROR|TIEMPO_EXCEDIDO when the wait expired before any reply
//   - ERROR|<reason> when a majority of replies carry the same rejection
//     (e.g. SALDO_INSUFICIENTE)
//   - ERROR|CONSISTENCIA_NO_GARANTIZADA otherwise
func (c *Coordinator) Transfer(ctx context.Context, src, dst int64, amount decimal.Decimal) string {
	pid := cluster.PartitionOf(src)
	if cluster.PartitionOf(dst) != pid {
		return cluster.ErrorLine(cluster.ReasonCrossPartition)
	}
	key := cluster.PartitionKey(cluster.ResourceAccounts, pid)
	replicas := c.registry.Replicas(key)
	if len(replicas) == 0 {
		return cluster.ErrorLine(cluster.ReasonPartitionNotFound)
	}

	var targets []int
	for _, id := range replicas {
		if rec, ok := c.registry.Node(id); ok && rec.Active() {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		logs.Warnf("coordinator: transfer %d->%d: no active replica for %s", src, dst, key)
		return cluster.ErrorLine(cluster.ReasonNodesUnavailable)
	}

	line := cluster.Join(cluster.OpTransfer,
		strconv.FormatInt(src, 10),
		strconv.FormatInt(dst, 10),
		ledger.FormatAmount(amount))

	// buffered so late replies never block after we stop listening
	votes := make(chan vote, len(targets))
	for _, id := range targets {
		go func(id int) {
			resp, err := c.callNode(ctx, id, line, c.opts.Timeouts.Transfer)
			votes <- vote{node: id, resp: resp, err: err}
		}(id)
	}

	t := newTally()
	pending := append([]int(nil), targets...)
	deadline := time.NewTimer(c.opts.Timeouts.QuorumWait)
	defer deadline.Stop()

collect:
	for len(pending) > 0 {
		select {
		case v := <-votes:
			pending = slices.DeleteFunc(pending, func(id int) bool { return id == v.node })
			t.add(v)
			if v.err != nil && ctx.Err() == nil {
				c.markUnreachable(v.node, v.err)
			}
		case <-deadline.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}
	for _, id := range pending {
		t.failed = append(t.failed, id)
		if ctx.Err() == nil {
			c.markUnreachable(id, context.DeadlineExceeded)
		}
	}

	logs.Debugf("coordinator: transfer %d->%d %s on %s: ok=%v rejected=%v failed=%v",
		src, dst, ledger.FormatAmount(amount), key, t.ok, t.rejected, t.failed)

	if t.responses() == 0 {
		if len(pending) > 0 {
			return cluster.ErrorLine(cluster.ReasonTimeout)
		}
		return cluster.ErrorLine(cluster.ReasonNodesUnavailable)
	}

	if t.committed() {
		var stale []int
		for _, id := range replicas {
			if !slices.Contains(t.ok, id) {
				stale = append(stale, id)
			}
		}
		if len(stale) > 0 {
			c.resync(pid, t.ok[0], stale)
		}
		return cluster.Join(cluster.RespOK, cluster.RespTransferDone)
	}

	if reason, ok := t.agreedReason(); ok {
		return cluster.ErrorLine(reason)
	}
	logs.Warnf("coordinator: transfer %d->%d on %s missed quorum (%d/%d ok)",
		src, dst, key, len(t.ok), t.responses())
	return cluster.ErrorLine(cluster.ReasonConsistencyNotReached)
}
