package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	logs "github.com/danmuck/smplog"
	"github.com/shopspring/decimal"

	"github.com/dreamware/quorumledger/internal/cluster"
	"github.com/dreamware/quorumledger/internal/ledger"
)

// auditTarget is the node chosen to report one partition's total.
type auditTarget struct {
	key  string
	pid  int
	node int
}

// Audit answers ARQUEO: the sum of every partition's account balances,
// taken while each partition is frozen on the node that reports it.
//
// Algorithm:
//  1. For every known account partition, freeze it with BLOQUEAR_ARQUEO|<pid>
//     on the first active replica (balancer order) that accepts
//  2. Ask every chosen node for ARQUEO|<pid> in parallel and add the totals
//  3. Send DESBLOQUEAR_ARQUEO|<pid> to every frozen node, whatever happened
//
// Audits are serialized. A partition that no replica agrees to freeze, or a
// total that cannot be read, fails the whole audit. Unfreeze is best effort;
// nodes also thaw on their own when the freeze lease expires.
//
// Returns:
//   - ARQUEO|<total with two decimals> (ARQUEO|0.00 with no partitions)
//   - ERROR|ARQUEO_FALLIDO
func (c *Coordinator) Audit(ctx context.Context) string {
	c.auditMu.Lock()
	defer c.auditMu.Unlock()

	var frozen []auditTarget
	defer func() { c.unfreeze(frozen) }()

	for _, key := range c.registry.Keys() {
		resource, pid, err := cluster.ParsePartitionKey(key)
		if err != nil || resource != cluster.ResourceAccounts {
			continue
		}
		node, ok := c.freeze(ctx, key, pid)
		if !ok {
			logs.Warnf("coordinator: audit: no replica of %s could be frozen", key)
			return cluster.ErrorLine(cluster.ReasonAuditFailed)
		}
		frozen = append(frozen, auditTarget{key: key, pid: pid, node: node})
	}

	sums := make([]decimal.Decimal, len(frozen))
	errs := make([]error, len(frozen))
	var wg sync.WaitGroup
	for i, t := range frozen {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sums[i], errs[i] = c.partitionTotal(ctx, t)
		}()
	}
	wg.Wait()

	total := decimal.Zero
	for i, t := range frozen {
		if errs[i] != nil {
			logs.Errorf(errs[i], "coordinator: audit of %s on node %d failed", t.key, t.node)
			return cluster.ErrorLine(cluster.ReasonAuditFailed)
		}
		total = total.Add(sums[i])
	}
	logs.Infof("coordinator: audit of %d partitions: %s", len(frozen), ledger.FormatAmount(total))
	return cluster.Join(cluster.RespAudit, ledger.FormatAmount(total))
}

// freeze returns the first active replica of key that acknowledges
// BLOQUEAR_ARQUEO.
func (c *Coordinator) freeze(ctx context.Context, key string, pid int) (int, bool) {
	line := cluster.Join(cluster.OpFreeze, strconv.Itoa(pid))
	for _, id := range c.balancer.Ranked(key) {
		resp, err := c.callNode(ctx, id, line, c.opts.Timeouts.Freeze)
		if err != nil {
			if ctx.Err() != nil {
				return 0, false
			}
			c.markUnreachable(id, err)
			continue
		}
		if resp == cluster.RespOK {
			return id, true
		}
		logs.Warnf("coordinator: node %d refused to freeze %s: %s", id, key, resp)
	}
	return 0, false
}

// partitionTotal reads one frozen partition's local sum.
func (c *Coordinator) partitionTotal(ctx context.Context, t auditTarget) (decimal.Decimal, error) {
	resp, err := c.callNode(ctx, t.node, cluster.Join(cluster.OpLocalAudit, strconv.Itoa(t.pid)), c.opts.Timeouts.Audit)
	if err != nil {
		if ctx.Err() == nil {
			c.markUnreachable(t.node, err)
		}
		return decimal.Zero, err
	}
	parts := cluster.Split(resp, 0)
	if len(parts) != 2 || parts[0] != cluster.RespAudit {
		return decimal.Zero, fmt.Errorf("%w: audit reply %q", cluster.ErrMalformedMessage, resp)
	}
	sum, err := decimal.NewFromString(parts[1])
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: audit total %q", cluster.ErrMalformedMessage, parts[1])
	}
	return sum, nil
}

// unfreeze sends DESBLOQUEAR_ARQUEO to every frozen target and waits for
// the replies. It ignores the caller's context so a cancelled audit still
// releases its freezes.
func (c *Coordinator) unfreeze(targets []auditTarget) {
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			line := cluster.Join(cluster.OpUnfreeze, strconv.Itoa(t.pid))
			resp, err := c.callNode(context.Background(), t.node, line, c.opts.Timeouts.Freeze)
			if err != nil || resp != cluster.RespOK {
				logs.Warnf("coordinator: unfreeze %s on node %d: resp=%q err=%v", t.key, t.node, resp, err)
			}
		}()
	}
	wg.Wait()
}
