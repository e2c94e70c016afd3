package worker

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"

	"github.com/dreamware/quorumledger/internal/cluster"
	"github.com/dreamware/quorumledger/internal/ledger"
)

// siblingPusher delivers one partition's snapshots to the sibling, one send
// at a time. A snapshot still waiting is replaced by a newer one, and a
// snapshot older than one already handed to the sender is dropped, so the
// sibling never receives an older state after a newer one.
type siblingPusher struct {
	mu         sync.Mutex
	pending    []byte
	pendingSeq int
	sentSeq    int
	running    bool
}

// offer queues payload taken at commit seq. It reports whether the caller
// must start a drain goroutine.
func (p *siblingPusher) offer(seq int, payload []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq <= p.sentSeq || (p.pending != nil && seq <= p.pendingSeq) {
		return false
	}
	p.pending, p.pendingSeq = payload, seq
	if p.running {
		return false
	}
	p.running = true
	return true
}

// next hands out the waiting payload, or marks the pusher idle.
func (p *siblingPusher) next() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		p.running = false
		return nil, false
	}
	payload := p.pending
	p.sentSeq = p.pendingSeq
	p.pending = nil
	return payload, true
}

// pushToSibling sends snap, the account set captured when transaction seq
// committed, to the sibling without waiting for the push to complete.
// Failures are logged and otherwise ignored; the coordinator's repair path
// is what restores correctness.
func (n *Node) pushToSibling(pid, seq int, snap ledger.Snapshot) {
	if n.opts.Sibling == "" {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		logs.Errorf(err, "node[%d]: export partition %d for sibling", n.opts.ID, pid)
		return
	}
	p := n.pushers[pid]
	if !p.offer(seq, payload) {
		return
	}
	n.pushes.Add(1)
	go func() {
		defer n.pushes.Done()
		for {
			payload, ok := p.next()
			if !ok {
				return
			}
			n.sendSnapshot(pid, payload)
		}
	}()
}

func (n *Node) sendSnapshot(pid int, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), n.opts.PeerTimeout)
	defer cancel()
	line := cluster.Join(cluster.OpSyncPartition, strconv.Itoa(pid), string(payload))
	if err := n.send(ctx, n.opts.Sibling, line); err != nil {
		logs.Warnf("node[%d]: push partition %d to %s: %v", n.opts.ID, pid, n.opts.Sibling, err)
		return
	}
	logs.Debugf("node[%d]: pushed partition %d to %s", n.opts.ID, pid, n.opts.Sibling)
}

func (n *Node) repairLoop(ctx context.Context) {
	ticker := time.NewTicker(n.opts.RepairInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.RepairFromSibling(ctx)
		}
	}
}

// RepairFromSibling pulls each hosted partition from the sibling and adds
// the accounts missing locally. Local accounts are never overwritten. It
// returns the number of accounts added per partition.
func (n *Node) RepairFromSibling(ctx context.Context) map[int]int {
	added := make(map[int]int)
	if n.opts.Sibling == "" {
		return added
	}
	for _, pid := range n.PartitionIDs() {
		cctx, cancel := context.WithTimeout(ctx, n.opts.PeerTimeout)
		resp, err := n.call(cctx, n.opts.Sibling, cluster.Join(cluster.OpGetPartition, strconv.Itoa(pid)))
		cancel()
		if err != nil {
			logs.Debugf("node[%d]: repair sweep: sibling %s unreachable: %v", n.opts.ID, n.opts.Sibling, err)
			return added
		}
		if reason, isErr := cluster.ReasonOf(resp); isErr {
			logs.Debugf("node[%d]: repair sweep: sibling has no partition %d (%s)", n.opts.ID, pid, reason)
			continue
		}
		count, err := n.partitions[pid].MergeMissing([]byte(resp))
		if err != nil {
			logs.Warnf("node[%d]: repair sweep: partition %d: %v", n.opts.ID, pid, err)
			continue
		}
		if count > 0 {
			logs.Infof("node[%d]: repair sweep recovered %d accounts in partition %d", n.opts.ID, count, pid)
		}
		added[pid] = count
	}
	return added
}
