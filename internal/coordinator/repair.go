package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	logs "github.com/danmuck/smplog"

	"github.com/dreamware/quorumledger/internal/cluster"
	"github.com/dreamware/quorumledger/internal/ledger"
)

// Repair resynchronises every partition a node hosts from another active
// replica, then marks the node active again.
//
// Algorithm:
//  1. For each partition key of the node, pick the least-loaded other
//     active replica as source; keys without a source are skipped
//  2. Pull the source's snapshot with OBTENER_PARTICION and validate it
//  3. Push it to the node with ACTUALIZAR_PARTICION
//  4. If no partition had a source, ping the node instead so a dead node
//     is not promoted
//  5. Mark the node active and refresh its heartbeat time
//
// Returns:
//   - error: ErrUnknownNode, or the first failed transfer step; the node's
//     state is left unchanged in that case
func (c *Coordinator) Repair(ctx context.Context, id int) error {
	rec, ok := c.registry.Node(id)
	if !ok {
		return fmt.Errorf("coordinator: repair: %w %d", ErrUnknownNode, id)
	}

	repaired := 0
	for _, key := range rec.Partitions() {
		_, pid, err := cluster.ParsePartitionKey(key)
		if err != nil {
			continue
		}
		src, ok := c.balancer.selectExcluding(key, map[int]bool{id: true})
		if !ok {
			logs.Warnf("coordinator: repair node %d: no active source for %s", id, key)
			continue
		}
		if err := c.copyPartition(ctx, pid, src, id); err != nil {
			return fmt.Errorf("coordinator: repair node %d %s from node %d: %w", id, key, src, err)
		}
		repaired++
	}

	if repaired == 0 {
		if _, err := c.callNode(ctx, id, cluster.OpPing, c.opts.Timeouts.Query); err != nil {
			return fmt.Errorf("coordinator: repair node %d: %w", id, err)
		}
	}

	c.registry.MarkActive(id)
	c.registry.Touch(id)
	logs.Infof("coordinator: node %d repaired (%d partitions copied)", id, repaired)
	return nil
}

// copyPartition overwrites partition pid on dst with the snapshot held by
// src.
func (c *Coordinator) copyPartition(ctx context.Context, pid, src, dst int) error {
	timeout := c.opts.Timeouts.Snapshot
	payload, err := c.callNode(ctx, src, cluster.Join(cluster.OpGetPartition, strconv.Itoa(pid)), timeout)
	if err != nil {
		c.markUnreachable(src, err)
		return err
	}
	if cluster.IsError(payload) {
		return fmt.Errorf("snapshot refused by node %d: %s", src, payload)
	}
	if _, err := ledger.DecodeSnapshot([]byte(payload)); err != nil {
		return fmt.Errorf("snapshot from node %d: %w", src, err)
	}

	resp, err := c.callNode(ctx, dst, cluster.Join(cluster.OpUpdatePartition, strconv.Itoa(pid), payload), timeout)
	if err != nil {
		c.markUnreachable(dst, err)
		return err
	}
	if resp != cluster.RespOK {
		return fmt.Errorf("snapshot rejected by node %d: %s", dst, resp)
	}
	return nil
}

// resync copies partition pid from src to each stale replica in the
// background, promoting every replica that accepts the copy.
func (c *Coordinator) resync(pid, src int, stale []int) {
	key := cluster.PartitionKey(cluster.ResourceAccounts, pid)
	for _, id := range stale {
		task := fmt.Sprintf("%s/%d", key, id)
		if _, busy := c.inflight.LoadOrStore(task, struct{}{}); busy {
			continue
		}
		started := c.goBackground(func(ctx context.Context) {
			defer c.inflight.Delete(task)
			if err := c.copyPartition(ctx, pid, src, id); err != nil {
				logs.Warnf("coordinator: resync %s on node %d failed: %v", key, id, err)
				return
			}
			if c.registry.MarkActive(id) {
				c.registry.Touch(id)
			}
			logs.Infof("coordinator: resynced %s on node %d from node %d", key, id, src)
		})
		if !started {
			c.inflight.Delete(task)
		}
	}
}

// scheduleRepair runs Repair for a node after the configured delay. At most
// one scheduled repair per node is pending at a time.
func (c *Coordinator) scheduleRepair(id int) {
	task := "node/" + strconv.Itoa(id)
	if _, busy := c.inflight.LoadOrStore(task, struct{}{}); busy {
		return
	}
	started := c.goBackground(func(ctx context.Context) {
		defer c.inflight.Delete(task)

		timer := time.NewTimer(c.opts.Timeouts.RepairDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		if err := c.Repair(ctx, id); err != nil {
			logs.Errorf(err, "coordinator: scheduled repair of node %d failed", id)
		}
	})
	if !started {
		c.inflight.Delete(task)
	}
}
