package worker

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	logs "github.com/danmuck/smplog"

	"github.com/dreamware/quorumledger/internal/cluster"
)

// maintainMembership keeps a registered link to the coordinator until ctx
// is cancelled. A dropped link is re-established after ReconnectDelay.
func (n *Node) maintainMembership(ctx context.Context) {
	for {
		err := n.session(ctx)
		if ctx.Err() != nil {
			return
		}
		logs.Warnf("node[%d]: coordinator link to %s lost: %v (retrying in %s)",
			n.opts.ID, n.opts.Coordinator, err, n.opts.ReconnectDelay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(n.opts.ReconnectDelay):
		}
	}
}

// session registers over a fresh connection and then sends heartbeats on
// it until the connection fails or ctx is cancelled.
func (n *Node) session(ctx context.Context) error {
	d := net.Dialer{Timeout: n.opts.PeerTimeout}
	conn, err := d.DialContext(ctx, "tcp", n.opts.Coordinator)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	r := bufio.NewReader(conn)
	if err := writeLine(conn, cluster.FormatRegistration(n.Registration()), n.opts.PeerTimeout); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(n.opts.PeerTimeout))
	resp, err := cluster.ReadLine(r)
	if err != nil {
		return fmt.Errorf("await registration ack: %w", err)
	}
	if resp != cluster.RespRegistered {
		return fmt.Errorf("registration refused: %q", resp)
	}
	_ = conn.SetReadDeadline(time.Time{})
	n.regOnce.Do(func() { close(n.registered) })
	logs.Infof("node[%d]: registered with coordinator %s as %s:%d %v",
		n.opts.ID, n.opts.Coordinator, n.opts.AdvertiseIP, n.opts.Port, n.PartitionIDs())

	// The coordinator never writes after the ack; a read returning means
	// the link is gone.
	gone := make(chan error, 1)
	go func() {
		for {
			if _, err := cluster.ReadLine(r); err != nil {
				gone <- err
				return
			}
		}
	}()

	heartbeat := cluster.Join(cluster.OpHeartbeat, strconv.Itoa(n.opts.ID))
	ticker := time.NewTicker(n.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-gone:
			return fmt.Errorf("coordinator closed link: %w", err)
		case <-ticker.C:
			if err := writeLine(conn, heartbeat, n.opts.PeerTimeout); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
			logs.Debugf("node[%d]: heartbeat sent", n.opts.ID)
		}
	}
}

func writeLine(conn net.Conn, line string, timeout time.Duration) error {
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err := conn.Write([]byte(line + "\n"))
	return err
}
