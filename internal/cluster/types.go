package cluster

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// NodeInfo identifies a worker node and the address of its peer listener.
type NodeInfo struct {
	ID   int    `json:"id"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Addr returns the dialable host:port of the node.
func (n NodeInfo) Addr() string {
	return net.JoinHostPort(n.IP, strconv.Itoa(n.Port))
}

// DefaultCallTimeout bounds Call when the context carries no deadline.
const DefaultCallTimeout = 5 * time.Second

// maxLineSize caps a single response line; snapshots of large partitions
// travel on one line.
const maxLineSize = 16 << 20

var dialer = &net.Dialer{}

// CallFunc is the signature of Call. Components that issue RPCs hold one so
// tests can substitute scripted peers.
type CallFunc func(ctx context.Context, addr, line string) (string, error)

// Call sends one line to addr and waits for a single response line.
// A fresh connection is used per call and closed afterwards.
func Call(ctx context.Context, addr, line string) (string, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultCallTimeout)
	}
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, err := dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("%w: dial %s: %v", ErrNodeUnreachable, addr, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNodeUnreachable, addr, err)
	}
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return "", fmt.Errorf("%w: write %s: %v", ErrNodeUnreachable, addr, err)
	}

	resp, err := ReadLine(bufio.NewReaderSize(conn, 64<<10))
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrNodeUnreachable, addr, err)
	}
	return resp, nil
}

// Send writes one line to addr without waiting for an answer.
func Send(ctx context.Context, addr, line string) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultCallTimeout)
	}
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, err := dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrNodeUnreachable, addr, err)
	}
	defer conn.Close()
	_ = conn.SetWriteDeadline(deadline)
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrNodeUnreachable, addr, err)
	}
	return nil
}

// ReadLine reads one '\n' terminated line and strips the terminator.
// Lines longer than 16MiB are rejected.
func ReadLine(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		sb.Write(chunk)
		if sb.Len() > maxLineSize {
			return "", fmt.Errorf("%w: line exceeds %d bytes", ErrMalformedMessage, maxLineSize)
		}
		if !isPrefix {
			return strings.TrimRight(sb.String(), "\r"), nil
		}
	}
}
