// Package config loads process configuration for the coordinator and worker
// nodes.
//
// Configuration is layered: built-in defaults, then an optional TOML file
// (path from LEDGER_CONFIG), then environment variables. Durations in the
// file are written as Go duration strings:
//
//	[coordinator]
//	client_port = 5000
//	admin_addr = ":8080"
//	liveness_timeout = "15s"
//
//	[node]
//	id = 1
//	listen = ":6001"
//	coordinator = "127.0.0.1:5001"
//	partitions = [1, 2]
//	sibling = "127.0.0.1:6002"
//
//	[timeouts]
//	quorum_wait = "15s"
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dreamware/quorumledger/internal/cluster"
)

// Environment variables read by ApplyEnv.
const (
	EnvConfigPath  = "LEDGER_CONFIG"
	EnvCoordinator = "COORDINATOR_ADDR"
	EnvClientPort  = "COORDINATOR_PORT"
	EnvNodeID      = "NODE_ID"
	EnvListen      = "NODE_LISTEN"
	EnvAdvertiseIP = "NODE_ADVERTISE_IP"
	EnvDataDir     = "NODE_DATA_DIR"
	EnvPartitions  = "NODE_PARTITIONS"
	EnvSibling     = "NODE_SIBLING"
	EnvAdminAddr   = "ADMIN_ADDR"
)

// ErrInvalidConfig is returned by Load and the Validate methods.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full configuration of a process. A coordinator only reads
// Coordinator and Timeouts; a worker only reads Node and Timeouts.
type Config struct {
	Coordinator Coordinator `toml:"coordinator"`
	Node        Node        `toml:"node"`
	Timeouts    Timeouts    `toml:"timeouts"`
}

// Coordinator configures the coordinator process.
type Coordinator struct {
	// Host is the bind address of both TCP listeners. Empty binds all interfaces.
	Host       string `toml:"host"`
	ClientPort int    `toml:"client_port"`
	// NodePort defaults to ClientPort+1 when zero.
	NodePort  int    `toml:"node_port"`
	AdminAddr string `toml:"admin_addr"`

	LivenessTimeout time.Duration `toml:"liveness_timeout"`
	SweepInterval   time.Duration `toml:"sweep_interval"`
}

// ClientAddr returns the listen address for client connections.
func (c Coordinator) ClientAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.ClientPort))
}

// NodeAddr returns the listen address for node registrations and heartbeats.
func (c Coordinator) NodeAddr() string {
	port := c.NodePort
	if port == 0 {
		port = c.ClientPort + 1
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Node configures a worker process.
type Node struct {
	ID int `toml:"id"`
	// Listen is the bind address of the peer listener.
	Listen string `toml:"listen"`
	// AdvertiseIP is the address announced to the coordinator.
	AdvertiseIP string `toml:"advertise_ip"`
	// Coordinator is the host:port of the coordinator's node listener.
	Coordinator string `toml:"coordinator"`
	DataDir     string `toml:"data_dir"`
	Partitions  []int  `toml:"partitions"`
	// Sibling is the host:port of the peer that receives replica pushes.
	// Empty disables pushes and the repair sweep.
	Sibling   string `toml:"sibling"`
	AdminAddr string `toml:"admin_addr"`

	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	ReconnectDelay    time.Duration `toml:"reconnect_delay"`
	RepairInterval    time.Duration `toml:"repair_interval"`
	FreezeLease       time.Duration `toml:"freeze_lease"`
}

// Port returns the numeric port of Listen.
func (n Node) Port() (int, error) {
	_, p, err := net.SplitHostPort(n.Listen)
	if err != nil {
		return 0, fmt.Errorf("%w: node.listen %q: %v", ErrInvalidConfig, n.Listen, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%w: node.listen %q: bad port", ErrInvalidConfig, n.Listen)
	}
	return port, nil
}

// Timeouts bounds every coordinator-to-node RPC.
type Timeouts struct {
	Query      time.Duration `toml:"query"`
	Transfer   time.Duration `toml:"transfer"`
	QuorumWait time.Duration `toml:"quorum_wait"`
	Audit      time.Duration `toml:"audit"`
	Freeze     time.Duration `toml:"freeze"`
	Snapshot   time.Duration `toml:"snapshot"`
	// RepairDelay is how long the coordinator waits after a node is marked
	// inactive before attempting to resynchronise it.
	RepairDelay time.Duration `toml:"repair_delay"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Coordinator: Coordinator{
			ClientPort:      5000,
			LivenessTimeout: 15 * time.Second,
			SweepInterval:   10 * time.Second,
		},
		Node: Node{
			Listen:            ":6001",
			AdvertiseIP:       "127.0.0.1",
			Coordinator:       "127.0.0.1:5001",
			DataDir:           "./data",
			HeartbeatInterval: 10 * time.Second,
			ReconnectDelay:    5 * time.Second,
			RepairInterval:    30 * time.Second,
			FreezeLease:       30 * time.Second,
		},
		Timeouts: Timeouts{
			Query:       5 * time.Second,
			Transfer:    10 * time.Second,
			QuorumWait:  15 * time.Second,
			Audit:       10 * time.Second,
			Freeze:      5 * time.Second,
			Snapshot:    30 * time.Second,
			RepairDelay: 5 * time.Second,
		},
	}
}

// Load returns Default overlaid with the TOML file at path (skipped when
// path is empty) and then the environment. Unknown keys in the file are an
// error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return cfg, fmt.Errorf("%w: %s: unknown keys %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// FromEnv is Load with the path taken from LEDGER_CONFIG.
func FromEnv() (Config, error) {
	return Load(os.Getenv(EnvConfigPath))
}

// ApplyEnv overrides fields from the environment. Unset or empty variables
// are ignored.
func (c *Config) ApplyEnv() error {
	if v := getenv(EnvCoordinator, ""); v != "" {
		c.Node.Coordinator = v
	}
	if v := getenv(EnvClientPort, ""); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, EnvClientPort, v)
		}
		c.Coordinator.ClientPort = port
	}
	if v := getenv(EnvNodeID, ""); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, EnvNodeID, v)
		}
		c.Node.ID = id
	}
	if v := getenv(EnvPartitions, ""); v != "" {
		pids, err := parsePartitionList(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, EnvPartitions, v)
		}
		c.Node.Partitions = pids
	}
	c.Node.Listen = getenv(EnvListen, c.Node.Listen)
	c.Node.AdvertiseIP = getenv(EnvAdvertiseIP, c.Node.AdvertiseIP)
	c.Node.DataDir = getenv(EnvDataDir, c.Node.DataDir)
	c.Node.Sibling = getenv(EnvSibling, c.Node.Sibling)
	if v := getenv(EnvAdminAddr, ""); v != "" {
		c.Coordinator.AdminAddr = v
		c.Node.AdminAddr = v
	}
	return nil
}

// ValidateCoordinator checks the fields a coordinator process needs.
func (c Config) ValidateCoordinator() error {
	if c.Coordinator.ClientPort <= 0 || c.Coordinator.ClientPort >= 65535 {
		return fmt.Errorf("%w: coordinator.client_port %d", ErrInvalidConfig, c.Coordinator.ClientPort)
	}
	if c.Coordinator.NodePort < 0 || c.Coordinator.NodePort > 65535 {
		return fmt.Errorf("%w: coordinator.node_port %d", ErrInvalidConfig, c.Coordinator.NodePort)
	}
	if err := positive(map[string]time.Duration{
		"coordinator.liveness_timeout": c.Coordinator.LivenessTimeout,
		"coordinator.sweep_interval":   c.Coordinator.SweepInterval,
	}); err != nil {
		return err
	}
	return c.Timeouts.validate()
}

// ValidateNode checks the fields a worker process needs.
func (c Config) ValidateNode() error {
	n := c.Node
	if n.ID <= 0 {
		return fmt.Errorf("%w: node.id must be set", ErrInvalidConfig)
	}
	if len(n.Partitions) == 0 {
		return fmt.Errorf("%w: node.partitions is empty", ErrInvalidConfig)
	}
	seen := make(map[int]bool, len(n.Partitions))
	for _, pid := range n.Partitions {
		if !cluster.ValidPartition(pid) {
			return fmt.Errorf("%w: unknown partition %d", ErrInvalidConfig, pid)
		}
		if seen[pid] {
			return fmt.Errorf("%w: duplicate partition %d", ErrInvalidConfig, pid)
		}
		seen[pid] = true
	}
	if _, err := n.Port(); err != nil {
		return err
	}
	if n.AdvertiseIP == "" || n.Coordinator == "" || n.DataDir == "" {
		return fmt.Errorf("%w: node.advertise_ip, node.coordinator and node.data_dir are required", ErrInvalidConfig)
	}
	if err := positive(map[string]time.Duration{
		"node.heartbeat_interval": n.HeartbeatInterval,
		"node.reconnect_delay":    n.ReconnectDelay,
		"node.repair_interval":    n.RepairInterval,
		"node.freeze_lease":       n.FreezeLease,
	}); err != nil {
		return err
	}
	return c.Timeouts.validate()
}

func (t Timeouts) validate() error {
	return positive(map[string]time.Duration{
		"timeouts.query":        t.Query,
		"timeouts.transfer":     t.Transfer,
		"timeouts.quorum_wait":  t.QuorumWait,
		"timeouts.audit":        t.Audit,
		"timeouts.freeze":       t.Freeze,
		"timeouts.snapshot":     t.Snapshot,
		"timeouts.repair_delay": t.RepairDelay,
	})
}

func positive(fields map[string]time.Duration) error {
	for name, d := range fields {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidConfig, name, d)
		}
	}
	return nil
}

func parsePartitionList(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		pid, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out = append(out, pid)
	}
	return out, nil
}

// getenv returns the value of k, or def when k is unset or empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
