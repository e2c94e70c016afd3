// Package main runs a ledger worker node, which hosts a fixed set of account
// partitions, serves them to the coordinator and its sibling over TCP, and
// keeps itself registered with the coordinator.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                     │
//	├─────────────────────────────────────────┤
//	│  TCP peer port:                         │
//	│    CONSULTAR, TRANSFERIR, ARQUEO,       │
//	│    OBTENER/ACTUALIZAR_PARTICION,        │
//	│    SINCRONIZAR, BLOQUEAR/DESBLOQUEAR    │
//	│  Coordinator link:                      │
//	│    REGISTRO, then HEARTBEAT every 10s   │
//	│  HTTP admin API (optional):             │
//	│    /health, /info, /partitions/{id}     │
//	├─────────────────────────────────────────┤
//	│  Data: particion_<pid>_rep<id>.dat      │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - NODE_ID: unique node id (required)
//   - NODE_PARTITIONS: hosted partitions, e.g. "1,2" (required)
//   - NODE_LISTEN: peer listen address (default: ":6001")
//   - NODE_ADVERTISE_IP: address announced to the coordinator (default: 127.0.0.1)
//   - COORDINATOR_ADDR: coordinator node port (default: 127.0.0.1:5001)
//   - NODE_DATA_DIR: partition files directory (default: ./data)
//   - NODE_SIBLING: peer receiving replica pushes (default: none)
//   - ADMIN_ADDR: admin API listen address (default: disabled)
//   - LEDGER_CONFIG: TOML file with [node] and [timeouts] tables
//
// Example usage:
//
//	NODE_ID=1 NODE_PARTITIONS=1,2 NODE_LISTEN=:6001 \
//	NODE_SIBLING=127.0.0.1:6002 COORDINATOR_ADDR=127.0.0.1:5001 \
//	./node
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logs "github.com/danmuck/smplog"

	"github.com/dreamware/quorumledger/internal/config"
	"github.com/dreamware/quorumledger/internal/logcfg"
	"github.com/dreamware/quorumledger/internal/worker"
)

// logFatal is a variable to allow intercepting fatal errors in tests.
var logFatal = func(err error, msg string) {
	logs.Fatalf(err, "%s", msg)
}

func main() {
	logs.Configure(logcfg.Load())

	cfg, err := config.FromEnv()
	if err != nil {
		logFatal(err, "node: load configuration")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nil); err != nil {
		logFatal(err, "node: exited")
	}
}

// run opens the node described by cfg and serves until ctx is cancelled.
// When ready is non-nil it receives the node once its peer listener is
// bound.
func run(ctx context.Context, cfg config.Config, ready chan<- *worker.Node) error {
	opts, err := worker.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	n, err := worker.New(opts)
	if err != nil {
		return err
	}
	if err := n.Listen(); err != nil {
		return err
	}

	var admin *http.Server
	if cfg.Node.AdminAddr != "" {
		admin = &http.Server{
			Addr:              cfg.Node.AdminAddr,
			Handler:           n.AdminHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logs.Infof("node[%d]: admin API on %s", n.ID(), admin.Addr)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logs.Errorf(err, "node[%d]: admin API stopped", n.ID())
			}
		}()
	}

	if ready != nil {
		ready <- n
	}
	err = n.Run(ctx)

	if admin != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := admin.Shutdown(sctx); serr != nil {
			logs.Warnf("node[%d]: admin shutdown: %v", n.ID(), serr)
		}
	}
	return err
}
