// Package main runs the ledger coordinator, which routes client requests to
// worker nodes, runs quorum transfers and global audits, and tracks node
// liveness.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│             Coordinator                 │
//	├─────────────────────────────────────────┤
//	│  TCP client port (default 5000):        │
//	│    CONSULTAR_SALDO, TRANSFERIR_FONDOS,  │
//	│    ARQUEO                               │
//	│  TCP node port (client port + 1):       │
//	│    REGISTRO, HEARTBEAT                  │
//	│  HTTP admin API (optional):             │
//	│    /health, /nodes, /partitions,        │
//	│    /nodes/{id}/repair                   │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - LEDGER_CONFIG: TOML file with [coordinator] and [timeouts] tables
//   - COORDINATOR_PORT: client port (default: 5000)
//   - ADMIN_ADDR: admin API listen address (default: disabled)
//   - SMPLOG_CONFIG: logger configuration file
//
// Example usage:
//
//	COORDINATOR_PORT=5000 ADMIN_ADDR=:8080 ./coordinator
//
//	# query a balance
//	echo "CONSULTAR_SALDO|100" | nc localhost 5000
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
	"github.com/dreamware/quorumledger/internal/coordinator"
	"github.com/dreamware/quorumledger/internal/logcfg"
)

// logFatal is a variable to allow intercepting fatal errors in tests.
var logFatal = func(err error, msg string) {
	logs.Fatalf(err, "%s", msg)
}

func main() {
	logs.Configure(logcfg.Load())

	cfg, err := config.FromEnv()
	if err != nil {
		logFatal(err, "coordinator: load configuration")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nil); err != nil {
		logFatal(err, "coordinator: exited")
	}
}

// run starts the coordinator described by cfg and blocks until ctx is
// cancelled. When ready is non-nil it receives the coordinator once both
// listeners are bound.
func run(ctx context.Context, cfg config.Config, ready chan<- *coordinator.Coordinator) error {
	opts, err := coordinator.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}

	c := coordinator.New(opts)
	if err := c.Start(cfg.Coordinator.ClientAddr(), cfg.Coordinator.NodeAddr()); err != nil {
		return err
	}
	defer c.Close()

	var admin *http.Server
	if cfg.Coordinator.AdminAddr != "" {
		admin = &http.Server{
			Addr:              cfg.Coordinator.AdminAddr,
			Handler:           c.AdminHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logs.Infof("coordinator: admin API on %s", admin.Addr)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logs.Errorf(err, "coordinator: admin API stopped")
			}
		}()
	}

	if ready != nil {
		ready <- c
	}
	<-ctx.Done()
	logs.Infof("coordinator: shutting down")

	if admin != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := admin.Shutdown(sctx); err != nil {
			logs.Warnf("coordinator: admin shutdown: %v", err)
		}
	}
	return nil
}
