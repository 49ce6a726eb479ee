// Command i2pnode runs the anonymous file-sharing node core (spec §4.H):
// it constructs the store, identity, I2P tunnel and domain components in
// order, then serves until an interrupt signal triggers graceful shutdown.
// Wiring order mirrors the teacher's cmd/omnicloud/main.go.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/i2pshare/node/internal/config"
	"github.com/i2pshare/node/internal/events"
	"github.com/i2pshare/node/internal/identity"
	"github.com/i2pshare/node/internal/orchestrator"
	"github.com/i2pshare/node/internal/store"
	"github.com/i2pshare/node/internal/transport"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code (spec §6: 0 normal, non-zero on
// unrecoverable startup error).
func run() int {
	configPath := flag.String("config", "", "path to the configuration file")
	isTracker := flag.Bool("tracker", false, "also announce this node as a meta-tracker")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("load configuration: %v", err)
		return 1
	}

	log.Printf("i2pshare node starting (display_name=%q tracker_addresses=%d max_parallel_downloads=%d)",
		cfg.DisplayName, len(cfg.TrackerAddresses), cfg.MaxParallelDownloads)

	if err := os.MkdirAll(cfg.DownloadPath, 0o755); err != nil {
		log.Printf("create download path %s: %v", cfg.DownloadPath, err)
		return 1
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755); err != nil && filepath.Dir(cfg.StorePath) != "." {
		log.Printf("create store directory: %v", err)
		return 1
	}

	s, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Printf("open store: %v", err)
		return 1
	}
	defer s.Close()

	id, err := identity.New()
	if err != nil {
		log.Printf("generate identity: %v", err)
		return 1
	}
	log.Printf("node id: %s", id.NodeID)

	factory, err := transport.NewSAMFactory(cfg.SAMAddress, "i2pshare-"+id.NodeID.String()[:12])
	if err != nil {
		log.Printf("open I2P tunnel: %v", err)
		return 1
	}
	defer factory.Close()

	bus := events.New()

	o := orchestrator.New(orchestrator.Deps{
		Config:    cfg,
		ID:        id,
		Store:     s,
		Dial:      factory,
		Bus:       bus,
		IsTracker: *isTracker,
	})

	ctx, cancel := context.WithCancel(context.Background())

	runDone := make(chan error, 1)
	go func() { runDone <- o.Start(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Println("shutdown signal received, stopping i2pshare node...")
		cancel()
		select {
		case <-runDone:
		case <-time.After(10 * time.Second):
			log.Println("shutdown timed out waiting for components to stop")
		}
	case err := <-runDone:
		cancel()
		if err != nil {
			log.Printf("orchestrator stopped with error: %v", err)
			return 1
		}
	}

	log.Println("i2pshare node stopped")
	return 0
}
