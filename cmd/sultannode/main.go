package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/multiformats/go-multiaddr"

	"github.com/sultan-labs/sultan/config"
	"github.com/sultan-labs/sultan/crypto"
	"github.com/sultan-labs/sultan/network"
	"github.com/sultan-labs/sultan/node"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the node config file")
	syncOnStart := flag.Bool("sync", true, "catch up from peers before producing blocks")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	signer, err := crypto.PrivateKeyFromMnemonic(cfg.ValidatorMnemonic, "")
	if err != nil {
		log.Fatalf("FATAL: failed to derive validator key: %v", err)
	}

	bootstrapPeers := make([]multiaddr.Multiaddr, 0, len(cfg.BootstrapPeers))
	for _, raw := range cfg.BootstrapPeers {
		addr, err := multiaddr.NewMultiaddr(raw)
		if err != nil {
			log.Fatalf("FATAL: bad bootstrap peer %q: %v", raw, err)
		}
		bootstrapPeers = append(bootstrapPeers, addr)
	}

	transport, err := network.NewP2PTransport(cfg.ListenPort, bootstrapPeers)
	if err != nil {
		log.Fatalf("FATAL: failed to start p2p transport: %v", err)
	}

	n, err := node.New(cfg, signer, transport)
	if err != nil {
		log.Fatalf("FATAL: failed to initialize node: %v", err)
	}

	sync := network.NewSyncService(transport, n.ChainStore(), n.ApplySynced)
	n.SetResync(func(from uint64) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		fetched, err := sync.SyncFrom(ctx, from)
		if err != nil {
			log.Printf("WARN: catch-up from height %d incomplete: %v", from, err)
			return
		}
		log.Printf("INFO: caught up %d blocks, now at height %d", fetched, n.Tip().Height)
	})
	if *syncOnStart && len(bootstrapPeers) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		fetched, err := sync.SyncFrom(ctx, n.Tip().Height+1)
		cancel()
		if err != nil {
			log.Printf("WARN: initial sync incomplete: %v", err)
		} else if fetched > 0 {
			log.Printf("INFO: synced %d blocks, now at height %d", fetched, n.Tip().Height)
		}
	}

	n.Start()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		log.Printf("INFO: received %s, shutting down", sig)
	case err := <-n.Fatal():
		log.Printf("FATAL: %v", err)
		n.Stop()
		os.Exit(1)
	}
	n.Stop()
}
