package main

import (
	"context"
	"log"
	"time"

	"escrowflow/internal/chain"
	"escrowflow/internal/config"
	"escrowflow/internal/db"
	"escrowflow/internal/engine"
	"escrowflow/internal/services"
	"escrowflow/internal/store"
	"escrowflow/internal/sweeper"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx := context.Background()

	if cfg.Mode == config.ModeTrustless {
		// The contract enforces its own timeouts; all this process can do is
		// watch the event stream so operators see state changes as they land.
		runWatcher(ctx, cfg)
		return
	}

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)
	eng := &engine.Engine{
		FeeBps:                cfg.Escrow.FeeBps,
		FeeRecipient:          cfg.Escrow.FeeRecipient,
		Arbiter:               cfg.Escrow.Arbiter,
		DeadlineHours:         cfg.Escrow.DeadlineHours,
		AcceptanceWindowHours: cfg.Escrow.AcceptanceWindowHours,
	}
	ledger := services.NewLedger(st, eng, nil)

	sw := &sweeper.Sweeper{
		Store:     st,
		Backend:   ledger,
		Interval:  time.Duration(cfg.Sweeper.IntervalSeconds) * time.Second,
		BatchSize: cfg.Sweeper.BatchSize,
		Workers:   cfg.Sweeper.Workers,
	}

	log.Printf("sweeper started (interval=%s)", sw.Interval)
	sw.Run(ctx)
}

func runWatcher(ctx context.Context, cfg *config.Config) {
	if cfg.Contract.WSEndpoint == "" {
		log.Fatalf("contract.ws_endpoint is required to watch in trustless mode")
	}
	w := &chain.Watcher{
		Endpoint: cfg.Contract.WSEndpoint,
		Contract: cfg.Contract.Address,
		Handle: func(ev chain.EscrowEvent) {
			status, err := ev.Status.Lifecycle()
			if err != nil {
				log.Printf("contract event %s on escrow %s (unknown status %d)", ev.Type, ev.EscrowID, ev.Status)
				return
			}
			log.Printf("contract event %s: escrow %s -> %s (tx %s)", ev.Type, ev.EscrowID, status, ev.TxHash)
		},
	}
	log.Printf("contract watcher started (ws=%s)", cfg.Contract.WSEndpoint)
	w.Run(ctx)
}
