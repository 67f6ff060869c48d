package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrowflow/internal/chain"
	"escrowflow/internal/config"
	"escrowflow/internal/db"
	"escrowflow/internal/engine"
	internalhttp "escrowflow/internal/http"
	"escrowflow/internal/services"
	"escrowflow/internal/store"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx := context.Background()
	backend, cleanup, err := buildBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("backend init failed: %v", err)
	}
	defer cleanup()

	h := internalhttp.NewHandler(backend)
	auth := internalhttp.NewActorAuth(cfg.Auth.JWTSecret)
	srv := internalhttp.NewServer(h, auth)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router,
	}

	go func() {
		log.Printf("api listening on %s (mode=%s)", cfg.Server.Addr, cfg.Mode)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}

// buildBackend selects the operating mode once at startup; nothing branches
// on mode per request.
func buildBackend(ctx context.Context, cfg *config.Config) (services.Backend, func(), error) {
	if cfg.Mode == config.ModeTrustless {
		timeout := time.Duration(cfg.Contract.TimeoutSeconds) * time.Second
		reader := chain.NewContractClient(cfg.Contract.RPCEndpoint, cfg.Contract.Address, timeout)
		mirror := services.NewMirror(cfg.Contract.Address, cfg.Contract.TokenAddress, cfg.Escrow.FeeBps, reader)
		mirror.DeadlineHours = cfg.Escrow.DeadlineHours
		mirror.AcceptanceWindowHours = cfg.Escrow.AcceptanceWindowHours
		return mirror, func() {}, nil
	}

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Escrow.Arbiter == "" {
		log.Printf("warning: escrow.arbiter is not configured; disputes cannot be resolved")
	}

	eng := &engine.Engine{
		FeeBps:                cfg.Escrow.FeeBps,
		FeeRecipient:          cfg.Escrow.FeeRecipient,
		Arbiter:               cfg.Escrow.Arbiter,
		DeadlineHours:         cfg.Escrow.DeadlineHours,
		AcceptanceWindowHours: cfg.Escrow.AcceptanceWindowHours,
	}
	var deriver services.AddressDeriver
	if cfg.Wallet.XPub != "" {
		deriver = chain.AddressDeriver{XPub: cfg.Wallet.XPub, Prefix: cfg.Wallet.Bech32Prefix}
	}
	ledger := services.NewLedger(store.New(pool), eng, deriver)
	return ledger, pool.Close, nil
}
