package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"PayLinkRelay/internal/chain"
	"PayLinkRelay/internal/config"
	"PayLinkRelay/internal/db"
	"PayLinkRelay/internal/logging"
	"PayLinkRelay/internal/store"
	"PayLinkRelay/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if cfg.DB.DSN == "" {
		log.Fatalf("db.dsn is required for the worker")
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	networks, err := cfg.ChainNetworks()
	if err != nil {
		log.Fatalf("network config failed: %v", err)
	}
	reg := chain.NewRegistry()
	defer reg.Close()
	for _, n := range networks {
		if _, local := cfg.LocalLedger(n.ChainID); local {
			logger.Warn().Int64("chain", n.ChainID).Msg("skipping in-process ledger network")
			continue
		}
		if _, err := reg.Dial(n); err != nil {
			log.Fatalf("network %d: %v", n.ChainID, err)
		}
	}

	w := &worker.Worker{
		Store:       store.New(pool),
		Registry:    reg,
		Interval:    cfg.WorkerInterval(),
		StaleAfter:  cfg.StaleAfter(),
		BatchSize:   cfg.Worker.BatchSize,
		Concurrency: cfg.Worker.Concurrency,
		Log:         logger.With().Str("module", "reconciler").Logger(),
	}

	logger.Info().Ints64("chains", reg.ChainIDs()).Msg("worker started")
	w.Run(ctx)
}
