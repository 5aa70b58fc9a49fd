package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PayLinkRelay/internal/config"
	"PayLinkRelay/internal/db"
	internalhttp "PayLinkRelay/internal/http"
	"PayLinkRelay/internal/logging"
	"PayLinkRelay/internal/relay"
	"PayLinkRelay/internal/store"
	"PayLinkRelay/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, ledgers, err := openNetworks(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("network setup failed: %v", err)
	}
	defer func() {
		reg.Close()
		for _, l := range ledgers {
			_ = l.Close()
		}
	}()

	sponsor, err := relay.LoadSponsor(cfg.Sponsor.PrivateKey, cfg.Sponsor.XPrv, cfg.Sponsor.DerivationIndex)
	if err != nil {
		log.Fatalf("sponsor load failed: %v", err)
	}
	minBalance, _ := cfg.MinSponsorBalance()

	var journal relay.Journal
	memJournal := relay.NewMemoryJournal()
	if cfg.DB.DSN != "" {
		pool, err := db.Connect(ctx, cfg.DB.DSN)
		if err != nil {
			log.Fatalf("db connect failed: %v", err)
		}
		defer pool.Close()
		journal = store.New(pool)
	} else {
		journal = memJournal
		// nothing else can see this journal, so reconcile it here
		w := &worker.Worker{
			Store:      memJournal,
			Registry:   reg,
			Interval:   cfg.WorkerInterval(),
			StaleAfter: cfg.StaleAfter(),
			BatchSize:  cfg.Worker.BatchSize,
			Log:        logger.With().Str("module", "reconciler").Logger(),
		}
		go w.Run(ctx)
		logger.Warn().Msg("no database configured, relay submissions are kept in memory")
	}

	exec, err := relay.New(relay.Config{
		Registry:          reg,
		Sponsor:           sponsor,
		Journal:           journal,
		ConfirmTimeout:    cfg.ConfirmTimeout(),
		PollInterval:      cfg.PollInterval(),
		MinSponsorBalance: minBalance,
		Heads:             watchHeads(ctx, reg, logger),
		Logger:            logger,
	})
	if err != nil {
		log.Fatalf("relay setup failed: %v", err)
	}
	defer exec.Close()

	h := internalhttp.NewHandler(exec, logger)
	srv := internalhttp.NewServer(h)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		// a relay call may wait out the whole confirmation timeout
		WriteTimeout: cfg.ConfirmTimeout() + 30*time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.ConfirmTimeout()+5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
