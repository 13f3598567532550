package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/altice-io/Daqiao-Endorser/internal/chain"
	"github.com/altice-io/Daqiao-Endorser/internal/config"
	"github.com/altice-io/Daqiao-Endorser/internal/history"
	"github.com/altice-io/Daqiao-Endorser/internal/idempotency"
	"github.com/altice-io/Daqiao-Endorser/internal/ledger"
	"github.com/altice-io/Daqiao-Endorser/internal/logging"
	"github.com/altice-io/Daqiao-Endorser/internal/relay"
	"github.com/altice-io/Daqiao-Endorser/internal/server"
)

func serveCmd() *cobra.Command {
	var devLedger bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relayer HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(devLedger)
		},
	}
	cmd.Flags().BoolVar(&devLedger, "dev-ledger", false,
		"use an in-memory ledger instead of the Daqiao chain (development only)")
	return cmd
}

func runServe(devLedger bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapters, err := chain.NewRegistry(ctx, cfg, os.Getenv("RELAYER_ETH_PRIVATE_KEY"), logger)
	if err != nil {
		return err
	}

	var ledgerClient ledger.Client
	if devLedger {
		logger.Warn().Msg("running with an in-memory ledger; records will not survive restarts")
		ledgerClient = ledger.NewMemoryClient()
	} else {
		ledgerClient, err = ledger.NewSubstrateClient(ledger.SubstrateConfig{
			WSURL:   cfg.Ledger.WSURL,
			Seed:    cfg.Ledger.Seed,
			Network: cfg.Ledger.SS58Network,
		}, logger)
		if err != nil {
			return err
		}
	}

	journal, err := history.Open(cfg.Service.HistoryDBPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	var store idempotency.Store = idempotency.NewMemoryStore()
	if cfg.Service.IdempotencyDSN != "" {
		pgStore, err := idempotency.NewPostgresStore(ctx, cfg.Service.IdempotencyDSN)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		store = pgStore
	}

	engine := relay.NewEngine(cfg, adapters, ledgerClient, journal, logger)
	apiServer := server.NewServer(cfg, engine, store, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}
