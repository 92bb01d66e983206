package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"signalpipe/internal/infrastructure/config"
	"signalpipe/internal/infrastructure/logger"
	"signalpipe/internal/infrastructure/svc"
	"signalpipe/internal/interfaces/httpapi"
)

func main() {
	logger.Setup()

	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service initialization failed")
	}
	defer func() {
		if err := sc.Close(); err != nil {
			log.Error().Err(err).Msg("shutdown finished with errors")
		}
	}()

	// Crash recovery: re-queue anything left mid-flight by the last run.
	recoverCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	recovered, err := sc.Wal.RecoverStuck(recoverCtx)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("startup recovery sweep failed")
	} else if recovered > 0 {
		log.Warn().Int("entries", recovered).Msg("recovered stuck entries from previous run")
	}

	go sc.Retry.Run(ctx, cfg.RetrySweepEvery())
	go sc.Wal.RunMaintenance(ctx, cfg.WalRecoveryEvery())

	server := httpapi.NewServer(
		cfg.Server.Addr,
		time.Duration(cfg.Server.ReadTimeoutSec)*time.Second,
		time.Duration(cfg.Server.WriteTimeoutSec)*time.Second,
		int64(cfg.Admission.MaxBodyBytes),
		sc.Pipeline,
		sc.Wal,
		sc.Retry,
		sc.Hub,
	)

	log.Info().
		Str("config", *configPath).
		Str("addr", cfg.Server.Addr).
		Str("storage", cfg.Storage.Driver).
		Int("strategies", len(cfg.Strategies.Symbols)).
		Msg("signalpipe started")

	if err := server.Run(ctx); err != nil {
		log.Error().Err(err).Msg("http server exited")
	}
}
