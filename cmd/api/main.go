package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"escrowflow/auth"
	"escrowflow/bridge"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/nonce"
	"escrowflow/reputation"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("bootstrap database pool")
	}
	defer pool.Close()

	configStore := config.NewStore(pool)
	tokens := auth.NewService(cfg.JWTSecret)
	recorder := reputation.NewLogRecorder(log)

	escrowService := escrow.NewService(
		pool,
		escrow.NewRepository(pool),
		nonce.NewRegistry(),
		configStore,
		bridge.NewStaticAdapter(cfg.BridgeFees),
		recorder,
		cfg.Domain,
		log,
	)
	disputeService := dispute.NewService(pool, dispute.NewRepository(pool), escrowService)

	server := NewServer(escrowService, disputeService, configStore, tokens, log)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}()

	log.Info().Str("listen", cfg.Listen).Uint64("network_id", cfg.Domain.NetworkID).Msg("api listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("serve")
	}
}
