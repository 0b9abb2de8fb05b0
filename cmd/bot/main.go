// cmd/bot/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	zlog "github.com/rs/zerolog/log"

	"nekobeat/internal/config"
	"nekobeat/internal/discord"
	"nekobeat/internal/extract"
	"nekobeat/internal/logger"
	"nekobeat/internal/metadata"
	"nekobeat/internal/notify"
	"nekobeat/internal/playback"
	"nekobeat/internal/relay"
	"nekobeat/internal/store"
	"nekobeat/internal/voice"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Configuration error")
	}

	logger.Init(logger.Config{Output: cfg.LogOutput, Level: cfg.LogLevel, File: cfg.LogFile})
	log := logger.With("main")
	log.Info().Msg("Starting nekobeat...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(ctx, cfg.StoragePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()
	go store.RunExpirySweeper(ctx, st)

	notifier := notify.New(cfg.AlertWebhookURL)

	pool := relay.NewPool(cfg.Relay, st, notifier)
	if err := pool.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize relay pool")
	}
	defer pool.Shutdown()

	coordinator := playback.NewCoordinator(
		extract.New(),
		playback.NewRelayPlayer(pool, relay.NewCaptureClient(cfg.Relay.CaptureBaseURL)),
		playback.NewFailureTracker(st),
		st,
	)

	md := metadata.NewService()
	bot := discord.NewBot(cfg, md)
	if err := bot.Open(); err != nil {
		log.Fatal().Err(err).Msg("Failed to open Discord session")
	}

	vm := voice.NewManager(
		voice.NewDiscordConnector(bot.Session()),
		coordinator,
		voice.Config{
			IdleDisconnect: cfg.IdleDisconnect,
			RecoveryWindow: cfg.RecoveryWindow,
			ErrorGrace:     cfg.PlayerErrorGrace,
		},
	)
	bot.SetVoiceManager(vm)

	errCh := make(chan error, 1)
	go func() {
		errCh <- bot.Run(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("Received signal, shutting down...")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("Discord bot error")
		}
		cancel()
	}

	log.Info().Msg("nekobeat exited cleanly")
}
