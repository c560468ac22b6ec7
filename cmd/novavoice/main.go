package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/novalabs/novavoice/internal/audio"
	"github.com/novalabs/novavoice/internal/auth"
	"github.com/novalabs/novavoice/internal/billing"
	"github.com/novalabs/novavoice/internal/config"
	"github.com/novalabs/novavoice/internal/httpapi"
	"github.com/novalabs/novavoice/internal/observability"
	"github.com/novalabs/novavoice/internal/session"
	"github.com/novalabs/novavoice/internal/store"
	"github.com/novalabs/novavoice/internal/voice"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogPretty)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	recorder, err := store.NewRecorder(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("session store init failed")
	}
	defer recorder.Close()

	var (
		sttProvider voice.STTProvider
		ttsProvider voice.TTSProvider
	)
	if strings.TrimSpace(cfg.VoiceAPIKey) != "" {
		p := voice.NewRealtimeProvider(voice.RealtimeConfig{
			APIKey:       cfg.VoiceAPIKey,
			WSBaseURL:    cfg.VoiceWSBaseURL,
			STTModelID:   cfg.STTModelID,
			TTSModelID:   cfg.TTSModelID,
			OutputFormat: cfg.TTSOutputFormat,
			SampleRate:   cfg.SampleRate,
		})
		sttProvider = p
		ttsProvider = p.TTS()
		logger.Info().Msg("speech provider: realtime websocket")
	} else {
		p := voice.NewMockProvider()
		sttProvider = p
		ttsProvider = p.TTS()
		logger.Warn().Msg("speech provider: mock (VOICE_API_KEY not set)")
	}

	gen := voice.NewOpenAIGen(voice.GenConfig{
		BaseURL:     cfg.GenBaseURL,
		APIKey:      cfg.GenAPIKey,
		Model:       cfg.GenModel,
		Temperature: cfg.GenTemperature,
		SystemStyle: cfg.GenSystemStyle,
	})

	registry := session.NewRegistry(session.Options{
		MaxSessions:    cfg.MaxSessions,
		MaxPerUser:     cfg.MaxSessionsPerUser,
		IdleTimeout:    cfg.IdleTimeout,
		ReconnectGrace: cfg.ReconnectGrace,
	})
	meter := billing.NewMeter(registry, billing.Rates{
		STTPerSecond:   cfg.STTDollarsPerSecond,
		GenPer1KTokIn:  cfg.GenDollarsPerKTokIn,
		GenPer1KTokOut: cfg.GenDollarsPerKTokOut,
		TTSPer1KChars:  cfg.TTSDollarsPerKChars,
	}, cfg.TierCaps, cfg.DefaultTier, metrics, logger)

	codec := audio.NewCodec(cfg.FrameMinBytes, cfg.FrameMaxBytes, cfg.SampleRate)
	orchestrator := voice.NewOrchestrator(registry, meter, recorder, metrics, logger, codec,
		sttProvider, gen, ttsProvider,
		voice.Config{
			VoiceID:      cfg.TTSVoiceID,
			Language:     cfg.STTLanguage,
			HistoryLimit: cfg.HistoryLimit,
			DrainTimeout: cfg.DrainTimeout,
		})
	registry.SetEvictHook(orchestrator.HandleEviction)

	if strings.TrimSpace(cfg.AuthSecret) == "" {
		logger.Warn().Msg("AUTH_SECRET not set; every credential will be rejected")
	}
	validator := auth.NewHMACValidator(cfg.AuthSecret)

	api := httpapi.New(cfg, registry, validator, orchestrator, gen, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartJanitor(runCtx, cfg.SweepInterval)

	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	logger.Info().Msg("shutdown complete")
}
