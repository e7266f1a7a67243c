package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/language"

	"github.com/bobarin/reelsmith/internal/api"
	"github.com/bobarin/reelsmith/internal/compositor"
	"github.com/bobarin/reelsmith/internal/config"
	"github.com/bobarin/reelsmith/internal/db"
	"github.com/bobarin/reelsmith/internal/logging"
	"github.com/bobarin/reelsmith/internal/queue"
	"github.com/bobarin/reelsmith/internal/render"
	"github.com/bobarin/reelsmith/internal/services"
	"github.com/bobarin/reelsmith/internal/stats"
	"github.com/bobarin/reelsmith/internal/storage"
	"github.com/bobarin/reelsmith/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.Init("production")
		boot.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.Init(cfg.AppEnv)
	logger.Info().Msg("starting reelsmith API")

	validate := cfg.ValidateAPI
	if cfg.WorkerEnabled {
		validate = cfg.ValidateWorker
	}
	if err := validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	if err := database.EnsureSchema(schemaCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure schema")
	}
	cancelSchema()
	logger.Info().Msg("connected to database")

	q, err := queue.New(cfg.RedisURL, queue.Options{
		MaxAttempts:    cfg.MaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		LockTTL:        cfg.JobLockTTL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to queue")
	}
	defer q.Close()
	logger.Info().Msg("connected to redis queue")

	stor := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, logger)

	handler := api.NewHandler(database, q, stor, cfg.WebhookSecret, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	}, logger)

	if cfg.BackendAPIKey == "" {
		logger.Warn().Msg("no BACKEND_API_KEY set, API is unprotected (dev mode)")
	}
	if cfg.WebhookSecret == "" {
		logger.Warn().Msg("no WEBHOOK_SECRET set, webhooks are unsigned (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	workerDone := make(chan struct{})
	workerCtx, workerCancel := context.WithCancel(context.Background())
	if cfg.WorkerEnabled {
		w, err := buildWorker(cfg, database, q, stor, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build worker")
		}
		go func() {
			defer close(workerDone)
			w.Start(workerCtx, cfg.MaxConcurrentJobs)
		}()
	} else {
		close(workerDone)
	}

	go func() {
		logger.Info().Str("port", cfg.APIPort).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	// In-flight jobs run to a terminal state; consumers stop taking new ones.
	workerCancel()
	<-workerDone
	logger.Info().Msg("server exited")
}

func buildWorker(cfg *config.Config, database *db.DB, q *queue.Queue, stor *storage.Storage, logger zerolog.Logger) (*worker.Worker, error) {
	sink := stats.NewRedis(q.Client(), logger)

	voice := services.NewFallbackTTS(logger)
	if cfg.ElevenLabsKey != "" {
		voice.Add("elevenlabs", services.NewElevenLabsService(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, logger))
	}
	if cfg.CartesiaKey != "" {
		voice.Add("cartesia", services.NewCartesiaService(cfg.CartesiaKey, cfg.CartesiaURL, cfg.CartesiaVoiceID, logger))
	}
	logger.Info().Int("providers", voice.Len()).Msg("TTS configured")

	caps := worker.Capabilities{
		Script: services.NewOpenAIService(cfg.OpenAIKey, cfg.OpenAIModel, logger),
		Voice:  voice,
	}
	if cfg.RemoveBGKey != "" {
		caps.Remover = services.NewBackgroundRemover(cfg.RemoveBGKey, cfg.RemoveBGURL, sink, logger)
	} else {
		logger.Warn().Msg("background removal disabled, scenes use full product images")
	}
	switch {
	case cfg.BackdropKey != "":
		caps.Backdrop = services.NewBackdropService(cfg.BackdropKey, cfg.BackdropURL, cfg.BackdropModelID, logger)
	case cfg.GeminiKey != "":
		caps.BackdropImage = services.NewGeminiService(cfg.GeminiKey, logger)
	default:
		logger.Info().Msg("AI background disabled, layered scenes use a gradient")
	}
	if cfg.AvatarKey != "" {
		caps.Avatar = services.NewAvatarService(cfg.AvatarKey, cfg.AvatarURL, cfg.AvatarPresenterID, logger)
	}

	motion, err := services.NewMotionGenerator(services.MotionOptions{
		Provider:  cfg.MotionProvider,
		GeminiKey: cfg.GeminiKey,
		VeoModel:  cfg.VeoModel,
		XAIAPIKey: cfg.XAIAPIKey,
	}, logger)
	if err != nil {
		return nil, err
	}

	profile := cfg.RenderProfile
	executor, err := render.NewExecutor(logger, profile)
	if err != nil {
		return nil, err
	}
	lang, err := language.Parse(cfg.BannerLanguage)
	if err != nil {
		lang = language.English
	}
	banners, err := render.NewBannerRenderer(profile, lang, cfg.DefaultCurrency)
	if err != nil {
		return nil, err
	}

	poll := services.PollConfig{Interval: cfg.PollInterval, MaxAttempts: cfg.PollMaxAttempts}
	comp := compositor.New(executor, stor, banners, compositor.Options{
		TempDir:          cfg.TempDir,
		MusicPath:        cfg.BackgroundMusicPath,
		FetchConcurrency: cfg.FetchConcurrency,
		Motion:           motion,
		MotionStrength:   cfg.MotionStrength,
		MotionPoll:       poll,
	}, logger)

	return worker.New(database, q, stor, comp, caps, worker.Options{
		UploadConcurrency: cfg.UploadConcurrency,
		Poll:              poll,
		IntroTemplate:     cfg.IntroTemplate,
		AvatarID:          cfg.AvatarPresenterID,
		Dimensions:        services.Dimensions{Width: profile.Width, Height: profile.Height},
	}, logger), nil
}
