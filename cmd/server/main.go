// Voice relay server for coding-assistant sessions.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ashureev/voice-relay/internal/api"
	"github.com/ashureev/voice-relay/internal/backoff"
	"github.com/ashureev/voice-relay/internal/config"
	"github.com/ashureev/voice-relay/internal/container"
	"github.com/ashureev/voice-relay/internal/conversation"
	"github.com/ashureev/voice-relay/internal/convlog"
	"github.com/ashureev/voice-relay/internal/identity"
	"github.com/ashureev/voice-relay/internal/middleware"
	"github.com/ashureev/voice-relay/internal/registry"
	"github.com/ashureev/voice-relay/internal/relay"
	"github.com/ashureev/voice-relay/internal/room"
	"github.com/ashureev/voice-relay/internal/speech"
	"github.com/ashureev/voice-relay/internal/store"
	"github.com/ashureev/voice-relay/internal/supervisor"
	"github.com/ashureev/voice-relay/internal/vad"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	loadEnv()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "speech_backend", cfg.Speech.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath, store.RetryPolicy{
		MaxRetries: cfg.Retry.DatabaseMaxRetries,
		Backoff: backoff.Policy{
			Base:   cfg.Retry.DatabaseRetryBaseDelay,
			Max:    cfg.Retry.DatabaseRetryMaxDelay,
			Factor: 2,
		},
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	conv, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}

	var containers container.Checker
	if len(cfg.Containers.Names) > 0 {
		dp, err := container.NewDockerChecker(cfg.Containers.Names, cfg.Containers.CheckTimeout, logger)
		if err != nil {
			slog.Warn("Docker unavailable, container checks disabled", "error", err)
		} else {
			containers = dp
			if cfg.Containers.AutoStart {
				if err := dp.EnsureRunning(ctx); err != nil {
					slog.Warn("Speech containers not ready", "error", err)
				}
				container.StartWatchdog(ctx, dp, 0, backoff.Policy{Base: 5 * time.Second, Factor: 2}, logger)
			}
		}
	}

	backend, err := newSpeechBackend(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize speech backend", "error", err)
		os.Exit(1)
	}
	slog.Info("Speech backend ready", "backend", cfg.Speech.Backend)

	// Initialize services.
	hubCfg := room.DefaultConfig()
	hubCfg.InputSampleRate = cfg.Audio.InputSampleRate
	hubCfg.OutputSampleRate = cfg.Audio.OutputSampleRate
	hubCfg.FrameDuration = cfg.Audio.FrameDuration
	hub := room.NewHub(hubCfg, logger)

	reg := registry.New(cfg.SessionTimeout, logger)
	broadcaster := relay.NewBroadcaster(0, conv, logger)

	convCfg := conversation.DefaultConfig()
	convCfg.Timings = conversation.Timings{
		ThinkingTimeout: cfg.Conversation.ThinkingTimeout,
		ErrorRecovery:   cfg.Conversation.ErrorRecovery,
		EchoCooldown:    cfg.Conversation.EchoCooldown,
		IdleDebounce:    cfg.Conversation.IdleDebounce,
		PlaybackJitter:  cfg.Conversation.PlaybackJitter,
	}
	convCfg.VAD = vad.Config{
		FrameDuration:  cfg.Audio.FrameDuration,
		SilenceTimeout: cfg.VAD.SilenceTimeout,
		MinSpeech:      cfg.VAD.MinSpeech,
		MaxRecording:   cfg.VAD.MaxRecording,
	}
	convCfg.STTSampleRate = cfg.Audio.STTSampleRate
	convCfg.PublishChunk = cfg.Audio.PublishChunk
	convCfg.SpeechTimeout = cfg.Speech.Timeout

	sup := supervisor.New(hub, convCfg, conversation.Deps{
		Forwarder:   reg,
		Notifier:    broadcaster,
		Transcriber: backend,
		Synthesizer: backend,
		NewClassifier: func() vad.Classifier {
			return vad.NewClassifier(cfg.VAD.Aggressiveness, cfg.VAD.EnergyThreshold, logger)
		},
		Logger: logger,
	}, logger)

	// Initialize handlers.
	sessionHandler := api.NewSessionHandler(reg, repo, logger)
	healthHandler := api.NewHealthHandler(repo, backend, containers, 0, logger)

	opts := relay.DefaultOptions()
	opts.OriginPatterns = originPatterns(cfg.AllowedOrigins)
	opts.StandbyMaxWait = cfg.Standby.MaxWait
	opts.HeartbeatInterval = cfg.Standby.HeartbeatInterval
	opts.QueueSize = cfg.Standby.QueueSize
	rl := relay.New(reg, sup, broadcaster, sessionHandler, opts, logger)

	sessionHandler.OnChange(rl.PushSessions)
	reg.OnEvict(rl.Evicted)

	roomHandler := room.NewHandler(hub, opts.OriginPatterns, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)
	rl.RegisterRoutes(r)
	roomHandler.RegisterRoutes(r)

	// Long-poll and SSE responses need no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	sup.Shutdown()
	hub.CloseAll()
	rl.Close()
	closeAll(
		named{"conversation log", conv.Close},
		named{"repository", repo.Close},
		named{"speech backend", backend.Close},
	)
	if containers != nil {
		closeAll(named{"docker client", containers.Close})
	}

	slog.Info("Server stopped successfully")
}

// loadEnv reads .env from the working directory, then the per-user env file.
// Neither file is required.
func loadEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	path := filepath.Join(home, ".claude", "voice-multiplexer", "voice-multiplexer.env")
	if err := godotenv.Load(path); err == nil {
		slog.Info("Loaded user env file", "path", path)
	}
}

func newSpeechBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (speech.Backend, error) {
	if cfg.Speech.Backend == config.BackendGRPC {
		gc := speech.DefaultGRPCConfig(cfg.Speech.GRPCAddr)
		gc.SampleRate = cfg.Audio.TTSSampleRate
		return speech.NewGRPCBackend(ctx, gc, logger)
	}
	return speech.NewOpenAIBackend(speech.OpenAIConfig{
		WhisperURL:   cfg.Speech.WhisperURL,
		WhisperModel: cfg.Speech.WhisperModel,
		KokoroURL:    cfg.Speech.KokoroURL,
		KokoroModel:  cfg.Speech.KokoroModel,
		Voice:        cfg.Speech.KokoroVoice,
		Speed:        cfg.Speech.KokoroSpeed,
		APIKey:       cfg.Speech.APIKey,
		SampleRate:   cfg.Audio.TTSSampleRate,
		ChunkBytes:   cfg.Speech.ChunkBytes,
	}, logger), nil
}

// originPatterns converts allowed origins into websocket host patterns.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" || !strings.Contains(o, "://") {
			out = append(out, o)
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}

type named struct {
	name string
	fn   func() error
}

func closeAll(closers ...named) {
	for _, c := range closers {
		if err := c.fn(); err != nil {
			slog.Error("Failed to close", "component", c.name, "error", err)
		}
	}
}
