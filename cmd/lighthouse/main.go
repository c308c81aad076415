// Lighthouse coordination server: append-only event log, session security,
// tiered command validation, and expert delegation behind one HTTP/WebSocket
// API.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lighthouse-hq/lighthouse/pkg/api"
	"github.com/lighthouse-hq/lighthouse/pkg/auth"
	"github.com/lighthouse-hq/lighthouse/pkg/cleanup"
	"github.com/lighthouse-hq/lighthouse/pkg/config"
	"github.com/lighthouse-hq/lighthouse/pkg/events"
	"github.com/lighthouse-hq/lighthouse/pkg/experts"
	"github.com/lighthouse-hq/lighthouse/pkg/metrics"
	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/pair"
	"github.com/lighthouse-hq/lighthouse/pkg/projection"
	"github.com/lighthouse-hq/lighthouse/pkg/ratelimit"
	"github.com/lighthouse-hq/lighthouse/pkg/services"
	"github.com/lighthouse-hq/lighthouse/pkg/session"
	"github.com/lighthouse-hq/lighthouse/pkg/speed"
	"github.com/lighthouse-hq/lighthouse/pkg/store"
	"github.com/lighthouse-hq/lighthouse/pkg/version"
)

// Exit codes promised to operators and init systems.
const (
	exitConfig    = 10
	exitStorage   = 20
	exitIntegrity = 30
	exitSecret    = 40
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func buildLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

// runFoldFeed keeps the in-process read models folded from the live log.
// A lagging cut or transient store error resubscribes from the fold
// watermark, so nothing is ever skipped.
func runFoldFeed(ctx context.Context, st *store.Store, aggregate *projection.Aggregate,
	identities *auth.Registry, panel *experts.Registry, buffer int, logger *slog.Logger) {
	for {
		start := aggregate.AppliedSequence()
		if folded := identities.FoldedTo(); folded < start {
			start = folded
		}
		sub, err := st.Subscribe(ctx, models.EventFilter{FromSequence: start + 1}, buffer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("fold feed subscribe failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for event := range sub.Events() {
			aggregate.Apply(event)
			identities.Apply(event)
			panel.Apply(event)
		}

		if ctx.Err() != nil {
			return
		}
		if err := sub.Err(); err != nil {
			logger.Warn("fold feed interrupted, resubscribing", "error", err)
		}
	}
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory before reading any option.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("configuration failed", "error", err)
		os.Exit(exitConfig)
	}
	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting lighthouse",
		"version", version.Full(),
		"config_dir", *configDir,
		"data_dir", cfg.DataDir,
		"http_port", cfg.HTTPPort)

	// 2. Authentication secret
	secret, err := cfg.ResolveAuthSecret()
	if err != nil {
		logger.Error("auth secret unavailable", "error", err)
		os.Exit(exitSecret)
	}

	// 3. Event store. Open replays the log, verifies the integrity chain,
	// and truncates a torn tail on its own.
	st, err := store.Open(ctx, store.Options{
		DataDir:         cfg.DataDir,
		Secret:          secret,
		SegmentMaxBytes: cfg.SegmentMaxBytes,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("event store recovery failed", "error", err)
		if errors.Is(err, models.ErrIntegrityViolation) {
			os.Exit(exitIntegrity)
		}
		os.Exit(exitStorage)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("event store close failed", "error", err)
		}
	}()

	// 4. Fold the read models up to the recovered head.
	identities := auth.NewRegistry(secret, logger)
	if err := identities.Load(ctx, st); err != nil {
		logger.Error("identity registry fold failed", "error", err)
		os.Exit(exitStorage)
	}
	panel := experts.NewRegistry(logger)
	if err := panel.Load(ctx, st); err != nil {
		logger.Error("expert registry fold failed", "error", err)
		os.Exit(exitStorage)
	}
	aggregate := projection.NewAggregate(st, st, logger)
	if err := aggregate.Load(ctx); err != nil {
		logger.Error("project aggregate fold failed", "error", err)
		os.Exit(exitStorage)
	}

	// 5. Bootstrap identity, first start on an empty log only.
	if err := services.Bootstrap(ctx, st, identities, secret, cfg.Bootstrap, logger); err != nil {
		logger.Error("bootstrap failed", "error", err)
		if errors.Is(err, models.ErrIO) {
			os.Exit(exitStorage)
		}
		os.Exit(exitConfig)
	}

	// 6. Sessions, rate gate, metrics
	promRegistry := prometheus.NewRegistry()
	m := metrics.NewMetrics(promRegistry)
	gate := ratelimit.NewAgentGate(cfg.RateLimit.PerAgentRPS, cfg.RateLimit.Burst)
	sessions := session.NewManager(identities, st, gate, secret, session.Config{
		MaxConcurrentPerAgent: cfg.MaxConcurrentSessionsPerAgent,
		IdleTimeout:           cfg.SessionIdleTimeout,
		AbsoluteTimeout:       cfg.SessionAbsoluteTimeout,
	}, logger)

	// 7. Expert coordinator and speed layer
	secretSource := experts.NewFileSecretSource(filepath.Join(cfg.DataDir, "keys"))
	coordinator := experts.NewCoordinator(panel, secretSource, experts.NewHTTPCaller(logger), st,
		experts.Config{
			ConsensusN:   cfg.Expert.ConsensusN,
			TauApprove:   cfg.Expert.TauApprove,
			TauDeny:      cfg.Expert.TauDeny,
			SafetyMargin: cfg.SafetyMargin(),
		}, logger)

	rules, err := speed.LoadRules(cfg.PolicyRulesPath)
	if err != nil {
		logger.Error("policy rules failed to load", "error", err)
		os.Exit(exitConfig)
	}
	var classifier speed.Classifier
	if cfg.SpeedLayer.ClassifierURL != "" {
		classifier = speed.NewHTTPClassifier(cfg.SpeedLayer.ClassifierURL, logger)
	}
	layer, err := speed.NewLayer(speed.Options{
		MemoryCacheSize:     cfg.SpeedLayer.MemoryCacheSize,
		Rules:               rules,
		Classifier:          classifier,
		Escalator:           services.NewEscalationBridge(coordinator, m),
		ExpertBudget:        cfg.ExpertDeadline(),
		BreakerFailureRatio: cfg.SpeedLayer.BreakerFailureRatio,
		BreakerMinRequests:  cfg.SpeedLayer.BreakerMinRequests,
		Logger:              logger,
	})
	if err != nil {
		logger.Error("speed layer failed to build", "error", err)
		os.Exit(exitConfig)
	}

	// 8. Services
	pairs := pair.NewManager(st, aggregate, logger)
	sessionService := services.NewSessionService(sessions, m, logger)
	commandService := services.NewCommandService(sessions, layer, gate, m, logger)
	eventService := services.NewEventService(sessions, st, identities, aggregate, gate, m, logger)
	expertService := services.NewExpertService(sessions, coordinator, m, logger)
	pairService := services.NewPairService(sessions, pairs, logger)
	shadowService := services.NewShadowService(sessions, st, aggregate, cfg.ShadowSearch.PageSize, m, logger)
	logger.Info("services initialized", "identities", identities.Count(), "head", st.Head())

	// 9. Live fold feed and maintenance loop
	feedCtx, feedCancel := context.WithCancel(ctx)
	defer feedCancel()
	go runFoldFeed(feedCtx, st, aggregate, identities, panel, cfg.Subscribe.Buffer, logger)

	maintenance := cleanup.NewService(cleanup.Options{
		Checkpoint:  cfg.Checkpoint,
		Store:       st,
		Aggregate:   aggregate,
		Sessions:    sessions,
		Gate:        gate,
		Coordinator: coordinator,
		Metrics:     m,
		Logger:      logger,
	})
	maintenance.Start(ctx)

	// 10. HTTP server (non-blocking)
	connManager := events.NewConnectionManager(st, m, 10*time.Second, cfg.Subscribe.Buffer, logger)
	server := api.NewServer(api.Options{
		Sessions: sessionService,
		Commands: commandService,
		Events:   eventService,
		Experts:  expertService,
		Pairs:    pairService,
		Shadow:   shadowService,
		Stream:   connManager,
		Store:    st,
		Metrics:  m,
		Gatherer: promRegistry,
		CORS:     cfg.CORS,
		Logger:   logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(":" + strconv.Itoa(cfg.HTTPPort)); err != nil {
			logger.Error("http server error", "error", err)
			errCh <- err
		}
	}()

	logger.Info("lighthouse started", "version", version.Full())

	// 11. Wait for a shutdown signal or a server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: stop intake first, then the folds, then the
	// maintenance loop so its final checkpoint covers everything.
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	feedCancel()
	maintenance.Stop()
	coordinator.Stop()

	logger.Info("shutdown complete")
}
