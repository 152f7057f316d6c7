package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"polywatch/internal/client/dataapi"
	"polywatch/internal/config"
	cronrunner "polywatch/internal/cron"
	"polywatch/internal/db"
	"polywatch/internal/handler"
	"polywatch/internal/ingest"
	"polywatch/internal/logger"
	"polywatch/internal/notify"
	"polywatch/internal/profiling"
	"polywatch/internal/report"
	gormrepository "polywatch/internal/repository/gorm"
	"polywatch/internal/scoring"
	"polywatch/internal/signals"
)

func main() {
	cfgPath := os.Getenv("PW_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("PW_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	store := gormrepository.New(dbConn.Gorm)
	apiHTTP := &http.Client{Timeout: cfg.DataAPI.Timeout}
	apiClient := dataapi.NewClient(apiHTTP, cfg.DataAPI.MarketsBaseURL, cfg.DataAPI.TradesBaseURL)

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm}
	healthHandler.Register(engine)
	alertHandler := &handler.AlertHandler{Repo: store}
	alertHandler.Register(engine)
	eventHandler := &handler.SignalEventHandler{Repo: store}
	eventHandler.Register(engine)
	marketHandler := &handler.MarketHandler{Repo: store}
	marketHandler.Register(engine)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sink notify.Sink
	if cfg.Notifier.Telegram.BotToken != "" && cfg.Notifier.Telegram.ChatID != "" {
		sink = &notify.TelegramSink{
			BotToken: cfg.Notifier.Telegram.BotToken,
			ChatID:   cfg.Notifier.Telegram.ChatID,
			HTTP:     &http.Client{Timeout: cfg.Notifier.Telegram.Timeout},
		}
	} else {
		sink = &notify.LogSink{Logger: logger}
	}

	if cfg.Cron.Enabled {
		cronRunner := cronrunner.New(logger, ctx)
		_, err = cronRunner.Add("signal_event_retention", cfg.Cron.RetentionSpec, func(ctx context.Context) {
			maxAge := cfg.Retention.SignalEventsMaxAge
			if maxAge <= 0 {
				maxAge = 14 * 24 * time.Hour
			}
			n, err := store.DeleteSignalEventsBefore(ctx, time.Now().UTC().Add(-maxAge))
			if err != nil {
				logger.Warn("signal event retention failed", zap.Error(err))
				return
			}
			if n > 0 {
				logger.Info("purged old signal events", zap.Int64("count", n))
			}
		})
		if err != nil {
			logger.Warn("cron register retention failed", zap.Error(err))
		}
		_, err = cronRunner.Add("stale_market_sweep", cfg.Cron.StaleSpec, func(ctx context.Context) {
			staleAfter := cfg.Retention.MarketStaleAfter
			if staleAfter <= 0 {
				staleAfter = 72 * time.Hour
			}
			n, err := store.CloseStaleMarkets(ctx, time.Now().UTC().Add(-staleAfter))
			if err != nil {
				logger.Warn("stale market sweep failed", zap.Error(err))
				return
			}
			if n > 0 {
				logger.Info("closed stale markets", zap.Int64("count", n))
			}
		})
		if err != nil {
			logger.Warn("cron register stale sweep failed", zap.Error(err))
		}
		profilingWorker := &profiling.Worker{
			Repo:   store,
			Config: cfg.Profiling,
			Logger: logger,
		}
		_, err = cronRunner.Add("wallet_accuracy_rollup", cfg.Cron.ProfilingSpec, func(ctx context.Context) {
			if _, err := profilingWorker.RunOnce(ctx); err != nil {
				logger.Warn("wallet accuracy rollup failed", zap.Error(err))
			}
		})
		if err != nil {
			logger.Warn("cron register profiling failed", zap.Error(err))
		}
		reportWorker := &report.Worker{
			Repo:   store,
			Sink:   sink,
			Config: cfg.Report,
			Logger: logger,
		}
		_, err = cronRunner.Add("activity_digest", cfg.Cron.ReportSpec, func(ctx context.Context) {
			if err := reportWorker.RunOnce(ctx); err != nil {
				logger.Warn("activity digest failed", zap.Error(err))
			}
		})
		if err != nil {
			logger.Warn("cron register digest failed", zap.Error(err))
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	ingestWorker := &ingest.Worker{
		Repo:   store,
		Client: apiClient,
		Config: cfg.Ingest,
		Logger: logger,
	}
	go func() {
		if err := ingestWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("ingest worker stopped", zap.Error(err))
		}
	}()

	if cfg.Stream.Enabled {
		stream := dataapi.NewTradeStream(dataapi.TradeStreamOptions{
			URL:               cfg.Stream.URL,
			HeartbeatInterval: cfg.Stream.HeartbeatInterval,
			BackoffMin:        cfg.Stream.BackoffMin,
			BackoffMax:        cfg.Stream.BackoffMax,
			Logger:            logger,
		})
		go func() {
			err := stream.Run(ctx, func(payload dataapi.TradePayload) {
				if err := ingestWorker.HandleStreamTrade(ctx, payload); err != nil {
					logger.Warn("stream trade insert failed", zap.Error(err))
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("trade stream stopped", zap.Error(err))
			}
		}()
	}

	signalWorker := &signals.Worker{
		Repo:     store,
		Triggers: signals.DefaultTriggers(cfg.Triggers),
		Config:   cfg.Signals,
		Logger:   logger,
	}
	go func() {
		if err := signalWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("signal worker stopped", zap.Error(err))
		}
	}()

	scoringWorker := &scoring.Worker{
		Repo:   store,
		Agg:    scoring.NewAggregator(cfg.Scoring),
		Config: cfg.Scoring,
		Logger: logger,
	}
	go func() {
		if err := scoringWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("scoring worker stopped", zap.Error(err))
		}
	}()

	notifyWorker := &notify.Worker{
		Repo:   store,
		Sink:   sink,
		Config: cfg.Notifier,
		Logger: logger,
	}
	go func() {
		if err := notifyWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("notify worker stopped", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
