package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crosslogic/payledger/internal/config"
	"github.com/crosslogic/payledger/internal/gatekeeper"
	"github.com/crosslogic/payledger/internal/httpapi"
	"github.com/crosslogic/payledger/internal/metrics"
	"github.com/crosslogic/payledger/internal/secrets"
	"github.com/crosslogic/payledger/internal/store"
	"github.com/crosslogic/payledger/internal/subscriptions"
	"github.com/crosslogic/payledger/internal/webhooks"
	"github.com/crosslogic/payledger/pkg/cache"
	"github.com/crosslogic/payledger/pkg/database"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger := newLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("starting payledger webhook ingestion service")

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	if err := database.RunMigrations(cfg.Database, "db/migrations"); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("migrations applied")

	var redisCache *cache.Cache
	if cfg.Webhooks.UseRedisRateLimit {
		redisCache, err = cache.NewCache(cfg.Redis)
		if err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer redisCache.Close()
		logger.Info("connected to Redis")
	}

	registry, err := loadSecretRegistry(cfg.Webhooks.SecretsJSON)
	if err != nil {
		logger.Fatal("failed to load webhook secrets", zap.Error(err))
	}

	var limiter gatekeeper.RateLimiter
	if redisCache != nil {
		limiter = gatekeeper.NewRedisRateLimiter(redisCache, cfg.Webhooks.RateLimitPerMinute)
	} else {
		limiter = gatekeeper.NewLocalRateLimiter(cfg.Webhooks.RateLimitPerMinute)
	}
	gk := gatekeeper.New(registry, limiter, cfg.Webhooks.IPAllowlist)

	st := store.NewPgStore(db.Pool)
	counters := metrics.New()
	dispatcher := webhooks.NewDispatcher(st, counters)
	subs := subscriptions.NewService(st)

	srv := &httpapi.Server{
		Dispatcher:    dispatcher,
		Subscriptions: subs,
		Gatekeeper:    gk,
		Metrics:       counters,
		Logger:        logger,
		ReadyCheck: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := db.Health(ctx); err != nil {
				return err
			}
			if redisCache != nil {
				return redisCache.Health(ctx)
			}
			return nil
		},
	}
	handler := httpapi.NewRouter(srv)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("listening for webhooks", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	logger.Info("server exited")
}

// newLogger builds a zap logger writing structured JSON to stdout and,
// when LOG_FILE_PATH is set, also to a lumberjack-rotated file.
func newLogger(cfg config.LoggingConfig) *zap.Logger {
	level := zapcore.InfoLevel
	_ = level.UnmarshalText([]byte(cfg.Level))

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level),
	}
	if cfg.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

// loadSecretRegistry parses WEBHOOK_SECRETS_JSON when set, falling back to
// the built-in default map.
func loadSecretRegistry(raw string) (*secrets.Registry, error) {
	if raw == "" {
		return secrets.NewRegistry(secrets.DefaultSecrets()), nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("invalid WEBHOOK_SECRETS_JSON: %w", err)
	}
	return secrets.NewRegistry(decoded), nil
}
