package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"campaign-scheduler/internal/archive"
	"campaign-scheduler/internal/audience"
	"campaign-scheduler/internal/config"
	"campaign-scheduler/internal/delivery"
	"campaign-scheduler/internal/dispatch"
	"campaign-scheduler/internal/mailer"
	"campaign-scheduler/internal/store"
	"campaign-scheduler/internal/telemetry"
	"campaign-scheduler/internal/throttle"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, rdb, err := connect(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup", zap.Error(err))
	}
	defer st.Close()
	defer rdb.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	resolver, err := audience.NewHTTPResolver(cfg.AudienceBaseURL, cfg.AudienceAPIKey, cfg.AudienceTimeout)
	if err != nil {
		logger.Fatal("audience resolver", zap.Error(err))
	}
	dispatcher, err := buildDispatcher(ctx, cfg, st, rdb, resolver, logger)
	if err != nil {
		logger.Fatal("wire dispatcher", zap.Error(err))
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.Duration("interval", cfg.DispatchInterval),
		zap.Int("limit", cfg.DispatchLimit),
	)
	dispatcher.Run(ctx, cfg.DispatchInterval)
	logger.Info("worker stopped")
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		l, err := zap.NewDevelopment()
		if err != nil {
			log.Fatalf("init logger: %v", err)
		}
		return l
	}
	l, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	return l
}

// connect dials Postgres and Redis with exponential backoff so the service
// survives a compose stack coming up in any order.
func connect(ctx context.Context, cfg config.Config, logger *zap.Logger) (*store.Store, *redis.Client, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), ctx)
	if err := backoff.Retry(func() error {
		if err := st.Ping(ctx); err != nil {
			logger.Warn("postgres not ready", zap.Error(err))
			return err
		}
		return nil
	}, policy); err != nil {
		return nil, nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	policy = backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), ctx)
	if err := backoff.Retry(func() error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not ready", zap.Error(err))
			return err
		}
		return nil
	}, policy); err != nil {
		return nil, nil, err
	}
	return st, rdb, nil
}

func buildDispatcher(ctx context.Context, cfg config.Config, st *store.Store, rdb *redis.Client, resolver audience.Resolver, logger *zap.Logger) (*dispatch.Dispatcher, error) {
	links, err := delivery.NewLinkBuilder(cfg.LinkBaseURL)
	if err != nil {
		return nil, err
	}

	var provider mailer.Provider
	if cfg.Provider == "smtp" {
		provider = mailer.NewSMTPProvider(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword)
	} else {
		provider = mailer.NewHTTPProvider(cfg.ProviderURL, cfg.ProviderAPIKey, cfg.ProviderTimeout)
	}

	var archiver delivery.Archiver
	if arc, err := archive.New(ctx, archive.Options{
		Bucket:    cfg.ArchiveS3Bucket,
		Region:    cfg.ArchiveS3Region,
		Endpoint:  cfg.ArchiveS3Endpoint,
		PathStyle: cfg.ArchiveS3PathStyle,
	}); err != nil {
		return nil, err
	} else if arc != nil {
		archiver = arc
	}

	worker := delivery.NewWorker(st, resolver, links, provider, archiver, cfg.FromEmail, cfg.PixelURL, logger)

	var pace *rate.Limiter
	if cfg.PacePerSecond > 0 {
		pace = rate.NewLimiter(rate.Limit(cfg.PacePerSecond), 1)
	}

	return dispatch.New(st, st, worker, throttle.NewCounter(rdb), pace, dispatch.Settings{
		DefaultLimit:      cfg.DispatchLimit,
		RetryBackoff:      cfg.RetryBackoff,
		ProcessingTimeout: cfg.ProcessingTimeout,
		MaxAttempts:       cfg.MaxAttempts,
		MaxConcurrent:     cfg.MaxConcurrent,
	}, logger), nil
}
