// Package app builds the shared object graph used by the API and worker
// binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"social-publisher/internal/cache"
	"social-publisher/internal/config"
	"social-publisher/internal/crypto"
	"social-publisher/internal/engagement"
	"social-publisher/internal/logger"
	"social-publisher/internal/media"
	"social-publisher/internal/notify"
	"social-publisher/internal/platform"
	"social-publisher/internal/publisher"
	"social-publisher/internal/queue"
	"social-publisher/internal/scheduler"
	"social-publisher/internal/store"
	"social-publisher/internal/telemetry"
	"social-publisher/internal/vault"
)

const serviceName = "social-publisher"

type App struct {
	Config         *config.Config
	Mongo          *mongo.Client
	Redis          *redis.Client
	RedisOpt       asynq.RedisConnOpt
	Store          *store.MongoStore
	Queue          *queue.AsynqPort
	Metrics        *telemetry.Metrics
	MetricsHandler http.Handler
	Vault          *vault.Vault
	Platform       *platform.Client
	Scheduler      *scheduler.Scheduler
	Poller         *engagement.Poller
	Publisher      *publisher.Worker
	Locker         *cache.Locker

	closers []func()
}

// New connects to Mongo and Redis and wires every component. Close must be
// called on success.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config
	log := logger.Logger

	if cfg.TracingEnabled {
		shutdown, err := telemetry.InitTracer(serviceName, cfg.OTLPEndpoint, cfg.SampleRatio)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		a.closers = append(a.closers, shutdown)
	}

	metrics, handler, err := telemetry.InitMetrics(serviceName)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	a.Metrics, a.MetricsHandler = metrics, handler

	mongoClient, err := config.ConnectMongoDB(cfg)
	if err != nil {
		return err
	}
	a.Mongo = mongoClient
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mongoClient.Disconnect(ctx)
	})
	a.Store = store.NewMongoStore(mongoClient.Database(cfg.DBName))

	rdb, err := config.NewRedisClient(cfg)
	if err != nil {
		return err
	}
	a.Redis = rdb
	a.closers = append(a.closers, func() { rdb.Close() })

	redisOpt, err := config.AsynqRedisOpt(cfg)
	if err != nil {
		return err
	}
	a.RedisOpt = redisOpt
	a.Queue = queue.NewAsynqPort(redisOpt)
	a.closers = append(a.closers, func() { a.Queue.Close() })

	enc, err := crypto.NewFieldEncryptor([]byte(cfg.TokenEncryptionKey), "platform-tokens")
	if err != nil {
		return fmt.Errorf("init token encryption: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	a.Locker = cache.NewLocker(rdb)

	a.Vault = vault.New(vault.Config{
		Store:     a.Store,
		Encryptor: enc,
		Refresher: vault.NewOAuth2Refresher(cfg.PlatformClientID, cfg.PlatformClientSecret, cfg.PlatformTokenURL, httpClient),
		Cache:     cache.NewRedisCache(rdb, "social-publisher:"),
		Locker:    a.Locker,
		Logger:    log,
		Metrics:   metrics,
	})

	gateway := platform.NewGateway(platform.GatewayConfig{
		BaseURL:    cfg.PlatformAPIBase,
		Timeout:    cfg.HTTPTimeout,
		RatePerSec: cfg.PlatformRatePerSec,
		Burst:      cfg.PlatformBurst,
		Refresher:  a.Vault,
		Logger:     log,
		Metrics:    metrics,
	})
	var uploadSigner platform.RequestSigner
	if cfg.OAuth1Enabled() {
		uploadSigner = platform.NewOAuth1Signer(cfg.OAuth1ConsumerKey, cfg.OAuth1ConsumerSecret,
			cfg.OAuth1AccessToken, cfg.OAuth1AccessSecret, httpClient)
	}
	a.Platform = platform.NewClient(gateway, cfg.PlatformUploadURL, uploadSigner)
	a.Vault.SetVerifier(a.Platform)

	var s3API media.S3API
	if cfg.AWSRegion != "" {
		s3Client, err := media.NewS3Client(ctx, cfg.AWSRegion, cfg.S3Endpoint)
		if err != nil {
			return err
		}
		s3API = s3Client
	}
	fetcher := media.NewFetcher(httpClient, s3API, cfg.MediaMaxBytes)

	a.Scheduler = scheduler.New(a.Store, a.Queue, log)
	a.Poller = engagement.NewPoller(engagement.Config{
		Store:    a.Store,
		Platform: a.Platform,
		Tokens:   a.Vault,
		Queue:    a.Queue,
		Logger:   log,
		Metrics:  metrics,
	})
	a.Publisher = publisher.NewWorker(publisher.Config{
		Posts:      a.Store,
		Platform:   a.Platform,
		Tokens:     a.Vault,
		Media:      fetcher,
		Engagement: a.Poller,
		Notifier:   notify.NewRedisDispatcher(rdb, cfg.NotifyChannel),
		Locker:     a.Locker,
		Logger:     log,
		Metrics:    metrics,
	})
	return nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Ping checks Mongo and Redis.
func (a *App) Ping(ctx context.Context) error {
	return errors.Join(a.Mongo.Ping(ctx, nil), a.Redis.Ping(ctx).Err())
}
