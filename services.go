package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Yulian302/lfusys-services-media/handlers"
	"github.com/Yulian302/lfusys-services-media/internal/caching"
	"github.com/Yulian302/lfusys-services-media/internal/health"
	"github.com/Yulian302/lfusys-services-media/internal/metrics"
	"github.com/Yulian302/lfusys-services-media/queues"
	"github.com/Yulian302/lfusys-services-media/services"
	"github.com/Yulian302/lfusys-services-media/store"
)

const sweepTimeout = 5 * time.Minute

type Stores struct {
	sessions store.SessionStore
	quota    store.QuotaLedger
	assets   store.AssetStore
	storage  store.ObjectStorage
}

type Services struct {
	Uploads *services.UploadServiceImpl
	Assets  services.AssetService
	Quota   services.QuotaService

	StorageEvents *queues.StorageEventsReceiver
	Sweeper       *services.SweepScheduler

	Stores  *Stores
	Checks  []health.ReadinessCheck
	Handler *handlers.HttpHandler
}

type Shutdowner interface {
	Shutdown(context.Context) error
}

// BuildServices wires stores and services for the configured driver.
// Background workers are created but not started.
func BuildServices(ctx context.Context, app *App) (*Services, error) {
	cfg := app.Config

	stores := &Stores{
		storage: store.NewS3ObjectStorageImpl(app.S3, cfg.S3.Bucket, app.Logger.With("component", "storage")),
	}
	switch cfg.Store.Driver {
	case "memory":
		app.Logger.Warn("using in-memory stores; state is lost on restart")
		stores.sessions = store.NewMemorySessionStore()
		stores.quota = store.NewMemoryQuotaLedger()
		stores.assets = store.NewMemoryAssetStore()
	default:
		stores.sessions = store.NewSessionStoreImpl(app.DynamoDB, cfg.Dynamo.SessionsTable)
		stores.quota = store.NewGormQuotaLedger(app.DB)
		stores.assets = store.NewGormAssetStore(app.DB)
	}

	checks := []health.ReadinessCheck{stores.sessions, stores.quota, stores.assets, stores.storage}

	var cachingSvc caching.CachingService = caching.NewNullCachingService()
	if app.Redis != nil {
		redisCache := caching.NewRedisCachingService(app.Redis)
		cachingSvc = redisCache
		checks = append(checks, redisCache)
	}

	var publisher services.EventPublisher = queues.NewNullEventPublisher()
	if cfg.SQS.EventsQueueURL != "" {
		publisher = queues.NewSqsEventPublisher(app.Sqs, cfg.SQS.EventsQueueURL)
	}

	uploadMetrics, err := metrics.NewUploadMetrics(app.Registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	assetSvc := services.NewAssetServiceImpl(
		stores.assets,
		stores.storage,
		cachingSvc,
		cfg.Uploads.AccessURLTTL,
		cfg.Uploads.AssetListingTTL,
		app.Logger.With("component", "assets"),
	)
	uploadSvc := services.NewUploadServiceImpl(
		stores.sessions,
		stores.quota,
		stores.storage,
		assetSvc,
		publisher,
		cfg.Uploads,
		cfg.S3.KeyPrefix,
		uploadMetrics,
		app.Logger.With("component", "uploads"),
	)
	quotaSvc := services.NewQuotaServiceImpl(stores.quota, app.Logger.With("component", "quota"))

	sweeper, err := services.NewSweepScheduler(ctx, uploadSvc, cfg.Uploads.SweepSchedule, sweepTimeout, app.Logger.With("component", "sweeper"))
	if err != nil {
		return nil, err
	}

	var storageEvents *queues.StorageEventsReceiver
	if cfg.SQS.StorageEventsQueueURL != "" {
		storageEvents = queues.NewStorageEventsReceiver(ctx, app.Sqs, uploadSvc, cfg.SQS.StorageEventsQueueURL, app.Logger.With("component", "storage_events"))
	}

	return &Services{
		Uploads: uploadSvc,
		Assets:  assetSvc,
		Quota:   quotaSvc,

		StorageEvents: storageEvents,
		Sweeper:       sweeper,

		Stores:  stores,
		Checks:  checks,
		Handler: handlers.NewHttpHandler(uploadSvc, assetSvc, quotaSvc, checks, app.Logger.With("component", "http")),
	}, nil
}

// Start launches the expiry sweeper and, when configured, the storage
// notification receiver.
func (s *Services) Start() {
	s.Sweeper.Start()
	if s.StorageEvents != nil {
		s.StorageEvents.Start()
	}
}

func (s *Services) Shutdown(ctx context.Context) error {
	var workers []Shutdowner
	if s.Sweeper != nil {
		workers = append(workers, s.Sweeper)
	}
	if s.StorageEvents != nil {
		workers = append(workers, s.StorageEvents)
	}

	for _, w := range workers {
		if err := w.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}
