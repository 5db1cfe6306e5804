package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Yulian302/lfusys-services-media/internal/config"
	"github.com/Yulian302/lfusys-services-media/internal/health"
	logger "github.com/Yulian302/lfusys-services-media/internal/logging"
	"github.com/Yulian302/lfusys-services-media/internal/tracing"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type App struct {
	HTTPServer   *http.Server
	GrpcServer   *grpc.Server
	HealthServer *grpchealth.Server

	DynamoDB *dynamodb.Client
	S3       *s3.Client
	Sqs      *sqs.Client
	Redis    *redis.Client
	DB       *gorm.DB

	Config    config.Config
	AwsConfig aws.Config
	Registry  *prometheus.Registry

	Services       *Services
	TracerProvider *sdktrace.TracerProvider
	Logger         logger.Logger
}

// SetupApp loads configuration and opens every client the selected store
// driver needs. Services are not built yet.
func SetupApp(ctx context.Context) (*App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appLogger := logger.NewSlogLogger(logger.CreateAppLogger(cfg.Env))
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	awsCfg, err := initAWS(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}

	app := &App{
		S3:        initS3(awsCfg, cfg.AWS),
		Config:    cfg,
		AwsConfig: awsCfg,
		Registry:  prometheus.NewRegistry(),
		Logger:    appLogger,
	}
	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.Store.Driver == "aws" {
		app.DynamoDB = initDynamo(awsCfg, cfg.AWS)

		app.DB, err = initDB(cfg.DB, cfg.IsProduction())
		if err != nil {
			return nil, err
		}
	}

	if cfg.SQS.EventsQueueURL != "" || cfg.SQS.StorageEventsQueueURL != "" {
		app.Sqs = initSqs(awsCfg, cfg.AWS)
	}

	if cfg.Redis.Addr != "" {
		app.Redis = initRedis(cfg.Redis)
	}

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(ctx, cfg.Tracing.ServiceName, cfg.Tracing.OTLPEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to start tracing: %w", err)
		}
		appLogger.Info("tracing enabled", "endpoint", cfg.Tracing.OTLPEndpoint)
		app.TracerProvider = tp
	}

	return app, nil
}

// Run serves HTTP and the gRPC health service until ctx is cancelled or
// either listener fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.GrpcServer = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	a.createHealthServer(ctx)

	l, err := net.Listen("tcp", a.Config.GRPC.HealthAddr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", a.Config.GRPC.HealthAddr, err)
	}

	router := a.Services.Handler.Router(a.Config.HTTP.CORSOrigins, a.Registry)
	a.HTTPServer = &http.Server{
		Addr:         a.Config.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  a.Config.HTTP.ReadTimeout,
		WriteTimeout: a.Config.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		a.Logger.Info("grpc health server started", "addr", a.Config.GRPC.HealthAddr)
		if err := a.GrpcServer.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		a.Logger.Info("http server started", "addr", a.Config.HTTP.Addr)
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) createHealthServer(ctx context.Context) {
	a.HealthServer = grpchealth.NewServer()

	// start pessimistic
	a.HealthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(a.GrpcServer, a.HealthServer)

	checks := a.Services.Checks

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.HealthServer.SetServingStatus("", servingStatus(ctx, checks))
			}
		}
	}()
}

func servingStatus(ctx context.Context, checks []health.ReadinessCheck) healthpb.HealthCheckResponse_ServingStatus {
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		err := c.IsReady(cctx)
		cancel()

		if err != nil {
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	return healthpb.HealthCheckResponse_SERVING
}

func initAWS(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func initDynamo(awsCfg aws.Config, cfg config.AWSConfig) *dynamodb.Client {
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
}

func initS3(awsCfg aws.Config, cfg config.AWSConfig) *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
}

func initSqs(awsCfg aws.Config, cfg config.AWSConfig) *sqs.Client {
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// initDB opens the catalog database. TranslateError lets the stores see
// gorm.ErrDuplicatedKey from either driver.
func initDB(cfg config.DBConfig, production bool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		dialector = postgres.Open(cfg.DSN)
	}

	level := gormlogger.Info
	if production {
		level = gormlogger.Warn
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(level),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.MaxLifetime)

	return db, nil
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("starting graceful shutdown")

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error("http server shutdown error", "error", err)
		}
	}

	if a.GrpcServer != nil {
		done := make(chan struct{})
		go func() {
			a.GrpcServer.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			a.GrpcServer.Stop() // force
		}
	}

	if a.Services != nil {
		if err := a.Services.Shutdown(ctx); err != nil {
			a.Logger.Error("services shutdown error", "error", err)
		}
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("redis close error", "error", err)
		}
	}

	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.Logger.Error("database close error", "error", err)
			}
		}
	}

	if a.TracerProvider != nil {
		if err := a.TracerProvider.Shutdown(ctx); err != nil {
			a.Logger.Error("tracer shutdown error", "error", err)
		}
	}

	a.Logger.Info("graceful shutdown complete")
	return nil
}
