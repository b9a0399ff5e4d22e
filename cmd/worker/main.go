package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"gorm.io/gorm"

	grpczap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/instill-ai/model-derivative-backend/config"
	"github.com/instill-ai/model-derivative-backend/pkg/aps"
	"github.com/instill-ai/model-derivative-backend/pkg/credential"
	"github.com/instill-ai/model-derivative-backend/pkg/events"
	"github.com/instill-ai/model-derivative-backend/pkg/logger"
	"github.com/instill-ai/model-derivative-backend/pkg/pipeline"
	"github.com/instill-ai/model-derivative-backend/pkg/repository"
	"github.com/instill-ai/model-derivative-backend/pkg/repository/object"
	"github.com/instill-ai/model-derivative-backend/pkg/temporal"

	database "github.com/instill-ai/model-derivative-backend/pkg/db"
	conversionworker "github.com/instill-ai/model-derivative-backend/pkg/worker"
)

const gracefulShutdownWaitPeriod = 15 * time.Second // Wait period before stopping worker
const gracefulShutdownTimeout = 10 * time.Minute    // Maximum time for in-flight activities to complete

var (
	// These variables might be overridden at buildtime.
	serviceName    = "model-derivative-backend-worker"
	serviceVersion = "dev"
)

func main() {
	if err := config.Init(config.ParseConfigFlag()); err != nil {
		log.Fatal(err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, _ := logger.GetZapLogger(ctx)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()
	logger = logger.With(zap.String("service", serviceName), zap.String("version", serviceVersion))

	// Set gRPC logging based on debug mode
	if config.Config.Server.Debug {
		grpczap.ReplaceGrpcLoggerV2WithVerbosity(logger, 0) // All logs including transport layer
	} else {
		grpczap.ReplaceGrpcLoggerV2WithVerbosity(logger, 3) // Suppress transport layer logs (verbosity 3+)
	}

	redisClient, db, objectStorage, temporalClient, closeClients := newClients(ctx, logger)
	defer closeClients()

	converter, closeConverter := newConverter(ctx, logger, redisClient)
	defer closeConverter()

	cw, err := conversionworker.New(conversionworker.Config{
		Repository: repository.NewRepository(db),
		Storage:    objectStorage,
		Converter:  converter,
		Events:     events.NewRedisBus(redisClient, logger),
	}, logger)
	if err != nil {
		logger.Fatal("Unable to create worker", zap.Error(err))
	}

	w := worker.New(temporalClient, conversionworker.TaskQueue, worker.Options{
		WorkflowPanicPolicy:                    worker.BlockWorkflow,
		WorkerStopTimeout:                      gracefulShutdownTimeout,
		MaxConcurrentWorkflowTaskExecutionSize: 100,
		Interceptors: func() []interceptor.WorkerInterceptor {
			if !config.Config.OTELCollector.Enable {
				return nil
			}
			workerInterceptor, err := temporal.TracingInterceptor(serviceName)
			if err != nil {
				logger.Fatal("Unable to create worker tracing interceptor", zap.Error(err))
			}
			return []interceptor.WorkerInterceptor{workerInterceptor}
		}(),
	})

	w.RegisterWorkflow(cw.ConversionWorkflow)

	w.RegisterActivity(cw.RunConversionActivity)        // One pipeline run over the staged model
	w.RegisterActivity(cw.MarkSessionCancelledActivity) // Record a cancellation and notify watchers
	w.RegisterActivity(cw.DeleteStagedFileActivity)     // Remove the staged model

	if err := w.Start(); err != nil {
		logger.Fatal(fmt.Sprintf("Unable to start worker: %s", err))
	}

	logger.Info("Temporal worker started successfully and is polling for tasks")

	// Setup graceful shutdown on SIGTERM (kill) and SIGINT (Ctrl+C)
	quitSig := make(chan os.Signal, 1)
	signal.Notify(quitSig, syscall.SIGINT, syscall.SIGTERM)

	<-quitSig

	logger.Info("Shutdown signal received, waiting for in-flight activities to complete...")
	time.Sleep(gracefulShutdownWaitPeriod)

	logger.Info("Shutting down worker...")
	w.Stop()
}

// newConverter builds the conversion pipeline. With a shared credential
// cache the runs of every worker reuse the same token.
func newConverter(ctx context.Context, logger *zap.Logger, redisClient *redis.Client) (*pipeline.Orchestrator, func()) {
	apsCfg := config.Config.APS
	apsClient := aps.NewClient(ctx, aps.Config{
		Host:         apsCfg.Host,
		ClientID:     apsCfg.ClientID,
		ClientSecret: apsCfg.ClientSecret,
		Scopes:       apsCfg.Scopes,
		Region:       apsCfg.Region,
		BucketPolicy: apsCfg.BucketPolicy,
		Timeout:      apsCfg.Timeout,
	})

	pipelineCfg := config.Config.Pipeline
	var credentials pipeline.CredentialProvider = apsClient
	closeFunc := func() {}

	if pipelineCfg.SharedCredential {
		cache := credential.New(apsClient, credential.NewRedisStore(redisClient), credential.Options{
			Key:    credential.Key(apsCfg.ClientID, apsCfg.Scopes),
			Skew:   pipelineCfg.CredentialSkew,
			Logger: logger,
		})
		credentials = cache
		closeFunc = func() {
			if err := cache.Close(); err != nil {
				logger.Warn("Failed to close credential cache", zap.Error(err))
			}
		}
		logger.Info("Shared credential cache enabled")
	}

	return pipeline.New(pipeline.Services{
		Credentials: credentials,
		Store:       apsClient,
		Submitter:   apsClient,
		Poller:      apsClient,
	}, pipeline.Options{
		PollInterval:               pipelineCfg.PollInterval,
		MaxConsecutivePollFailures: pipelineCfg.MaxConsecutivePollFailures,
		CredentialSkew:             pipelineCfg.CredentialSkew,
		Logger:                     logger,
	}), closeFunc
}

// newClients initializes all external service clients and returns a cleanup function
func newClients(ctx context.Context, logger *zap.Logger) (
	*redis.Client,
	*gorm.DB,
	object.Storage,
	temporalclient.Client,
	func(),
) {
	closeFuncs := map[string]func() error{}

	// Initialize PostgreSQL database connection (for conversion sessions)
	db := database.GetSharedConnection()
	closeFuncs["database"] = func() error {
		database.Close(db)
		return nil
	}

	// Initialize Redis client (for snapshot events and shared credentials)
	redisClient := redis.NewClient(&config.Config.Cache.Redis.RedisOptions)
	closeFuncs["redis"] = redisClient.Close

	// Initialize Temporal client (for workflow orchestration)
	temporalClientOptions, err := temporal.ClientOptions(config.Config.Temporal, logger)
	if err != nil {
		logger.Fatal("Unable to build Temporal client options", zap.Error(err))
	}

	if config.Config.OTELCollector.Enable {
		temporalTracingInterceptor, err := temporal.TracingInterceptor(serviceName)
		if err != nil {
			logger.Fatal("Unable to create temporal tracing interceptor", zap.Error(err))
		}
		temporalClientOptions.Interceptors = []interceptor.ClientInterceptor{temporalTracingInterceptor}
	}

	temporalClient, err := temporalclient.Dial(temporalClientOptions)
	if err != nil {
		logger.Fatal("Unable to create Temporal client", zap.Error(err))
	}
	closeFuncs["temporal"] = func() error {
		temporalClient.Close()
		return nil
	}

	objectStorage, err := newObjectStorage(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to initialize staging storage", zap.Error(err))
	}

	closer := func() {
		for conn, fn := range closeFuncs {
			if err := fn(); err != nil {
				logger.Error("Failed to close conn", zap.Error(err), zap.String("conn", conn))
			}
		}
	}

	return redisClient, db, objectStorage, temporalClient, closer
}

// newObjectStorage returns the staging storage. MinIO is the default, GCS
// is used when it is configured.
func newObjectStorage(ctx context.Context, logger *zap.Logger) (object.Storage, error) {
	gcsCfg := config.Config.GCS
	if gcsCfg.Bucket != "" && gcsCfg.SAKey != "" {
		logger.Info("Using GCS staging storage",
			zap.String("project", gcsCfg.ProjectID),
			zap.String("bucket", gcsCfg.Bucket))
		return object.NewGCSStorage(ctx, gcsCfg, logger)
	}

	logger.Info("Using MinIO staging storage",
		zap.String("bucket", config.Config.Minio.BucketName),
		zap.String("host", config.Config.Minio.Host))
	return object.NewMinIOStorage(ctx, config.Config.Minio, logger)
}
