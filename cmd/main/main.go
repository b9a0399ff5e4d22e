package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/interceptor"
	"go.uber.org/zap"
	"gorm.io/gorm"

	grpczap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/instill-ai/model-derivative-backend/config"
	"github.com/instill-ai/model-derivative-backend/pkg/constant"
	"github.com/instill-ai/model-derivative-backend/pkg/events"
	"github.com/instill-ai/model-derivative-backend/pkg/format"
	"github.com/instill-ai/model-derivative-backend/pkg/handler"
	"github.com/instill-ai/model-derivative-backend/pkg/logger"
	"github.com/instill-ai/model-derivative-backend/pkg/repository"
	"github.com/instill-ai/model-derivative-backend/pkg/repository/object"
	"github.com/instill-ai/model-derivative-backend/pkg/temporal"
	"github.com/instill-ai/model-derivative-backend/pkg/types"
	"github.com/instill-ai/model-derivative-backend/pkg/worker"

	database "github.com/instill-ai/model-derivative-backend/pkg/db"
	servicePkg "github.com/instill-ai/model-derivative-backend/pkg/service"
)

const gracefulShutdownTimeout = 30 * time.Second

var (
	// These variables might be overridden at buildtime.
	serviceName    = "model-derivative-backend"
	serviceVersion = "dev"
)

func main() {
	// gorm's autoUpdate will use local timezone by default, so we need to set it to UTC
	time.Local = time.UTC

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

	// verbosity 3 will avoid [transport] from emitting
	grpczap.ReplaceGrpcLoggerV2WithVerbosity(logger, 3)

	redisClient, db, objectStorage, temporalClient, closeClients := newClients(ctx, logger)
	defer closeClients()

	targetFormat, err := format.ParseTargetFormat(config.Config.Pipeline.TargetFormat, types.TargetFormatSVF2)
	if err != nil {
		logger.Fatal("Invalid default target format", zap.Error(err))
	}

	maxUploadSize := int64(config.Config.Server.MaxDataSize) * constant.MB
	service := servicePkg.NewService(servicePkg.Config{
		Repository:         repository.NewRepository(db),
		Storage:            objectStorage,
		Events:             events.NewRedisBus(redisClient, logger),
		ConversionWorkflow: worker.NewConversionWorkflow(temporalClient),
		TargetFormat:       targetFormat,
		MaxUploadSize:      maxUploadSize,
	}, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%v", config.Config.Server.PublicPort),
		Handler:           handler.NewHandler(service, maxUploadSize, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errSig := make(chan error, 1)
	go func() {
		var err error
		switch {
		case config.Config.Server.HTTPS.Cert != "" && config.Config.Server.HTTPS.Key != "":
			err = httpServer.ListenAndServeTLS(config.Config.Server.HTTPS.Cert, config.Config.Server.HTTPS.Key)
		default:
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errSig <- err
		}
	}()

	logger.Info("HTTP server is running.", zap.Int("port", config.Config.Server.PublicPort))

	// kill (no param) default send syscall.SIGTERM
	// kill -2 is syscall.SIGINT
	// kill -9 is syscall.SIGKILL but can't be catch, so don't need add it
	quitSig := make(chan os.Signal, 1)
	signal.Notify(quitSig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errSig:
		logger.Error("Fatal error", zap.Error(err))
	case <-quitSig:
		logger.Info("Shutting down server...")

		// Open event streams end with the base context.
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down server", zap.Error(err))
		}
		logger.Info("Server stopped")
	}
}

func newClients(ctx context.Context, logger *zap.Logger) (
	*redis.Client,
	*gorm.DB,
	object.Storage,
	temporalclient.Client,
	func(),
) {
	closeFuncs := map[string]func() error{}

	db := database.GetSharedConnection()
	closeFuncs["database"] = func() error {
		database.Close(db)
		return nil
	}

	redisClient := redis.NewClient(&config.Config.Cache.Redis.RedisOptions)
	closeFuncs["redis"] = redisClient.Close

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

	var objectStorage object.Storage
	if gcsCfg := config.Config.GCS; gcsCfg.Bucket != "" && gcsCfg.SAKey != "" {
		objectStorage, err = object.NewGCSStorage(ctx, gcsCfg, logger)
	} else {
		objectStorage, err = object.NewMinIOStorage(ctx, config.Config.Minio, logger)
	}
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
