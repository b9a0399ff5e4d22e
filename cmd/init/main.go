package main

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/instill-ai/model-derivative-backend/config"
	"github.com/instill-ai/model-derivative-backend/pkg/aps"
	"github.com/instill-ai/model-derivative-backend/pkg/credential"
	"github.com/instill-ai/model-derivative-backend/pkg/logger"
	"github.com/instill-ai/model-derivative-backend/pkg/pipeline"
	"github.com/instill-ai/model-derivative-backend/pkg/repository/object"
)

const initTimeout = 30 * time.Second

// main prepares a deployment. It creates the staging bucket and checks the
// credentials of the conversion service. With the shared cache enabled the
// first token is stored for the workers.
func main() {
	if err := config.Init(config.ParseConfigFlag()); err != nil {
		log.Fatal(err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	logger, _ := logger.GetZapLogger(ctx)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()

	var err error
	if gcsCfg := config.Config.GCS; gcsCfg.Bucket != "" && gcsCfg.SAKey != "" {
		_, err = object.NewGCSStorage(ctx, gcsCfg, logger)
	} else {
		_, err = object.NewMinIOStorage(ctx, config.Config.Minio, logger)
	}
	if err != nil {
		logger.Fatal("Failed to prepare staging storage", zap.Error(err))
	}

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

	var credentials pipeline.CredentialProvider = apsClient
	if config.Config.Pipeline.SharedCredential {
		redisClient := redis.NewClient(&config.Config.Cache.Redis.RedisOptions)
		defer redisClient.Close()

		cache := credential.New(apsClient, credential.NewRedisStore(redisClient), credential.Options{
			Key:    credential.Key(apsCfg.ClientID, apsCfg.Scopes),
			Skew:   config.Config.Pipeline.CredentialSkew,
			Logger: logger,
		})
		defer cache.Close()
		credentials = cache
	}

	cred, err := credentials.Authenticate(ctx)
	if err != nil {
		logger.Fatal("Failed to authenticate against the conversion service", zap.Error(err))
	}

	logger.Info("Conversion service credentials verified",
		zap.String("host", apsCfg.Host),
		zap.Time("expiresAt", cred.ExpiresAt),
		zap.Bool("sharedCredential", config.Config.Pipeline.SharedCredential))
}
