package object

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/instill-ai/model-derivative-backend/config"

	errorsx "github.com/instill-ai/x/errors"
)

// location is the region in which buckets are created
const location = "us-east-1"

// maxAttempts bounds the retries of a single storage call.
const maxAttempts = 3

type minioStorage struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewMinIOStorage creates a new object.Storage implementation using MinIO
// and creates the staging bucket if it doesn't exist.
func NewMinIOStorage(ctx context.Context, cfg config.MinioConfig, logger *zap.Logger) (Storage, error) {
	logger = logger.With(
		zap.String("host:port", cfg.Host+":"+cfg.Port),
		zap.String("user", cfg.User),
		zap.String("bucket", cfg.BucketName),
	)

	client, err := minio.New(cfg.Host+":"+cfg.Port, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.User, cfg.Password, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to MinIO: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("checking bucket existence: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{
			Region: location,
		}); err != nil {
			return nil, fmt.Errorf("creating bucket: %w", err)
		}
		logger.Info("Successfully created bucket")
	} else {
		logger.Info("Bucket already exists")
	}

	return &minioStorage{
		client: client,
		bucket: cfg.BucketName,
		logger: logger,
	}, nil
}

// UploadFile implements object.Storage.UploadFile. The reader can't be
// rewound, so the upload is attempted once.
func (m *minioStorage) UploadFile(ctx context.Context, bucket string, filePath string, r io.Reader, size int64, contentType string) error {
	if bucket == "" {
		bucket = m.bucket
	}

	_, err := m.client.PutObject(ctx, bucket, filePath, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		m.logger.Error("Failed to upload file to MinIO", zap.String("filePath", filePath), zap.Error(err))
		return fmt.Errorf("uploading %s: %w", filePath, err)
	}
	return nil
}

// GetFile implements object.Storage.GetFile
func (m *minioStorage) GetFile(ctx context.Context, bucket string, filePath string) (io.ReadCloser, int64, error) {
	if bucket == "" {
		bucket = m.bucket
	}

	var (
		info minio.ObjectInfo
		err  error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		info, err = m.client.StatObject(ctx, bucket, filePath, minio.StatObjectOptions{})
		if err == nil || isNotFound(err) {
			break
		}
		m.logger.Error("Failed to stat file in MinIO, retrying...", zap.String("filePath", filePath), zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	if isNotFound(err) {
		return nil, 0, fmt.Errorf("%w: object %s", errorsx.ErrNotFound, filePath)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("getting %s: %w", filePath, err)
	}

	object, err := m.client.GetObject(ctx, bucket, filePath, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("opening %s: %w", filePath, err)
	}
	return object, info.Size, nil
}

// DeleteFile implements object.Storage.DeleteFile
func (m *minioStorage) DeleteFile(ctx context.Context, bucket string, filePath string) error {
	if bucket == "" {
		bucket = m.bucket
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := m.client.RemoveObject(ctx, bucket, filePath, minio.RemoveObjectOptions{})
		if err == nil || isNotFound(err) {
			return nil
		}
		m.logger.Error("Failed to delete file from MinIO, retrying...", zap.String("filePath", filePath), zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	return fmt.Errorf("failed to delete file from MinIO after %d attempts", maxAttempts)
}

// ListFilePathsWithPrefix implements object.Storage.ListFilePathsWithPrefix
func (m *minioStorage) ListFilePathsWithPrefix(ctx context.Context, bucket string, prefix string) ([]string, error) {
	if bucket == "" {
		bucket = m.bucket
	}

	objectCh := m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var filePaths []string
	for object := range objectCh {
		if object.Err != nil {
			m.logger.Error("Failed to list object from MinIO", zap.Error(object.Err))
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		filePaths = append(filePaths, object.Key)
	}

	return filePaths, nil
}

// GetBucket returns the default MinIO bucket name
func (m *minioStorage) GetBucket() string {
	return m.bucket
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}
