package object

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/instill-ai/model-derivative-backend/config"

	errorsx "github.com/instill-ai/x/errors"
)

// gcsStorage implements Storage interface for Google Cloud Storage
type gcsStorage struct {
	client    *storage.Client
	projectID string
	region    string
	bucket    string
	logger    *zap.Logger
}

// NewGCSStorage creates a new object.Storage implementation using GCS
func NewGCSStorage(ctx context.Context, cfg config.GCSConfig, logger *zap.Logger) (Storage, error) {
	if cfg.Bucket == "" {
		return nil, errorsx.AddMessage(
			fmt.Errorf("%w: GCS bucket name is required", errorsx.ErrInvalidArgument),
			"GCS bucket name is required",
		)
	}

	var opts []option.ClientOption
	if cfg.SAKey != "" {
		key, err := unwrapServiceAccountKey([]byte(cfg.SAKey))
		if err != nil {
			return nil, errorsx.AddMessage(err, "Unable to process service account credentials.")
		}
		opts = append(opts, option.WithCredentialsJSON(key))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("failed to create GCS client: %w", err),
			"Unable to connect to Google Cloud Storage. Please check your configuration.",
		)
	}

	return &gcsStorage{
		client:    client,
		projectID: cfg.ProjectID,
		region:    cfg.Region,
		bucket:    cfg.Bucket,
		logger: logger.With(
			zap.String("storage", "gcs"),
			zap.String("project", cfg.ProjectID),
			zap.String("bucket", cfg.Bucket)),
	}, nil
}

// unwrapServiceAccountKey extracts the service account key from a Vault
// response (data.data), or returns the key unchanged.
func unwrapServiceAccountKey(key []byte) ([]byte, error) {
	var keyData map[string]any
	if err := json.Unmarshal(key, &keyData); err != nil {
		return key, nil
	}

	data, ok := keyData["data"].(map[string]any)
	if !ok {
		return key, nil
	}
	inner, ok := data["data"].(map[string]any)
	if !ok {
		return key, nil
	}

	actual, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal service account key: %w", err)
	}
	return actual, nil
}

// UploadFile implements object.Storage.UploadFile
func (g *gcsStorage) UploadFile(ctx context.Context, bucket string, filePath string, r io.Reader, size int64, contentType string) error {
	if bucket == "" {
		bucket = g.bucket
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	writer := g.client.Bucket(bucket).Object(filePath).NewWriter(uploadCtx)
	writer.ContentType = contentType
	writer.Metadata = map[string]string{
		"upload_time": time.Now().Format(time.RFC3339),
		"source":      "model-derivative-backend",
	}

	n, err := io.Copy(writer, r)
	if err != nil {
		writer.Close()
		return errorsx.AddMessage(
			fmt.Errorf("failed to write to GCS: %w", err),
			"Unable to upload file to GCS. Please try again.",
		)
	}
	if size >= 0 && n != size {
		writer.Close()
		return fmt.Errorf("short upload of %s: wrote %d of %d bytes", filePath, n, size)
	}

	if err := writer.Close(); err != nil {
		return errorsx.AddMessage(
			fmt.Errorf("failed to finalize GCS upload: %w", err),
			"Unable to complete file upload to GCS. Please try again.",
		)
	}

	g.logger.Info("File uploaded to GCS successfully",
		zap.String("bucket", bucket),
		zap.String("path", filePath))

	return nil
}

// GetFile implements object.Storage.GetFile
func (g *gcsStorage) GetFile(ctx context.Context, bucket string, filePath string) (io.ReadCloser, int64, error) {
	if bucket == "" {
		bucket = g.bucket
	}

	reader, err := g.client.Bucket(bucket).Object(filePath).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, 0, fmt.Errorf("%w: object %s", errorsx.ErrNotFound, filePath)
		}
		return nil, 0, fmt.Errorf("failed to read GCS object: %w", err)
	}
	return reader, reader.Attrs.Size, nil
}

// DeleteFile implements object.Storage.DeleteFile
func (g *gcsStorage) DeleteFile(ctx context.Context, bucket string, filePath string) error {
	if bucket == "" {
		bucket = g.bucket
	}

	obj := g.client.Bucket(bucket).Object(filePath)
	if err := obj.Delete(ctx); err != nil {
		// Don't return error if object doesn't exist (already deleted)
		if errors.Is(err, storage.ErrObjectNotExist) {
			g.logger.Debug("Object already deleted", zap.String("path", filePath))
			return nil
		}
		return errorsx.AddMessage(
			fmt.Errorf("failed to delete GCS object: %w", err),
			"Unable to delete file from GCS.",
		)
	}
	return nil
}

// ListFilePathsWithPrefix implements object.Storage.ListFilePathsWithPrefix
func (g *gcsStorage) ListFilePathsWithPrefix(ctx context.Context, bucket string, prefix string) ([]string, error) {
	if bucket == "" {
		bucket = g.bucket
	}

	it := g.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var paths []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects: %w", err)
		}
		paths = append(paths, attrs.Name)
	}
	return paths, nil
}

// GetBucket returns the default GCS bucket name
func (g *gcsStorage) GetBucket() string {
	return g.bucket
}
