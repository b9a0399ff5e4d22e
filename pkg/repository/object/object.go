package object

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/instill-ai/model-derivative-backend/pkg/types"
)

// StagingDir is the prefix under which uploaded models wait for their
// conversion run.
const StagingDir = "staging"

// StagedFilePath makes the object path of an uploaded model.
// Format: staging/{partition}/conversion-{sessionUID}/{filename}
func StagedFilePath(partition string, sessionUID types.SessionUIDType, filename string) string {
	return path.Join(StagingDir, partition, fmt.Sprintf("conversion-%s", sessionUID), path.Base(filename))
}

// StagedDir is the prefix of every object staged for a session. It ends
// with a slash.
func StagedDir(stagedFilePath string) string {
	return path.Dir(stagedFilePath) + "/"
}

// Storage defines the interface for object storage operations
// Implementations: MinIO (default), GCS
type Storage interface {
	// UploadFile streams size bytes from r into bucket/filePath.
	UploadFile(ctx context.Context, bucket string, filePath string, r io.Reader, size int64, contentType string) error
	// GetFile opens bucket/filePath for reading and returns its size. The
	// caller closes the reader.
	GetFile(ctx context.Context, bucket string, filePath string) (io.ReadCloser, int64, error)
	// DeleteFile removes bucket/filePath. Deleting a missing object isn't
	// an error.
	DeleteFile(ctx context.Context, bucket string, filePath string) error
	ListFilePathsWithPrefix(ctx context.Context, bucket string, prefix string) ([]string, error)

	// GetBucket returns the default bucket name for this storage backend
	GetBucket() string
}
