// Package objecttest provides an in-memory object.Storage for tests.
package objecttest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/instill-ai/model-derivative-backend/pkg/repository/object"

	errorsx "github.com/instill-ai/x/errors"
)

// DefaultBucket is the bucket used when callers pass an empty bucket name.
const DefaultBucket = "staging"

// Storage keeps objects in memory. Errors can be injected per operation.
type Storage struct {
	mu      sync.Mutex
	objects map[string][]byte

	// UploadErr, GetErr and DeleteErr are returned by the matching
	// operation when set.
	UploadErr error
	GetErr    error
	DeleteErr error
}

var _ object.Storage = (*Storage)(nil)

// NewStorage returns an empty storage.
func NewStorage() *Storage {
	return &Storage{objects: map[string][]byte{}}
}

func key(bucket, filePath string) string {
	if bucket == "" {
		bucket = DefaultBucket
	}
	return bucket + "/" + filePath
}

// UploadFile implements object.Storage.
func (s *Storage) UploadFile(_ context.Context, bucket, filePath string, r io.Reader, _ int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.UploadErr != nil {
		return s.UploadErr
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading %s: %w", filePath, err)
	}
	s.objects[key(bucket, filePath)] = b
	return nil
}

// GetFile implements object.Storage.
func (s *Storage) GetFile(_ context.Context, bucket, filePath string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.GetErr != nil {
		return nil, 0, s.GetErr
	}
	b, ok := s.objects[key(bucket, filePath)]
	if !ok {
		return nil, 0, fmt.Errorf("%w: object %s", errorsx.ErrNotFound, filePath)
	}
	return io.NopCloser(bytes.NewReader(b)), int64(len(b)), nil
}

// DeleteFile implements object.Storage. Deleting a missing object succeeds.
func (s *Storage) DeleteFile(_ context.Context, bucket, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	delete(s.objects, key(bucket, filePath))
	return nil
}

// ListFilePathsWithPrefix implements object.Storage.
func (s *Storage) ListFilePathsWithPrefix(_ context.Context, bucket, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var paths []string
	bucketPrefix := key(bucket, "")
	for k := range s.objects {
		p, ok := strings.CutPrefix(k, bucketPrefix)
		if ok && strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// GetBucket implements object.Storage.
func (s *Storage) GetBucket() string {
	return DefaultBucket
}

// Object returns the content stored at filePath in the default bucket.
func (s *Storage) Object(filePath string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.objects[key("", filePath)]
	return b, ok
}

// Put stores content at filePath in the default bucket.
func (s *Storage) Put(filePath string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[key("", filePath)] = content
}
