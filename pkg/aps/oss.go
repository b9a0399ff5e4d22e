package aps

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/instill-ai/model-derivative-backend/pkg/errors"
	"github.com/instill-ai/model-derivative-backend/pkg/types"
)

const (
	bucketsPath       = "/oss/v2/buckets"
	bucketDetailsPath = "/oss/v2/buckets/{bucketKey}/details"
	signedUploadPath  = "/oss/v2/buckets/{bucketKey}/objects/{objectKey}/signeds3upload"

	// DefaultPartSize is the size of each part of a signed upload, except
	// the last.
	DefaultPartSize int64 = 100 << 20
	// maxURLsPerRequest is the number of signed URLs the service hands out
	// per request.
	maxURLsPerRequest = 25
)

// bucketExistsReasons lists the 409 reasons the service uses when a bucket
// key is already taken. The key may be taken by this application or by
// another one; ownership is confirmed by reading the bucket details.
var bucketExistsReasons = []string{
	"already exists",
}

// bucketKeyPattern is the set of keys the service accepts for a bucket.
var bucketKeyPattern = regexp.MustCompile(`^[-_.a-z0-9]{3,128}$`)

// ValidateBucketKey checks that key can name a bucket.
func ValidateBucketKey(key types.BucketKeyType) error {
	if !bucketKeyPattern.MatchString(key) {
		return fmt.Errorf("%w: bucket key %q must be 3 to 128 characters among [-_.a-z0-9]", errors.ErrInvalidArgument, key)
	}
	return nil
}

type createBucketRequest struct {
	BucketKey string `json:"bucketKey"`
	PolicyKey string `json:"policyKey"`
}

// EnsureBucket creates the bucket bucketKey, or accepts it if it already
// exists and belongs to this application.
func (c *Client) EnsureBucket(ctx context.Context, cred types.Credential, bucketKey types.BucketKeyType) error {
	log := c.log.With(zap.String("bucket", bucketKey))

	resp, err := c.authorized(ctx, cred.AccessToken).
		SetHeader("x-ads-region", c.cfg.Region).
		SetBody(createBucketRequest{BucketKey: bucketKey, PolicyKey: c.cfg.BucketPolicy}).
		Post(bucketsPath)
	if err != nil {
		return &errors.StoreError{Kind: errors.KindTransport, Err: err}
	}

	switch status := resp.StatusCode(); {
	case !resp.IsError():
		log.Info("Successfully created bucket")
		return nil
	case status == http.StatusConflict:
		msg := responseMessage(resp)
		if !isBucketExists(msg) {
			return &errors.StoreError{Kind: errors.KindConflict, StatusCode: status, Message: msg}
		}
		if err := c.checkBucketOwner(ctx, cred, bucketKey); err != nil {
			return err
		}
		log.Info("Bucket already exists")
		return nil
	case isUnauthorized(status):
		return &errors.StoreError{Kind: errors.KindUnauthorized, StatusCode: status, Message: responseMessage(resp)}
	default:
		return &errors.StoreError{Kind: errors.KindTransport, StatusCode: status, Message: responseMessage(resp)}
	}
}

// checkBucketOwner reads the details of an existing bucket. The service only
// answers them to the owner.
func (c *Client) checkBucketOwner(ctx context.Context, cred types.Credential, bucketKey types.BucketKeyType) error {
	resp, err := c.authorized(ctx, cred.AccessToken).
		SetPathParam("bucketKey", bucketKey).
		Get(bucketDetailsPath)
	if err != nil {
		return &errors.StoreError{Kind: errors.KindTransport, Err: err}
	}

	switch status := resp.StatusCode(); {
	case !resp.IsError():
		return nil
	case status == http.StatusForbidden:
		return &errors.StoreError{
			Kind:       errors.KindConflict,
			StatusCode: status,
			Message:    fmt.Sprintf("bucket %q is owned by another application", bucketKey),
		}
	case status == http.StatusUnauthorized:
		return &errors.StoreError{Kind: errors.KindUnauthorized, StatusCode: status, Message: responseMessage(resp)}
	default:
		return &errors.StoreError{Kind: errors.KindTransport, StatusCode: status, Message: responseMessage(resp)}
	}
}

func isBucketExists(reason string) bool {
	reason = strings.ToLower(reason)
	for _, r := range bucketExistsReasons {
		if strings.Contains(reason, r) {
			return true
		}
	}
	return false
}

type signedUploadURLs struct {
	UploadKey string   `json:"uploadKey"`
	URLs      []string `json:"urls"`
}

type completeUploadRequest struct {
	UploadKey string `json:"uploadKey"`
}

type objectDetails struct {
	BucketKey   string `json:"bucketKey"`
	ObjectID    string `json:"objectId"`
	ObjectKey   string `json:"objectKey"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	SHA1        string `json:"sha1"`
}

// Upload streams the payload into bucketKey under name through signed S3
// URLs and returns the resulting object.
func (c *Client) Upload(ctx context.Context, cred types.Credential, bucketKey types.BucketKeyType, name string, payload types.Payload) (types.StoredObject, error) {
	if payload.Reader == nil {
		return types.StoredObject{}, &errors.StoreError{Kind: errors.KindTransport, Message: "payload has no content"}
	}
	if payload.Size < 0 {
		return types.StoredObject{}, &errors.StoreError{Kind: errors.KindTransport, Message: "payload size is unknown"}
	}

	log := c.log.With(zap.String("bucket", bucketKey), zap.String("object", name), zap.Int64("size", payload.Size))

	partSize := c.cfg.PartSize
	parts := int((payload.Size + partSize - 1) / partSize)
	if parts == 0 {
		parts = 1
	}

	var uploadKey string
	remaining := payload.Size
	for first := 1; first <= parts; first += maxURLsPerRequest {
		batch := min(maxURLsPerRequest, parts-first+1)

		signed, err := c.signUpload(ctx, cred, bucketKey, name, first, batch, uploadKey)
		if err != nil {
			return types.StoredObject{}, err
		}
		if len(signed.URLs) < batch {
			return types.StoredObject{}, &errors.StoreError{
				Kind:    errors.KindTransport,
				Message: fmt.Sprintf("expected %d signed URLs, got %d", batch, len(signed.URLs)),
			}
		}
		uploadKey = signed.UploadKey

		for i := 0; i < batch; i++ {
			partLen := min(remaining, partSize)
			if err := c.putPart(ctx, signed.URLs[i], io.LimitReader(payload.Reader, partLen), partLen); err != nil {
				return types.StoredObject{}, err
			}
			remaining -= partLen
		}
	}

	var obj objectDetails
	resp, err := c.authorized(ctx, cred.AccessToken).
		SetPathParams(map[string]string{"bucketKey": bucketKey, "objectKey": name}).
		SetBody(completeUploadRequest{UploadKey: uploadKey}).
		SetResult(&obj).
		Post(signedUploadPath)
	if err != nil {
		return types.StoredObject{}, &errors.StoreError{Kind: errors.KindTransport, Err: err}
	}
	if resp.IsError() {
		return types.StoredObject{}, storeErrorFromStatus(resp.StatusCode(), responseMessage(resp))
	}
	if obj.ObjectID == "" {
		return types.StoredObject{}, &errors.StoreError{Kind: errors.KindTransport, Message: "upload completed without object id"}
	}

	log.Info("Uploaded object", zap.String("objectId", obj.ObjectID), zap.Int("parts", parts))

	return types.StoredObject{
		BucketKey: bucketKey,
		ObjectKey: obj.ObjectKey,
		ObjectID:  obj.ObjectID,
		Size:      obj.Size,
		SHA1:      obj.SHA1,
	}, nil
}

func (c *Client) signUpload(ctx context.Context, cred types.Credential, bucketKey, name string, firstPart, parts int, uploadKey string) (*signedUploadURLs, error) {
	var signed signedUploadURLs
	req := c.authorized(ctx, cred.AccessToken).
		SetPathParams(map[string]string{"bucketKey": bucketKey, "objectKey": name}).
		SetQueryParam("firstPart", fmt.Sprint(firstPart)).
		SetQueryParam("parts", fmt.Sprint(parts)).
		SetResult(&signed)
	if uploadKey != "" {
		req.SetQueryParam("uploadKey", uploadKey)
	}

	resp, err := req.Get(signedUploadPath)
	if err != nil {
		return nil, &errors.StoreError{Kind: errors.KindTransport, Err: err}
	}
	if resp.IsError() {
		return nil, storeErrorFromStatus(resp.StatusCode(), responseMessage(resp))
	}
	return &signed, nil
}

// putPart sends one part to its signed URL. The URL carries its own
// signature and S3 requires an exact Content-Length, so the request is
// built on net/http instead of the authorized resty client.
func (c *Client) putPart(ctx context.Context, url string, body io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return &errors.StoreError{Kind: errors.KindTransport, Err: err}
	}
	req.ContentLength = size
	if size == 0 {
		req.Body = http.NoBody
	}

	resp, err := c.upload.Do(req)
	if err != nil {
		return &errors.StoreError{Kind: errors.KindTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return storeErrorFromStatus(resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func storeErrorFromStatus(status int, msg string) error {
	kind := errors.KindTransport
	switch {
	case isUnauthorized(status):
		kind = errors.KindUnauthorized
	case status == http.StatusConflict:
		kind = errors.KindConflict
	}
	return &errors.StoreError{Kind: kind, StatusCode: status, Message: msg}
}
