package types

import (
	"io"
	"time"

	"github.com/gofrs/uuid"
)

type (
	// Conversion session unique identifier
	SessionUIDType = uuid.UUID
	// Partition (bucket) key in the remote object store
	BucketKeyType = string
	// Artifact reference (URL-safe base64 URN) assigned to a conversion job
	URNType = string
)

// TargetFormat is the output representation requested from the conversion
// service.
type TargetFormat string

const (
	// TargetFormatSVF is the legacy viewer representation.
	TargetFormatSVF TargetFormat = "svf"
	// TargetFormatSVF2 is the streaming viewer representation.
	TargetFormatSVF2 TargetFormat = "svf2"
)

// Valid reports whether f is one of the supported target formats.
func (f TargetFormat) Valid() bool {
	switch f {
	case TargetFormatSVF, TargetFormatSVF2:
		return true
	}
	return false
}

func (f TargetFormat) String() string {
	return string(f)
}

// Credential is a short-lived bearer token for the conversion service.
type Credential struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the credential must not be used at instant now.
// skew shortens the usable lifetime so that a token doesn't expire while a
// request is in flight.
func (c Credential) Expired(now time.Time, skew time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}

// StoredObject identifies an uploaded payload. It is never mutated once
// returned by the object store.
type StoredObject struct {
	BucketKey BucketKeyType
	ObjectKey string
	// ObjectID is the service-wide identifier, e.g.
	// urn:adsk.objects:os.object:{bucket}/{object}.
	ObjectID string
	Size     int64
	SHA1     string
}

// ConversionJob is the remote job created for a StoredObject. There is at
// most one job per object.
type ConversionJob struct {
	URN URNType
	// Created is false when the service reported an existing job for the
	// same object.
	Created bool
}

// JobState is the state of a conversion job as reported by a manifest.
type JobState string

const (
	// JobStateInProgress covers pending and running jobs.
	JobStateInProgress JobState = "in-progress"
	// JobStateSucceeded is reported once derivatives are available.
	JobStateSucceeded JobState = "succeeded"
	// JobStateFailed is reported when the service gave up on the job.
	JobStateFailed JobState = "failed"
)

// DiagnosticMessage is a message attached by the conversion service to a
// job manifest.
type DiagnosticMessage struct {
	Level   string `json:"level"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// JobStatus is the outcome of a single status poll.
type JobStatus struct {
	State JobState
	// Progress is a fraction in [0, 1]. Negative when the service didn't
	// report it.
	Progress float64
	Messages []DiagnosticMessage
}

// Payload is the binary model supplied by the caller.
type Payload struct {
	Name        string
	ContentType string
	// Size is the payload length in bytes. The object store requires it to
	// frame the upload.
	Size   int64
	Reader io.Reader
}
