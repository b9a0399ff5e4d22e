// Package pipeline sequences the submission of a model to the conversion
// service and tracks the resulting job until it is ready or failed.
//
// A Run is the only stateful piece: it owns the current Stage, the
// credential, the stored object and the artifact reference of one
// conversion, and reports every transition to an Observer. The helpers it
// calls (credentials, object store, job submitter, status poller) are
// stateless and never retried here, except for isolated status poll
// failures.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/model-derivative-backend/pkg/logger"
	"github.com/instill-ai/model-derivative-backend/pkg/types"
)

const (
	// DefaultPollInterval is the delay between two status polls.
	DefaultPollInterval = 5 * time.Second
	// DefaultMaxConsecutivePollFailures is the number of consecutive failed
	// polls after which a run fails.
	DefaultMaxConsecutivePollFailures = 3
	// DefaultCredentialSkew is the margin before expiry at which a
	// credential is replaced.
	DefaultCredentialSkew = 30 * time.Second
)

// CredentialProvider obtains a bearer token for the conversion service.
type CredentialProvider interface {
	Authenticate(ctx context.Context) (types.Credential, error)
}

// CredentialInvalidator is implemented by providers that cache
// credentials. A run calls it when the service rejects a credential.
type CredentialInvalidator interface {
	Invalidate(ctx context.Context) error
}

// ObjectStore provisions buckets and uploads payloads into them.
type ObjectStore interface {
	EnsureBucket(ctx context.Context, cred types.Credential, bucketKey types.BucketKeyType) error
	Upload(ctx context.Context, cred types.Credential, bucketKey types.BucketKeyType, name string, payload types.Payload) (types.StoredObject, error)
}

// JobSubmitter requests the conversion of a stored object.
type JobSubmitter interface {
	Submit(ctx context.Context, cred types.Credential, obj types.StoredObject, format types.TargetFormat) (types.ConversionJob, error)
}

// StatusPoller queries the status of a conversion job once.
type StatusPoller interface {
	Poll(ctx context.Context, cred types.Credential, urn types.URNType) (types.JobStatus, error)
}

// Services groups the helpers a run calls. *aps.Client implements all of
// them.
type Services struct {
	Credentials CredentialProvider
	Store       ObjectStore
	Submitter   JobSubmitter
	Poller      StatusPoller
}

// Options tunes the orchestrator. Zero values select the defaults.
type Options struct {
	PollInterval               time.Duration
	MaxConsecutivePollFailures int
	CredentialSkew             time.Duration
	Logger                     *zap.Logger
	// Now is the clock used to check credential expiry.
	Now func() time.Time
}

// Input is what a caller supplies to start a run.
type Input struct {
	// Payload is the model to convert. Its name becomes the object key.
	Payload      types.Payload
	BucketKey    types.BucketKeyType
	TargetFormat types.TargetFormat
}

// Snapshot is the externally observable state of a run.
type Snapshot struct {
	Stage Stage
	// ObjectID is set once the payload is uploaded.
	ObjectID string
	// ArtifactRef is set once the conversion job is submitted.
	ArtifactRef types.URNType
	// Progress is the last fraction reported while polling, or -1.
	Progress float64
	// Messages are the diagnostics attached to the last manifest.
	Messages []types.DiagnosticMessage
	// Err is set when Stage is Failed. It wraps a *StageError carrying
	// an end-user message. A run whose input cannot be resolved goes
	// from Idle to Failed directly, tagged Submitting.
	Err error
}

// Observer receives every snapshot of a run, in order, from the goroutine
// driving the run. It must not block for long and it may read the run's
// Snapshot.
type Observer func(Snapshot)

// Orchestrator creates conversion runs sharing the same helpers and
// options. Runs are independent: the orchestrator holds no per-run state.
type Orchestrator struct {
	svc  Services
	opts Options
	log  *zap.Logger
}

// New returns an orchestrator calling svc.
func New(svc Services, opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxConsecutivePollFailures <= 0 {
		opts.MaxConsecutivePollFailures = DefaultMaxConsecutivePollFailures
	}
	if opts.CredentialSkew <= 0 {
		opts.CredentialSkew = DefaultCredentialSkew
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	log := opts.Logger
	if log == nil {
		log, _ = logger.GetZapLogger(context.Background())
	}

	return &Orchestrator{svc: svc, opts: opts, log: log}
}

// NewRun returns an idle run reporting to observer, which may be nil.
func (o *Orchestrator) NewRun(observer Observer) *Run {
	return &Run{
		o:        o,
		observer: observer,
		snap:     Snapshot{Stage: Idle, Progress: -1},
		done:     make(chan struct{}),
	}
}

// Execute starts a run and waits for its end. It returns the terminal
// snapshot, and the run error when the run failed. When ctx ends first the
// run is cancelled and ctx.Err() is returned.
func (o *Orchestrator) Execute(ctx context.Context, in Input, observer Observer) (Snapshot, error) {
	run := o.NewRun(observer)
	if err := run.Start(ctx, in); err != nil {
		return run.Snapshot(), err
	}

	snap, err := run.Wait(ctx)
	if err != nil {
		return snap, err
	}
	if snap.Stage != Ready && snap.Err == nil {
		// Cancelled through the parent context.
		return snap, context.Cause(ctx)
	}
	return snap, snap.Err
}
